package piecestore

import "errors"

var (
	ErrVerificationFailed = errors.New("piece failed hash verification")
	ErrPiecePoisoned      = errors.New("piece exhausted its verification retries")
	ErrStorage            = errors.New("storage failure")
	ErrRestoreMismatch    = errors.New("resume bitfield does not match torrent")
	ErrNotComplete        = errors.New("piece is not complete")
)
