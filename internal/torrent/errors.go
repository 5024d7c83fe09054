package torrent

// internal/torrent/errors.go
import "errors"

var (
	ErrInvalidMetadata   = errors.New("invalid torrent metadata")
	ErrInfoHashMismatch  = errors.New("info dict does not match info hash")
	ErrUnsupportedSource = errors.New("torrent source must be a magnet URI or a .torrent file")
	ErrInvalidPiece      = errors.New("piece index out of range")
)
