package peer

import "errors"

var (
	ErrProtocolViolation = errors.New("peer protocol violation")
	ErrPeerBanned        = errors.New("peer is banned")
	ErrTooManyPeers      = errors.New("peer limit reached")
	ErrDuplicatePeer     = errors.New("peer already connected")
	ErrUnknownPeer       = errors.New("unknown peer handle")
	ErrManagerClosed     = errors.New("peer manager is closed")
)
