package transport

import "errors"

var (
	ErrClosed         = errors.New("transport is closed")
	ErrUnknownHandle  = errors.New("unknown connection handle")
	ErrSendQueueFull  = errors.New("send queue is full")
	ErrNoMetadataExt  = errors.New("peer does not support ut_metadata")
	ErrWrongInfoHash  = errors.New("peer answered for another torrent")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)
