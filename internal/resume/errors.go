package resume

import "errors"

var (
	ErrDecode = errors.New("invalid resume data")
	ErrSave   = errors.New("failed to save resume data")
)
