package messaging

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrUpload     = errors.New("image upload failed")
	ErrTransport  = errors.New("store unavailable")
)
