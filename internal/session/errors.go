package session

import "errors"

var (
	ErrForbidden         = errors.New("device may not generate keys")
	ErrKeyspaceExhausted = errors.New("no free keys left")
	ErrUnknownSession    = errors.New("unknown key")
	ErrInvalidPayload    = errors.New("invalid or no file submitted")
	ErrTranscodeFailed   = errors.New("transcoding failed")
)
