package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidMessage is returned before any network activity when a
	// message has neither text nor attachments.
	ErrInvalidMessage = errors.New("invalid message")
	ErrForbidden      = errors.New("forbidden")

	ErrSendFailed     = errors.New("send failed")
	ErrUploadFailed   = errors.New("upload failed")
	ErrRemoteRejected = errors.New("remote rejected")
	ErrTransport      = errors.New("transport error")
	ErrTimeout        = errors.New("timeout")
)

// SendError is returned when an outgoing operation failed after the cache
// was optimistically mutated. The mutation has been rolled back by the
// time the caller sees it.
type SendError struct {
	Scope Scope
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Scope, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// Is makes every SendError match ErrSendFailed in addition to its cause.
func (e *SendError) Is(target error) bool {
	return target == ErrSendFailed
}
