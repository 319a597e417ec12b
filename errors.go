package uvc

import (
	"errors"
	"fmt"
)

// Errors returned by Session and BufferPool. Failures wrap one of these, test
// with errors.Is.
var (
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrNoMatchingDevice  = errors.New("no matching device")
	ErrOpenFailed        = errors.New("opening device failed")
	ErrFormatRejected    = errors.New("format rejected")
	ErrBufferSetupFailed = errors.New("buffer setup failed")
	ErrStreamFailed      = errors.New("starting stream failed")
	ErrDequeueFailed     = errors.New("dequeue failed")
	ErrDequeueFatal      = errors.New("dequeue failed, device unusable")
	ErrControlFailed     = errors.New("device control failed")
)

// StateError is returned when an operation is called in a state that does
// not allow it. It matches ErrInvalidState.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
