package protocol

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed rejects any command issued against, or outstanding
// on, a session that is closing or closed.
var ErrConnectionClosed = errors.New("connection closed")

// EnableError reports a failed domain enable attempt. Critical marks
// whether the failure aborts session bring-up.
type EnableError struct {
	Domain   string
	Critical bool
	Err      error
}

func (e *EnableError) Error() string {
	return fmt.Sprintf("enabling %s domain: %v", e.Domain, e.Err)
}

func (e *EnableError) Unwrap() error { return e.Err }

// InitError aborts session bring-up; the session moves to closed.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initializing session: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
