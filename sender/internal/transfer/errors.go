package transfer

import (
	"errors"
	"fmt"
)

// ConnectionError reports a failure talking to the remote host.
type ConnectionError struct {
	Op   string // dial | mkdir | create | write | rename
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transfer: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LocalError reports a failure reading the local source file.
type LocalError struct {
	Path string
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("transfer: read local %q: %v", e.Path, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// IsConnection reports whether err carries a *ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsLocal reports whether err carries a *LocalError.
func IsLocal(err error) bool {
	var le *LocalError
	return errors.As(err, &le)
}
