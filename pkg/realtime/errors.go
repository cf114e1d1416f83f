package realtime

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by send operations on a closed [Link].
var ErrClosed = errors.New("realtime: link closed")

// Handshake stages reported by [SetupError].
const (
	StageConnect   = "connect"
	StageReady     = "ready"
	StageConfigure = "configure"
)

// SetupError reports a failed handshake. Either Detail carries the service's
// error event or Err carries the transport failure.
type SetupError struct {
	Stage  string
	Detail ErrorDetail
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: setup failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("realtime: setup failed at %s: %s", e.Stage, e.Detail)
}

func (e *SetupError) Unwrap() error { return e.Err }
