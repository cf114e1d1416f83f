package bridge

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// ErrTransportClosed reports that one side of a session went away.
var ErrTransportClosed = errors.New("bridge: transport closed")

// ErrLinkClosed is returned by the [Router] when the speech service link stops
// delivering events. It wraps [ErrTransportClosed].
var ErrLinkClosed = fmt.Errorf("bridge: ai link closed: %w", ErrTransportClosed)

// SetupError reports a session whose speech service handshake failed. It is
// the same type the realtime package returns, so errors.As works across both.
type SetupError = realtime.SetupError

// Conversion stages reported by [ConversionError].
const (
	StageUplink   = "uplink"
	StageDownlink = "downlink"
)

// ConversionError reports audio that could not be converted. It ends the loop
// that produced it but not the session.
type ConversionError struct {
	Stage string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("bridge: %s conversion: %v", e.Stage, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }
