package btvendor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds reported by the sub-machines. Everything except ErrPatchNotFound ends
// the run of the sub-machine that hit it.
var (
	ErrAllocation       = errors.New("buffer allocation failed")
	ErrTransmitRejected = errors.New("transport rejected command")
	ErrPatchNotFound    = errors.New("firmware patch not found")
	ErrPatchTruncated   = errors.New("firmware patch truncated")
	ErrTimeout          = errors.New("timed out waiting for command complete")
	ErrNotReady         = errors.New("transport not ready")
	ErrUnexpectedEvent  = errors.New("unexpected command complete")
	ErrUnknownChip      = errors.New("unknown controller")
	ErrBusy             = errors.New("operation already in progress")
	ErrClosed           = errors.New("transport closed")
)

// ErrCommand is a non-zero status returned by the controller in a command complete event.
type ErrCommand byte

func (e ErrCommand) Error() string {
	if s, ok := commandStatus[e]; ok {
		return fmt.Sprintf("hci: %s (0x%02X)", s, byte(e))
	}
	return fmt.Sprintf("hci: status 0x%02X", byte(e))
}

// [Vol 2, Part D, 1.3]
var commandStatus = map[ErrCommand]string{
	0x01: "unknown HCI command",
	0x02: "unknown connection identifier",
	0x03: "hardware failure",
	0x07: "memory capacity exceeded",
	0x0C: "command disallowed",
	0x11: "unsupported feature or parameter value",
	0x12: "invalid HCI command parameters",
	0x1F: "unspecified error",
	0x20: "unsupported LMP parameter value",
	0x23: "LMP error transaction collision",
	0x3A: "controller busy",
}
