package hci

import (
	"encoding/binary"
	"fmt"

	"github.com/rigado/btvendor"
)

// Callback is invoked once per transmitted command with the event that completed it.
// The callback owns evt and must release it. A nil evt means the command will never
// complete (transport closed, or no buffer for the event).
type Callback func(evt *Buffer)

// Transport is the boundary between the vendor sub-machines and the controller link.
// The sub-machines never allocate packet buffers themselves.
type Transport interface {
	// Allocate returns a buffer of size bytes or nil.
	Allocate(size int) *Buffer
	// Release gives b back. Every buffer is released exactly once.
	Release(b *Buffer)
	// Transmit sends b as a command. On true the transport owns b and calls done
	// once the matching event arrives, never from within Transmit itself; on false
	// the caller still owns b.
	Transmit(opcode uint16, b *Buffer, done Callback) bool
}

// Abandoner is implemented by transports that can give up on a transmitted
// command. The command is not withdrawn from the controller: its callback is
// never called, a late event is released, and the opcode may be sent again.
// id is the ID of the buffer that was transmitted.
type Abandoner interface {
	Abandon(opcode uint16, id uint64) bool
}

// UART is a Transport whose local line speed can be changed to follow the controller.
type UART interface {
	Transport
	SetBaud(rate int) error
}

// NewCommand allocates a buffer from t holding opcode, length and params.
// It returns nil when t has no buffer to give.
func NewCommand(t Transport, opcode uint16, params []byte) (*Buffer, error) {
	if len(params) > maxHciPayload {
		return nil, fmt.Errorf("invalid length %v; max hci payload length is %v", len(params), maxHciPayload)
	}

	b := t.Allocate(CmdPreambleSize + len(params))
	if b == nil {
		return nil, nil
	}
	p := b.Bytes()
	binary.LittleEndian.PutUint16(p, opcode)
	p[2] = byte(len(params))
	copy(p[CmdPreambleSize:], params)
	return b, nil
}

// Send builds and transmits a command. If the transport refuses it the buffer is
// released here and ErrTransmitRejected returned; no buffer yields ErrAllocation.
func Send(t Transport, opcode uint16, params []byte, done Callback) error {
	b, err := NewCommand(t, opcode, params)
	if err != nil {
		return err
	}
	if b == nil {
		return btvendor.ErrAllocation
	}
	if !t.Transmit(opcode, b, done) {
		t.Release(b)
		return btvendor.ErrTransmitRejected
	}
	return nil
}

// FrameOpCode reads the opcode of a raw command frame (preamble first).
func FrameOpCode(frame []byte) uint16 {
	if len(frame) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(frame)
}

// OpCodeString formats an opcode as (ogf|ocf), the way hcidump prints it.
func OpCodeString(op uint16) string {
	return fmt.Sprintf("0x%04X (0x%02x|0x%04x)", op, op>>ogfBitShift, op&0x3FF)
}
