// Package hcitest provides an in-memory Transport that records what the vendor
// state machines send and lets a test answer with events.
package hcitest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rigado/btvendor/linux/hci"
)

// Fake is an hci.UART with no controller behind it. Commands stay pending until
// the test completes them. Protocol violations are collected rather than
// panicking so a test can assert on them at the end.
type Fake struct {
	mu   sync.Mutex
	pool *hci.Pool

	frames     [][]byte
	pendingOp  uint16
	pendingCb  hci.Callback
	pendingID  uint64
	hasPending bool
	abandoned  bool
	bauds      []int
	violations []string
	allocs     int

	failAlloc    bool
	failAllocAt  int
	rejectTx     bool
	rejectTxAt   int
	transmits    int
	setBaudError error
}

// New returns a Fake with a pool sized like the real host's.
func New() *Fake {
	p, _ := hci.NewPool(hci.CmdPreambleSize+256, 16)
	return &Fake{pool: p}
}

// Allocate implements hci.Transport.
func (f *Fake) Allocate(size int) *hci.Buffer {
	f.mu.Lock()
	f.allocs++
	fail := f.failAlloc || (f.failAllocAt > 0 && f.allocs == f.failAllocAt)
	f.mu.Unlock()
	if fail {
		return nil
	}
	return f.pool.Get(size)
}

// Release implements hci.Transport.
func (f *Fake) Release(b *hci.Buffer) {
	if err := f.pool.Put(b); err != nil {
		f.violate("release: %v", err)
	}
}

// Transmit implements hci.Transport. A second command while one is still
// pending is recorded as a violation and refused.
func (f *Fake) Transmit(opcode uint16, b *hci.Buffer, done hci.Callback) bool {
	f.mu.Lock()
	f.transmits++
	if f.rejectTx || (f.rejectTxAt > 0 && f.transmits == f.rejectTxAt) {
		f.mu.Unlock()
		return false
	}
	if f.hasPending && !f.abandoned {
		f.mu.Unlock()
		f.violate("transmit %s while %s pending", hci.OpCodeString(opcode), hci.OpCodeString(f.PendingOp()))
		return false
	}
	if got := hci.FrameOpCode(b.Bytes()); got != opcode {
		f.mu.Unlock()
		f.violate("transmit opcode %04X, frame says %04X", opcode, got)
		return false
	}
	frame := append([]byte(nil), b.Bytes()...)
	f.frames = append(f.frames, frame)
	f.pendingOp, f.pendingCb, f.pendingID, f.hasPending, f.abandoned = opcode, done, b.ID(), true, false
	f.mu.Unlock()

	f.Release(b)
	return true
}

// Abandon implements hci.Abandoner. The pending command stays pending so a
// test can still answer it; the answer is dropped.
func (f *Fake) Abandon(opcode uint16, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasPending || f.pendingOp != opcode || f.pendingID != id {
		return false
	}
	f.abandoned = true
	return true
}

// Abandoned reports whether the pending command was given up on.
func (f *Fake) Abandoned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasPending && f.abandoned
}

// SetBaud implements hci.UART.
func (f *Fake) SetBaud(rate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bauds = append(f.bauds, rate)
	return f.setBaudError
}

// FailAllocation makes every Allocate return nil while on is set.
func (f *Fake) FailAllocation(on bool) {
	f.mu.Lock()
	f.failAlloc = on
	f.mu.Unlock()
}

// FailAllocationAt makes only the n-th Allocate call (1-based) return nil.
func (f *Fake) FailAllocationAt(n int) {
	f.mu.Lock()
	f.failAllocAt = n
	f.mu.Unlock()
}

// RejectTransmit makes every Transmit return false while on is set.
func (f *Fake) RejectTransmit(on bool) {
	f.mu.Lock()
	f.rejectTx = on
	f.mu.Unlock()
}

// RejectTransmitAt refuses only the n-th Transmit call (1-based).
func (f *Fake) RejectTransmitAt(n int) {
	f.mu.Lock()
	f.rejectTxAt = n
	f.mu.Unlock()
}

// FailSetBaud makes SetBaud return err.
func (f *Fake) FailSetBaud(err error) {
	f.mu.Lock()
	f.setBaudError = err
	f.mu.Unlock()
}

// Frames returns copies of every accepted command frame, oldest first.
func (f *Fake) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// OpCodes returns the opcode of every accepted command, oldest first.
func (f *Fake) OpCodes() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, hci.FrameOpCode(fr))
	}
	return out
}

// LastFrame returns the most recent accepted command frame or nil.
func (f *Fake) LastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

// Bauds returns every local speed change in order.
func (f *Fake) Bauds() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.bauds...)
}

// Violations returns every protocol violation seen so far.
func (f *Fake) Violations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.violations...)
}

// Outstanding is the number of buffers handed out and not yet released.
func (f *Fake) Outstanding() int {
	return f.pool.Outstanding()
}

// Pending reports whether a command is waiting for its event.
func (f *Fake) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasPending
}

// PendingOp is the opcode of the command waiting for its event, or 0.
func (f *Fake) PendingOp() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasPending {
		return 0
	}
	return f.pendingOp
}

// WaitPending polls until a command is pending or d elapses.
func (f *Fake) WaitPending(d time.Duration) (uint16, bool) {
	to := time.Now().Add(d)
	for {
		f.mu.Lock()
		op, ok := f.pendingOp, f.hasPending
		f.mu.Unlock()
		if ok {
			return op, true
		}
		if time.Now().After(to) {
			return 0, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Complete delivers event to the pending command's callback. event starts
// with the event code. It returns false if nothing was pending.
func (f *Fake) Complete(event []byte) bool {
	cb, ok := f.take()
	if !ok {
		return false
	}
	if cb == nil {
		// abandoned
		return true
	}
	b := f.pool.Get(len(event))
	if b == nil {
		f.violate("no buffer for event, callers leaked %d buffers", f.pool.Outstanding())
		cb(nil)
		return true
	}
	copy(b.Bytes(), event)
	cb(b)
	return true
}

// CompleteStatus answers the pending command with a Command Complete carrying
// its own opcode, status and params.
func (f *Fake) CompleteStatus(status byte, params ...byte) bool {
	return f.Complete(CommandComplete(f.PendingOp(), status, params...))
}

// CompleteNil hands the pending callback a nil event, as a transport does
// when it shuts down.
func (f *Fake) CompleteNil() bool {
	cb, ok := f.take()
	if !ok {
		return false
	}
	if cb == nil {
		return true
	}
	cb(nil)
	return true
}

// Run answers every command with respond until nothing is pending or max
// events have been delivered. It returns the number delivered.
func (f *Fake) Run(respond func(op uint16, frame []byte) []byte, max int) int {
	n := 0
	for n < max && f.Pending() {
		op := f.PendingOp()
		f.Complete(respond(op, f.LastFrame()))
		n++
	}
	return n
}

// OK answers every command with a successful Command Complete.
func OK(op uint16, _ []byte) []byte {
	return CommandComplete(op, 0)
}

// CommandComplete builds a Command Complete event for op.
func CommandComplete(op uint16, status byte, params ...byte) []byte {
	e := []byte{hci.EvtCommandComplete, byte(4 + len(params)), 1, 0, 0, status}
	binary.LittleEndian.PutUint16(e[3:], op)
	return append(e, params...)
}

// CommandStatus builds a Command Status event for op.
func CommandStatus(op uint16, status byte) []byte {
	e := []byte{hci.EvtCommandStatus, 4, status, 1, 0, 0}
	binary.LittleEndian.PutUint16(e[4:], op)
	return e
}

func (f *Fake) take() (hci.Callback, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasPending {
		return nil, false
	}
	cb := f.pendingCb
	if f.abandoned {
		cb = nil
	}
	f.pendingOp, f.pendingCb, f.pendingID, f.hasPending, f.abandoned = 0, nil, 0, false, false
	return cb, true
}

func (f *Fake) violate(format string, args ...interface{}) {
	f.mu.Lock()
	f.violations = append(f.violations, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}
