// Package bridge turns the asynchronous command/completion contract into a
// blocking call with a deadline.
package bridge

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/evt"
)

// DefaultTimeout bounds the wait for a command complete.
const DefaultTimeout = 500 * time.Millisecond

// Bridge sends one command at a time on behalf of a blocking caller.
type Bridge struct {
	t       hci.Transport
	timeout time.Duration
	log     btvendor.Logger

	// one synchronous call at a time
	mu sync.Mutex
}

// New returns a Bridge over t. A timeout <= 0 means DefaultTimeout.
func New(t hci.Transport, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		t:       t,
		timeout: timeout,
		log:     btvendor.ComponentLogger("bridge"),
	}
}

// Timeout is the deadline of a call.
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// SendAndWait sends opcode with payload and waits for its completion. It
// returns a copy of the event (event code first) and nil, ErrCommand when the
// controller answered with a non-zero status, ErrTimeout when nothing came
// back in time, ErrTransmitRejected or ErrNotReady. A timed out command is
// not withdrawn; its late completion is dropped.
func (b *Bridge) SendAndWait(opcode uint16, payload []byte) ([]byte, error) {
	if b == nil || b.t == nil {
		return nil, btvendor.ErrNotReady
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	deadline := time.After(b.timeout)

	// buffered so a late completion never blocks the dispatcher
	rsp := make(chan []byte, 1)
	closed := make(chan struct{}, 1)
	done := func(e *hci.Buffer) {
		if e == nil {
			closed <- struct{}{}
			return
		}
		p := append([]byte(nil), e.Bytes()...)
		b.t.Release(e)
		rsp <- p
	}

	cmd, err := hci.NewCommand(b.t, opcode, payload)
	switch {
	case err != nil:
		return nil, err
	case cmd == nil:
		return nil, errors.Wrap(btvendor.ErrNotReady, btvendor.ErrAllocation.Error())
	}
	id := cmd.ID()
	if !b.t.Transmit(opcode, cmd, done) {
		b.t.Release(cmd)
		return nil, btvendor.ErrTransmitRejected
	}
	b.log.Debugf("sent %s, waiting %v", hci.OpCodeString(opcode), b.timeout)

	select {
	case p := <-rsp:
		if op := evt.Opcode(p); op != opcode {
			b.log.Warnf("%s answered by %s", hci.OpCodeString(opcode), hci.OpCodeString(op))
		}
		if st := evt.CommandComplete(p).Status(); st != 0 {
			return p, errors.Wrapf(btvendor.ErrCommand(st), "%s", hci.OpCodeString(opcode))
		}
		return p, nil

	case <-closed:
		return nil, errors.Wrapf(btvendor.ErrClosed, "%s", hci.OpCodeString(opcode))

	case <-deadline:
		b.log.Warnf("%s: no command complete after %v", hci.OpCodeString(opcode), b.timeout)
		// free the opcode for the next caller; a late event is dropped
		if a, ok := b.t.(hci.Abandoner); ok && !a.Abandon(opcode, id) {
			b.log.Debugf("%s: completed while timing out", hci.OpCodeString(opcode))
		}
		return nil, errors.Wrapf(btvendor.ErrTimeout, "%s", hci.OpCodeString(opcode))
	}
}

// SendFrame sends a complete command frame (opcode, length, parameters) the
// way SendAndWait does.
func (b *Bridge) SendFrame(frame []byte) ([]byte, error) {
	if len(frame) < hci.CmdPreambleSize {
		return nil, errors.Errorf("short command frame: % X", frame)
	}
	if int(frame[2]) != len(frame)-hci.CmdPreambleSize {
		return nil, errors.Errorf("command frame length %d, carries %d", frame[2], len(frame)-hci.CmdPreambleSize)
	}
	return b.SendAndWait(hci.FrameOpCode(frame), frame[hci.CmdPreambleSize:])
}
