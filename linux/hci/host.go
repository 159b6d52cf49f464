package hci

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci/evt"
)

// baudSetter is implemented by links whose line speed can change (h4 serial).
type baudSetter interface {
	SetBaud(rate int) error
}

type pending struct {
	id uint64
	cb Callback
	// abandoned commands are replaced by the next one with the same opcode
	abandoned bool
}

// Host implements UART over a packet oriented link: every Read returns exactly one
// H4 packet and every Write carries one. A single dispatch goroutine delivers
// completions, so callbacks never run concurrently with each other.
type Host struct {
	skt  io.ReadWriteCloser
	pool *Pool
	log  btvendor.Logger

	// one pending command per opcode
	muSent sync.Mutex
	sent   map[uint16]*pending

	wmu sync.Mutex

	muClose   sync.Mutex
	done      chan struct{}
	sktRxChan chan []byte

	muErr sync.Mutex
	err   error
}

// NewHost starts the read and dispatch loops on skt.
func NewHost(skt io.ReadWriteCloser) (*Host, error) {
	if skt == nil {
		return nil, btvendor.ErrNotReady
	}
	pool, err := NewPool(poolDepth, poolSize)
	if err != nil {
		return nil, err
	}

	h := &Host{
		skt:       skt,
		pool:      pool,
		log:       btvendor.ComponentLogger("hci"),
		sent:      make(map[uint16]*pending),
		done:      make(chan struct{}),
		sktRxChan: make(chan []byte, 16),
	}

	go h.sktReadLoop()
	go h.sktProcessLoop()
	return h, nil
}

// Allocate implements Transport.
func (h *Host) Allocate(size int) *Buffer {
	return h.pool.Get(size)
}

// Release implements Transport.
func (h *Host) Release(b *Buffer) {
	if err := h.pool.Put(b); err != nil {
		h.log.Errorf("release: %v", err)
	}
}

// Outstanding is the number of buffers not yet released.
func (h *Host) Outstanding() int {
	return h.pool.Outstanding()
}

// Transmit implements Transport.
func (h *Host) Transmit(opcode uint16, b *Buffer, done Callback) bool {
	if b == nil || !h.isOpen() {
		return false
	}

	// register before writing, the event may beat Write back
	p := &pending{id: b.ID(), cb: done}
	h.muSent.Lock()
	if old, ok := h.sent[opcode]; ok {
		if !old.abandoned {
			h.muSent.Unlock()
			h.log.Warnf("command %v already pending", OpCodeString(opcode))
			return false
		}
		h.log.Debugf("replacing abandoned command %v", OpCodeString(opcode))
	}
	h.sent[opcode] = p
	h.muSent.Unlock()

	pkt := make([]byte, 1+b.Len())
	pkt[0] = PktTypeCommand
	copy(pkt[1:], b.Bytes())

	h.wmu.Lock()
	n, err := h.skt.Write(pkt)
	h.wmu.Unlock()

	if err != nil || n != len(pkt) {
		h.muSent.Lock()
		if h.sent[opcode] == p {
			delete(h.sent, opcode)
		}
		h.muSent.Unlock()
		if err == nil {
			err = io.ErrShortWrite
		}
		h.log.Errorf("cmd %v: write failed: %v", OpCodeString(opcode), err)
		return false
	}

	h.log.Debugf("< cmd %v [% X]", OpCodeString(opcode), pkt)
	h.Release(b)
	return true
}

// Abandon implements Abandoner.
func (h *Host) Abandon(opcode uint16, id uint64) bool {
	h.muSent.Lock()
	defer h.muSent.Unlock()
	p, ok := h.sent[opcode]
	if !ok || p.id != id {
		return false
	}
	p.abandoned = true
	return true
}

// SetBaud implements UART. Links without a line speed ignore it.
func (h *Host) SetBaud(rate int) error {
	bs, ok := h.skt.(baudSetter)
	if !ok {
		h.log.Debugf("link has no line speed, ignoring baud %d", rate)
		return nil
	}
	return errors.Wrapf(bs.SetBaud(rate), "set local baud %d", rate)
}

// Close stops the loops and fails every pending command.
func (h *Host) Close() error {
	h.muClose.Lock()
	defer h.muClose.Unlock()

	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
	}
	return h.skt.Close()
}

// Err returns the error that stopped the read loop, if any.
func (h *Host) Err() error {
	h.muErr.Lock()
	defer h.muErr.Unlock()
	return h.err
}

func (h *Host) setErr(err error) {
	h.muErr.Lock()
	h.err = err
	h.muErr.Unlock()
}

func (h *Host) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Host) sktReadLoop() {
	defer close(h.sktRxChan)

	b := make([]byte, 4096)
	for {
		n, err := h.skt.Read(b)

		switch {
		case n == 0 && err == nil:
			// read timeout
			if !h.isOpen() {
				return
			}
			continue

		//callers depend on detecting io.EOF, don't wrap it.
		case err == io.EOF:
			h.setErr(err)
			return

		case err != nil:
			if !h.isOpen() {
				return
			}
			h.setErr(errors.Wrap(err, "skt read"))
			return

		default:
			p := make([]byte, n)
			copy(p, b)
			select {
			case h.sktRxChan <- p:
			case <-h.done:
				return
			}
		}
	}
}

func (h *Host) sktProcessLoop() {
	defer h.failPending()

	for {
		select {
		case <-h.done:
			return
		case p, ok := <-h.sktRxChan:
			if !ok {
				h.log.Debug("socket rx closed")
				return
			}
			if err := h.handlePkt(p); err != nil {
				h.log.Warn(err)
			}
		}
	}
}

func (h *Host) failPending() {
	h.muSent.Lock()
	cbs := make([]Callback, 0, len(h.sent))
	for op, p := range h.sent {
		if !p.abandoned {
			cbs = append(cbs, p.cb)
		}
		delete(h.sent, op)
	}
	h.muSent.Unlock()

	for _, cb := range cbs {
		cb(nil)
	}
}

func (h *Host) handlePkt(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	// Strip the 1-byte HCI header and pass down the rest of the packet.
	t, b := b[0], b[1:]
	switch t {
	case PktTypeEvent:
		return h.handleEvt(b)
	case PktTypeACLData:
		return fmt.Errorf("unexpected acl packet: % X", b)
	case PktTypeSCOData:
		return fmt.Errorf("unsupported sco packet: % X", b)
	case PktTypeVendor:
		return fmt.Errorf("unsupported vendor packet: % X", b)
	default:
		return fmt.Errorf("invalid packet: 0x%02X % X", t, b)
	}
}

func (h *Host) handleEvt(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("short event packet: % X", b)
	}
	code, plen := int(b[0]), int(b[1])
	if plen != len(b[2:]) {
		return fmt.Errorf("invalid event packet: % X", b)
	}
	h.log.Debugf("> evt 0x%02X [% X]", code, b)

	var op uint16
	var err error
	switch code {
	case EvtCommandComplete:
		op, err = evt.CommandComplete(b).CommandOpcodeWErr()
	case EvtCommandStatus:
		op, err = evt.CommandStatus(b).CommandOpcodeWErr()
	case EvtVendor:
		// Ignore vendor events
		return nil
	case EvtHardwareError:
		return fmt.Errorf("controller hardware error: % X", b)
	default:
		return fmt.Errorf("unsupported event packet: % X", b)
	}
	if err != nil {
		return errors.Wrapf(err, "event 0x%02X", code)
	}

	// NOP command, used for flow control purpose [Vol 2, Part E, 4.4]
	if op == 0x0000 {
		return nil
	}

	h.muSent.Lock()
	p, found := h.sent[op]
	delete(h.sent, op)
	h.muSent.Unlock()

	if !found {
		return fmt.Errorf("can't find the cmd for event: % X", b)
	}
	if p.abandoned {
		h.log.Debugf("dropping late event of abandoned cmd %v", OpCodeString(op))
		return nil
	}
	cb := p.cb

	e := h.pool.Get(len(b))
	if e == nil {
		h.log.Errorf("no buffer for event of cmd %v", OpCodeString(op))
		cb(nil)
		return nil
	}
	copy(e.Bytes(), b)
	cb(e)
	return nil
}
