package h4

import (
	"fmt"
	"time"
)

const (
	headerOffsetEventLength = 2
	headerLengthEvent       = 3
	headerLengthACL         = 5

	frameTimeout = 500 * time.Millisecond
)

// frame reassembles H4 packets from the byte stream of the UART.
// A partial packet older than frameTimeout is dropped.
type frame struct {
	b       []byte
	timeout time.Time
	out     chan []byte
	pktType byte
	now     func() time.Time
}

func newFrame(c chan []byte) *frame {
	return &frame{
		b:   make([]byte, 0, 256),
		out: c,
		now: time.Now,
	}
}

// Assemble consumes b and emits every completed packet on the out channel.
func (f *frame) Assemble(b []byte) {
	for len(b) > 0 {
		if !f.timeout.IsZero() && f.now().After(f.timeout) {
			f.reset()
		}

		if len(f.b) == 0 {
			i := f.waitStart(b)
			if i < 0 {
				return
			}
			b = b[i:]
		}

		f.b = append(f.b, b...)
		b = nil

		tl, err := f.length()
		if err != nil || len(f.b) < tl {
			return
		}

		out := make([]byte, tl)
		copy(out, f.b[:tl])
		f.out <- out

		// whatever follows belongs to the next packet
		if len(f.b) > tl {
			b = append([]byte(nil), f.b[tl:]...)
		}
		f.reset()
	}
}

func (f *frame) reset() {
	f.b = f.b[:0]
	f.timeout = time.Time{}
	f.pktType = 0
}

// waitStart finds the packet type indicator and returns its index, or -1.
func (f *frame) waitStart(b []byte) int {
	for i, v := range b {
		switch v {
		case pktTypeEvent, pktTypeACL:
			f.pktType = v
			f.timeout = f.now().Add(frameTimeout)
			return i
		}
	}
	return -1
}

func (f *frame) length() (int, error) {
	switch f.pktType {
	case pktTypeEvent:
		if len(f.b) < headerLengthEvent {
			return 0, fmt.Errorf("not enough bytes")
		}
		return int(f.b[headerOffsetEventLength]) + headerLengthEvent, nil
	case pktTypeACL:
		if len(f.b) < headerLengthACL {
			return 0, fmt.Errorf("not enough bytes")
		}
		l := int(f.b[3]) | (int(f.b[4]) << 8)
		return l + headerLengthACL, nil
	default:
		return 0, fmt.Errorf("invalid packet type %v", f.pktType)
	}
}
