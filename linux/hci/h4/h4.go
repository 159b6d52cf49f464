package h4

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
)

const (
	rxQueueSize = 64

	pktTypeACL   = 0x02
	pktTypeEvent = 0x04

	// speed of a Broadcom controller out of reset
	DefaultBaudRate = 115200
)

// DefaultSerialOptions returns 8N1 with hardware flow control at the reset speed.
func DefaultSerialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		BaudRate:          DefaultBaudRate,
		DataBits:          8,
		StopBits:          1,
		ParityMode:        serial.PARITY_NONE,
		RTSCTSFlowControl: true,
	}
}

// openPort is replaced in tests.
var openPort = func(o serial.OpenOptions) (io.ReadWriteCloser, error) {
	return serial.Open(o)
}

// Serial is an H4 UART link. Read returns one complete H4 packet per call and
// times out with (0, nil) after a second so callers can poll for shutdown.
type Serial struct {
	opts serial.OpenOptions
	log  btvendor.Logger

	// spmu guards sp, which is swapped on a baud change. Reads and writes
	// share it, only a swap or close takes it exclusively.
	spmu sync.RWMutex
	sp   io.ReadWriteCloser
	wmu  sync.Mutex

	rxQueue chan []byte
	frmu    sync.Mutex
	fr      *frame

	done chan struct{}
	cmu  sync.Mutex
}

// NewSerial opens the port described by opts and starts assembling packets.
func NewSerial(opts serial.OpenOptions) (*Serial, error) {
	// force these
	opts.MinimumReadSize = 0
	opts.InterCharacterTimeout = 100

	s := &Serial{
		opts:    opts,
		log:     btvendor.ComponentLogger("h4"),
		rxQueue: make(chan []byte, rxQueueSize),
		done:    make(chan struct{}),
	}
	s.fr = newFrame(s.rxQueue)

	sp, err := openPort(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", opts.PortName)
	}
	s.sp = sp
	s.log.Infof("opened %s at %d baud", opts.PortName, opts.BaudRate)

	go s.rxLoop()
	return s, nil
}

// Baud returns the current local line speed.
func (s *Serial) Baud() int {
	s.spmu.RLock()
	defer s.spmu.RUnlock()
	return int(s.opts.BaudRate)
}

// SetBaud reopens the port at rate. The termios speed can only be set on open
// through the serial package, so the descriptor is replaced.
func (s *Serial) SetBaud(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("invalid baud rate %d", rate)
	}
	if !s.isOpen() {
		return io.EOF
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.spmu.Lock()
	defer s.spmu.Unlock()

	if int(s.opts.BaudRate) == rate {
		return nil
	}

	if err := s.sp.Close(); err != nil {
		s.log.Warnf("close before baud switch: %v", err)
	}

	o := s.opts
	o.BaudRate = uint(rate)
	sp, err := openPort(o)
	if err != nil {
		s.sp = nil
		return errors.Wrapf(err, "reopen %s at %d", o.PortName, rate)
	}
	s.sp = sp
	s.opts = o

	s.frmu.Lock()
	s.fr.reset()
	s.frmu.Unlock()
	s.log.Debugf("local baud now %d", rate)
	return nil
}

func (s *Serial) Read(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	select {
	case t := <-s.rxQueue:
		if len(p) < len(t) {
			return 0, fmt.Errorf("buffer too small")
		}
		return copy(p, t), nil

	case <-time.After(time.Second):
		return 0, nil

	case <-s.done:
		return 0, io.EOF
	}
}

func (s *Serial) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.spmu.RLock()
	defer s.spmu.RUnlock()
	if s.sp == nil {
		return 0, errors.New("h4: port not open")
	}

	n, err := s.sp.Write(p)
	return n, errors.Wrap(err, "can't write h4")
}

func (s *Serial) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	s.spmu.Lock()
	defer s.spmu.Unlock()
	if s.sp == nil {
		return nil
	}
	err := s.sp.Close()
	s.sp = nil
	return errors.Wrap(err, "can't close h4")
}

func (s *Serial) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Serial) rxLoop() {
	tmp := make([]byte, 512)
	for s.isOpen() {
		// a read waits at most InterCharacterTimeout, so a baud switch waits that long at most
		s.spmu.RLock()
		sp := s.sp
		var n int
		var err error
		if sp != nil {
			n, err = sp.Read(tmp)
		}
		s.spmu.RUnlock()

		if n > 0 {
			s.frmu.Lock()
			s.fr.Assemble(tmp[:n])
			s.frmu.Unlock()
		}

		switch {
		case sp == nil:
			time.Sleep(10 * time.Millisecond)
		case err != nil && err != io.EOF && s.isOpen():
			s.log.Debugf("read: %v", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}
