//go:build linux
// +build linux

package socket

import (
	"fmt"
	"io"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"golang.org/x/sys/unix"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioW(t, nr, size uintptr) uintptr {
	return (1 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return ep
	}
	return nil
}

const (
	ioctlSize      = 4
	hciMaxDevices  = 16
	typHCI         = 72 // 'H'
	readTimeout    = 1000
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)
)

var (
	hciDownDevice    = ioW(typHCI, 202, ioctlSize) // HCIDEVDOWN
	hciGetDeviceList = ioR(typHCI, 210, ioctlSize) // HCIGETDEVLIST
)

type devListRequest struct {
	devNum     uint16
	devRequest [hciMaxDevices]struct {
		id  uint16
		opt uint32
	}
}

// OpenRetry bounds how long NewSocket keeps trying a busy device.
var OpenRetry = 10 * time.Second

// Socket is an HCI user channel. Each Read returns one H4 packet, which is what
// the kernel delivers on this channel.
type Socket struct {
	fd   int
	id   int
	log  btvendor.Logger
	rmu  sync.Mutex
	wmu  sync.Mutex
	done chan struct{}
	cmu  sync.Mutex
}

// NewSocket binds the user channel of hci<id>. With id -1 the first device that
// can be bound is used.
func NewSocket(id int) (*Socket, error) {
	if id != -1 {
		var err error
		to := time.Now().Add(OpenRetry)
		for {
			var s *Socket
			if s, err = openID(id); err == nil {
				return s, nil
			}
			if !time.Now().Before(to) {
				return nil, err
			}
			<-time.After(time.Second)
		}
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	req := devListRequest{devNum: hciMaxDevices}
	err = ioctl(uintptr(fd), hciGetDeviceList, uintptr(unsafe.Pointer(&req)))
	unix.Close(fd)
	if err != nil {
		return nil, errors.Wrap(err, "can't get device list")
	}

	var msg string
	for i := 0; i < int(req.devNum); i++ {
		dev := int(req.devRequest[i].id)
		s, err := openID(dev)
		if err == nil {
			return s, nil
		}
		msg += fmt.Sprintf("(hci%d: %s)", dev, err)
	}
	return nil, errors.Errorf("no devices available: %s", msg)
}

func openID(id int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	s, err := open(fd, id)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func open(fd, id int) (*Socket, error) {
	// the user channel wants the device down and nobody else bound to it
	if err := ioctl(uintptr(fd), hciDownDevice, uintptr(id)); err != nil {
		return nil, errors.Wrapf(err, "can't down hci%d", id)
	}

	sa := unix.SockaddrHCI{Dev: uint16(id), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, &sa); err != nil {
		return nil, errors.Wrapf(err, "can't bind hci%d user channel", id)
	}

	// drain anything left over from the previous owner
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unixPollDataIn}}
	unix.Poll(pfds, 20)
	evts := pfds[0].Revents

	switch {
	case evts&unixPollErrors != 0:
		return nil, io.EOF

	case evts&unixPollDataIn != 0:
		b := make([]byte, 2048)
		unix.Read(fd, b)
	}

	s := &Socket{
		fd:   fd,
		id:   id,
		log:  btvendor.ComponentLogger("socket"),
		done: make(chan struct{}),
	}
	s.log.Infof("bound hci%d user channel", id)
	return s, nil
}

// ID is the index of the bound controller.
func (s *Socket) Read(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	var err error
	n := 0
	s.rmu.Lock()
	defer s.rmu.Unlock()
	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unixPollDataIn}}
	unix.Poll(pfds, readTimeout)
	evts := pfds[0].Revents

	switch {
	case evts&unixPollErrors != 0:
		s.log.Errorf("hci%d: poll events 0x%04x", s.id, evts)
		return 0, io.EOF

	case evts&unixPollDataIn != 0:
		n, err = unix.Read(s.fd, p)

	default:
		// timeout
		return 0, nil
	}

	if !s.isOpen() {
		return 0, io.EOF
	}
	return n, errors.Wrap(err, "can't read hci socket")
}

func (s *Socket) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, p)
	return n, errors.Wrap(err, "can't write hci socket")
}

func (s *Socket) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	select {
	case <-s.done:
		return nil

	default:
		close(s.done)
		s.log.Debugf("closing hci%d", s.id)
		s.rmu.Lock()
		err := unix.Close(s.fd)
		s.rmu.Unlock()

		return errors.Wrap(err, "can't close hci socket")
	}
}

func (s *Socket) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
