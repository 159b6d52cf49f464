//go:build !linux
// +build !linux

package socket

import (
	"github.com/pkg/errors"
)

// Socket is only available on linux.
type Socket struct{}

func NewSocket(id int) (*Socket, error) {
	return nil, errors.New("hci user channel requires linux")
}

func (s *Socket) Read(p []byte) (int, error)  { return 0, errors.New("not supported") }
func (s *Socket) Write(p []byte) (int, error) { return 0, errors.New("not supported") }
func (s *Socket) Close() error                { return nil }
