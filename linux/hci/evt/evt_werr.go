package evt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Offsets into a complete event packet (event code first), as the vendor firmware
// documentation counts them.
const (
	OffsetCmdCompleteOpcode = 3
	OffsetCmdCompleteStatus = 5
	OffsetLocalName         = 6
	OffsetBDAddr            = 6
	OffsetLMPSubversion     = 12

	offsetCmdStatusStatus = 2
	offsetCmdStatusOpcode = 4

	// MaxLocalNameLen [Vol 2, Part E, 7.3.12]
	MaxLocalNameLen = 248
)

// CommandComplete is a Command Complete event [Vol 2, Part E, 7.7.14]:
//
//	0x0E, plen, ncmd, opcode(2), status, return parameters...
type CommandComplete []byte

// CommandStatus is a Command Status event [Vol 2, Part E, 7.7.15]:
//
//	0x0F, plen, status, ncmd, opcode(2)
type CommandStatus []byte

func (e CommandComplete) CommandOpcodeWErr() (uint16, error) {
	return getUint16LE(e, OffsetCmdCompleteOpcode, 0xffff)
}

func (e CommandComplete) StatusWErr() (uint8, error) {
	if len(e) > 0 && e[0] == 0x0F {
		return CommandStatus(e).StatusWErr()
	}
	return getByte(e, OffsetCmdCompleteStatus, 0xff)
}

// LocalNameWErr returns the NUL terminated name of a Read Local Name reply.
func (e CommandComplete) LocalNameWErr() ([]byte, error) {
	b, err := getBytes(e, OffsetLocalName, -1)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxLocalNameLen {
		b = b[:MaxLocalNameLen]
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return b, nil
}

// BDAddrWErr returns the address of a Read BD_ADDR reply in wire order.
func (e CommandComplete) BDAddrWErr() ([]byte, error) {
	return getBytes(e, OffsetBDAddr, 6)
}

// LMPSubversionWErr decodes the subversion of a Read Local Version Information reply.
func (e CommandComplete) LMPSubversionWErr() (uint16, error) {
	return getUint16LE(e, OffsetLMPSubversion, 0)
}

func (e CommandStatus) StatusWErr() (uint8, error) {
	return getByte(e, offsetCmdStatusStatus, 0xff)
}

func (e CommandStatus) CommandOpcodeWErr() (uint16, error) {
	return getUint16LE(e, offsetCmdStatusOpcode, 0xffff)
}

// get or default
func getByte(b []byte, i int, def byte) (byte, error) {
	bb, err := getBytes(b, i, 1)
	if err != nil {
		return def, err
	}
	return bb[0], nil
}

// get or default
func getUint16LE(b []byte, i int, def uint16) (uint16, error) {
	bb, err := getBytes(b, i, 2)
	if err != nil {
		return def, err
	}
	return binary.LittleEndian.Uint16(bb), nil
}

func getBytes(b []byte, start int, count int) ([]byte, error) {
	if b == nil || start > len(b) || (start == len(b) && count != -1 && count != 0) {
		return nil, fmt.Errorf("index error: %d+%d of %d", start, count, len(b))
	}

	if count < 0 {
		return b[start:], nil
	}

	end := start + count
	//end is non-inclusive
	if end > len(b) {
		return nil, fmt.Errorf("index error: %d+%d of %d", start, count, len(b))
	}

	return b[start:end], nil
}
