package patch

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
)

const (
	preambleSize = 3
	lengthOffset = 2

	// opLaunchRAM is the last command of a patch.
	opLaunchRAM = 0xFC4E
)

// Reader yields the command frames of a patch file. Each frame is a 3 byte
// preamble (opcode LE16, length) and length payload bytes.
type Reader struct {
	path      string
	f         io.ReadCloser
	frames    int
	launched  bool
	malformed bool
	log       btvendor.Logger
}

// Open opens the patch at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(btvendor.ErrPatchNotFound, "open: %v", err)
	}
	return NewReader(path, f), nil
}

// NewReader reads frames from rc; name is used in log lines.
func NewReader(name string, rc io.ReadCloser) *Reader {
	return &Reader{
		path: name,
		f:    rc,
		log:  btvendor.ComponentLogger("patch").ChildLogger(map[string]interface{}{"file": name}),
	}
}

// Next returns a copy of the next frame. io.EOF ends the stream: at the end of
// the file, after the launch RAM frame, or on a short preamble (Malformed then
// reports true). A payload shorter than its length byte is ErrPatchTruncated.
func (r *Reader) Next() ([]byte, error) {
	if r.f == nil {
		return nil, io.EOF
	}

	pre := make([]byte, preambleSize)
	n, err := io.ReadFull(r.f, pre)
	switch {
	case n == 0 && (err == io.EOF || err == nil):
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		r.malformed = true
		r.log.Warnf("short preamble after %d frames (%d bytes), ending patch", r.frames, n)
		return nil, io.EOF
	case err != nil:
		return nil, errors.Wrapf(err, "read %s preamble", r.path)
	}

	if r.launched {
		r.malformed = true
		r.log.Warnf("data after launch ram, ignoring rest of patch")
		return nil, io.EOF
	}

	plen := int(pre[lengthOffset])
	frame := make([]byte, preambleSize+plen)
	copy(frame, pre)
	if n, err := io.ReadFull(r.f, frame[preambleSize:]); err != nil {
		return nil, errors.Wrapf(btvendor.ErrPatchTruncated, "%s frame %d: want %d payload bytes, got %d", r.path, r.frames, plen, n)
	}

	if binary.LittleEndian.Uint16(pre) == opLaunchRAM {
		r.launched = true
	}
	r.frames++
	return frame, nil
}

// Frames is the number of frames returned so far.
func (r *Reader) Frames() int {
	return r.frames
}

// Malformed reports whether the stream ended on something other than a clean
// end of file or launch RAM frame.
func (r *Reader) Malformed() bool {
	return r.malformed
}

// Close may be called more than once.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
