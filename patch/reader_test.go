package patch

import (
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
)

func writePatch(t *testing.T, frames ...[]byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "BCM4330A1.hcd")
	if err := ioutil.WriteFile(p, bytes.Join(frames, nil), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func readAll(t *testing.T, r *Reader) ([][]byte, error) {
	t.Helper()
	var out [][]byte
	for i := 0; i < 1000; i++ {
		f, err := r.Next()
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	t.Fatal("reader never ended")
	return nil, nil
}

func TestReaderFrames(t *testing.T) {
	in := [][]byte{
		{0x4C, 0xFC, 0x05, 0x01, 0x02, 0x03, 0x04, 0x05},
		{0x4C, 0xFC, 0x02, 0xAA, 0xBB},
		{0x4E, 0xFC, 0x04, 0xFF, 0xFF, 0xFF, 0xFF},
	}
	r, err := Open(writePatch(t, in...))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := readAll(t, r)
	if err != io.EOF {
		t.Fatalf("end: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %d frames, want %d", len(got), len(in))
	}
	for i := range in {
		if !bytes.Equal(got[i], in[i]) {
			t.Fatalf("frame %d: got % X, want % X", i, got[i], in[i])
		}
	}
	if r.Malformed() {
		t.Fatal("clean patch reported malformed")
	}
	if r.Frames() != 3 {
		t.Fatalf("frames %d", r.Frames())
	}
}

func TestReaderZeroLengthFrame(t *testing.T) {
	r, _ := Open(writePatch(t, []byte{0x4C, 0xFC, 0x00}))
	defer r.Close()
	got, err := readAll(t, r)
	if err != io.EOF || len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("got %v %v", got, err)
	}
}

func TestReaderShortPreamble(t *testing.T) {
	r, _ := Open(writePatch(t, []byte{0x4C, 0xFC, 0x01, 0x00}, []byte{0x4C}))
	defer r.Close()
	got, err := readAll(t, r)
	if err != io.EOF || len(got) != 1 {
		t.Fatalf("got %d frames, %v", len(got), err)
	}
	if !r.Malformed() {
		t.Fatal("short preamble not flagged")
	}
}

func TestReaderDataAfterLaunch(t *testing.T) {
	r, _ := Open(writePatch(t, []byte{0x4E, 0xFC, 0x00}, []byte{0x4C, 0xFC, 0x00}))
	defer r.Close()
	got, err := readAll(t, r)
	if err != io.EOF || len(got) != 1 {
		t.Fatalf("got %d frames, %v", len(got), err)
	}
	if !r.Malformed() {
		t.Fatal("trailing data not flagged")
	}
}

func TestReaderTruncatedPayload(t *testing.T) {
	r, _ := Open(writePatch(t, []byte{0x4C, 0xFC, 0x08, 0x01, 0x02}))
	defer r.Close()
	_, err := r.Next()
	if !errors.Is(err, btvendor.ErrPatchTruncated) {
		t.Fatalf("got %v", err)
	}
}

func TestReaderOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.hcd"))
	if !errors.Is(err, btvendor.ErrPatchNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestReaderCloseTwice(t *testing.T) {
	r, _ := Open(writePatch(t, []byte{0x4C, 0xFC, 0x00}))
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("next after close: %v", err)
	}
}
