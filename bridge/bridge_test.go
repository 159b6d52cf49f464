package bridge

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/hcitest"
)

type result struct {
	evt []byte
	err error
}

func sendAsync(b *Bridge, op uint16, payload []byte) chan result {
	ch := make(chan result, 1)
	go func() {
		e, err := b.SendAndWait(op, payload)
		ch <- result{e, err}
	}()
	return ch
}

func TestSendAndWait(t *testing.T) {
	f := hcitest.New()
	b := New(f, 0)

	ch := sendAsync(b, hci.OpReadBDAddr, nil)
	if _, ok := f.WaitPending(time.Second); !ok {
		t.Fatal("nothing sent")
	}
	f.CompleteStatus(0, 6, 5, 4, 3, 2, 1)

	r := <-ch
	if r.err != nil {
		t.Fatal(r.err)
	}
	want := hcitest.CommandComplete(hci.OpReadBDAddr, 0, 6, 5, 4, 3, 2, 1)
	if !bytes.Equal(r.evt, want) {
		t.Fatalf("event % X, want % X", r.evt, want)
	}
	if !bytes.Equal(f.LastFrame(), []byte{0x09, 0x10, 0x00}) {
		t.Fatalf("frame % X", f.LastFrame())
	}
	if f.Outstanding() != 0 {
		t.Fatalf("leaked %d", f.Outstanding())
	}
}

func TestSendAndWaitTimeout(t *testing.T) {
	f := hcitest.New()
	b := New(f, 0)

	start := time.Now()
	_, err := b.SendAndWait(hci.OpWriteSleepMode, make([]byte, 12))
	el := time.Since(start)

	if !errors.Is(err, btvendor.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if el < DefaultTimeout || el > DefaultTimeout+400*time.Millisecond {
		t.Fatalf("timed out after %v", el)
	}

	if !f.Abandoned() {
		t.Fatal("timed out command still owned by the caller")
	}
	// the late answer is dropped without leaking
	if !f.CompleteStatus(0) {
		t.Fatal("command was withdrawn")
	}
	if f.Outstanding() != 0 {
		t.Fatalf("leaked %d", f.Outstanding())
	}
}

func TestSendAndWaitRejected(t *testing.T) {
	f := hcitest.New()
	f.RejectTransmit(true)
	b := New(f, 0)

	start := time.Now()
	_, err := b.SendAndWait(hci.OpReset, nil)
	if !errors.Is(err, btvendor.ErrTransmitRejected) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("rejection waited for the deadline")
	}
	if f.Outstanding() != 0 {
		t.Fatalf("leaked %d", f.Outstanding())
	}
}

func TestSendAndWaitNotReady(t *testing.T) {
	f := hcitest.New()
	f.FailAllocation(true)
	if _, err := New(f, 0).SendAndWait(hci.OpReset, nil); !errors.Is(err, btvendor.ErrNotReady) {
		t.Fatalf("got %v", err)
	}

	var nb *Bridge
	if _, err := nb.SendAndWait(hci.OpReset, nil); !errors.Is(err, btvendor.ErrNotReady) {
		t.Fatalf("nil bridge: %v", err)
	}
}

func TestSendAndWaitStatus(t *testing.T) {
	f := hcitest.New()
	b := New(f, 0)
	ch := sendAsync(b, hci.OpWriteBDAddr, make([]byte, 6))
	f.WaitPending(time.Second)
	f.CompleteStatus(0x12)

	r := <-ch
	var ec btvendor.ErrCommand
	if !errors.As(r.err, &ec) || ec != 0x12 {
		t.Fatalf("got %v", r.err)
	}
	if r.evt == nil {
		t.Fatal("event dropped on failure status")
	}
}

func TestSendAndWaitClosed(t *testing.T) {
	f := hcitest.New()
	b := New(f, 0)
	ch := sendAsync(b, hci.OpReset, nil)
	f.WaitPending(time.Second)
	f.CompleteNil()

	if r := <-ch; !errors.Is(r.err, btvendor.ErrClosed) {
		t.Fatalf("got %v", r.err)
	}
}

func TestSendAndWaitSerializes(t *testing.T) {
	f := hcitest.New()
	b := New(f, time.Second)

	ch1 := sendAsync(b, hci.OpReset, nil)
	f.WaitPending(time.Second)
	ch2 := sendAsync(b, hci.OpReadLocalName, nil)

	time.Sleep(20 * time.Millisecond)
	if n := len(f.Frames()); n != 1 {
		t.Fatalf("second call sent while first outstanding (%d frames)", n)
	}
	f.CompleteStatus(0)
	if r := <-ch1; r.err != nil {
		t.Fatal(r.err)
	}

	if op, ok := f.WaitPending(time.Second); !ok || op != hci.OpReadLocalName {
		t.Fatalf("second call not sent: %04X", op)
	}
	f.CompleteStatus(0)
	if r := <-ch2; r.err != nil {
		t.Fatal(r.err)
	}
	if v := f.Violations(); len(v) != 0 {
		t.Fatal(v)
	}
}

func TestSendFrame(t *testing.T) {
	f := hcitest.New()
	b := New(f, 0)

	if _, err := b.SendFrame([]byte{0x03, 0x0C}); err == nil {
		t.Fatal("short frame accepted")
	}
	if _, err := b.SendFrame([]byte{0x03, 0x0C, 0x02, 0x00}); err == nil {
		t.Fatal("bad length accepted")
	}

	ch := make(chan error, 1)
	go func() {
		_, err := b.SendFrame([]byte{0x1C, 0xFC, 0x01, 0x07})
		ch <- err
	}()
	if op, _ := f.WaitPending(time.Second); op != hci.OpWriteSCOPCMIntParam {
		t.Fatalf("sent %04X", op)
	}
	f.CompleteStatus(0)
	if err := <-ch; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.LastFrame(), []byte{0x1C, 0xFC, 0x01, 0x07}) {
		t.Fatalf("frame % X", f.LastFrame())
	}
}

func TestSendAndWaitAfterTimeout(t *testing.T) {
	f := hcitest.New()
	b := New(f, 20*time.Millisecond)

	if _, err := b.SendAndWait(hci.OpWriteSleepMode, make([]byte, 12)); !errors.Is(err, btvendor.ErrTimeout) {
		t.Fatalf("got %v", err)
	}

	ch := sendAsync(b, hci.OpWriteSleepMode, make([]byte, 12))
	if _, ok := waitFresh(f); !ok {
		t.Fatal("second command never sent")
	}
	f.CompleteStatus(0)
	if r := <-ch; r.err != nil {
		t.Fatalf("second call: %v", r.err)
	}
	if v := f.Violations(); len(v) != 0 {
		t.Fatal(v)
	}
}

// waitFresh waits for a pending command nobody has given up on.
func waitFresh(f *hcitest.Fake) (uint16, bool) {
	to := time.Now().Add(time.Second)
	for time.Now().Before(to) {
		if op, ok := f.WaitPending(time.Millisecond); ok && !f.Abandoned() {
			return op, true
		}
		time.Sleep(time.Millisecond)
	}
	return 0, false
}
