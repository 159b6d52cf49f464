package lpm

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/hcitest"
)

type reports struct {
	mu   sync.Mutex
	errs []error
}

func (r *reports) report(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *reports) get() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type wakeLine struct{ modes []bool }

func (w *wakeLine) SetLowPowerMode(enable bool) error {
	w.modes = append(w.modes, enable)
	return nil
}

func TestEnableHoldsLockUntilComplete(t *testing.T) {
	f := hcitest.New()
	var mu sync.Mutex
	var r reports
	w := &wakeLine{}
	c := New(f, &mu, DefaultParams(), w, r.report)

	if !c.SetLowPowerMode(true) {
		t.Fatal("enable not sent")
	}
	want := []byte{0x27, 0xFC, 0x0C, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0}
	if !bytes.Equal(f.LastFrame(), want) {
		t.Fatalf("frame % X, want % X", f.LastFrame(), want)
	}
	if mu.TryLock() {
		t.Fatal("power lock released before completion")
	}

	f.CompleteStatus(0)

	if !mu.TryLock() {
		t.Fatal("power lock still held after completion")
	}
	mu.Unlock()
	if errs := r.get(); len(errs) != 1 || errs[0] != nil {
		t.Fatalf("reports %v", errs)
	}
	if len(w.modes) != 1 || !w.modes[0] {
		t.Fatalf("wake control %v", w.modes)
	}
	if f.Outstanding() != 0 {
		t.Fatalf("leaked %d", f.Outstanding())
	}
}

func TestDisableReleasesLockImmediately(t *testing.T) {
	f := hcitest.New()
	var mu sync.Mutex
	var r reports
	c := New(f, &mu, DefaultParams(), nil, r.report)

	if !c.SetLowPowerMode(false) {
		t.Fatal("disable not sent")
	}
	if !bytes.Equal(f.LastFrame(), append([]byte{0x27, 0xFC, 0x0C}, make([]byte, 12)...)) {
		t.Fatalf("frame % X", f.LastFrame())
	}
	if !mu.TryLock() {
		t.Fatal("power lock held after disable")
	}
	mu.Unlock()

	// a late completion must not unlock again
	f.CompleteStatus(0)
	if errs := r.get(); len(errs) != 1 || errs[0] != nil {
		t.Fatalf("reports %v", errs)
	}
	if f.Outstanding() != 0 {
		t.Fatalf("leaked %d", f.Outstanding())
	}
}

func TestSendFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*hcitest.Fake)
		want  error
	}{
		{"rejected", func(f *hcitest.Fake) { f.RejectTransmit(true) }, btvendor.ErrTransmitRejected},
		{"no buffer", func(f *hcitest.Fake) { f.FailAllocation(true) }, btvendor.ErrAllocation},
	} {
		for _, enable := range []bool{true, false} {
			f := hcitest.New()
			tc.setup(f)
			var mu sync.Mutex
			var r reports
			c := New(f, &mu, DefaultParams(), nil, r.report)

			if c.SetLowPowerMode(enable) {
				t.Fatalf("%s/%v: reported sent", tc.name, enable)
			}
			if !mu.TryLock() {
				t.Fatalf("%s/%v: lock leaked", tc.name, enable)
			}
			mu.Unlock()
			errs := r.get()
			if len(errs) != 1 || !errors.Is(errs[0], tc.want) {
				t.Fatalf("%s/%v: reports %v", tc.name, enable, errs)
			}
			if f.Outstanding() != 0 {
				t.Fatalf("%s/%v: leaked %d", tc.name, enable, f.Outstanding())
			}
		}
	}
}

func TestEnableFailureStatus(t *testing.T) {
	f := hcitest.New()
	var mu sync.Mutex
	var r reports
	w := &wakeLine{}
	c := New(f, &mu, DefaultParams(), w, r.report)

	c.SetLowPowerMode(true)
	f.CompleteStatus(0x12)

	errs := r.get()
	var ec btvendor.ErrCommand
	if len(errs) != 1 || !errors.As(errs[0], &ec) || ec != 0x12 {
		t.Fatalf("reports %v", errs)
	}
	if len(w.modes) != 0 {
		t.Fatal("wake control told about a failed switch")
	}
	if !mu.TryLock() {
		t.Fatal("lock leaked")
	}
}

func TestEnableTransportClosed(t *testing.T) {
	f := hcitest.New()
	var mu sync.Mutex
	var r reports
	c := New(f, &mu, DefaultParams(), nil, r.report)

	c.SetLowPowerMode(true)
	f.CompleteNil()

	if errs := r.get(); len(errs) != 1 || !errors.Is(errs[0], btvendor.ErrClosed) {
		t.Fatalf("reports %v", errs)
	}
	if !mu.TryLock() {
		t.Fatal("lock leaked")
	}
}

func TestEnablesSerialize(t *testing.T) {
	f := hcitest.New()
	var mu sync.Mutex
	var r reports
	c := New(f, &mu, DefaultParams(), nil, r.report)

	c.SetLowPowerMode(true)

	second := make(chan bool)
	go func() { second <- c.SetLowPowerMode(true) }()

	time.Sleep(20 * time.Millisecond)
	if n := len(f.Frames()); n != 1 {
		t.Fatalf("second enable sent while first pending (%d frames)", n)
	}

	f.CompleteStatus(0)
	if !<-second {
		t.Fatal("second enable not sent")
	}
	if _, ok := f.WaitPending(time.Second); !ok {
		t.Fatal("second enable not pending")
	}
	f.CompleteStatus(0)

	if v := f.Violations(); len(v) != 0 {
		t.Fatal(v)
	}
	if errs := r.get(); len(errs) != 2 {
		t.Fatalf("reports %v", errs)
	}
}

func TestParams(t *testing.T) {
	p := DefaultParams()
	if err := p.Set("lpmsleepguardtime", 4); err != nil {
		t.Fatal(err)
	}
	if err := p.Set("LpmPulsedHostWake", 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Set("nope", 1); err == nil {
		t.Fatal("unknown name accepted")
	}
	b := p.Bytes()
	if len(b) != ParamSize || b[8] != 4 || b[11] != 1 {
		t.Fatalf("bytes % X", b)
	}
	if len(ParamNames) != ParamSize {
		t.Fatal("name table out of step with parameter block")
	}
	if Index("LpmTxdConfig") != 10 {
		t.Fatal(Index("LpmTxdConfig"))
	}
}

func TestIdleTimeout(t *testing.T) {
	p := DefaultParams()
	if d := p.IdleTimeout("BCM4330B1"); d != 3*time.Second {
		t.Fatal(d)
	}
	if d := p.IdleTimeout("BCM4325D0"); d != 250*time.Millisecond {
		t.Fatal(d)
	}
}

var _ hci.Transport = (*hcitest.Fake)(nil)
