package linux

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/audio"
	"github.com/rigado/btvendor/bringup"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/hcitest"
	"github.com/rigado/btvendor/power"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type reports struct {
	mu  sync.Mutex
	ops []string
	err []error
}

func (r *reports) handle(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.err = append(r.err, err)
}

func (r *reports) last() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ops) == 0 {
		return "", nil
	}
	return r.ops[len(r.ops)-1], r.err[len(r.err)-1]
}

func respond(op uint16, _ []byte) []byte {
	switch op {
	case hci.OpReadLocalName:
		n := make([]byte, 248)
		copy(n, "BCM20702A1")
		return hcitest.CommandComplete(op, 0, n...)
	case hci.OpReadLocalVer:
		p := make([]byte, 8)
		binary.LittleEndian.PutUint16(p[6:], 0x220e)
		return hcitest.CommandComplete(op, 0, p...)
	}
	return hcitest.CommandComplete(op, 0)
}

func testDevice(t *testing.T, wake gpio.PinIO, opts ...btvendor.Option) (*Device, *hcitest.Fake, *reports) {
	t.Helper()
	r := &reports{}
	d := newDevice()
	opts = append([]btvendor.Option{
		btvendor.OptConfigValue("FwPatchFilePath", t.TempDir()),
		btvendor.OptResultHandler(r.handle),
	}, opts...)
	if err := d.Option(opts...); err != nil {
		t.Fatal(err)
	}
	f := hcitest.New()
	d.wire(f, nil, power.New(nil, wake))
	return d, f, r
}

// serve answers commands with fn until the call running in the background returns.
func serve(t *testing.T, f *hcitest.Fake, fn func(op uint16, frame []byte) []byte, call func() error) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- call() }()

	to := time.After(5 * time.Second)
	for {
		select {
		case err := <-errc:
			return err
		case <-to:
			t.Fatal("call never returned")
		default:
		}
		if op, ok := f.WaitPending(5 * time.Millisecond); ok {
			f.Complete(fn(op, f.LastFrame()))
		}
	}
}

func TestDeviceBringup(t *testing.T) {
	d, f, r := testDevice(t, nil, btvendor.OptConfigValue("BdAddr", "aa:bb:cc:dd:ee:ff"))

	err := serve(t, f, respond, func() error {
		return d.Init(context.Background())
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.ChipName() != "BCM20702A1" {
		t.Fatal(d.ChipName())
	}
	if d.State() != bringup.Idle {
		t.Fatal(d.State())
	}

	ops := f.OpCodes()
	if ops[0] != hci.OpReset || ops[len(ops)-1] != hci.OpWriteBDAddr {
		t.Fatalf("ops %04X", ops)
	}
	want := []byte{0x01, 0xFC, 0x06, 0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}
	if !bytes.Equal(f.LastFrame(), want) {
		t.Fatalf("bd addr frame [% X]", f.LastFrame())
	}
	if b := f.Bauds(); len(b) != 1 || b[0] != bringup.DefaultTargetBaud {
		t.Fatalf("bauds %v", b)
	}
	if op, err := r.last(); op != OpBringup || err != nil {
		t.Fatalf("report %s %v", op, err)
	}
}

func TestDeviceBringupBusy(t *testing.T) {
	d, f, _ := testDevice(t, nil)

	errc := make(chan error, 1)
	go func() { errc <- d.RunBringup(context.Background()) }()
	if _, ok := f.WaitPending(time.Second); !ok {
		t.Fatal("reset never sent")
	}
	if err := d.RunBringup(context.Background()); err != btvendor.ErrBusy {
		t.Fatalf("second bring-up: %v", err)
	}

	f.CompleteNil()
	if err := <-errc; errors.Cause(err) != btvendor.ErrClosed {
		t.Fatalf("got %v", err)
	}
}

func TestDeviceLowPowerMode(t *testing.T) {
	wake := &gpiotest.Pin{N: "BT_WAKE", L: gpio.High}
	d, f, r := testDevice(t, wake, btvendor.OptConfigValue("LpmIdleThreshold", "3"))

	err := serve(t, f, hcitest.OK, func() error {
		return d.SetLowPowerMode(context.Background(), true)
	})
	if err != nil {
		t.Fatal(err)
	}
	p := f.LastFrame()[hci.CmdPreambleSize:]
	if !bytes.Equal(p, d.Config().LPM.Bytes()) || p[1] != 3 {
		t.Fatalf("sleep mode params [% X]", p)
	}
	if wake.Read() != gpio.Low {
		t.Fatal("BT_WAKE still asserted")
	}

	err = serve(t, f, hcitest.OK, func() error {
		return d.SetLowPowerMode(context.Background(), false)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.LastFrame()[hci.CmdPreambleSize:], make([]byte, 12)) {
		t.Fatalf("disable params [% X]", f.LastFrame())
	}
	if wake.Read() != gpio.High {
		t.Fatal("BT_WAKE not asserted")
	}
	if op, _ := r.last(); op != OpLPM {
		t.Fatal(op)
	}
}

func TestDeviceIdleTimeout(t *testing.T) {
	d, f, _ := testDevice(t, nil, btvendor.OptConfigValue("LpmIdleThreshold", "3"))
	if d.IdleTimeout() != 9*time.Second {
		t.Fatal(d.IdleTimeout())
	}

	err := serve(t, f, func(op uint16, frame []byte) []byte {
		if op == hci.OpReadLocalName {
			n := make([]byte, 248)
			copy(n, "BCM4325D1")
			return hcitest.CommandComplete(op, 0, n...)
		}
		return respond(op, frame)
	}, func() error {
		return d.RunBringup(context.Background())
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.IdleTimeout() != 750*time.Millisecond {
		t.Fatal(d.IdleTimeout())
	}
}

func TestDeviceLowPowerModeFailure(t *testing.T) {
	d, f, _ := testDevice(t, nil)

	err := serve(t, f, func(op uint16, _ []byte) []byte {
		return hcitest.CommandComplete(op, 0x0C)
	}, func() error {
		return d.SetLowPowerMode(context.Background(), true)
	})
	if errors.Cause(err) != btvendor.ErrCommand(0x0C) {
		t.Fatalf("got %v", err)
	}

	f.FailAllocation(true)
	err = d.SetLowPowerMode(context.Background(), true)
	if errors.Cause(err) != btvendor.ErrAllocation {
		t.Fatalf("got %v", err)
	}
}

func TestDeviceLowPowerModeCancel(t *testing.T) {
	d, f, _ := testDevice(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.SetLowPowerMode(ctx, true); err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}

	// the late completion must not leak into the next call
	f.CompleteStatus(0)
	err := serve(t, f, func(op uint16, _ []byte) []byte {
		return hcitest.CommandComplete(op, 0x12)
	}, func() error {
		return d.SetLowPowerMode(context.Background(), false)
	})
	if errors.Cause(err) != btvendor.ErrCommand(0x12) {
		t.Fatalf("got %v", err)
	}
}

func TestDeviceAudio(t *testing.T) {
	d, f, r := testDevice(t, nil)

	if err := serve(t, f, hcitest.OK, func() error {
		return d.ConfigureSCO(context.Background())
	}); err != nil {
		t.Fatal(err)
	}
	if err := serve(t, f, hcitest.OK, func() error {
		return d.ConfigureCodec(context.Background(), audio.MSBC)
	}); err != nil {
		t.Fatal(err)
	}

	want := []uint16{
		hci.OpWriteSCOPCMIntParam, hci.OpWritePCMDataFormat, hci.OpWriteI2SPCMInterface,
		hci.OpEnableWBS, hci.OpWriteSCOPCMIntParam, hci.OpWriteI2SPCMInterface,
	}
	got := f.OpCodes()
	if len(got) != len(want) {
		t.Fatalf("ops %04X", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ops %04X, want %04X", got, want)
		}
	}
	if op, err := r.last(); op != OpAudio || err != nil {
		t.Fatalf("report %s %v", op, err)
	}
	if !d.powerLock.TryLock() {
		t.Fatal("codec chain kept the power lock")
	}
	d.powerLock.Unlock()
}

func TestDeviceSendAndWait(t *testing.T) {
	d, f, _ := testDevice(t, nil)

	var ev []byte
	err := serve(t, f, func(op uint16, _ []byte) []byte {
		return hcitest.CommandComplete(op, 0, 0x42)
	}, func() error {
		var err error
		ev, err = d.SendAndWait(hci.OpReadBDAddr, nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 7 || ev[6] != 0x42 {
		t.Fatalf("event [% X]", ev)
	}

	err = serve(t, f, hcitest.OK, func() error {
		_, err := d.SendFrame([]byte{0x03, 0x0C, 0x00})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.LastFrame()[0] != 0x03 || f.LastFrame()[1] != 0x0C {
		t.Fatalf("frame [% X]", f.LastFrame())
	}
}

func TestDeviceOptions(t *testing.T) {
	d := newDevice()
	if err := d.Option(btvendor.OptConfigValue("NoSuchKey", "1")); err == nil {
		t.Fatal("unknown key accepted")
	}
	if err := d.Option(btvendor.OptBridgeTimeout(0)); err == nil {
		t.Fatal("zero timeout accepted")
	}
	if err := d.Option(btvendor.OptTransportH4Uart("", -1)); err == nil {
		t.Fatal("negative baud accepted")
	}

	err := d.Option(
		btvendor.OptTransportH4Uart("/dev/ttyHS1", 115200),
		btvendor.OptBridgeTimeout(time.Second),
		btvendor.OptPowerPins("GPIO12", "GPIO13"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if d.transport.h4uart == nil || d.transport.h4uart.path != "/dev/ttyHS1" {
		t.Fatalf("%+v", d.transport)
	}
	if d.regOn != "GPIO12" || d.btWake != "GPIO13" {
		t.Fatal(d.regOn, d.btWake)
	}

	d.wire(hcitest.New(), nil, nil)
	if d.bridge.Timeout() != time.Second {
		t.Fatal(d.bridge.Timeout())
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}
