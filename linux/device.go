package linux

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/audio"
	"github.com/rigado/btvendor/bridge"
	"github.com/rigado/btvendor/bringup"
	"github.com/rigado/btvendor/config"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/h4"
	"github.com/rigado/btvendor/linux/hci/socket"
	"github.com/rigado/btvendor/lpm"
	"github.com/rigado/btvendor/patch"
	"github.com/rigado/btvendor/power"
)

// Result operation names passed to the ResultHandler.
const (
	OpBringup = "bringup"
	OpLPM     = "lpm"
	OpAudio   = "audio"
)

type transportHci struct {
	id int
}

type transportH4Uart struct {
	path string
	baud int
}

type transport struct {
	hci    *transportHci
	h4uart *transportH4Uart
}

// Device is a Broadcom controller behind an HCI transport, with the vendor
// sub-machines wired to it.
type Device struct {
	cfg       *config.Config
	transport transport
	regOn     string
	btWake    string
	timeout   time.Duration
	handler   btvendor.ResultHandler

	t     hci.UART
	skt   io.Closer
	lines *power.Lines
	log   btvendor.Logger

	// powerLock serializes low power mode and codec changes
	powerLock sync.Mutex

	machine *bringup.Machine
	lpmc    *lpm.Controller
	audioc  *audio.Configurator
	bridge  *bridge.Bridge

	// one waiter per sub-machine
	lpmMu    sync.Mutex
	lpmRes   chan error
	audioMu  sync.Mutex
	audioRes chan error
}

// NewDevice applies opts, opens the transport and the power lines and builds
// the sub-machines. Without a transport option the configured UartPort is used.
func NewDevice(opts ...btvendor.Option) (*Device, error) {
	d := newDevice()
	if err := d.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}

	skt, err := getTransport(d.transport, d.cfg)
	if err != nil {
		return nil, err
	}
	host, err := hci.NewHost(skt)
	if err != nil {
		skt.Close()
		return nil, err
	}

	lines, err := power.Open(d.regOn, d.btWake)
	if err != nil {
		host.Close()
		return nil, err
	}

	d.wire(host, host, lines)
	return d, nil
}

func newDevice() *Device {
	return &Device{
		cfg:      config.Default(),
		log:      btvendor.ComponentLogger("device"),
		lpmRes:   make(chan error, 1),
		audioRes: make(chan error, 1),
	}
}

// wire builds the sub-machines on t from the current configuration.
func (d *Device) wire(t hci.UART, skt io.Closer, lines *power.Lines) {
	d.t = t
	d.skt = skt
	d.lines = lines
	if d.lines == nil {
		d.lines = power.New(nil, nil)
	}
	d.lines.SetWakePolarity(d.cfg.LPM.BtWakePolarity)

	d.machine = bringup.New(t, bringup.Config{
		TargetBaud:          d.cfg.TargetBaud,
		Locator:             patch.NewLocator(d.cfg.PatchDir, d.cfg.PatchName),
		Settlement:          patch.DefaultSettlement,
		SettlementOverride:  d.cfg.SettlementDelay,
		SettlementTunable:   config.SettlementTunable(),
		BDAddr:              d.cfg.BDAddr,
		UseControllerBDAddr: d.cfg.UseControllerBDAddr,
	})
	d.lpmc = lpm.New(t, &d.powerLock, d.cfg.LPM, d.lines, func(err error) {
		d.report(OpLPM, d.lpmRes, err)
	})
	d.audioc = audio.New(t, &d.powerLock, d.cfg.Audio, func(err error) {
		d.report(OpAudio, d.audioRes, err)
	})
	d.bridge = bridge.New(t, d.timeout)
}

func getTransport(t transport, cfg *config.Config) (io.ReadWriteCloser, error) {
	switch {
	case t.hci != nil:
		return socket.NewSocket(t.hci.id)

	case t.h4uart != nil:
		so := h4.DefaultSerialOptions()
		so.PortName = t.h4uart.path
		if so.PortName == "" {
			so.PortName = cfg.UartPort
		}
		if t.h4uart.baud > 0 {
			so.BaudRate = uint(t.h4uart.baud)
		}
		return h4.NewSerial(so)

	default:
		so := h4.DefaultSerialOptions()
		so.PortName = cfg.UartPort
		return h4.NewSerial(so)
	}
}

// Config returns the configuration the sub-machines were built from.
func (d *Device) Config() *config.Config {
	return d.cfg
}

// Option sets the options specified.
func (d *Device) Option(opts ...btvendor.Option) error {
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return err
		}
	}
	return nil
}

// Init power cycles the controller and runs bring-up to completion.
func (d *Device) Init(ctx context.Context) error {
	if err := d.lines.PowerCycle(); err != nil {
		return err
	}
	return d.RunBringup(ctx)
}

// RunBringup runs one bring-up session and waits for its outcome.
func (d *Device) RunBringup(ctx context.Context) error {
	res := make(chan error, 1)
	err := d.machine.Start(func(err error) {
		d.report(OpBringup, nil, err)
		res <- err
	})
	if err != nil {
		return err
	}
	return wait(ctx, res)
}

// SetLowPowerMode enables or disables controller sleep and waits for the
// controller to acknowledge it.
func (d *Device) SetLowPowerMode(ctx context.Context, enable bool) error {
	d.lpmMu.Lock()
	defer d.lpmMu.Unlock()
	drain(d.lpmRes)

	// a failed send has already reported
	d.lpmc.SetLowPowerMode(enable)
	return wait(ctx, d.lpmRes)
}

// ConfigureSCO sends the SCO PCM chain and waits for it to finish.
func (d *Device) ConfigureSCO(ctx context.Context) error {
	d.audioMu.Lock()
	defer d.audioMu.Unlock()
	drain(d.audioRes)

	d.audioc.ConfigureSCO()
	return wait(ctx, d.audioRes)
}

// ConfigureCodec switches the codec and waits for the chain to finish.
func (d *Device) ConfigureCodec(ctx context.Context, c audio.Codec) error {
	d.audioMu.Lock()
	defer d.audioMu.Unlock()
	drain(d.audioRes)

	d.audioc.ConfigureCodec(c)
	return wait(ctx, d.audioRes)
}

// IdleTimeout is how long the host should stay idle before letting the
// controller sleep, for the chip found by the last bring-up.
func (d *Device) IdleTimeout() time.Duration {
	return d.lpmc.Params().IdleTimeout(d.ChipName())
}

// SendAndWait issues one command synchronously and returns its raw event.
func (d *Device) SendAndWait(opcode uint16, payload []byte) ([]byte, error) {
	return d.bridge.SendAndWait(opcode, payload)
}

// SendFrame issues a raw command frame (opcode, length, params) synchronously.
func (d *Device) SendFrame(frame []byte) ([]byte, error) {
	return d.bridge.SendFrame(frame)
}

// State is the bring-up state.
func (d *Device) State() bringup.State {
	return d.machine.State()
}

// ChipName is the controller name found by the last bring-up.
func (d *Device) ChipName() string {
	return d.machine.ChipName()
}

// Close shuts the transport down. Pending commands complete with ErrClosed.
func (d *Device) Close() error {
	if d.skt == nil {
		return nil
	}
	return d.skt.Close()
}

func (d *Device) report(op string, res chan error, err error) {
	if d.handler != nil {
		d.handler(op, err)
	}
	if res == nil {
		return
	}
	select {
	case res <- err:
	default:
		d.log.Warnf("%s: dropped result %v", op, err)
	}
}

func wait(ctx context.Context, res chan error) error {
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drain(res chan error) {
	for {
		select {
		case <-res:
		default:
			return
		}
	}
}

var _ btvendor.DeviceOption = (*Device)(nil)
