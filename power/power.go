// Package power drives the BT_REG_ON and BT_WAKE lines of the controller.
package power

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const (
	// regOnLow is how long BT_REG_ON is held low for a power cycle.
	regOnLow = 10 * time.Millisecond
	// regOnSettle is how long the controller needs after BT_REG_ON rises.
	regOnSettle = 100 * time.Millisecond
)

// Lines are the host side power lines. Either pin may be nil, in which case
// the operations that need it are no-ops.
type Lines struct {
	regOn gpio.PinIO
	wake  gpio.PinIO
	// wakeActive is the BT_WAKE level that keeps the controller awake.
	wakeActive gpio.Level

	mu    sync.Mutex
	sleep func(time.Duration)
	log   btvendor.Logger
}

// Open looks up the named gpio lines. Empty names are skipped.
func Open(regOn, wake string) (*Lines, error) {
	if regOn == "" && wake == "" {
		return New(nil, nil), nil
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "gpio host init")
	}

	var rp, wp gpio.PinIO
	if regOn != "" {
		if rp = gpioreg.ByName(regOn); rp == nil {
			return nil, errors.Errorf("gpio %s (BT_REG_ON) not found", regOn)
		}
	}
	if wake != "" {
		if wp = gpioreg.ByName(wake); wp == nil {
			return nil, errors.Errorf("gpio %s (BT_WAKE) not found", wake)
		}
	}
	return New(rp, wp), nil
}

// New wraps already opened pins. BT_WAKE is active high until SetWakePolarity
// says otherwise.
func New(regOn, wake gpio.PinIO) *Lines {
	return &Lines{
		regOn:      regOn,
		wake:       wake,
		wakeActive: gpio.High,
		sleep:      time.Sleep,
		log:        btvendor.ComponentLogger("power"),
	}
}

// SetWakePolarity matches the LpmBtWakePolarity parameter: 0 active low,
// anything else active high.
func (l *Lines) SetWakePolarity(p uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wakeActive = gpio.Level(p != 0)
}

// PowerCycle drops BT_REG_ON, raises it again and waits for the controller to
// come out of reset.
func (l *Lines) PowerCycle() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.regOn == nil {
		return nil
	}
	if err := l.regOn.Out(gpio.Low); err != nil {
		return errors.Wrap(err, "BT_REG_ON low")
	}
	l.sleep(regOnLow)
	if err := l.regOn.Out(gpio.High); err != nil {
		return errors.Wrap(err, "BT_REG_ON high")
	}
	l.sleep(regOnSettle)
	l.log.Debugf("power cycled via %s", l.regOn.Name())
	return nil
}

// SetLowPowerMode lets the controller sleep when enable is set by releasing
// BT_WAKE, and asserts it otherwise.
func (l *Lines) SetLowPowerMode(enable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wake == nil {
		return nil
	}
	lvl := l.wakeActive
	if enable {
		lvl = !lvl
	}
	if err := l.wake.Out(lvl); err != nil {
		return errors.Wrapf(err, "BT_WAKE %v", lvl)
	}
	l.log.Debugf("BT_WAKE %v", lvl)
	return nil
}
