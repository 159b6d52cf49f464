package lpm

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParamSize is the length of the Write Sleep Mode parameter block.
const ParamSize = 12

// Params is the Write Sleep Mode parameter block, in wire order.
type Params struct {
	SleepMode               uint8 // 0 disabled, 1 UART, 9 H5
	IdleThreshold           uint8 // host idle, in 300ms (25ms on BCM4325)
	HcIdleThreshold         uint8 // controller idle, same unit
	BtWakePolarity          uint8 // 0 active low, 1 active high
	HostWakePolarity        uint8
	AllowHostSleepDuringSco uint8
	CombineSleepModeAndLpm  uint8
	EnableUartTxdTriState   uint8
	SleepGuardTime          uint8 // 12.5ms
	WakeupGuardTime         uint8 // 12.5ms
	TxdConfig               uint8
	PulsedHostWake          uint8
}

// DefaultParams is UART sleep with active high wake lines.
func DefaultParams() Params {
	return Params{
		SleepMode:               1,
		IdleThreshold:           1,
		HcIdleThreshold:         1,
		BtWakePolarity:          1,
		HostWakePolarity:        1,
		AllowHostSleepDuringSco: 1,
		CombineSleepModeAndLpm:  1,
	}
}

// ParamNames are the configuration keys of Params, in wire order.
var ParamNames = []string{
	"LpmSleepMode",
	"LpmIdleThreshold",
	"LpmHcIdleThreshold",
	"LpmBtWakePolarity",
	"LpmHostWakePolarity",
	"LpmAllowHostSleepDuringSco",
	"LpmCombineSleepModeAndLpm",
	"LpmEnableUartTxdTriState",
	"LpmSleepGuardTime",
	"LpmWakeupGuardTime",
	"LpmTxdConfig",
	"LpmPulsedHostWake",
}

func (p *Params) fields() []*uint8 {
	return []*uint8{
		&p.SleepMode,
		&p.IdleThreshold,
		&p.HcIdleThreshold,
		&p.BtWakePolarity,
		&p.HostWakePolarity,
		&p.AllowHostSleepDuringSco,
		&p.CombineSleepModeAndLpm,
		&p.EnableUartTxdTriState,
		&p.SleepGuardTime,
		&p.WakeupGuardTime,
		&p.TxdConfig,
		&p.PulsedHostWake,
	}
}

// Bytes returns the parameter block.
func (p Params) Bytes() []byte {
	b := make([]byte, 0, ParamSize)
	for _, f := range p.fields() {
		b = append(b, *f)
	}
	return b
}

// Index returns the position of a parameter by name, or -1.
func Index(name string) int {
	for i, n := range ParamNames {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// SetIndex sets the i-th parameter.
func (p *Params) SetIndex(i int, v uint8) error {
	f := p.fields()
	if i < 0 || i >= len(f) {
		return errors.Errorf("lpm parameter index %d out of range", i)
	}
	*f[i] = v
	return nil
}

// Set sets a parameter by name.
func (p *Params) Set(name string, v uint8) error {
	i := Index(name)
	if i < 0 {
		return errors.Errorf("invalid lpm parameter %s", name)
	}
	return p.SetIndex(i, v)
}

// IdleTimeout is how long the host should stay idle before letting the
// controller sleep.
func (p Params) IdleTimeout(chipName string) time.Duration {
	const multiple = 10
	unit := 300 * time.Millisecond
	if strings.Contains(chipName, "BCM4325") {
		unit = 25 * time.Millisecond
	}
	return time.Duration(p.IdleThreshold) * multiple * unit
}
