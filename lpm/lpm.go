// Package lpm switches the controller's UART low power mode.
package lpm

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/evt"
)

// WakeControl follows the controller's sleep mode on the host side, e.g. by
// driving BT_WAKE.
type WakeControl interface {
	SetLowPowerMode(enable bool) error
}

// Controller sends Write Sleep Mode. The lock it is given is shared with every
// other operation that changes the radio's power state.
type Controller struct {
	t      hci.Transport
	lock   *sync.Mutex
	wake   WakeControl
	report func(error)
	log    btvendor.Logger

	pmu    sync.Mutex
	params Params
}

// New returns a Controller. wake may be nil. report receives the outcome of
// every request.
func New(t hci.Transport, lock *sync.Mutex, p Params, wake WakeControl, report func(error)) *Controller {
	if report == nil {
		report = func(error) {}
	}
	return &Controller{
		t:      t,
		lock:   lock,
		wake:   wake,
		report: report,
		params: p,
		log:    btvendor.ComponentLogger("lpm"),
	}
}

// Params returns the parameters sent on enable.
func (c *Controller) Params() Params {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.params
}

// SetLowPowerMode sends Write Sleep Mode with the configured parameters, or
// all zeros to disable. It blocks while another power state change is in
// flight. An enable holds the power lock until its completion arrives; a
// disable releases it as soon as the command is out. It returns false, after
// reporting the failure, when the command could not be sent.
func (c *Controller) SetLowPowerMode(enable bool) bool {
	p := make([]byte, ParamSize)
	if enable {
		copy(p, c.Params().Bytes())
	}

	c.lock.Lock()
	err := hci.Send(c.t, hci.OpWriteSleepMode, p, func(e *hci.Buffer) {
		c.complete(enable, e)
	})
	if err != nil || !enable {
		c.lock.Unlock()
	}

	if err != nil {
		c.log.Errorf("write sleep mode (enable %v): %v", enable, err)
		c.report(err)
		return false
	}
	c.log.Debugf("write sleep mode sent, enable %v", enable)
	return true
}

func (c *Controller) complete(enable bool, e *hci.Buffer) {
	var err error
	if e == nil {
		err = errors.Wrap(btvendor.ErrClosed, "write sleep mode")
	} else {
		if st := evt.CommandComplete(e.Bytes()).Status(); st != 0 {
			err = errors.Wrap(btvendor.ErrCommand(st), "write sleep mode")
		}
		c.t.Release(e)
	}

	if enable {
		c.lock.Unlock()
	}

	if err == nil && c.wake != nil {
		if werr := c.wake.SetLowPowerMode(enable); werr != nil {
			c.log.Warnf("wake line: %v", werr)
		}
	}
	if err != nil {
		c.log.Errorf("low power mode %v failed: %v", enable, err)
	} else {
		c.log.Infof("low power mode %v", enable)
	}
	c.report(err)
}
