// Package audio configures the controller's SCO audio path: PCM routing, PCM
// data format, the I2S/PCM interface and the wideband speech codec.
package audio

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/evt"
)

// Codec selects the SCO voice codec.
type Codec int

const (
	CVSD Codec = iota
	MSBC
)

func (c Codec) String() string {
	switch c {
	case CVSD:
		return "cvsd"
	case MSBC:
		return "msbc"
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// ParseCodec accepts "msbc" or "cvsd".
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "msbc", "mSBC", "MSBC", "wbs":
		return MSBC, nil
	case "cvsd", "CVSD", "nbs":
		return CVSD, nil
	}
	return 0, errors.Errorf("unknown codec %q", s)
}

var (
	wbsEnable  = []byte{0x01, 0x02, 0x00}
	wbsDisable = []byte{0x00}
)

type step struct {
	op     uint16
	params []byte
}

// Configurator runs the SCO and codec command chains. Only one chain runs at a
// time; each command is sent from the completion of the one before.
type Configurator struct {
	t      hci.Transport
	lock   *sync.Mutex
	report func(error)
	log    btvendor.Logger

	mu       sync.Mutex
	params   Params
	running  bool
	name     string
	steps    []step
	expect   uint16
	holdLock bool
}

// New returns an idle Configurator. lock is the power state lock shared with
// the low power mode controller; the codec chain holds it from start to end.
func New(t hci.Transport, lock *sync.Mutex, p Params, report func(error)) *Configurator {
	if report == nil {
		report = func(error) {}
	}
	return &Configurator{
		t:      t,
		lock:   lock,
		report: report,
		params: p,
		log:    btvendor.ComponentLogger("audio"),
	}
}

// Params returns the parameter blocks. Change them only while no chain runs.
func (c *Configurator) Params() Params {
	return c.params
}

// ConfigureSCO sends PCM routing, PCM data format and the I2S interface
// parameters. It returns false, after reporting, when the chain could not start.
func (c *Configurator) ConfigureSCO() bool {
	steps := []step{
		{hci.OpWriteSCOPCMIntParam, c.params.PCM.Bytes()},
		{hci.OpWritePCMDataFormat, c.params.Format.Bytes()},
		{hci.OpWriteI2SPCMInterface, c.params.I2S.Bytes()},
	}
	c.log.Infof("sco pcm configure %v", steps[0].params)
	return c.start("sco", steps, false)
}

// ConfigureCodec enables mSBC or falls back to CVSD, then re-sends PCM
// routing and the I2S interface with the matching sample and clock rates. The
// power lock is held until the chain ends.
func (c *Configurator) ConfigureCodec(codec Codec) bool {
	wbs := wbsDisable
	rate := byte(SampleRate8k)
	pcm := c.params.PCM.Bytes()
	i2s := c.params.I2S.Bytes()
	if codec == MSBC {
		wbs = wbsEnable
		rate = SampleRate16k
		if c.params.WBS != nil {
			override(pcm, c.params.PCM, ScoPcmIfClockRate, c.params.WBS, ScoPcmIfClockRateWbs)
			override(i2s, c.params.I2S, ScoI2sPcmIfClockRate, c.params.WBS, ScoI2sPcmIfClockRateWbs)
		}
	}
	if i := c.params.I2S.Index(ScoI2sPcmIfSampleRate); i >= 0 {
		i2s[i] = rate
	}

	steps := []step{
		{hci.OpEnableWBS, wbs},
		{hci.OpWriteSCOPCMIntParam, pcm},
		{hci.OpWriteI2SPCMInterface, i2s},
	}

	c.lock.Lock()
	return c.start(codec.String(), steps, true)
}

// override copies the value of from[src] into frame at the index of name in set.
func override(frame []byte, set *ParamSet, name string, from *ParamSet, src string) {
	i := set.Index(name)
	v, ok := from.Get(src)
	if i >= 0 && ok {
		frame[i] = v
	}
}

func (c *Configurator) start(name string, steps []step, holdLock bool) bool {
	c.mu.Lock()
	if c.running {
		c.log.Warnf("%s: %s chain still running", name, c.name)
		c.mu.Unlock()
		if holdLock {
			c.lock.Unlock()
		}
		c.report(btvendor.ErrBusy)
		return false
	}
	c.running = true
	c.name = name
	c.steps = steps
	c.holdLock = holdLock

	err := c.next()
	if err == nil {
		c.mu.Unlock()
		return true
	}
	c.end()
	c.mu.Unlock()

	c.log.Errorf("%s aborted: %v", name, err)
	c.report(err)
	return false
}

// next sends the head of the chain; c.mu is held.
func (c *Configurator) next() error {
	s := c.steps[0]
	c.steps = c.steps[1:]
	c.expect = s.op
	c.log.Debugf("%s: sending %s [% X]", c.name, hci.OpCodeString(s.op), s.params)
	return errors.Wrapf(hci.Send(c.t, s.op, s.params, c.callback), "%s", hci.OpCodeString(s.op))
}

// end returns to idle; c.mu is held.
func (c *Configurator) end() {
	c.running = false
	c.steps = nil
	c.expect = 0
	if c.holdLock {
		c.holdLock = false
		c.lock.Unlock()
	}
}

func (c *Configurator) callback(e *hci.Buffer) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		if e != nil {
			c.log.Warnf("completion with no chain running: %v", e)
			c.t.Release(e)
		}
		return
	}

	name := c.name
	err := c.advance(e)
	finished := err != nil || !c.running
	c.mu.Unlock()

	if !finished {
		return
	}
	if err != nil {
		c.log.Errorf("%s aborted: %v", name, err)
	} else {
		c.log.Infof("%s configured", name)
	}
	c.report(err)
}

// advance checks e against the command in flight and sends the next one;
// c.mu is held. The chain has ended when running is false on return.
func (c *Configurator) advance(e *hci.Buffer) error {
	if e == nil {
		c.end()
		return errors.Wrap(btvendor.ErrClosed, c.name)
	}

	b := e.Bytes()
	op, st := evt.Opcode(b), evt.CommandComplete(b).Status()
	c.t.Release(e)

	if op != c.expect {
		c.log.Warnf("%s: got %s, expecting %s", c.name, hci.OpCodeString(op), hci.OpCodeString(c.expect))
		c.end()
		return errors.Wrapf(btvendor.ErrUnexpectedEvent, "%s", hci.OpCodeString(op))
	}
	if st != 0 {
		c.end()
		return errors.Wrapf(btvendor.ErrCommand(st), "%s", hci.OpCodeString(op))
	}

	if len(c.steps) == 0 {
		c.end()
		return nil
	}
	if err := c.next(); err != nil {
		c.end()
		return err
	}
	return nil
}
