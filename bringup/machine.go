// Package bringup drives a Broadcom controller from reset to a patched,
// addressed controller running at the target UART speed.
package bringup

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/linux/hci/evt"
	"github.com/rigado/btvendor/patch"
)

const (
	// DefaultTargetBaud is the operational UART speed.
	DefaultTargetBaud = 3000000
	// SafeBaud is the speed a freshly launched patch comes up at.
	SafeBaud = 115200

	// above this the controller needs its 48MHz UART clock
	clockSwitchBaud = 3000000
	uartClock48MHz  = 0x01

	minidriverSettle = 50 * time.Millisecond

	chipMarker     = "BCM"
	unknownChip    = "UNKNOWN"
	revisionModel  = "BCM4335"
	revisionB0Subv = 0x4106
)

// Config is read when a session starts and must not change while it runs.
type Config struct {
	// TargetBaud defaults to DefaultTargetBaud.
	TargetBaud int

	Locator    *patch.Locator
	Settlement patch.SettlementTable
	// SettlementOverride wins over everything when positive.
	SettlementOverride time.Duration
	// SettlementTunable is the runtime tuned delay, used when not nil.
	// Zero skips the delay.
	SettlementTunable *time.Duration

	BDAddr btvendor.Addr
	// UseControllerBDAddr keeps an address already stored in the controller.
	UseControllerBDAddr bool

	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Machine is the bring-up state machine. Each command is sent from the
// completion of the previous one, so at most one is ever outstanding.
type Machine struct {
	t   hci.UART
	cfg Config
	log btvendor.Logger

	// mu guards everything below
	mu                sync.Mutex
	running           bool
	state             State
	session           string
	patch             *patch.Reader
	baudSwitchPending bool
	clockSet          bool
	chipName          string
	sentOp            uint16
	done              func(error)
}

// New returns an idle Machine that talks through t.
func New(t hci.UART, cfg Config) *Machine {
	if cfg.TargetBaud <= 0 {
		cfg.TargetBaud = DefaultTargetBaud
	}
	if cfg.Locator == nil {
		cfg.Locator = patch.NewLocator(patch.DefaultDir, "")
	}
	if cfg.Settlement == nil {
		cfg.Settlement = patch.DefaultSettlement
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Machine{
		t:   t,
		cfg: cfg,
		log: btvendor.ComponentLogger("bringup"),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ChipName is the controller name detected by the last session.
func (m *Machine) ChipName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chipName
}

// Start kicks off a session by resetting the controller. done is called exactly
// once with the outcome, unless Start itself fails. ErrBusy is returned while a
// session is running.
func (m *Machine) Start(done func(error)) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return btvendor.ErrBusy
	}
	m.running = true
	m.session = uuid.New().String()
	m.log = btvendor.ComponentLogger("bringup").ChildLogger(map[string]interface{}{"session": m.session})
	m.state = Start
	m.patch = nil
	m.baudSwitchPending = false
	m.clockSet = false
	m.chipName = ""
	m.done = done

	m.log.Info("bring-up started")
	report, err := m.run(send(command(hci.OpReset)))
	m.mu.Unlock()

	if report != nil {
		report(err)
	}
	return nil
}

func (m *Machine) callback(e *hci.Buffer) {
	m.mu.Lock()
	var report func(error)
	var err error
	if e == nil {
		report, err = m.run(abort(errors.Wrapf(btvendor.ErrClosed, "waiting in %v", m.state)))
	} else {
		b := append([]byte(nil), e.Bytes()...)
		m.t.Release(e)
		report, err = m.run(m.handle(b))
	}
	m.mu.Unlock()

	if report != nil {
		report(err)
	}
}

// handle checks the completion of the command just sent and steps once.
func (m *Machine) handle(b []byte) action {
	if !m.running {
		m.log.Warnf("completion while idle: [% X]", b)
		return action{kind: actDone}
	}

	op := evt.Opcode(b)
	if op != m.sentOp {
		return abort(errors.Wrapf(btvendor.ErrUnexpectedEvent, "got %s in %v, want %s",
			hci.OpCodeString(op), m.state, hci.OpCodeString(m.sentOp)))
	}
	if st := evt.CommandComplete(b).Status(); st != 0 {
		return abort(errors.Wrapf(btvendor.ErrCommand(st), "%s in %v", hci.OpCodeString(op), m.state))
	}
	return m.step(b)
}

// run executes a until something is in flight or the session ends. It returns
// the reporter to call, after unlocking, when the session ended.
func (m *Machine) run(a action) (func(error), error) {
	for {
		switch a.kind {
		case actReenter:
			a = m.step(nil)

		case actSend:
			if err := m.transmit(a.frame); err != nil {
				a = abort(err)
				continue
			}
			return nil, nil

		case actDone:
			if !m.running {
				return nil, nil
			}
			m.log.Infof("bring-up completed, chip %s", m.chipName)
			return m.finish(), nil

		case actFail:
			if !m.running {
				return nil, nil
			}
			m.log.Errorf("bring-up aborted in %v: %v", m.state, a.err)
			return m.finish(), a.err
		}
	}
}

func (m *Machine) finish() func(error) {
	if m.patch != nil {
		m.patch.Close()
		m.patch = nil
	}
	m.state = Idle
	m.running = false
	m.sentOp = 0
	d := m.done
	m.done = nil
	return d
}

func (m *Machine) transmit(frame []byte) error {
	op := hci.FrameOpCode(frame)
	b := m.t.Allocate(len(frame))
	if b == nil {
		return errors.Wrapf(btvendor.ErrAllocation, "%s in %v", hci.OpCodeString(op), m.state)
	}
	copy(b.Bytes(), frame)

	m.sentOp = op
	if !m.t.Transmit(op, b, m.callback) {
		m.t.Release(b)
		return errors.Wrapf(btvendor.ErrTransmitRejected, "%s in %v", hci.OpCodeString(op), m.state)
	}
	return nil
}

// step is the transition out of the current state. b is the completion of the
// command sent in that state, nil when re-entered.
func (m *Machine) step(b []byte) action {
	switch m.state {
	case Start:
		m.state = ReadLocalName
		return send(command(hci.OpReadLocalName))

	case ReadLocalName:
		return m.checkName(b)

	case CheckLocalRevision:
		subv, err := evt.CommandComplete(b).LMPSubversionWErr()
		if err != nil {
			return abort(errors.Wrap(btvendor.ErrUnexpectedEvent, err.Error()))
		}
		m.log.Infof("lmp subversion %04x", subv)
		if subv == revisionB0Subv && len(m.chipName) > len(revisionModel) {
			n := []byte(m.chipName)
			n[len(revisionModel)] = 'B'
			m.chipName = string(n)
		}
		m.state = CheckLocalName
		return reenter()

	case CheckLocalName:
		m.openPatch()
		return m.negotiateBaud()

	case SetUartClock:
		m.clockSet = true
		return m.negotiateBaud()

	case SetUartBaud1:
		if err := m.setLocalBaud(m.cfg.TargetBaud); err != nil {
			return abort(err)
		}
		if m.patch == nil {
			return m.writeBDAddr()
		}
		m.state = DLMinidriver
		return send(command(hci.OpDownloadMinidriver))

	case DLMinidriver:
		m.cfg.Sleep(minidriverSettle)
		m.state = DLFwPatch
		return reenter()

	case DLFwPatch:
		return m.nextPatchFrame()

	case SetUartBaud2:
		if err := m.setLocalBaud(m.cfg.TargetBaud); err != nil {
			return abort(err)
		}
		if m.cfg.UseControllerBDAddr {
			m.state = ReadBDAddr
			return send(command(hci.OpReadBDAddr))
		}
		return m.writeBDAddr()

	case ReadBDAddr:
		raw, err := evt.CommandComplete(b).BDAddrWErr()
		if err != nil {
			return abort(errors.Wrap(btvendor.ErrUnexpectedEvent, err.Error()))
		}
		a := btvendor.AddrFromWire(raw)
		if a.IsZero() {
			m.log.Info("controller has no stored bd addr")
			return m.writeBDAddr()
		}
		m.log.Infof("controller bd addr %v", a)
		return finished()

	case SetBDAddr:
		return finished()
	}

	return abort(errors.Errorf("no transition out of %v", m.state))
}

func (m *Machine) checkName(b []byte) action {
	raw, err := evt.CommandComplete(b).LocalNameWErr()
	if err != nil {
		return abort(errors.Wrap(btvendor.ErrUnexpectedEvent, err.Error()))
	}
	name := strings.ToUpper(string(raw))

	i := strings.Index(name, chipMarker)
	if i < 0 {
		m.chipName = unknownChip
		return abort(errors.Wrapf(btvendor.ErrUnknownChip, "local name %q", string(raw)))
	}
	m.chipName = name[i:]
	m.log.Infof("chipset %s", m.chipName)

	if strings.Contains(m.chipName, revisionModel) {
		m.log.Infof("%s detected, checking lmp version", revisionModel)
		m.state = CheckLocalRevision
		return send(command(hci.OpReadLocalVer))
	}
	m.state = CheckLocalName
	return reenter()
}

// openPatch finds and opens the patch for the detected chip. A missing patch
// only means there is nothing to download.
func (m *Machine) openPatch() {
	p, err := m.cfg.Locator.Locate(m.chipName)
	if err != nil {
		m.log.Errorf("failed to locate firmware patch: %v", err)
		return
	}
	r, err := patch.Open(p)
	if err != nil {
		m.log.Errorf("failed to open %s: %v", p, err)
		return
	}
	m.patch = r
}

// negotiateBaud asks the controller to move to the target speed, selecting the
// faster UART clock first when the target needs it.
func (m *Machine) negotiateBaud() action {
	if m.cfg.TargetBaud > clockSwitchBaud && !m.clockSet {
		m.state = SetUartClock
		return send(command(hci.OpWriteUARTClock, uartClock48MHz))
	}

	p := make([]byte, 6)
	binary.LittleEndian.PutUint32(p[2:], uint32(m.cfg.TargetBaud))
	if m.baudSwitchPending {
		m.state = SetUartBaud2
	} else {
		m.state = SetUartBaud1
	}
	return send(command(hci.OpUpdateBaudRate, p...))
}

func (m *Machine) nextPatchFrame() action {
	f, err := m.patch.Next()
	if err == nil {
		return send(f)
	}
	if err != io.EOF {
		return abort(err)
	}

	m.log.Infof("sent %d patch frames", m.patch.Frames())
	m.patch.Close()
	m.patch = nil

	// the launched patch comes up at the reset speed
	if err := m.setLocalBaud(SafeBaud); err != nil {
		return abort(err)
	}
	m.baudSwitchPending = true
	m.clockSet = false

	tunable := patch.NoTunable
	if m.cfg.SettlementTunable != nil {
		tunable = *m.cfg.SettlementTunable
	}
	d := m.cfg.Settlement.SettlementDelay(m.chipName, m.cfg.SettlementOverride, tunable)
	m.log.Debugf("settlement delay %v", d)
	m.cfg.Sleep(d)

	return m.negotiateBaud()
}

func (m *Machine) setLocalBaud(rate int) error {
	m.log.Infof("set uart baud %d", rate)
	return errors.Wrapf(m.t.SetBaud(rate), "in %v", m.state)
}

func (m *Machine) writeBDAddr() action {
	if m.cfg.BDAddr.IsZero() {
		m.log.Warn("no bd addr configured, keeping the controller's")
		return finished()
	}
	m.log.Infof("setting local bd addr to %v", m.cfg.BDAddr)
	m.state = SetBDAddr
	return send(command(hci.OpWriteBDAddr, m.cfg.BDAddr.Wire()...))
}

func command(op uint16, params ...byte) []byte {
	var b bytes.Buffer
	b.Grow(hci.CmdPreambleSize + len(params))
	binary.Write(&b, binary.LittleEndian, op)
	b.WriteByte(byte(len(params)))
	b.Write(params)
	return b.Bytes()
}
