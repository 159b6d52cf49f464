package audio

import (
	"strings"

	"github.com/pkg/errors"
)

// ParamSet is a named parameter block. Names and values stay in step.
type ParamSet struct {
	names  []string
	values []byte
}

// NewParamSet pairs names with their default values.
func NewParamSet(names []string, values []byte) (*ParamSet, error) {
	if len(names) != len(values) {
		return nil, errors.Errorf("%d names for %d values", len(names), len(values))
	}
	return &ParamSet{
		names:  append([]string(nil), names...),
		values: append([]byte(nil), values...),
	}, nil
}

func mustParamSet(names []string, values []byte) *ParamSet {
	p, err := NewParamSet(names, values)
	if err != nil {
		panic(err)
	}
	return p
}

// Index returns the position of name, matched case-insensitively, or -1.
func (p *ParamSet) Index(name string) int {
	for i, n := range p.names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// Set changes the value of name.
func (p *ParamSet) Set(name string, v byte) error {
	i := p.Index(name)
	if i < 0 {
		return errors.Errorf("invalid parameter %s", name)
	}
	p.values[i] = v
	return nil
}

// SetIndex changes the i-th value.
func (p *ParamSet) SetIndex(i int, v byte) error {
	if i < 0 || i >= len(p.values) {
		return errors.Errorf("parameter index %d out of range", i)
	}
	p.values[i] = v
	return nil
}

// Get returns the value of name.
func (p *ParamSet) Get(name string) (byte, bool) {
	i := p.Index(name)
	if i < 0 {
		return 0, false
	}
	return p.values[i], true
}

// Names returns the parameter names in wire order.
func (p *ParamSet) Names() []string {
	return append([]string(nil), p.names...)
}

// Bytes returns a copy of the values in wire order.
func (p *ParamSet) Bytes() []byte {
	return append([]byte(nil), p.values...)
}

// PCM routing (Write SCO PCM Int Param).
const (
	ScoPcmRouting     = "ScoPcmRouting"
	ScoPcmIfClockRate = "ScoPcmIfClockRate"
	ScoPcmIfFrameType = "ScoPcmIfFrameType"
	ScoPcmIfSyncMode  = "ScoPcmIfSyncMode"
	ScoPcmIfClockMode = "ScoPcmIfClockMode"
)

// PCM data format (Write PCM Data Format Param).
const (
	PcmDataFmtShiftMode   = "PcmDataFmtShiftMode"
	PcmDataFmtFillBits    = "PcmDataFmtFillBits"
	PcmDataFmtFillMethod  = "PcmDataFmtFillMethod"
	PcmDataFmtFillNum     = "PcmDataFmtFillNum"
	PcmDataFmtJustifyMode = "PcmDataFmtJustifyMode"
)

// I2S/PCM interface (Write I2SPCM Interface Param).
const (
	ScoI2sPcmIfMode       = "ScoI2sPcmIfMode"
	ScoI2sPcmIfRole       = "ScoI2sPcmIfRole"
	ScoI2sPcmIfSampleRate = "ScoI2sPcmIfSampleRate"
	ScoI2sPcmIfClockRate  = "ScoI2sPcmIfClockRate"
)

// Clock rates the mSBC chain sends in place of ScoPcmIfClockRate and
// ScoI2sPcmIfClockRate. They default to the narrowband rates.
const (
	ScoPcmIfClockRateWbs    = "ScoPcmIfClockRateWbs"
	ScoI2sPcmIfClockRateWbs = "ScoI2sPcmIfClockRateWbs"
)

// Values of ScoI2sPcmIfSampleRate.
const (
	SampleRate8k  = 0x00
	SampleRate16k = 0x01
	SampleRate4k  = 0x02
)

// Values of ScoPcmIfClockRate and ScoI2sPcmIfClockRate.
const (
	ClockRate128k = iota
	ClockRate256k
	ClockRate512k
	ClockRate1024k
	ClockRate2048k
)

// Params holds the three blocks the SCO and codec chains send, plus the
// wideband clock rates.
type Params struct {
	PCM    *ParamSet
	Format *ParamSet
	I2S    *ParamSet
	WBS    *ParamSet
}

// DefaultParams routes SCO over PCM at 2048kHz, slave, with I2S master at 8kHz.
func DefaultParams() Params {
	return Params{
		PCM: mustParamSet(
			[]string{ScoPcmRouting, ScoPcmIfClockRate, ScoPcmIfFrameType, ScoPcmIfSyncMode, ScoPcmIfClockMode},
			[]byte{0, ClockRate2048k, 0, 0, 0},
		),
		Format: mustParamSet(
			[]string{PcmDataFmtShiftMode, PcmDataFmtFillBits, PcmDataFmtFillMethod, PcmDataFmtFillNum, PcmDataFmtJustifyMode},
			[]byte{0, 0, 3, 3, 0},
		),
		I2S: mustParamSet(
			[]string{ScoI2sPcmIfMode, ScoI2sPcmIfRole, ScoI2sPcmIfSampleRate, ScoI2sPcmIfClockRate},
			[]byte{1, 1, SampleRate8k, ClockRate256k},
		),
		WBS: mustParamSet(
			[]string{ScoPcmIfClockRateWbs, ScoI2sPcmIfClockRateWbs},
			[]byte{ClockRate2048k, ClockRate256k},
		),
	}
}

// Lookup finds the block that owns name.
func (p Params) Lookup(name string) (*ParamSet, int) {
	for _, s := range []*ParamSet{p.PCM, p.Format, p.I2S, p.WBS} {
		if s == nil {
			continue
		}
		if i := s.Index(name); i >= 0 {
			return s, i
		}
	}
	return nil, -1
}
