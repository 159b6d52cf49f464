// Package config maps the vendor configuration keys onto the parameters the
// bring-up, low power mode and audio machines read.
package config

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/audio"
	"github.com/rigado/btvendor/lpm"
	"github.com/rigado/btvendor/patch"
	"gopkg.in/yaml.v3"
)

// SettlementEnv overrides the settlement delay at run time, in milliseconds.
const SettlementEnv = "BCMVENDOR_FW_SETTLEMENT_MS"

// Defaults for a UART attached controller.
const (
	DefaultUartPort   = "/dev/ttyS1"
	DefaultTargetBaud = 3000000
)

// Config is the complete vendor configuration. Set it up before any
// sub-machine runs.
type Config struct {
	UartPort            string
	TargetBaud          int
	PatchDir            string
	PatchName           string
	SettlementDelay     time.Duration
	BDAddr              btvendor.Addr
	UseControllerBDAddr bool

	LPM   lpm.Params
	Audio audio.Params
}

// Default returns the built in configuration.
func Default() *Config {
	return &Config{
		UartPort:   DefaultUartPort,
		TargetBaud: DefaultTargetBaud,
		PatchDir:   patch.DefaultDir,
		LPM:        lpm.DefaultParams(),
		Audio:      audio.DefaultParams(),
	}
}

type setter func(c *Config, value string, idx int) error

type entry struct {
	set setter
	idx int
}

var table = map[string]entry{}

func register(name string, s setter, idx int) {
	table[strings.ToLower(name)] = entry{s, idx}
}

func init() {
	register("UartPort", setUartPort, 0)
	register("UartTargetBaudRate", setTargetBaud, 0)
	register("FwPatchFilePath", setPatchDir, 0)
	register("FwPatchFileName", setPatchName, 0)
	register("FwPatchSettlementDelay", setSettlement, 0)
	register("BdAddr", setBDAddr, 0)
	register("UseControllerBdAddr", setUseControllerBDAddr, 0)

	for i, n := range lpm.ParamNames {
		register(n, setLPM, i)
	}

	p := audio.DefaultParams()
	for _, n := range p.PCM.Names() {
		register(n, setPCM, p.PCM.Index(n))
	}
	for _, n := range p.Format.Names() {
		register(n, setFormat, p.Format.Index(n))
	}
	for _, n := range p.I2S.Names() {
		register(n, setI2S, p.I2S.Index(n))
	}
	for _, n := range p.WBS.Names() {
		register(n, setWBS, p.WBS.Index(n))
	}
}

// Keys lists every key Set accepts, lower case and sorted.
func Keys() []string {
	ks := make([]string, 0, len(table))
	for k := range table {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Set applies one key. Keys are matched case-insensitively.
func (c *Config) Set(key, value string) error {
	e, ok := table[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return errors.Errorf("unknown configuration key %q", key)
	}
	return errors.Wrapf(e.set(c, strings.TrimSpace(value), e.idx), "%s", key)
}

// SetPair applies "key=value".
func (c *Config) SetPair(kv string) error {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return errors.Errorf("expected key=value, got %q", kv)
	}
	return c.Set(kv[:i], kv[i+1:])
}

// Load reads a flat YAML mapping of key to scalar.
func (c *Config) Load(r io.Reader) error {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(err, "parse config")
	}
	if len(doc.Content) == 0 {
		return nil
	}

	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return errors.Errorf("config line %d: expected a mapping", m.Line)
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return errors.Errorf("config line %d: %s must be a scalar", v.Line, k.Value)
		}
		if err := c.Set(k.Value, v.Value); err != nil {
			return errors.Wrapf(err, "config line %d", k.Line)
		}
	}
	return nil
}

// LoadFile reads the YAML file at path.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open config")
	}
	defer f.Close()
	return c.Load(f)
}

// SettlementTunable reads SettlementEnv. It returns nil when the variable is
// unset or invalid; zero is a valid delay.
func SettlementTunable() *time.Duration {
	v := os.Getenv(SettlementEnv)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		btvendor.GetLogger().Warnf("ignoring %s=%q", SettlementEnv, v)
		return nil
	}
	d := time.Duration(ms) * time.Millisecond
	return &d
}

func setUartPort(c *Config, v string, _ int) error {
	if v == "" {
		return errors.New("empty port")
	}
	c.UartPort = v
	return nil
}

func setTargetBaud(c *Config, v string, _ int) error {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return errors.Errorf("invalid baud rate %q", v)
	}
	c.TargetBaud = n
	return nil
}

func setPatchDir(c *Config, v string, _ int) error {
	c.PatchDir = v
	return nil
}

func setPatchName(c *Config, v string, _ int) error {
	c.PatchName = v
	return nil
}

func setSettlement(c *Config, v string, _ int) error {
	ms, err := strconv.Atoi(v)
	if err != nil {
		return errors.Errorf("invalid delay %q", v)
	}
	c.SettlementDelay = time.Duration(ms) * time.Millisecond
	return nil
}

func setBDAddr(c *Config, v string, _ int) error {
	a, err := btvendor.ParseAddr(v)
	if err != nil {
		return err
	}
	c.BDAddr = a
	return nil
}

func setUseControllerBDAddr(c *Config, v string, _ int) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Errorf("invalid bool %q", v)
	}
	c.UseControllerBDAddr = b
	return nil
}

func parseByte(v string) (uint8, error) {
	n, err := strconv.ParseUint(v, 0, 8)
	if err != nil {
		return 0, errors.Errorf("invalid byte value %q", v)
	}
	return uint8(n), nil
}

func setLPM(c *Config, v string, idx int) error {
	b, err := parseByte(v)
	if err != nil {
		return err
	}
	return c.LPM.SetIndex(idx, b)
}

func setPCM(c *Config, v string, idx int) error {
	b, err := parseByte(v)
	if err != nil {
		return err
	}
	return c.Audio.PCM.SetIndex(idx, b)
}

func setFormat(c *Config, v string, idx int) error {
	b, err := parseByte(v)
	if err != nil {
		return err
	}
	return c.Audio.Format.SetIndex(idx, b)
}

func setI2S(c *Config, v string, idx int) error {
	b, err := parseByte(v)
	if err != nil {
		return err
	}
	return c.Audio.I2S.SetIndex(idx, b)
}

func setWBS(c *Config, v string, idx int) error {
	b, err := parseByte(v)
	if err != nil {
		return err
	}
	return c.Audio.WBS.SetIndex(idx, b)
}
