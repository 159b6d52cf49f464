package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
	"github.com/rigado/btvendor/audio"
	"github.com/rigado/btvendor/config"
	"github.com/rigado/btvendor/linux"
	"github.com/rigado/btvendor/linux/hci"
	"github.com/rigado/btvendor/patch"
	"github.com/urfave/cli"
)

// bootBaud is the speed the controller comes out of reset at.
const bootBaud = 115200

// result is what every command prints.
type result struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Chip    string `json:"chip,omitempty"`
	Event   string `json:"event,omitempty"`
	Path    string `json:"path,omitempty"`
	// IdleTimeoutMs is the host idle time before the controller may sleep.
	IdleTimeoutMs int64 `json:"idle_timeout_ms,omitempty"`
}

func main() {
	app := cli.NewApp()
	app.Name = "bcmvendor"
	app.Usage = "bring up and configure a Broadcom bluetooth controller"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "YAML configuration file"},
		cli.StringFlag{Name: "uart, u", Usage: "h4 uart device, overrides UartPort"},
		cli.IntFlag{Name: "baud", Usage: "uart speed, defaults to 115200 for bringup and UartTargetBaudRate otherwise"},
		cli.IntFlag{Name: "hci", Value: -1, Usage: "hci index, use a user channel socket instead of the uart"},
		cli.StringSliceFlag{Name: "set, s", Usage: "configuration key=value, repeatable"},
		cli.StringFlag{Name: "reg-on", Usage: "BT_REG_ON gpio name"},
		cli.StringFlag{Name: "bt-wake", Usage: "BT_WAKE gpio name"},
		cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "overall deadline"},
		cli.BoolFlag{Name: "debug", Usage: "debug logging"},
		cli.BoolFlag{Name: "json", Usage: "print results as JSON"},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			btvendor.SetLogLevelMax()
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "bringup",
			Usage:  "power cycle, download the firmware patch and set baud and address",
			Action: withDevice(cmdBringup),
		},
		{
			Name:      "lpm",
			Usage:     "enable or disable controller low power mode",
			ArgsUsage: "on|off",
			Action:    withDevice(cmdLPM),
		},
		{
			Name:   "sco",
			Usage:  "configure SCO routing over PCM/I2S",
			Action: withDevice(cmdSCO),
		},
		{
			Name:      "codec",
			Usage:     "select the SCO codec",
			ArgsUsage: "msbc|cvsd",
			Action:    withDevice(cmdCodec),
		},
		{
			Name:      "send",
			Usage:     "send one command and print its command complete",
			ArgsUsage: "<opcode> [hex params]",
			Action:    withDevice(cmdSend),
		},
		{
			Name:      "locate",
			Usage:     "show the patch file that would be used for a chip name",
			ArgsUsage: "<chip>",
			Action:    cmdLocate,
		},
		{
			Name:   "keys",
			Usage:  "list configuration keys",
			Action: cmdKeys,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type devAction func(ctx context.Context, c *cli.Context, d *linux.Device) (*result, error)

func withDevice(fn devAction) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		d, err := linux.NewDevice(options(c, cfg)...)
		if err != nil {
			return errors.Wrap(err, "can't open device")
		}
		defer d.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
		defer cancel()

		r, err := fn(ctx, c, d)
		if r == nil {
			r = &result{}
		}
		r.Command = c.Command.Name
		return output(c, r, err)
	}
}

func options(c *cli.Context, cfg *config.Config) []btvendor.Option {
	var opts []btvendor.Option
	if p := c.GlobalString("config"); p != "" {
		opts = append(opts, btvendor.OptConfigFile(p))
	}
	for _, kv := range c.GlobalStringSlice("set") {
		k, v := splitPair(kv)
		opts = append(opts, btvendor.OptConfigValue(k, v))
	}

	switch {
	case c.GlobalInt("hci") >= 0:
		opts = append(opts, btvendor.OptTransportHCISocket(c.GlobalInt("hci")))
	default:
		opts = append(opts, btvendor.OptTransportH4Uart(c.GlobalString("uart"), uartBaud(c.Command.Name, c.GlobalInt("baud"), cfg)))
	}

	opts = append(opts, btvendor.OptPowerPins(c.GlobalString("reg-on"), c.GlobalString("bt-wake")))
	return opts
}

// uartBaud is the speed the uart is opened at. Only bringup finds the
// controller at its boot speed; the other commands follow a bringup that left
// it at the target speed.
func uartBaud(cmd string, flag int, cfg *config.Config) int {
	switch {
	case flag > 0:
		return flag
	case cmd == "bringup" || cfg.TargetBaud <= 0:
		return bootBaud
	}
	return cfg.TargetBaud
}

// loadConfig reads the configuration the device will see, for the settings the
// command line itself needs.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if p := c.GlobalString("config"); p != "" {
		if err := cfg.LoadFile(p); err != nil {
			return nil, err
		}
	}
	for _, kv := range c.GlobalStringSlice("set") {
		if err := cfg.SetPair(kv); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func splitPair(kv string) (string, string) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return kv, ""
	}
	return kv[:i], kv[i+1:]
}

func output(c *cli.Context, r *result, err error) error {
	r.OK = err == nil
	if err != nil {
		r.Error = err.Error()
	}

	if c.GlobalBool("json") {
		b, jerr := jsoniter.MarshalIndent(r, "", "  ")
		if jerr != nil {
			return jerr
		}
		fmt.Println(string(b))
	} else {
		switch {
		case err != nil:
		case r.Chip != "":
			fmt.Printf("%s: ok, chip %s\n", r.Command, r.Chip)
		case r.Event != "":
			fmt.Printf("%s: %s\n", r.Command, r.Event)
		case r.Path != "":
			fmt.Println(r.Path)
		case r.IdleTimeoutMs > 0:
			fmt.Printf("%s: ok, idle timeout %dms\n", r.Command, r.IdleTimeoutMs)
		default:
			fmt.Printf("%s: ok\n", r.Command)
		}
	}

	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%s: %v", r.Command, err), 1)
	}
	return nil
}

func cmdBringup(ctx context.Context, _ *cli.Context, d *linux.Device) (*result, error) {
	err := d.Init(ctx)
	return &result{Chip: d.ChipName()}, err
}

func cmdLPM(ctx context.Context, c *cli.Context, d *linux.Device) (*result, error) {
	var enable bool
	switch strings.ToLower(c.Args().First()) {
	case "on", "1", "enable":
		enable = true
	case "off", "0", "disable":
	default:
		return nil, errors.Errorf("expected on or off, got %q", c.Args().First())
	}
	if err := d.SetLowPowerMode(ctx, enable); err != nil || !enable {
		return nil, err
	}
	return &result{IdleTimeoutMs: d.IdleTimeout().Milliseconds()}, nil
}

func cmdSCO(ctx context.Context, _ *cli.Context, d *linux.Device) (*result, error) {
	return nil, d.ConfigureSCO(ctx)
}

func cmdCodec(ctx context.Context, c *cli.Context, d *linux.Device) (*result, error) {
	codec, err := audio.ParseCodec(c.Args().First())
	if err != nil {
		return nil, err
	}
	return nil, d.ConfigureCodec(ctx, codec)
}

func cmdSend(_ context.Context, c *cli.Context, d *linux.Device) (*result, error) {
	if c.NArg() < 1 {
		return nil, errors.New("missing opcode")
	}
	op, err := strconv.ParseUint(c.Args().First(), 0, 16)
	if err != nil {
		return nil, errors.Wrap(err, "opcode")
	}
	var p []byte
	if c.NArg() > 1 {
		if p, err = hex.DecodeString(strings.Join(c.Args().Tail(), "")); err != nil {
			return nil, errors.Wrap(err, "params")
		}
	}

	ev, err := d.SendAndWait(uint16(op), p)
	r := &result{}
	if ev != nil {
		r.Event = fmt.Sprintf("%s [% X]", hci.OpCodeString(uint16(op)), ev)
	}
	return r, err
}

func cmdLocate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.NArg() < 1 {
		return errors.New("missing chip name")
	}
	p, err := patch.NewLocator(cfg.PatchDir, cfg.PatchName).Locate(c.Args().First())
	return output(c, &result{Command: "locate", Path: p}, err)
}

func cmdKeys(*cli.Context) error {
	for _, k := range config.Keys() {
		fmt.Println(k)
	}
	return nil
}
