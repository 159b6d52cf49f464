package main

import (
	"testing"

	"github.com/rigado/btvendor/config"
)

func TestUartBaud(t *testing.T) {
	cfg := config.Default()
	cfg.TargetBaud = 4000000
	unset := config.Default()
	unset.TargetBaud = 0

	for _, tc := range []struct {
		cmd  string
		flag int
		cfg  *config.Config
		want int
	}{
		{"bringup", 0, cfg, bootBaud},
		{"lpm", 0, cfg, 4000000},
		{"send", 0, cfg, 4000000},
		{"codec", 0, unset, bootBaud},
		{"sco", 921600, cfg, 921600},
		{"bringup", 921600, cfg, 921600},
	} {
		if got := uartBaud(tc.cmd, tc.flag, tc.cfg); got != tc.want {
			t.Errorf("%s --baud %d: %d, want %d", tc.cmd, tc.flag, got, tc.want)
		}
	}
}

func TestSplitPair(t *testing.T) {
	if k, v := splitPair("BdAddr=00:11:22:33:44:55"); k != "BdAddr" || v != "00:11:22:33:44:55" {
		t.Fatal(k, v)
	}
	if k, v := splitPair("UseControllerBdAddr"); k != "UseControllerBdAddr" || v != "" {
		t.Fatal(k, v)
	}
}
