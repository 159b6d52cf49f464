package patch

import (
	"strings"
	"time"
)

// SettlementEntry is the delay needed by chips whose name contains Prefix.
// An empty Prefix matches every name.
type SettlementEntry struct {
	Prefix string
	Delay  time.Duration
}

// SettlementTable is searched in order; the wildcard entry goes last.
type SettlementTable []SettlementEntry

// DefaultSettlement lists the delays recommended after launching a patch.
var DefaultSettlement = SettlementTable{
	{Prefix: "BCM43241", Delay: 200 * time.Millisecond},
	{Prefix: "BCM43341", Delay: 100 * time.Millisecond},
	{Prefix: "", Delay: 100 * time.Millisecond},
}

// Lookup returns the delay of the first entry found in name.
func (t SettlementTable) Lookup(name string) time.Duration {
	for _, e := range t {
		if strings.Contains(name, e.Prefix) {
			return e.Delay
		}
	}
	return 0
}

// NoTunable is passed to SettlementDelay when no runtime tunable is set.
const NoTunable time.Duration = -1

// SettlementDelay picks the settlement delay for name. A positive override
// wins over the tunable, which wins over the table unless it is NoTunable.
// A tunable of zero means no delay.
func (t SettlementTable) SettlementDelay(name string, override, tunable time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case tunable >= 0:
		return tunable
	default:
		return t.Lookup(name)
	}
}
