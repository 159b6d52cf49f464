package linux

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
)

// SetTransportHCISocket sets HCI device for hci socket
func (d *Device) SetTransportHCISocket(id int) error {
	d.transport = transport{
		hci: &transportHci{id},
	}
	return nil
}

// SetTransportH4Uart sets h4 uart path and the speed the controller boots at
func (d *Device) SetTransportH4Uart(path string, baud int) error {
	if baud < 0 {
		return errors.Errorf("invalid baud rate %d", baud)
	}
	d.transport = transport{
		h4uart: &transportH4Uart{path, baud},
	}
	return nil
}

// SetConfigFile loads configuration keys from a YAML file
func (d *Device) SetConfigFile(path string) error {
	return d.cfg.LoadFile(path)
}

// SetConfigValue sets a single configuration key
func (d *Device) SetConfigValue(key, value string) error {
	return d.cfg.Set(key, value)
}

// SetPowerPins names the BT_REG_ON and BT_WAKE gpio lines
func (d *Device) SetPowerPins(regOn, btWake string) error {
	d.regOn = regOn
	d.btWake = btWake
	return nil
}

// SetBridgeTimeout overrides the synchronous call deadline
func (d *Device) SetBridgeTimeout(t time.Duration) error {
	if t <= 0 {
		return errors.Errorf("invalid timeout %v", t)
	}
	d.timeout = t
	return nil
}

// SetResultHandler sets a handler observing terminal reports
func (d *Device) SetResultHandler(h btvendor.ResultHandler) error {
	d.handler = h
	return nil
}
