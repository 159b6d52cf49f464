package btvendor

import (
	"time"
)

// DeviceOption is an interface which the device should implement to allow using configuration options
type DeviceOption interface {
	SetTransportHCISocket(id int) error
	SetTransportH4Uart(path string, baud int) error
	SetConfigFile(path string) error
	SetConfigValue(key, value string) error
	SetPowerPins(regOn, btWake string) error
	SetBridgeTimeout(time.Duration) error
	SetResultHandler(ResultHandler) error
}

// ResultHandler receives every terminal report of the device's sub-machines.
// op is one of "bringup", "lpm", "audio"; err is nil on success.
type ResultHandler func(op string, err error)

// An Option is a configuration function, which configures the device.
type Option func(DeviceOption) error

// OptTransportHCISocket runs the vendor commands over an HCI user channel socket.
// The controller must already be brought up by the kernel driver.
func OptTransportHCISocket(id int) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportHCISocket(id)
	}
}

// OptTransportH4Uart sets the h4 uart path and the speed the controller boots at.
func OptTransportH4Uart(path string, baud int) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportH4Uart(path, baud)
	}
}

// OptConfigFile loads configuration keys from a YAML file.
func OptConfigFile(path string) Option {
	return func(opt DeviceOption) error {
		return opt.SetConfigFile(path)
	}
}

// OptConfigValue sets a single configuration key, e.g. ("FwPatchFilePath", "/lib/firmware").
func OptConfigValue(key, value string) Option {
	return func(opt DeviceOption) error {
		return opt.SetConfigValue(key, value)
	}
}

// OptPowerPins names the BT_REG_ON and BT_WAKE gpio lines. Empty names are skipped.
func OptPowerPins(regOn, btWake string) Option {
	return func(opt DeviceOption) error {
		return opt.SetPowerPins(regOn, btWake)
	}
}

// OptBridgeTimeout overrides the synchronous call deadline.
func OptBridgeTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetBridgeTimeout(d)
	}
}

// OptResultHandler sets a handler observing terminal reports
func OptResultHandler(h ResultHandler) Option {
	return func(opt DeviceOption) error {
		return opt.SetResultHandler(h)
	}
}
