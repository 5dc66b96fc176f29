package trigger

import (
	"fmt"
	"log/slog"
	"time"
)

// Conventional LPT base addresses.
const (
	LPT1 uint16 = 0x378
	LPT2 uint16 = 0x278
)

// PortDriver gives exclusive access to a byte-wide trigger line.
type PortDriver interface {
	Open() error
	Write(data byte) error
	Close() error
	String() string
}

// PortTrigger drives a hardware trigger line through a PortDriver: the
// value is written on Signal and the line returns to 0 after Delay.
type PortTrigger struct {
	*pulse
	driver PortDriver
}

// NewPortTrigger opens an LPT trigger at address through driver. Addresses
// other than LPT1 and LPT2 only produce a warning.
func NewPortTrigger(address uint16, delay time.Duration, verbose bool, driver PortDriver) (*PortTrigger, error) {
	if address != LPT1 && address != LPT2 {
		slog.Warn(fmt.Sprintf("LPT port address %#x is unusual.", address))
	}
	return newLineTrigger(fmt.Sprintf("lpt:%#x", address), delay, verbose, driver)
}

func newLineTrigger(name string, delay time.Duration, verbose bool, driver PortDriver) (*PortTrigger, error) {
	if err := driver.Open(); err != nil {
		slog.Error("Connecting to trigger port failed. Check the driver status.", "port", driver.String(), "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, driver.String(), err)
	}

	t := &PortTrigger{driver: driver}
	t.pulse = newPulse(name, delay, verbose, t.writeValue, func() error { return driver.Write(0) })
	slog.Info("Trigger port ready", "port", driver.String(), "delay", delay)
	return t, nil
}

func (t *PortTrigger) writeValue(value int) error {
	if value < 0 || value > 255 {
		return fmt.Errorf("value %d out of range 0..255", value)
	}
	return t.driver.Write(byte(value))
}

// Close waits for the active pulse, then releases the port.
func (t *PortTrigger) Close() error {
	t.wait()
	return t.driver.Close()
}
