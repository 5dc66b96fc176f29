package trigger

import (
	"fmt"

	"github.com/bcilibrelab/streamrec/internal/config"
)

// New builds the trigger selected by cfg.Type. sink receives the events of
// a software trigger and may be nil for the other types.
func New(cfg config.TriggerConfig, sink EventSink) (Debounced, error) {
	delay := cfg.Delay()
	switch cfg.Type {
	case "lpt":
		addr, err := config.ParsePortAddress(cfg.PortAddress)
		if err != nil {
			return nil, err
		}
		return NewPortTrigger(addr, delay, cfg.Verbose, NewParallelPort(addr, cfg.Device))
	case "serial":
		return NewSerialTrigger(cfg.SerialPort, cfg.Baud, delay, cfg.Verbose)
	case "software":
		return NewSoftwareTrigger(sink, delay, cfg.Verbose)
	case "mock":
		return NewMockTrigger(delay, cfg.Verbose), nil
	}
	return nil, fmt.Errorf("unknown trigger type %q", cfg.Type)
}

// IsHardware reports whether the trigger type drives a physical line.
func IsHardware(triggerType string) bool {
	return triggerType == "lpt" || triggerType == "serial"
}
