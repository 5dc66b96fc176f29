// Package trigger drives trigger pulses for the amplifier trigger line and
// for software event markers. Every variant debounces the same way: an
// accepted signal arms a one-shot deadline of Delay, and further signals are
// refused until the deadline has reset the line to 0.
package trigger

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultDelay is the refractory period between two accepted signals.
const DefaultDelay = 50 * time.Millisecond

var (
	// ErrDeviceUnavailable is returned when the trigger device cannot be opened.
	ErrDeviceUnavailable = errors.New("trigger device unavailable")
	// ErrRejectedSignal reports a signal refused because the previous pulse
	// has not finished. Signal itself reports this through its bool result.
	ErrRejectedSignal = errors.New("signal rejected: previous trigger still active")
)

// Trigger emits trigger values.
type Trigger interface {
	// Signal emits value. It returns false without touching the line when
	// the previous pulse is still active or the write failed.
	Signal(value int) bool
	SetVerbose(verbose bool)
	Verbose() bool
	// Close waits for an active pulse to finish and releases the device.
	Close() error
}

// Debounced is a Trigger with an adjustable refractory delay.
type Debounced interface {
	Trigger
	Delay() time.Duration
	// SetDelay changes the delay. It is refused while a pulse is active.
	SetDelay(delay time.Duration) bool
}

// pulse holds the debounce state shared by all trigger variants. write
// emits a value and reset returns the line to rest once the deadline
// expires. Both run under mu.
type pulse struct {
	name  string
	write func(value int) error
	reset func() error

	mu      sync.Mutex
	verbose bool
	delay   time.Duration
	timer   *time.Timer
	done    chan struct{}
}

func newPulse(name string, delay time.Duration, verbose bool, write func(int) error, reset func() error) *pulse {
	if delay < 0 {
		delay = 0
	}
	return &pulse{name: name, delay: delay, verbose: verbose, write: write, reset: reset}
}

// Signal implements Trigger.
func (p *pulse) Signal(value int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		slog.Warn("You are sending a new signal before the end of the last signal. Signal ignored.",
			"trigger", p.name, "value", value, "delay", p.delay)
		signalsTotal.WithLabelValues(p.name, "rejected").Inc()
		return false
	}

	if err := p.write(value); err != nil {
		slog.Error("Trigger write failed", "trigger", p.name, "value", value, "error", err)
		signalsTotal.WithLabelValues(p.name, "failed").Inc()
		return false
	}
	if p.verbose {
		slog.Info("Sending trigger", "trigger", p.name, "value", value)
	} else {
		slog.Debug("Sending trigger", "trigger", p.name, "value", value)
	}
	signalsTotal.WithLabelValues(p.name, "accepted").Inc()

	if p.delay == 0 {
		p.resetLine()
		return true
	}

	// The timer is never stopped: once armed, the line always goes back to 0.
	done := make(chan struct{})
	p.done = done
	p.timer = time.AfterFunc(p.delay, func() { p.expire(done) })
	return true
}

func (p *pulse) expire(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLine()
	p.timer = nil
	close(done)
}

func (p *pulse) resetLine() {
	if p.reset == nil {
		return
	}
	if err := p.reset(); err != nil {
		slog.Error("Trigger reset failed", "trigger", p.name, "error", err)
	}
}

// Delay implements Debounced.
func (p *pulse) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

// SetDelay implements Debounced.
func (p *pulse) SetDelay(delay time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		slog.Warn("Trigger delay cannot be changed while a signal is active", "trigger", p.name, "delay", p.delay)
		return false
	}
	if delay < 0 {
		delay = 0
	}
	p.delay = delay
	return true
}

// SetVerbose implements Trigger.
func (p *pulse) SetVerbose(verbose bool) {
	p.mu.Lock()
	p.verbose = verbose
	p.mu.Unlock()
}

// Verbose implements Trigger.
func (p *pulse) Verbose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verbose
}

// Active reports whether a pulse deadline is armed.
func (p *pulse) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// wait blocks until an armed deadline has fired.
func (p *pulse) wait() {
	p.mu.Lock()
	done, armed := p.done, p.timer != nil
	p.mu.Unlock()
	if armed {
		<-done
	}
}
