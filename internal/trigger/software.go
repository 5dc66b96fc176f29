package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/bcilibrelab/streamrec/internal/clock"
)

// EventSink receives software trigger events.
type EventSink interface {
	RecordEvent(timestamp float64, value int) error
}

// SoftwareTrigger forwards accepted values, stamped with the local clock,
// to an EventSink instead of a hardware line.
type SoftwareTrigger struct {
	*pulse
}

// NewSoftwareTrigger returns a software trigger writing into sink.
func NewSoftwareTrigger(sink EventSink, delay time.Duration, verbose bool) (*SoftwareTrigger, error) {
	if sink == nil {
		return nil, fmt.Errorf("software trigger requires an event sink")
	}
	write := func(value int) error {
		return sink.RecordEvent(clock.Local(), value)
	}
	return &SoftwareTrigger{pulse: newPulse("software", delay, verbose, write, nil)}, nil
}

// Close waits for the active pulse to finish.
func (t *SoftwareTrigger) Close() error {
	t.wait()
	return nil
}

// MockTrigger records line writes in memory, including the resets to 0.
type MockTrigger struct {
	*pulse

	mu     sync.Mutex
	writes []int
}

// NewMockTrigger returns an in-memory trigger.
func NewMockTrigger(delay time.Duration, verbose bool) *MockTrigger {
	m := &MockTrigger{}
	m.pulse = newPulse("mock", delay, verbose, m.record, func() error { return m.record(0) })
	return m
}

func (m *MockTrigger) record(value int) error {
	m.mu.Lock()
	m.writes = append(m.writes, value)
	m.mu.Unlock()
	return nil
}

// Writes returns the line values written so far.
func (m *MockTrigger) Writes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.writes...)
}

// Close waits for the active pulse to finish.
func (m *MockTrigger) Close() error {
	m.wait()
	return nil
}
