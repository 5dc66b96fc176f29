// Package receiver defines the stream receiver the recorder drains and
// provides simulated and replay implementations of it.
package receiver

import (
	"context"
	"errors"
	"strings"

	"github.com/bcilibrelab/streamrec/internal/clock"
)

var (
	// ErrNoStreams is returned by Connect when no stream matches the filter.
	ErrNoStreams = errors.New("no matching amplifier streams")
	// ErrClosed is returned by Pull after Close.
	ErrClosed = errors.New("receiver closed")
)

// StreamInfo describes one amplifier stream.
type StreamInfo struct {
	Name         string   `json:"name"`
	Serial       string   `json:"serial"`
	Type         string   `json:"type"`
	SampleRate   float64  `json:"sample_rate"`
	ChannelNames []string `json:"channel_names"`
	TimeOffset   float64  `json:"time_offset"`
}

// Channels returns the channel count.
func (s StreamInfo) Channels() int {
	return len(s.ChannelNames)
}

// Chunk is a batch of samples pulled from a stream. Samples is indexed
// [sample][channel] and parallel to Timestamps, which are already
// expressed on the local clock.
type Chunk struct {
	Samples    [][]float64
	Timestamps []float64
}

// Len returns the sample count.
func (c Chunk) Len() int {
	return len(c.Timestamps)
}

// Receiver buffers samples from a fixed set of streams.
type Receiver interface {
	Streams() []StreamInfo
	// Pull returns everything buffered for stream index since the last
	// call without blocking. An empty chunk is not an error.
	Pull(index int) (Chunk, error)
	Close() error
}

// Connector discovers streams and opens receivers on them.
type Connector interface {
	Discover(ctx context.Context) ([]StreamInfo, error)
	Connect(ctx context.Context, filter Filter) (Receiver, error)
}

// Filter selects streams by name, serial and type. Empty fields match all.
type Filter struct {
	AmpName   string `json:"amp_name,omitempty"`
	AmpSerial string `json:"amp_serial,omitempty"`
	EEGOnly   bool   `json:"eeg_only,omitempty"`
}

// Match reports whether info passes the filter.
func (f Filter) Match(info StreamInfo) bool {
	if f.AmpName != "" && info.Name != f.AmpName {
		return false
	}
	if f.AmpSerial != "" && info.Serial != f.AmpSerial {
		return false
	}
	if f.EEGOnly && !strings.EqualFold(info.Type, "EEG") {
		return false
	}
	return true
}

// LocalClock is the clock receivers stamp samples with.
func LocalClock() float64 {
	return clock.Local()
}
