package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// SimulatedAmp is a synthetic amplifier emitting one sine per channel.
type SimulatedAmp struct {
	Info      StreamInfo
	SignalHz  float64
	Amplitude float64
}

// Value returns the deterministic value of channel c at sample index k.
func (a SimulatedAmp) Value(k int64, c int) float64 {
	if a.SignalHz == 0 {
		return a.Amplitude
	}
	phase := float64(c) * math.Pi / 8
	return a.Amplitude * math.Sin(2*math.Pi*a.SignalHz*float64(k)/a.Info.SampleRate+phase)
}

// Simulated connects to synthetic amplifiers that produce samples in real
// time on the local clock.
type Simulated struct {
	Amps []SimulatedAmp
	// Clock defaults to LocalClock.
	Clock func() float64
}

// NewSimulated returns a connector for amps.
func NewSimulated(amps ...SimulatedAmp) *Simulated {
	return &Simulated{Amps: amps}
}

// Discover lists the simulated streams.
func (s *Simulated) Discover(ctx context.Context) ([]StreamInfo, error) {
	infos := make([]StreamInfo, 0, len(s.Amps))
	for _, a := range s.Amps {
		infos = append(infos, a.Info)
	}
	return infos, nil
}

// Connect opens a receiver on the amps matching filter. Sample production
// starts at connection time.
func (s *Simulated) Connect(ctx context.Context, filter Filter) (Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.Clock
	if now == nil {
		now = LocalClock
	}

	var amps []SimulatedAmp
	for _, a := range s.Amps {
		if a.Info.SampleRate <= 0 {
			return nil, fmt.Errorf("simulated amplifier %s: sample rate must be > 0", a.Info.Name)
		}
		if filter.Match(a.Info) {
			amps = append(amps, a)
		}
	}
	if len(amps) == 0 {
		return nil, ErrNoStreams
	}

	r := &simReceiver{
		amps:    amps,
		now:     now,
		start:   now(),
		emitted: make([]int64, len(amps)),
	}
	for _, a := range amps {
		slog.Debug("Simulated stream connected", "name", a.Info.Name, "sample_rate", a.Info.SampleRate, "channels", a.Info.Channels())
	}
	return r, nil
}

type simReceiver struct {
	mu      sync.Mutex
	amps    []SimulatedAmp
	now     func() float64
	start   float64
	emitted []int64
	closed  bool
}

func (r *simReceiver) Streams() []StreamInfo {
	infos := make([]StreamInfo, len(r.amps))
	for i, a := range r.amps {
		infos[i] = a.Info
	}
	return infos
}

func (r *simReceiver) Pull(index int) (Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Chunk{}, ErrClosed
	}
	if index < 0 || index >= len(r.amps) {
		return Chunk{}, fmt.Errorf("stream index %d out of range", index)
	}

	amp := r.amps[index]
	rate := amp.Info.SampleRate
	due := int64(math.Floor((r.now()-r.start)*rate)) + 1
	from := r.emitted[index]
	if due <= from {
		return Chunk{}, nil
	}

	n := int(due - from)
	nch := amp.Info.Channels()
	chunk := Chunk{
		Samples:    make([][]float64, n),
		Timestamps: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		k := from + int64(i)
		row := make([]float64, nch)
		for c := range row {
			row[c] = amp.Value(k, c)
		}
		chunk.Samples[i] = row
		chunk.Timestamps[i] = r.start + float64(k)/rate
	}
	r.emitted[index] = due
	return chunk, nil
}

func (r *simReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
