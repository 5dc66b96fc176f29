package recorder

import (
	"math"
	"time"

	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/bcilibrelab/streamrec/internal/receiver"
)

// AmpStream buffers one amplifier's samples for a session. It is owned by
// the acquisition loop. When the bound is reached the oldest samples are
// evicted first.
type AmpStream struct {
	Info     receiver.StreamInfo
	DataFile string

	index      int
	maxSamples int // 0 means unbounded
	head       int // first live sample in samples and timestamps
	samples    [][]float64
	timestamps []float64
	drained    int64
	evicted    int64
}

func newAmpStream(index int, info receiver.StreamInfo, dataFile string, maxBuffer time.Duration) *AmpStream {
	s := &AmpStream{Info: info, DataFile: dataFile, index: index}
	if info.SampleRate > 0 && maxBuffer > 0 {
		s.maxSamples = int(math.Ceil(maxBuffer.Seconds() * info.SampleRate))
	}
	return s
}

// MaxSamples returns the buffer bound in samples, 0 when unbounded.
func (s *AmpStream) MaxSamples() int {
	return s.maxSamples
}

// Len returns the number of buffered samples.
func (s *AmpStream) Len() int {
	return len(s.timestamps) - s.head
}

// Drained returns the total number of samples pulled, evicted ones included.
func (s *AmpStream) Drained() int64 {
	return s.drained
}

// Evicted returns the number of samples dropped by the buffer bound.
func (s *AmpStream) Evicted() int64 {
	return s.evicted
}

// Duration returns the buffered duration in seconds.
func (s *AmpStream) Duration() float64 {
	if s.Info.SampleRate <= 0 {
		n := s.Len()
		if n < 2 {
			return 0
		}
		return s.timestamps[len(s.timestamps)-1] - s.timestamps[s.head]
	}
	return float64(s.Len()) / s.Info.SampleRate
}

func (s *AmpStream) append(c receiver.Chunk) {
	if c.Len() == 0 {
		return
	}
	s.samples = append(s.samples, c.Samples...)
	s.timestamps = append(s.timestamps, c.Timestamps...)
	s.drained += int64(c.Len())

	if s.maxSamples > 0 {
		if excess := s.Len() - s.maxSamples; excess > 0 {
			s.head += excess
			s.evicted += int64(excess)
			samplesEvicted.WithLabelValues(s.Info.Name).Add(float64(excess))
		}
		// Compact once the dead prefix outgrows the live part.
		if s.head > s.maxSamples {
			s.compact()
		}
	}
}

func (s *AmpStream) compact() {
	n := copy(s.samples, s.samples[s.head:])
	clear(s.samples[n:])
	s.samples = s.samples[:n]
	copy(s.timestamps, s.timestamps[s.head:])
	s.timestamps = s.timestamps[:n]
	s.head = 0
}

// snapshot copies the live buffer into a persistable snapshot.
func (s *AmpStream) snapshot(sessionID string, created time.Time) *persist.Snapshot {
	n := s.Len()
	snap := &persist.Snapshot{
		AmpName:      s.Info.Name,
		SessionID:    sessionID,
		Created:      created.Unix(),
		SampleRate:   s.Info.SampleRate,
		ChannelNames: append([]string(nil), s.Info.ChannelNames...),
		Signals:      make([][]float64, n),
		Timestamps:   make([]float64, n),
		TimeOffset:   s.Info.TimeOffset,
	}
	copy(snap.Timestamps, s.timestamps[s.head:])
	for i, row := range s.samples[s.head:] {
		snap.Signals[i] = append([]float64(nil), row...)
	}
	return snap
}
