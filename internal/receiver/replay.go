package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bcilibrelab/streamrec/internal/persist"
)

// Replay plays recorded raw artifacts back in real time, one stream per
// file, looping at the end. Timestamps are shifted onto the local clock.
type Replay struct {
	Store *persist.Store
	Files []string
	// Clock defaults to LocalClock.
	Clock func() float64
}

// NewReplay returns a connector replaying files through store.
func NewReplay(store *persist.Store, files ...string) *Replay {
	return &Replay{Store: store, Files: files}
}

func (r *Replay) load() ([]*persist.Snapshot, error) {
	snaps := make([]*persist.Snapshot, 0, len(r.Files))
	for _, f := range r.Files {
		snap, err := r.Store.ReadRaw(f)
		if err != nil {
			return nil, fmt.Errorf("loading replay file: %w", err)
		}
		if snap.Samples() == 0 {
			return nil, fmt.Errorf("replay file %s holds no samples", f)
		}
		if snap.SampleRate <= 0 {
			return nil, fmt.Errorf("replay file %s has no nominal sample rate", f)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func replayInfo(file string, snap *persist.Snapshot) StreamInfo {
	name := snap.AmpName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	streamType := "EEG"
	if strings.HasPrefix(strings.ToUpper(name), "EMG") {
		streamType = "EMG"
	}
	return StreamInfo{
		Name:         name,
		Serial:       snap.SessionID,
		Type:         streamType,
		SampleRate:   snap.SampleRate,
		ChannelNames: snap.ChannelNames,
		TimeOffset:   snap.TimeOffset,
	}
}

// Discover reads the headers of all replay files.
func (r *Replay) Discover(ctx context.Context) ([]StreamInfo, error) {
	snaps, err := r.load()
	if err != nil {
		return nil, err
	}
	infos := make([]StreamInfo, len(snaps))
	for i, s := range snaps {
		infos[i] = replayInfo(r.Files[i], s)
	}
	return infos, nil
}

// Connect loads the files matching filter into memory.
func (r *Replay) Connect(ctx context.Context, filter Filter) (Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snaps, err := r.load()
	if err != nil {
		return nil, err
	}
	now := r.Clock
	if now == nil {
		now = LocalClock
	}

	rr := &replayReceiver{now: now, start: now()}
	for i, s := range snaps {
		info := replayInfo(r.Files[i], s)
		if !filter.Match(info) {
			continue
		}
		rr.infos = append(rr.infos, info)
		rr.snaps = append(rr.snaps, s)
		slog.Debug("Replay stream connected", "file", r.Files[i], "name", info.Name, "samples", s.Samples())
	}
	if len(rr.snaps) == 0 {
		return nil, ErrNoStreams
	}
	rr.emitted = make([]int64, len(rr.snaps))
	return rr, nil
}

type replayReceiver struct {
	mu      sync.Mutex
	infos   []StreamInfo
	snaps   []*persist.Snapshot
	now     func() float64
	start   float64
	emitted []int64
	closed  bool
}

func (r *replayReceiver) Streams() []StreamInfo {
	return append([]StreamInfo(nil), r.infos...)
}

func (r *replayReceiver) Pull(index int) (Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Chunk{}, ErrClosed
	}
	if index < 0 || index >= len(r.snaps) {
		return Chunk{}, fmt.Errorf("stream index %d out of range", index)
	}

	snap := r.snaps[index]
	rate := snap.SampleRate
	due := int64(math.Floor((r.now()-r.start)*rate)) + 1
	from := r.emitted[index]
	if due <= from {
		return Chunk{}, nil
	}

	total := int64(snap.Samples())
	n := int(due - from)
	chunk := Chunk{
		Samples:    make([][]float64, n),
		Timestamps: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		k := from + int64(i)
		row := snap.Signals[k%total]
		chunk.Samples[i] = append([]float64(nil), row...)
		chunk.Timestamps[i] = r.start + float64(k)/rate
	}
	r.emitted[index] = due
	return chunk, nil
}

func (r *replayReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.snaps = nil
	return nil
}
