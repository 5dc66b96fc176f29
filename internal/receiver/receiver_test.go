package receiver

import (
	"context"
	"testing"

	"github.com/bcilibrelab/streamrec/internal/config"
	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t float64 }

func (c *fakeClock) now() float64 { return c.t }

func testAmps() []SimulatedAmp {
	return []SimulatedAmp{
		{Info: StreamInfo{Name: "EEG8", Serial: "S1", Type: "EEG", SampleRate: 100, ChannelNames: []string{"a", "b"}}, SignalHz: 5, Amplitude: 10},
		{Info: StreamInfo{Name: "EMG2", Serial: "S2", Type: "EMG", SampleRate: 200, ChannelNames: []string{"e"}}, Amplitude: 1},
	}
}

func TestFilterMatch(t *testing.T) {
	eeg := StreamInfo{Name: "EEG8", Serial: "S1", Type: "eeg"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"name", Filter{AmpName: "EEG8"}, true},
		{"other name", Filter{AmpName: "EMG2"}, false},
		{"serial", Filter{AmpSerial: "S1"}, true},
		{"other serial", Filter{AmpSerial: "S2"}, false},
		{"eeg only", Filter{EEGOnly: true}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.filter.Match(eeg), tt.name)
	}
	assert.False(t, Filter{EEGOnly: true}.Match(StreamInfo{Type: "EMG"}))
}

func TestSimulatedPullsElapsedSamples(t *testing.T) {
	clk := &fakeClock{t: 10}
	sim := NewSimulated(testAmps()...)
	sim.Clock = clk.now

	r, err := sim.Connect(context.Background(), Filter{})
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.Streams(), 2)

	c, err := r.Pull(0)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	clk.t = 10.5
	c, err = r.Pull(0)
	require.NoError(t, err)
	assert.Equal(t, 50, c.Len())
	assert.InDelta(t, 10.5, c.Timestamps[49], 1e-9)
	assert.Len(t, c.Samples[0], 2)

	c, err = r.Pull(1)
	require.NoError(t, err)
	assert.Equal(t, 101, c.Len())

	c, err = r.Pull(0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	_, err = r.Pull(2)
	assert.Error(t, err)
}

func TestSimulatedFilter(t *testing.T) {
	sim := NewSimulated(testAmps()...)

	r, err := sim.Connect(context.Background(), Filter{EEGOnly: true})
	require.NoError(t, err)
	require.Len(t, r.Streams(), 1)
	assert.Equal(t, "EEG8", r.Streams()[0].Name)

	_, err = sim.Connect(context.Background(), Filter{AmpName: "nope"})
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestPullAfterClose(t *testing.T) {
	r, err := NewSimulated(testAmps()...).Connect(context.Background(), Filter{})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = r.Pull(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReplayLoops(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := persist.NewStore(fs)
	snap := &persist.Snapshot{
		AmpName:      "EEG2",
		SampleRate:   10,
		ChannelNames: []string{"x"},
	}
	for i := 0; i < 5; i++ {
		snap.Signals = append(snap.Signals, []float64{float64(i)})
		snap.Timestamps = append(snap.Timestamps, float64(i)/10)
	}
	require.NoError(t, store.WriteRaw("/eeg2-raw.pcl", snap))

	clk := &fakeClock{t: 0}
	rep := NewReplay(store, "/eeg2-raw.pcl")
	rep.Clock = clk.now

	infos, err := rep.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "EEG2", infos[0].Name)

	r, err := rep.Connect(context.Background(), Filter{})
	require.NoError(t, err)

	clk.t = 0.75
	c, err := r.Pull(0)
	require.NoError(t, err)
	require.Equal(t, 8, c.Len())
	var got []float64
	for _, row := range c.Samples {
		got = append(got, row[0])
	}
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 0, 1, 2}, got)
}

func TestNewConnector(t *testing.T) {
	cfg := config.Default()
	conn, err := NewConnector(cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	infos, err := conn.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "EEG8", infos[0].Name)
	assert.Equal(t, 8, infos[0].Channels())

	cfg.Receiver.Backend = "replay"
	cfg.Receiver.ReplayFiles = []string{"/missing.pcl"}
	conn, err = NewConnector(cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	_, err = conn.Discover(context.Background())
	assert.Error(t, err)

	cfg.Receiver.Backend = "lsl"
	_, err = NewConnector(cfg, nil)
	assert.Error(t, err)
}
