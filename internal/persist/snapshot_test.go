package persist

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(samples, channels int) *Snapshot {
	snap := &Snapshot{
		AmpName:    "EEG8",
		SessionID:  "3f0c8a62-59a4-4df3-9c53-0a8e7a7b6c11",
		Created:    1700000000,
		SampleRate: 512,
		TimeOffset: -0.0125,
	}
	for c := 0; c < channels; c++ {
		snap.ChannelNames = append(snap.ChannelNames, string(rune('A'+c)))
	}
	for s := 0; s < samples; s++ {
		row := make([]float64, channels)
		for c := range row {
			row[c] = float64(s)*0.25 - float64(c)*1.5e-7
		}
		snap.Signals = append(snap.Signals, row)
		snap.Timestamps = append(snap.Timestamps, 100.0+float64(s)/512)
	}
	return snap
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := testSnapshot(300, 3)
	snap.Events = []Event{{Timestamp: 100.1, Value: 7}, {Timestamp: 100.2, Value: -3}}

	data, err := Marshal(snap)
	require.NoError(t, err)
	assert.Equal(t, Magic, string(data[:len(Magic)]))

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestSnapshotWithoutSamples(t *testing.T) {
	snap := testSnapshot(0, 2)

	data, err := Marshal(snap)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Samples())
	assert.Equal(t, []string{"A", "B"}, got.ChannelNames)
	assert.Empty(t, got.Signals)
}

func TestSnapshotChecksumMismatch(t *testing.T) {
	data, err := Marshal(testSnapshot(10, 2))
	require.NoError(t, err)

	data[len(Magic)+5] ^= 0xff
	_, err = Unmarshal(data)
	assert.True(t, errors.Is(err, ErrChecksum), "got %v", err)
}

func TestSnapshotBadMagic(t *testing.T) {
	_, err := Unmarshal([]byte("not a snapshot at all"))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = Unmarshal([]byte(Magic + "ab"))
	assert.Error(t, err)
}

func TestSnapshotValidate(t *testing.T) {
	snap := testSnapshot(5, 2)
	snap.Timestamps = snap.Timestamps[:4]
	_, err := Marshal(snap)
	assert.ErrorContains(t, err, "timestamps")

	snap = testSnapshot(5, 2)
	snap.Signals[3] = []float64{1}
	_, err = Marshal(snap)
	assert.ErrorContains(t, err, "sample 3")
}
