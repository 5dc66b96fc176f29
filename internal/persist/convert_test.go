package persist

import (
	"errors"
	"io"
	"testing"

	"github.com/OpenPSG/edf"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatFITS, false},
		{"fits", FormatFITS, false},
		{" EDF ", FormatEDF, false},
		{"fif", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestMergeEvents(t *testing.T) {
	ts := []float64{10.0, 10.5, 11.0, 11.5}
	events := []Event{
		{Timestamp: 11.2, Value: 3},
		{Timestamp: 9.0, Value: 1},  // before recording
		{Timestamp: 10.5, Value: 2}, // exactly on a sample
		{Timestamp: 11.9, Value: 4}, // within the last sample period
		{Timestamp: 13.0, Value: 5}, // after recording
	}

	got := MergeEvents(ts, 2, events)
	assert.Equal(t, []Annotation{
		{Onset: 0.5, Sample: 1, Value: 2},
		{Onset: 1.5, Sample: 3, Value: 3},
		{Onset: 1.5, Sample: 3, Value: 4},
	}, got)

	assert.Empty(t, MergeEvents(nil, 2, events))
	assert.Empty(t, MergeEvents(ts, 2, nil))
}

func writeTestRaw(t *testing.T, store *Store, path string, snap *Snapshot) {
	t.Helper()
	require.NoError(t, store.MkdirAll("/rec"))
	require.NoError(t, store.WriteRaw(path, snap))
}

func TestConvertFITSRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)
	snap := testSnapshot(1024, 8)
	raw := "/rec/20240101-120000-EEG8-raw.pcl"
	writeTestRaw(t, store, raw, snap)

	eve := "/rec/20240101-120000-eve.txt"
	log := store.EventLog(eve)
	require.NoError(t, log.Append(snap.Timestamps[100]-0.0001, 1))
	require.NoError(t, log.Append(snap.Timestamps[500]-0.0001, 2))
	require.NoError(t, log.Close())

	out, err := store.Convert(raw, eve, FormatFITS)
	require.NoError(t, err)
	assert.Equal(t, "/rec/20240101-120000-EEG8-raw.fits", out)

	f, err := fs.Open(out)
	require.NoError(t, err)
	defer f.Close()

	got, err := ReadFITS(f)
	require.NoError(t, err)
	assert.Equal(t, snap.AmpName, got.AmpName)
	assert.Equal(t, snap.SessionID, got.SessionID)
	assert.Equal(t, snap.SampleRate, got.SampleRate)
	assert.Equal(t, snap.ChannelNames, got.ChannelNames)
	assert.Equal(t, snap.Signals, got.Signals)
	assert.Equal(t, snap.Timestamps, got.Timestamps)
	require.Len(t, got.Annotations, 2)
	assert.Equal(t, 100, got.Annotations[0].Sample)
	assert.Equal(t, 1, got.Annotations[0].Value)
	assert.Equal(t, 500, got.Annotations[1].Sample)
	assert.Equal(t, 2, got.Annotations[1].Value)
	assert.InDelta(t, 500.0/512, got.Annotations[1].Onset, 1e-9)
}

func TestConvertWithoutEventLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)
	raw := "/rec/a-raw.pcl"
	writeTestRaw(t, store, raw, testSnapshot(32, 2))

	out, err := store.Convert(raw, "/rec/a-eve.txt", FormatFITS)
	require.NoError(t, err)

	f, err := fs.Open(out)
	require.NoError(t, err)
	defer f.Close()

	got, err := ReadFITS(f)
	require.NoError(t, err)
	assert.Empty(t, got.Annotations)
	assert.Len(t, got.Signals, 32)
}

func TestConvertEDF(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)
	snap := testSnapshot(1300, 3)
	snap.Events = []Event{{Timestamp: snap.Timestamps[700], Value: 9}}
	raw := "/rec/b-raw.pcl"
	writeTestRaw(t, store, raw, snap)

	out, err := store.Convert(raw, "", FormatEDF)
	require.NoError(t, err)
	assert.Equal(t, "/rec/b-raw.edf", out)

	f, err := fs.Open(out)
	require.NoError(t, err)
	defer f.Close()

	r, err := edf.Open(f)
	require.NoError(t, err)

	// Three one-second records of 512 samples, the last one zero padded.
	trigger, err := r.Signal(0)
	require.NoError(t, err)
	values := make([]float64, 3*512)
	n, err := trigger.Read(values)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, 3*512, n)
	assert.Equal(t, 9.0, values[700])
	assert.Equal(t, 0.0, values[699])

	for c := 0; c < snap.Channels(); c++ {
		sr, err := r.Signal(c + 1)
		require.NoError(t, err)
		data := make([]float64, snap.Samples())
		_, err = sr.Read(data)
		require.NoError(t, err)

		pmin, pmax := physicalRange(snap.Signals, c)
		step := (pmax - pmin) / (edfDigitalMax - edfDigitalMin)
		for s := 0; s < snap.Samples(); s += 97 {
			assert.InDelta(t, snap.Signals[s][c], data[s], 2*step, "channel %d sample %d", c, s)
		}
	}
}

func TestConvertEDFRejectsFractionalRate(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)
	snap := testSnapshot(10, 1)
	snap.SampleRate = 100.5
	raw := "/rec/c-raw.pcl"
	writeTestRaw(t, store, raw, snap)

	_, err := store.Convert(raw, "", FormatEDF)
	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr), "got %v", err)

	exists, _ := afero.Exists(fs, "/rec/c-raw.edf")
	assert.False(t, exists)
	exists, _ = afero.Exists(fs, "/rec/c-raw.edf"+tmpSuffix)
	assert.False(t, exists)
}

func TestConvertMissingRaw(t *testing.T) {
	store := NewStore(afero.NewMemMapFs())
	_, err := store.Convert("/rec/none-raw.pcl", "", FormatFITS)
	var convErr *ConversionError
	assert.True(t, errors.As(err, &convErr))
}
