package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcilibrelab/streamrec/internal/config"
	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/bcilibrelab/streamrec/internal/recorder"
	"github.com/bcilibrelab/streamrec/internal/trigger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(triggerType string) *config.Config {
	cfg := config.Default()
	cfg.Recorder.Directory = "/records"
	cfg.Trigger.Type = triggerType
	cfg.Trigger.DelayMs = 200
	cfg.Publisher.Type = "hub"
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (Service, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	svc := New(cfg, "", fs)
	t.Cleanup(func() { svc.Close() })
	return svc, fs
}

func TestRecordingLifecycle(t *testing.T) {
	svc, fs := newTestService(t, testConfig("software"))
	markers, cancel := svc.Hub().Subscribe(8)
	defer cancel()

	sess, err := svc.StartRecording(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "running", svc.GetRecordingStatus().State)

	_, err = svc.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	ok, err := svc.Trigger(9)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Trigger(10)
	assert.False(t, ok)
	assert.ErrorIs(t, err, trigger.ErrRejectedSignal)

	select {
	case m := <-markers:
		assert.Equal(t, 9, m.Value)
		assert.Equal(t, sess.EventFile, m.SourceID)
	case <-time.After(time.Second):
		t.Fatal("marker not broadcast")
	}

	time.Sleep(50 * time.Millisecond)
	artifacts, err := svc.StopRecording()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "EEG8", artifacts[0].Amp)
	assert.NotEmpty(t, artifacts[0].InterchangePath)
	assert.Equal(t, "stopped", svc.GetRecordingStatus().State)

	events, err := persist.NewStore(fs).ReadEventLog(sess.EventFile)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 9, events[0].Value)

	_, err = svc.Trigger(11)
	assert.ErrorIs(t, err, recorder.ErrNotRecording)

	// A stopped session makes room for the next one.
	_, err = svc.StartRecording(context.Background())
	require.NoError(t, err)
	_, err = svc.StopRecording()
	require.NoError(t, err)
}

func TestStopWithoutSession(t *testing.T) {
	svc, _ := newTestService(t, testConfig("none"))
	_, err := svc.StopRecording()
	assert.ErrorIs(t, err, recorder.ErrNotRecording)
	assert.Equal(t, "idle", svc.GetRecordingStatus().State)
}

func TestTriggerTypes(t *testing.T) {
	svc, _ := newTestService(t, testConfig("none"))
	_, err := svc.Trigger(1)
	assert.ErrorIs(t, err, ErrNoTrigger)

	svc, _ = newTestService(t, testConfig("mock"))
	ok, err := svc.Trigger(1)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = svc.Trigger(2)
	assert.ErrorIs(t, err, trigger.ErrRejectedSignal)

	cfg := testConfig("lpt")
	cfg.Trigger.PortAddress = "0x378"
	cfg.Trigger.Device = "/nonexistent/parport0"
	svc, _ = newTestService(t, cfg)
	_, err = svc.Trigger(1)
	assert.ErrorIs(t, err, trigger.ErrDeviceUnavailable)
}

func TestStartWithoutMatchingAmplifier(t *testing.T) {
	cfg := testConfig("none")
	cfg.Amplifier.AmpName = "EEG64"
	svc, _ := newTestService(t, cfg)

	_, err := svc.StartRecording(context.Background())
	assert.ErrorIs(t, err, recorder.ErrConfiguration)
	assert.Contains(t, svc.GetLastError(), "Failed to start recording")
}

func TestStartWithUnwritableDirectory(t *testing.T) {
	cfg := testConfig("none")
	svc := New(cfg, "", afero.NewReadOnlyFs(afero.NewMemMapFs()))
	defer svc.Close()

	_, err := svc.StartRecording(context.Background())
	var permErr *recorder.PermissionError
	require.True(t, errors.As(err, &permErr), "got %v", err)
	assert.Equal(t, "/records", permErr.Path)
	assert.NotEmpty(t, svc.GetLastError())
}

func TestRecordingsListingAndInspect(t *testing.T) {
	svc, _ := newTestService(t, testConfig("none"))

	recs, err := svc.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = svc.StartRecording(context.Background())
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	artifacts, err := svc.StopRecording()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	recs, err = svc.ListRecordings()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, artifacts[0].RawPath, recs[0].Path)
	assert.True(t, recs[0].Converted)
	assert.NotEmpty(t, recs[0].SizeHuman)

	info, err := svc.Inspect(artifacts[0].RawPath)
	require.NoError(t, err)
	assert.Equal(t, "EEG8", info.AmpName)
	assert.Equal(t, artifacts[0].Samples, info.Samples)
	assert.Equal(t, 512.0, info.SampleRate)
	assert.Len(t, info.ChannelNames, 8)

	out, err := svc.Convert(artifacts[0].RawPath, "", persist.FormatEDF)
	require.NoError(t, err)
	assert.Equal(t, persist.InterchangePath(artifacts[0].RawPath, persist.FormatEDF), out)
}

func TestStreams(t *testing.T) {
	svc, _ := newTestService(t, testConfig("none"))
	streams, err := svc.Streams(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "EEG8", streams[0].Name)
}

func TestCloseStopsRunningSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc := New(testConfig("software"), "", fs)

	sess, err := svc.StartRecording(context.Background())
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	for _, path := range sess.DataFiles() {
		snap, err := persist.NewStore(fs).ReadRaw(path)
		require.NoError(t, err)
		assert.Equal(t, "EEG8", snap.AmpName)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
