package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bcilibrelab/streamrec/internal/config"
	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/bcilibrelab/streamrec/internal/publisher"
	"github.com/bcilibrelab/streamrec/internal/receiver"
	"github.com/bcilibrelab/streamrec/internal/recorder"
	"github.com/bcilibrelab/streamrec/internal/trigger"
	"github.com/spf13/afero"
)

var (
	// ErrAlreadyRecording is returned when a session is still running.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNoTrigger is returned by Trigger when the trigger type is "none".
	ErrNoTrigger = errors.New("no trigger configured")
)

// Service represents the core streamrec service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) (*recorder.Session, error)
	StopRecording() ([]recorder.Artifact, error)
	Wait(ctx context.Context) ([]recorder.Artifact, error)
	GetRecordingStatus() recorder.Status

	// Trigger operations
	Trigger(value int) (bool, error)

	// Stream discovery
	Streams(ctx context.Context) ([]receiver.StreamInfo, error)

	// Artifact operations
	Convert(rawPath, eventLogPath string, format persist.Format) (string, error)
	Inspect(rawPath string) (*RecordingInfo, error)
	ListRecordings() ([]RecordingFileInfo, error)

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	Hub() *publisher.Hub
	GetLastError() string
	Close() error
}

// RecordingInfo summarizes a raw artifact.
type RecordingInfo struct {
	Path         string    `json:"path"`
	AmpName      string    `json:"amp_name"`
	SessionID    string    `json:"session_id"`
	Created      time.Time `json:"created"`
	SampleRate   float64   `json:"sample_rate"`
	ChannelNames []string  `json:"channel_names"`
	Samples      int       `json:"samples"`
	Duration     float64   `json:"duration_seconds"`
	Events       int       `json:"events"`
	TimeOffset   float64   `json:"time_offset"`
}

// RecordingFileInfo contains information about a raw artifact on disk
type RecordingFileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Converted    bool      `json:"converted"`
}

// StreamRecService is the main service implementation
type StreamRecService struct {
	cfg        *config.Config
	configFile string
	fs         afero.Fs
	store      *persist.Store
	hub        *publisher.Hub

	mu        sync.Mutex
	rec       *recorder.Recorder
	cancel    context.CancelFunc
	done      chan struct{}
	artifacts []recorder.Artifact
	recordErr error

	// trig is the trigger signalled by Trigger. Hardware and mock triggers
	// live as long as the service; software triggers are bound to a session.
	trig       trigger.Debounced
	sessionTrg bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance. A nil fs uses the OS filesystem.
func New(cfg *config.Config, configFile string, fs afero.Fs) Service {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &StreamRecService{
		cfg:        cfg,
		configFile: configFile,
		fs:         fs,
		store:      persist.NewStore(fs),
		hub:        publisher.NewHub(),
	}
}

// StartRecording connects to the configured amplifiers and runs a session
// in the background. It returns once the session is running.
func (s *StreamRecService) StartRecording(ctx context.Context) (*recorder.Session, error) {
	slog.Debug("Service.StartRecording called")
	rec, done, err := s.prepare(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	select {
	case <-rec.Started():
		return rec.Session(), nil
	case <-done:
		s.mu.Lock()
		err := s.recordErr
		s.mu.Unlock()
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}
}

// prepare connects a new recorder and launches its session goroutine.
func (s *StreamRecService) prepare(ctx context.Context) (*recorder.Recorder, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil && s.rec.State() != recorder.StateStopped {
		return nil, nil, ErrAlreadyRecording
	}
	s.clearLastError()

	cfg := s.cfg
	conn, err := receiver.NewConnector(cfg, s.fs)
	if err != nil {
		return nil, nil, err
	}

	rec := recorder.New(recorder.Options{
		Connector: conn,
		Fs:        s.fs,
		Publishers: func(ctx context.Context, sourceID string) (publisher.Publisher, error) {
			return publisher.New(ctx, cfg.Publisher, s.hub, sourceID)
		},
		RecordDir:         cfg.Recorder.Directory,
		Format:            persist.Format(cfg.Recorder.Format),
		MaxBufferDuration: cfg.MaxBuffer(),
		Quantum:           cfg.Quantum(),
	})

	filter := receiver.Filter{
		AmpName:   cfg.Amplifier.AmpName,
		AmpSerial: cfg.Amplifier.AmpSerial,
		EEGOnly:   cfg.Amplifier.EEGOnly,
	}
	if err := rec.Connect(ctx, filter); err != nil {
		return nil, nil, err
	}
	if err := s.bindTrigger(rec); err != nil {
		rec.Close()
		return nil, nil, fmt.Errorf("opening trigger: %w", err)
	}

	// The session outlives the request that started it.
	sessCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.rec, s.cancel, s.done = rec, cancel, done
	s.artifacts, s.recordErr = nil, nil

	go s.run(sessCtx, rec, done)
	return rec, done, nil
}

func (s *StreamRecService) run(ctx context.Context, rec *recorder.Recorder, done chan struct{}) {
	artifacts, err := rec.Record(ctx)

	s.mu.Lock()
	s.artifacts, s.recordErr = artifacts, err
	if s.sessionTrg && s.trig != nil {
		s.trig.Close()
		s.trig, s.sessionTrg = nil, false
	}
	s.mu.Unlock()

	if err != nil && rec.Session() != nil {
		s.setLastError(fmt.Sprintf("Recording failed: %v", err))
	}
	close(done)
}

// bindTrigger prepares the trigger for a new session. Called with mu held.
func (s *StreamRecService) bindTrigger(rec *recorder.Recorder) error {
	tc := s.cfg.Trigger
	switch {
	case tc.Type == "" || tc.Type == "none":
		return nil
	case tc.Type == "software":
		t, err := trigger.NewSoftwareTrigger(rec, tc.Delay(), tc.Verbose)
		if err != nil {
			return err
		}
		s.trig, s.sessionTrg = t, true
		return nil
	}
	_, err := s.longLivedTrigger()
	return err
}

// longLivedTrigger opens the hardware or mock trigger once. Called with mu held.
func (s *StreamRecService) longLivedTrigger() (trigger.Debounced, error) {
	if s.trig != nil {
		return s.trig, nil
	}
	t, err := trigger.New(s.cfg.Trigger, nil)
	if err != nil {
		slog.Error("Cannot open trigger", "type", s.cfg.Trigger.Type, "error", err)
		return nil, err
	}
	s.trig = t
	return t, nil
}

// StopRecording stops the current session and waits for its files.
func (s *StreamRecService) StopRecording() ([]recorder.Artifact, error) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return nil, recorder.ErrNotRecording
	}
	if err := rec.Stop(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return nil, err
	}
	arts, err := s.Wait(context.Background())
	if err == nil {
		s.clearLastError()
	}
	return arts, err
}

// Wait blocks until the current session has persisted its files.
func (s *StreamRecService) Wait(ctx context.Context) ([]recorder.Artifact, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil, recorder.ErrNotRecording
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts, s.recordErr
}

// GetRecordingStatus returns the status of the current or last session.
func (s *StreamRecService) GetRecordingStatus() recorder.Status {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return recorder.Status{State: recorder.StateIdle.String()}
	}
	return rec.Status()
}

// Trigger signals value on the configured trigger. A rejected signal
// returns false and trigger.ErrRejectedSignal.
func (s *StreamRecService) Trigger(value int) (bool, error) {
	s.mu.Lock()
	t := s.trig
	var err error
	if t == nil {
		switch s.cfg.Trigger.Type {
		case "", "none":
			err = ErrNoTrigger
		case "software":
			err = recorder.ErrNotRecording
		default:
			t, err = s.longLivedTrigger()
		}
	}
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	if !t.Signal(value) {
		return false, trigger.ErrRejectedSignal
	}
	return true, nil
}

// Streams lists the amplifier streams the configured backend offers.
func (s *StreamRecService) Streams(ctx context.Context) ([]receiver.StreamInfo, error) {
	conn, err := receiver.NewConnector(s.cfg, s.fs)
	if err != nil {
		return nil, err
	}
	return conn.Discover(ctx)
}

// Convert writes the interchange artifact of a raw file.
func (s *StreamRecService) Convert(rawPath, eventLogPath string, format persist.Format) (string, error) {
	if format == "" {
		format = persist.Format(s.cfg.Recorder.Format)
	}
	out, err := s.store.Convert(rawPath, eventLogPath, format)
	if err != nil {
		s.setLastError(fmt.Sprintf("Conversion failed: %v", err))
	}
	return out, err
}

// Inspect reads the header and size of a raw artifact.
func (s *StreamRecService) Inspect(rawPath string) (*RecordingInfo, error) {
	snap, err := s.store.ReadRaw(rawPath)
	if err != nil {
		return nil, err
	}
	info := &RecordingInfo{
		Path:         rawPath,
		AmpName:      snap.AmpName,
		SessionID:    snap.SessionID,
		Created:      time.Unix(snap.Created, 0),
		SampleRate:   snap.SampleRate,
		ChannelNames: snap.ChannelNames,
		Samples:      snap.Samples(),
		Events:       len(snap.Events),
		TimeOffset:   snap.TimeOffset,
	}
	if snap.SampleRate > 0 {
		info.Duration = float64(snap.Samples()) / snap.SampleRate
	}
	return info, nil
}

// ListRecordings returns the raw artifacts in the record directory, newest first.
func (s *StreamRecService) ListRecordings() ([]RecordingFileInfo, error) {
	recordDir := s.cfg.Recorder.Directory

	exists, err := afero.DirExists(s.fs, recordDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read records directory: %w", err)
	}
	if !exists {
		return nil, nil
	}

	files, err := afero.ReadDir(s.fs, recordDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read records directory: %w", err)
	}

	var recordings []RecordingFileInfo
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), "-raw.pcl") {
			continue
		}
		path := filepath.Join(recordDir, file.Name())
		recordings = append(recordings, RecordingFileInfo{
			Name:         file.Name(),
			Path:         path,
			Size:         file.Size(),
			SizeHuman:    formatBytes(file.Size()),
			ModTime:      file.ModTime(),
			ModTimeHuman: file.ModTime().Format("2006-01-02 15:04:05"),
			Converted:    s.converted(path),
		})
	}

	// Sort by modification time (newest first)
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

func (s *StreamRecService) converted(rawPath string) bool {
	for _, f := range persist.Formats {
		if s.store.Exists(persist.InterchangePath(rawPath, f)) {
			return true
		}
	}
	return false
}

// LoadProfile loads a new configuration profile. It is refused while a
// session is running.
func (s *StreamRecService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil && s.rec.State() != recorder.StateStopped {
		return ErrAlreadyRecording
	}

	// Clean up the old trigger, the next one follows the new profile.
	if s.trig != nil {
		s.trig.Close()
		s.trig, s.sessionTrg = nil, false
	}
	s.cfg = newCfg
	return nil
}

// GetConfig returns the current configuration
func (s *StreamRecService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Hub returns the in-process marker hub.
func (s *StreamRecService) Hub() *publisher.Hub {
	return s.hub
}

// Close stops a running session, waits for its files and releases the
// trigger and the hub.
func (s *StreamRecService) Close() error {
	s.mu.Lock()
	rec, cancel := s.rec, s.cancel
	s.mu.Unlock()

	var errs []error
	if rec != nil && cancel != nil {
		cancel()
		if _, err := s.Wait(context.Background()); err != nil && rec.Session() != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if s.trig != nil {
		errs = append(errs, s.trig.Close())
		s.trig = nil
	}
	s.mu.Unlock()

	s.hub.Close()
	return errors.Join(errs...)
}

// GetLastError returns the last error message (thread-safe)
func (s *StreamRecService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *StreamRecService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *StreamRecService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
