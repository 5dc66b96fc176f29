// Package recorder drives recording sessions: it connects to amplifier
// streams, drains them into bounded buffers until stopped, and persists one
// raw artifact per stream plus its interchange conversion.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bcilibrelab/streamrec/internal/clock"
	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/bcilibrelab/streamrec/internal/publisher"
	"github.com/bcilibrelab/streamrec/internal/receiver"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	// DefaultMaxBuffer bounds each stream buffer.
	DefaultMaxBuffer = 24 * time.Hour
	// DefaultQuantum is the minimum acquisition loop period.
	DefaultQuantum = time.Millisecond

	// TimestampLayout formats session timestamp ids.
	TimestampLayout = "20060102-150405"
)

// PublisherFactory opens the marker publisher of a session.
type PublisherFactory func(ctx context.Context, sourceID string) (publisher.Publisher, error)

// Options configures a Recorder.
type Options struct {
	Connector  receiver.Connector
	Fs         afero.Fs
	Publishers PublisherFactory
	RecordDir  string
	Format     persist.Format

	MaxBufferDuration time.Duration
	Quantum           time.Duration

	// Now defaults to time.Now; it names the session files.
	Now func() time.Time
}

// Session holds the files and buffers of one recording.
type Session struct {
	ID          string
	TimestampID string
	Dir         string
	Started     time.Time
	EventFile   string
	Streams     []*AmpStream
}

// DataFiles returns the raw data path of each stream.
func (s *Session) DataFiles() []string {
	files := make([]string, len(s.Streams))
	for i, st := range s.Streams {
		files[i] = st.DataFile
	}
	return files
}

// Artifact describes what was persisted for one stream.
type Artifact struct {
	Amp             string `json:"amp"`
	RawPath         string `json:"raw_path"`
	InterchangePath string `json:"interchange_path,omitempty"`
	Samples         int    `json:"samples"`
	Evicted         int64  `json:"evicted"`
	Error           string `json:"error,omitempty"`
}

// Status is a point-in-time view of a recorder.
type Status struct {
	State           string         `json:"state"`
	SessionID       string         `json:"session_id,omitempty"`
	Directory       string         `json:"directory,omitempty"`
	EventFile       string         `json:"event_file,omitempty"`
	DataFiles       []string       `json:"data_files,omitempty"`
	BufferedSeconds float64        `json:"buffered_seconds"`
	Samples         map[string]int `json:"samples,omitempty"`
	Amplifiers      []string       `json:"amplifiers,omitempty"`
}

// Recorder runs a single recording session. Record blocks for the whole
// session; Stop, RecordEvent and Status may be called from other goroutines.
type Recorder struct {
	opts    Options
	store   *persist.Store
	state   StateFlag
	started chan struct{}

	recv receiver.Receiver
	amps []receiver.StreamInfo

	session   *Session
	publisher publisher.Publisher
	events    *persist.EventLog
	// eventsMu keeps appends from racing the close before persistence.
	eventsMu sync.RWMutex

	persistOnce sync.Once
	releaseOnce sync.Once
	artifacts   []Artifact
	persistErr  error

	// progressMu guards session, progress and buffered, which Status
	// reads from other goroutines.
	progressMu sync.Mutex
	progress   map[string]int
	buffered   float64
}

// New returns an idle recorder.
func New(opts Options) *Recorder {
	if opts.MaxBufferDuration <= 0 {
		opts.MaxBufferDuration = DefaultMaxBuffer
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.Format == "" {
		opts.Format = persist.FormatFITS
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		opts:    opts,
		store:   persist.NewStore(opts.Fs),
		started: make(chan struct{}),
	}
}

// State returns the session state.
func (r *Recorder) State() State {
	return r.state.Load()
}

// Started is closed when the session enters Running.
func (r *Recorder) Started() <-chan struct{} {
	return r.started
}

// Connect opens the receiver on the streams matching filter.
func (r *Recorder) Connect(ctx context.Context, filter receiver.Filter) error {
	if r.opts.Connector == nil {
		return fmt.Errorf("%w: no stream connector", ErrConfiguration)
	}
	recv, err := r.opts.Connector.Connect(ctx, filter)
	if err != nil {
		if errors.Is(err, receiver.ErrNoStreams) {
			slog.Error("No server found", "amp_name", filter.AmpName, "amp_serial", filter.AmpSerial, "eeg_only", filter.EEGOnly)
			return fmt.Errorf("%w: no amplifier matches amp_name=%q amp_serial=%q eeg_only=%v",
				ErrConfiguration, filter.AmpName, filter.AmpSerial, filter.EEGOnly)
		}
		return fmt.Errorf("%w: connecting to streams: %v", ErrConfiguration, err)
	}

	amps := recv.Streams()
	if len(amps) == 0 {
		recv.Close()
		return fmt.Errorf("%w: receiver exposes no stream", ErrConfiguration)
	}
	r.recv, r.amps = recv, amps

	names := make([]string, len(amps))
	for i, a := range amps {
		names[i] = a.Name
	}
	slog.Info("Connected to amplifiers", "count", len(amps), "names", strings.Join(names, ", "))
	return nil
}

// Amplifiers returns the connected stream descriptions.
func (r *Recorder) Amplifiers() []receiver.StreamInfo {
	return append([]receiver.StreamInfo(nil), r.amps...)
}

// CreateSession derives the session file names under dir and creates each
// data file with a placeholder. On failure no file is left behind.
func (r *Recorder) CreateSession(dir string) (*Session, error) {
	if len(r.amps) == 0 {
		return nil, fmt.Errorf("%w: not connected", ErrConfiguration)
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: no record directory", ErrConfiguration)
	}
	if err := r.store.MkdirAll(dir); err != nil {
		slog.Error("Cannot create record directory", "path", dir, "error", err)
		if errors.Is(err, os.ErrPermission) {
			return nil, &PermissionError{Path: dir, Err: err}
		}
		return nil, fmt.Errorf("%w: creating %s: %v", ErrConfiguration, dir, err)
	}

	now := r.opts.Now()
	ts := now.Format(TimestampLayout)
	sess := &Session{
		ID:          uuid.NewString(),
		TimestampID: ts,
		Dir:         dir,
		Started:     now,
		EventFile:   filepath.Join(dir, ts+"-eve.txt"),
	}
	for i, name := range dataFileNames(r.amps) {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s-raw.pcl", ts, name))
		sess.Streams = append(sess.Streams, newAmpStream(i, r.amps[i], path, r.opts.MaxBufferDuration))
	}

	var touched []string
	for _, st := range sess.Streams {
		if err := r.store.Touch(st.DataFile); err != nil {
			slog.Error("Problem writing session file, check permission", "path", st.DataFile, "error", err)
			for _, p := range touched {
				if rmErr := r.store.Remove(p); rmErr != nil {
					slog.Warn("Failed to remove session file", "path", p, "error", rmErr)
				}
			}
			return nil, &PermissionError{Path: st.DataFile, Err: err}
		}
		touched = append(touched, st.DataFile)
	}

	for _, st := range sess.Streams {
		slog.Info("Session file created", "amp", st.Info.Name, "path", st.DataFile)
	}
	r.progressMu.Lock()
	r.session = sess
	r.progressMu.Unlock()
	return sess, nil
}

// StartEventPublisher opens the marker publisher of the session, identified
// by the event file path. A publisher that cannot be opened only costs the
// live markers.
func (r *Recorder) StartEventPublisher(ctx context.Context, eventFile string) {
	if r.opts.Publishers == nil {
		r.publisher = publisher.Nop(eventFile)
		return
	}
	p, err := r.opts.Publishers(ctx, eventFile)
	if err != nil {
		slog.Warn("Event publisher unavailable, markers will only be logged", "source_id", eventFile, "error", err)
		p = publisher.Nop(eventFile)
	}
	r.publisher = p
	slog.Info("Event publisher started", "source_id", eventFile)
}

// Session returns the current session, nil before CreateSession.
func (r *Recorder) Session() *Session {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	return r.session
}

// Record runs the session: it creates the session files, starts the event
// publisher, drains the receiver until Stop is called or ctx is cancelled,
// then persists every stream. It blocks for the whole session.
func (r *Recorder) Record(ctx context.Context) ([]Artifact, error) {
	if r.recv == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConfiguration)
	}
	if r.State() != StateIdle || r.Session() != nil {
		return nil, ErrSessionUsed
	}
	defer r.release()

	sess, err := r.CreateSession(r.opts.RecordDir)
	if err != nil {
		r.state.Transition(StateIdle, StateStopped)
		return nil, err
	}
	r.StartEventPublisher(ctx, sess.EventFile)
	r.events = r.store.EventLog(sess.EventFile)

	if !r.state.Transition(StateIdle, StateRunning) {
		return nil, ErrSessionUsed
	}
	close(r.started)
	slog.Info("Recording started", "session", sess.ID, "pid", os.Getpid(), "dir", sess.Dir)

	r.acquire(ctx, sess)

	slog.Info("Stop requested, copying buffers")
	artifacts, err := r.persist()
	r.state.Transition(StateStopRequested, StateStopped)
	slog.Info("Recording finished", "session", sess.ID)
	return artifacts, err
}

// acquire runs the acquisition loop until the state leaves Running.
func (r *Recorder) acquire(ctx context.Context, sess *Session) {
	var p pacer
	p.reset()
	nextSec := 1

	for r.state.Load() == StateRunning {
		if ctx.Err() != nil {
			r.state.Transition(StateRunning, StateStopRequested)
			break
		}

		buffered := 0.0
		for _, st := range sess.Streams {
			chunk, err := r.recv.Pull(st.index)
			if err != nil {
				pullErrors.WithLabelValues(st.Info.Name).Inc()
				slog.Warn("Pulling stream failed", "amp", st.Info.Name, "error", err)
				continue
			}
			if n := chunk.Len(); n > 0 {
				st.append(chunk)
				samplesAcquired.WithLabelValues(st.Info.Name).Add(float64(n))
			}
			d := st.Duration()
			bufferedSeconds.WithLabelValues(st.Info.Name).Set(d)
			if d > buffered {
				buffered = d
			}
		}
		r.publishProgress(sess, buffered)

		if buffered >= float64(nextSec) {
			slog.Info("RECORDING " + formatElapsed(buffered))
			nextSec = int(buffered) + 1
		}

		p.sleepAtLeast(r.opts.Quantum)
	}
}

func (r *Recorder) publishProgress(sess *Session, buffered float64) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	if r.progress == nil {
		r.progress = make(map[string]int, len(sess.Streams))
	}
	for _, st := range sess.Streams {
		r.progress[st.Info.Name] = st.Len()
	}
	r.buffered = buffered
}

// Stop asks the acquisition loop to finish. The loop notices within one
// quantum; persistence happens in Record.
func (r *Recorder) Stop() error {
	if !r.state.Transition(StateRunning, StateStopRequested) {
		return fmt.Errorf("%w: session is %s", ErrNotRecording, r.State())
	}
	return nil
}

// RecordEvent appends a software event to the session log and publishes it.
// It implements trigger.EventSink.
func (r *Recorder) RecordEvent(timestamp float64, value int) error {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.State() != StateRunning {
		return ErrNotRecording
	}
	if err := r.events.Append(timestamp, value); err != nil {
		slog.Error("Writing event failed", "path", r.events.Path(), "error", err)
		return err
	}
	if err := r.publisher.Publish(context.Background(), value); err != nil {
		slog.Warn("Publishing event failed", "source_id", r.publisher.SourceID(), "error", err)
	}
	return nil
}

// Trigger records value as a software event stamped with the local clock.
func (r *Recorder) Trigger(value int) error {
	return r.RecordEvent(clock.Local(), value)
}

// persist writes every stream exactly once.
func (r *Recorder) persist() ([]Artifact, error) {
	r.persistOnce.Do(func() {
		r.artifacts, r.persistErr = r.writeArtifacts()
	})
	return r.artifacts, r.persistErr
}

func (r *Recorder) writeArtifacts() ([]Artifact, error) {
	sess := r.Session()
	r.eventsMu.Lock()
	err := r.events.Close()
	r.eventsMu.Unlock()
	if err != nil {
		slog.Warn("Closing event log failed", "path", sess.EventFile, "error", err)
	}

	eventLog := ""
	if r.store.Exists(sess.EventFile) {
		slog.Info("Found matching event file, adding events", "path", sess.EventFile)
		eventLog = sess.EventFile
	}

	var errs []error
	artifacts := make([]Artifact, 0, len(sess.Streams))
	for _, st := range sess.Streams {
		art := Artifact{Amp: st.Info.Name, RawPath: st.DataFile, Samples: st.Len(), Evicted: st.Evicted()}

		slog.Info("Saving raw data", "amp", st.Info.Name, "samples", st.Len(), "path", st.DataFile)
		if err := r.store.WriteRaw(st.DataFile, st.snapshot(sess.ID, sess.Started)); err != nil {
			slog.Error("Saving raw data failed", "path", st.DataFile, "error", err)
			persistFailures.WithLabelValues("raw").Inc()
			art.Error = err.Error()
			artifacts = append(artifacts, art)
			errs = append(errs, err)
			continue
		}
		artifactsWritten.WithLabelValues("raw").Inc()

		out, err := r.store.Convert(st.DataFile, eventLog, r.opts.Format)
		if err != nil {
			// The raw artifact stays; conversion can be rerun from it.
			slog.Error("Conversion failed, raw data kept", "path", st.DataFile, "error", err)
			persistFailures.WithLabelValues("interchange").Inc()
			art.Error = err.Error()
		} else {
			artifactsWritten.WithLabelValues("interchange").Inc()
			art.InterchangePath = out
		}
		artifacts = append(artifacts, art)
	}
	return artifacts, errors.Join(errs...)
}

// Close releases the receiver of a recorder whose session never started.
// It does nothing once Record has taken over the recorder.
func (r *Recorder) Close() error {
	if !r.state.Transition(StateIdle, StateStopped) {
		return nil
	}
	r.release()
	return nil
}

func (r *Recorder) release() {
	r.releaseOnce.Do(r.releaseResources)
}

func (r *Recorder) releaseResources() {
	if r.publisher != nil {
		if err := r.publisher.Close(); err != nil {
			slog.Warn("Closing event publisher failed", "error", err)
		}
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.recv != nil {
		if err := r.recv.Close(); err != nil {
			slog.Warn("Closing receiver failed", "error", err)
		}
	}
}

// Status returns a snapshot of the session progress.
func (r *Recorder) Status() Status {
	st := Status{State: r.State().String()}
	for _, a := range r.amps {
		st.Amplifiers = append(st.Amplifiers, a.Name)
	}
	if sess := r.Session(); sess != nil {
		st.SessionID = sess.ID
		st.Directory = sess.Dir
		st.EventFile = sess.EventFile
		st.DataFiles = sess.DataFiles()
	}

	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	st.BufferedSeconds = r.buffered
	if len(r.progress) > 0 {
		st.Samples = make(map[string]int, len(r.progress))
		for k, v := range r.progress {
			st.Samples[k] = v
		}
	}
	return st
}

// pacer sleeps so that consecutive wakes are at least a quantum apart.
type pacer struct {
	last time.Time
}

func (p *pacer) reset() {
	p.last = time.Now()
}

func (p *pacer) sleepAtLeast(d time.Duration) {
	if rem := d - time.Since(p.last); rem > 0 {
		time.Sleep(rem)
	}
	p.last = time.Now()
}

// formatElapsed renders whole seconds as h:mm:ss.
// dataFileNames returns the file name part of each amplifier. Amplifiers
// sharing a name are told apart by serial, then by position.
func dataFileNames(amps []receiver.StreamInfo) []string {
	count := make(map[string]int, len(amps))
	for _, a := range amps {
		count[cleanFileName(a.Name)]++
	}
	names := make([]string, len(amps))
	used := make(map[string]bool, len(amps))
	for i, a := range amps {
		name := cleanFileName(a.Name)
		if count[name] > 1 && a.Serial != "" {
			name += "-" + cleanFileName(a.Serial)
		}
		if used[name] {
			name = fmt.Sprintf("%s-%d", name, i+1)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func formatElapsed(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// cleanFileName keeps stream names safe for use in file names.
func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.':
			result.WriteRune(r)
		case r == ' ':
			result.WriteRune('_')
		}
	}
	if result.Len() == 0 {
		return "amp"
	}
	return result.String()
}
