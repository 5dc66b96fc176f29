package persist

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// EventLog appends software trigger events to a session's text log, one
// "timestamp<TAB>0<TAB>value" line per event. The file is created on the
// first append, so a session without software events leaves no log behind.
type EventLog struct {
	fs   afero.Fs
	path string

	mu sync.Mutex
	f  afero.File
}

// EventLog returns the appender for path.
func (s *Store) EventLog(path string) *EventLog {
	return &EventLog{fs: s.fs, path: path}
}

// Path returns the log file path.
func (l *EventLog) Path() string {
	return l.path
}

// Append writes one event line and flushes it to the file.
func (l *EventLog) Append(timestamp float64, value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &IOError{Path: l.path, Err: err}
		}
		l.f = f
	}
	if _, err := fmt.Fprintf(l.f, "%.6f\t0\t%d\n", timestamp, value); err != nil {
		return &IOError{Path: l.path, Err: err}
	}
	return nil
}

// Close releases the file handle.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadEventLog parses an event log. A missing file yields no events and no
// error. Malformed lines are skipped.
func (s *Store) ReadEventLog(path string) ([]Event, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ev, err := parseEventLine(line)
		if err != nil {
			slog.Warn("Skipping malformed event line", "path", path, "line", lineNo, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, &IOError{Path: path, Err: err}
	}
	return events, nil
}

func parseEventLine(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Event{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Event{}, fmt.Errorf("timestamp: %w", err)
	}
	// The value column may have been written as a float by other tools.
	v, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Event{}, fmt.Errorf("value: %w", err)
	}
	return Event{Timestamp: ts, Value: int(v)}, nil
}
