package persist

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Format names an interchange format.
type Format string

const (
	FormatFITS Format = "fits"
	FormatEDF  Format = "edf"
)

// Formats lists the supported interchange formats.
var Formats = []Format{FormatFITS, FormatEDF}

// ParseFormat resolves a format name, defaulting to FITS when empty.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatFITS:
		return FormatFITS, nil
	case FormatEDF:
		return FormatEDF, nil
	}
	return "", fmt.Errorf("unsupported interchange format %q (supported: fits, edf)", name)
}

// Annotation is an event placed on the sample grid.
type Annotation struct {
	// Onset is seconds from the first sample.
	Onset  float64
	Sample int
	Value  int
}

// MergeEvents places events on the sample grid of timestamps. Each event
// lands on the first sample whose timestamp is at or after the event.
// Events before the first sample or more than one sample period after the
// last are dropped.
func MergeEvents(timestamps []float64, sampleRate float64, events []Event) []Annotation {
	if len(timestamps) == 0 || len(events) == 0 {
		return nil
	}

	first, last := timestamps[0], timestamps[len(timestamps)-1]
	period := 0.0
	if sampleRate > 0 {
		period = 1 / sampleRate
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	var out []Annotation
	dropped := 0
	for _, ev := range sorted {
		if ev.Timestamp < first || ev.Timestamp > last+period {
			dropped++
			continue
		}
		idx := sort.SearchFloat64s(timestamps, ev.Timestamp)
		if idx == len(timestamps) {
			idx = len(timestamps) - 1
		}
		out = append(out, Annotation{
			Onset:  timestamps[idx] - first,
			Sample: idx,
			Value:  ev.Value,
		})
	}
	if dropped > 0 {
		slog.Warn("Events outside the recording were dropped", "dropped", dropped, "kept", len(out))
	}
	return out
}

// Convert writes the interchange artifact for the raw file at rawPath and
// returns its path. Events stored in the raw artifact are merged with those
// of eventLogPath, if given. A missing or unreadable event log only costs
// the external events.
func (s *Store) Convert(rawPath, eventLogPath string, format Format) (string, error) {
	snap, err := s.ReadRaw(rawPath)
	if err != nil {
		return "", &ConversionError{Path: rawPath, Err: err}
	}

	events := append([]Event(nil), snap.Events...)
	if eventLogPath != "" {
		external, err := s.ReadEventLog(eventLogPath)
		if err != nil {
			slog.Warn("Event log unreadable, converting without external events", "path", eventLogPath, "error", err)
		}
		events = append(events, external...)
	}
	annotations := MergeEvents(snap.Timestamps, snap.SampleRate, events)

	out := InterchangePath(rawPath, format)
	f, commit, abort, err := s.createAtomic(out)
	if err != nil {
		return "", &ConversionError{Path: out, Err: err}
	}

	switch format {
	case FormatFITS:
		err = writeFITS(f, snap, annotations)
	case FormatEDF:
		err = writeEDF(f, snap, annotations)
	default:
		err = fmt.Errorf("unsupported interchange format %q", format)
	}
	if err != nil {
		abort()
		return "", &ConversionError{Path: out, Err: err}
	}
	if err := commit(); err != nil {
		return "", &ConversionError{Path: out, Err: err}
	}

	slog.Info("Interchange artifact written", "path", out, "format", format, "samples", snap.Samples(), "events", len(annotations))
	return out, nil
}
