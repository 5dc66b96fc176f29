package recorder

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a session that cannot start: no matching
	// amplifier, no connection, or an unusable record directory.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotRecording is returned by Stop and RecordEvent outside a running session.
	ErrNotRecording = errors.New("not recording")
	// ErrSessionUsed is returned by Record on a recorder whose session already ran.
	ErrSessionUsed = errors.New("session already started")
)

// PermissionError reports a session file that could not be created.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("problem writing to %s, check permission: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }
