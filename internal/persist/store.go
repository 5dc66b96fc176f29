package persist

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Placeholder is written into data files at session creation so an
// unwritable destination is detected before acquisition starts.
const Placeholder = "The data will be written when the recording is finished."

const tmpSuffix = ".tmp"

// Store reads and writes session artifacts on a filesystem.
type Store struct {
	fs afero.Fs
}

// NewStore returns a Store over fs. A nil fs means the OS filesystem.
func NewStore(fs afero.Fs) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs}
}

// Fs exposes the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// MkdirAll creates dir unless it already exists.
func (s *Store) MkdirAll(dir string) error {
	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.fs.MkdirAll(dir, 0o755)
}

// Touch creates or truncates path and writes the placeholder text.
func (s *Store) Touch(path string) error {
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(Placeholder); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

// Remove deletes path, ignoring a missing file.
func (s *Store) Remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteRaw encodes snap and replaces path atomically: the bytes go to a
// temporary sibling which is synced and renamed over path. On failure the
// temporary file is removed and path keeps its previous content.
func (s *Store) WriteRaw(path string, snap *Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return &IOError{Path: path, Err: fmt.Errorf("encoding snapshot: %w", err)}
	}
	if err := s.writeAtomic(path, data); err != nil {
		return &IOError{Path: path, Err: err}
	}
	slog.Debug("Raw artifact written", "path", path, "samples", snap.Samples(), "channels", snap.Channels())
	return nil
}

// ReadRaw loads and verifies a raw artifact.
func (s *Store) ReadRaw(path string) (*Snapshot, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	snap, err := Unmarshal(data)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	return snap, nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	cleanup := func() {
		if rmErr := s.fs.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("Failed to remove temporary file", "path", tmp, "error", rmErr)
		}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// createAtomic opens a temporary sibling of path for writing. commit renames
// it over path, abort discards it.
func (s *Store) createAtomic(path string) (f afero.File, commit func() error, abort func(), err error) {
	tmp := path + tmpSuffix
	f, err = s.fs.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}
	abort = func() {
		f.Close()
		s.fs.Remove(tmp)
	}
	commit = func() error {
		if err := f.Sync(); err != nil {
			abort()
			return err
		}
		if err := f.Close(); err != nil {
			s.fs.Remove(tmp)
			return err
		}
		if err := s.fs.Rename(tmp, path); err != nil {
			s.fs.Remove(tmp)
			return err
		}
		return nil
	}
	return f, commit, abort, nil
}

// InterchangePath returns the interchange output path for a raw artifact:
// the raw extension is replaced by the format's.
func InterchangePath(rawPath string, format Format) string {
	ext := filepath.Ext(rawPath)
	return rawPath[:len(rawPath)-len(ext)] + "." + string(format)
}
