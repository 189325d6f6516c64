// Package marker manages the commit marker artifact: a single small text
// file containing the full identifier of the most recently detected head
// commit, and nothing else. The marker is the handoff to the dispatcher
// subsystem. Contract: the previous marker is removed at the start of every
// invocation and rewritten only when the head moved, so a failed run never
// leaves a stale marker behind.
package marker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultName is the marker file name used when none is configured,
// matching the artifact the dispatcher historically watches for.
const DefaultName = ".commit_id"

// Marker is a commit marker file at a fixed path.
type Marker struct {
	path string
}

// New returns a Marker at path, or at DefaultName in the working directory
// when path is empty.
func New(path string) *Marker {
	if path == "" {
		path = DefaultName
	}
	return &Marker{path: path}
}

// Path returns the marker file location.
func (m *Marker) Path() string {
	return m.path
}

// Clear removes any previous marker. A missing marker is not an error.
func (m *Marker) Clear() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker %s: %w", m.path, err)
	}
	return nil
}

// Write atomically replaces the marker with exactly commit. The temp file
// is created next to the destination so the rename stays on one filesystem.
func (m *Marker) Write(commit string) error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".commit_id-tmp-*")
	if err != nil {
		return fmt.Errorf("create marker temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.WriteString(commit); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write marker temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close marker temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("rename marker into place: %w", err)
	}
	return nil
}

// Read returns the commit identifier from the marker, trimmed of
// surrounding whitespace.
func (m *Marker) Read() (string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Exists reports whether a marker is currently present.
func (m *Marker) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
