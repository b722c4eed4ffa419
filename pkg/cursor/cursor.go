// Package cursor persists incremental run state for an archive. The
// cursor records the highest fully committed record id together with
// the fingerprint of the options that produced the archive, so a later
// run can prove it is a compatible continuation before skipping work.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tumblrbackup/pkg/logger"
)

// FileName is the cursor file kept at the archive root.
const FileName = ".cursor.json"

// State is the persisted cursor. MaxID only ever grows, and only after
// every record on the page that produced it has been committed.
type State struct {
	MaxID       int64     `json:"max_id"`
	Fingerprint string    `json:"fingerprint"`
	Complete    bool      `json:"complete"`
	TotalPosts  int       `json:"total_posts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

// Decision is the outcome of the fingerprint gate.
type Decision int

const (
	// FullRun means no usable cursor exists; process from the start.
	FullRun Decision = iota
	// Resume means the stored fingerprint matches and the run may
	// skip everything at or below MaxID.
	Resume
	// Refuse means the stored fingerprint differs from the current
	// options; continuing incrementally could silently produce an
	// archive that matches neither configuration.
	Refuse
)

// Manager handles cursor persistence for one archive directory.
type Manager struct {
	path   string
	logger logger.Logger
}

// NewManager creates a cursor manager rooted at the archive directory.
func NewManager(archiveDir string) *Manager {
	return &Manager{
		path:   filepath.Join(archiveDir, FileName),
		logger: logger.GetLogger(),
	}
}

// Load reads the stored cursor. A missing file is not an error and
// returns nil, nil.
func (m *Manager) Load() (*State, error) {
	file, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cursor file: %w", err)
	}
	defer file.Close()

	var state State
	if err := json.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}

	m.logger.DebugWithFields("Cursor loaded", map[string]interface{}{
		"max_id":     state.MaxID,
		"complete":   state.Complete,
		"updated_at": state.UpdatedAt,
	})

	return &state, nil
}

// Save writes the cursor atomically: the new state is written to a
// temporary file, synced, and renamed over the old one, so a crash
// leaves either the previous cursor or the new one, never a torn file.
func (m *Manager) Save(state *State) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	state.UpdatedAt = time.Now()
	if state.Version == 0 {
		state.Version = 1
	}

	tempPath := m.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary cursor file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode cursor: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync cursor file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close cursor file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}

	m.logger.DebugWithFields("Cursor saved", map[string]interface{}{
		"max_id":   state.MaxID,
		"complete": state.Complete,
	})

	return nil
}

// Delete removes the cursor file. A missing file is not an error.
func (m *Manager) Delete() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// Exists reports whether a cursor file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Gate decides whether the current run may continue incrementally from
// the stored cursor. force overrides a fingerprint mismatch, accepting
// the stored state as-is.
func Gate(stored *State, fingerprint string, force bool) Decision {
	if stored == nil {
		return FullRun
	}
	if stored.Fingerprint == fingerprint || force {
		return Resume
	}
	return Refuse
}

// Advance raises MaxID to maxSeen and persists the cursor. maxSeen
// must only ever cover a contiguous, fully processed range reaching
// down to the previous MaxID; a partially walked range never advances
// the cursor. MaxID is monotonic, so it can never move backwards.
func (m *Manager) Advance(state *State, maxSeen int64) error {
	if maxSeen <= state.MaxID {
		return nil
	}
	state.MaxID = maxSeen
	return m.Save(state)
}

// MarkComplete records that the run walked the full remote stream, so
// the next incremental run can trust MaxID as the resume floor.
func (m *Manager) MarkComplete(state *State, totalPosts int) error {
	state.Complete = true
	state.TotalPosts = totalPosts
	return m.Save(state)
}
