// Package sidecar persists per-job segment progress to a companion
// JSON file so a download can resume across process restarts.
package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverrun/segdl/internal/model"
)

const throttleInterval = 2 * time.Second

// Store guards concurrent writes to sidecar files and throttles how
// often any one job's sidecar hits disk.
type Store struct {
	log zerolog.Logger

	mu       sync.Mutex // guards the two maps below
	guards   map[string]*sync.Mutex
	lastSave map[string]time.Time
}

func New(log zerolog.Logger) *Store {
	return &Store{
		log:      log,
		guards:   make(map[string]*sync.Mutex),
		lastSave: make(map[string]time.Time),
	}
}

func (s *Store) guardFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[path]
	if !ok {
		g = &sync.Mutex{}
		s.guards[path] = g
	}
	return g
}

// Load reads and decodes the sidecar at path. A missing or corrupt
// file is treated as absent, never an error.
func (s *Store) Load(path string) *model.SidecarRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec model.SidecarRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn().Str("path", path).Err(err).Msg("corrupt sidecar, treating as absent")
		return nil
	}
	return &rec
}

// MatchesURL reports whether the sidecar at path, if any, was written
// for url. A missing sidecar trivially does not match.
func (s *Store) MatchesURL(path, url string) bool {
	rec := s.Load(path)
	return rec != nil && rec.URL == url
}

// Discard removes the sidecar and its associated part file. Used when
// a resume attempt finds a URL mismatch (model.StateMismatchError).
func (s *Store) Discard(sidecarPath, partPath string) {
	_ = os.Remove(sidecarPath)
	_ = os.Remove(partPath)
}

// Save writes rec to path, subject to the per-job throttle. force
// bypasses the throttle for terminal-status writes.
func (s *Store) Save(path string, rec *model.SidecarRecord, force bool) {
	g := s.guardFor(path)
	if !g.TryLock() {
		// Someone else is mid-write for this job; their write will
		// already reflect state at least as new as ours.
		return
	}
	defer g.Unlock()

	s.mu.Lock()
	last := s.lastSave[path]
	s.mu.Unlock()
	if !force && time.Since(last) < throttleInterval {
		return
	}

	if err := s.writeAtomic(path, rec); err != nil {
		s.log.Warn().Str("path", path).Err(err).Msg("sidecar write failed, will retry next tick")
		return
	}

	s.mu.Lock()
	s.lastSave[path] = time.Now()
	s.mu.Unlock()
}

// ForceSave is Save with force=true, used before reporting terminal status.
func (s *Store) ForceSave(path string, rec *model.SidecarRecord) {
	s.Save(path, rec, true)
}

func (s *Store) writeAtomic(path string, rec *model.SidecarRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rec.LastUpdate = float64(time.Now().UnixNano()) / 1e9

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete removes the sidecar file at path. Non-existence is not an error.
func (s *Store) Delete(path string) {
	_ = os.Remove(path)
}
