package action

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
)

// Store hands out the current action map. Callers must treat it as read only.
type Store interface {
	Actions() model.ActionMap
}

// StaticStore serves a fixed map.
type StaticStore struct {
	Map model.ActionMap
}

func (s StaticStore) Actions() model.ActionMap {
	return s.Map
}

// FileStore serves the action file and re-reads it when it changes on disk.
// A missing file is an empty map. A file that fails to decode keeps the
// last good map.
type FileStore struct {
	path    string
	log     logger.Logger
	current atomic.Pointer[model.ActionMap]

	mu      sync.Mutex
	modTime time.Time
	size    int64
	present bool
}

func NewFileStore(path string, log logger.Logger) *FileStore {
	s := &FileStore{path: path, log: log}
	empty := model.ActionMap{}
	s.current.Store(&empty)
	return s
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Actions() model.ActionMap {
	return *s.current.Load()
}

// Refresh reloads the file if its size or modification time changed since
// the last load. It reports whether a new map was installed.
func (s *FileStore) Refresh() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		if !s.present {
			return false, nil
		}
		s.present = false
		s.modTime = time.Time{}
		s.size = 0
		empty := model.ActionMap{}
		s.current.Store(&empty)
		s.log.Info().Str("path", s.path).Msg("action file removed; no actions configured")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat action file: %w", err)
	}
	if s.present && st.ModTime().Equal(s.modTime) && st.Size() == s.size {
		return false, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read action file: %w", err)
	}
	m, issues, err := Decode(raw)
	if err != nil {
		// remember the stamp so a broken file is not re-parsed every tick
		s.present = true
		s.modTime = st.ModTime()
		s.size = st.Size()
		s.log.Warn().Err(err).Str("path", s.path).Msg("action file invalid; keeping previous actions")
		return false, err
	}
	for _, issue := range issues {
		s.log.Warn().
			Str("device", issue.Device).
			Str("transition", issue.Transition).
			Str("type", issue.Type).
			Str("reason", issue.Reason).
			Msg("action entry will not run as configured")
	}
	s.present = true
	s.modTime = st.ModTime()
	s.size = st.Size()
	s.current.Store(&m)
	s.log.Info().Str("path", s.path).Int("devices", len(m)).Msg("action file loaded")
	return true, nil
}
