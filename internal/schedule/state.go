package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dayFormat = "2006-01-02"

// StateStore persists the last run date per scheduled job, so a job runs
// at most once per day no matter how often its trigger fires.
type StateStore struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
}

func NewStateStore(logger *zap.Logger, path string) *StateStore {
	return &StateStore{
		logger: logger.Named("scheduler_state"),
		path:   path,
	}
}

// ShouldRun reports whether job has not yet run on day.
func (s *StateStore) ShouldRun(job string, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return false, err
	}
	return state[job] != day.Format(dayFormat), nil
}

// TryMarkRun claims day for job in a single check-and-set: it records the
// run and returns true, or returns false when job already ran on day. Two
// callers racing on the same day cannot both claim it.
func (s *StateStore) TryMarkRun(job string, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return false, err
	}
	key := day.Format(dayFormat)
	if state[job] == key {
		return false, nil
	}
	state[job] = key
	if err := s.persist(state); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StateStore) persist(state map[string]string) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write scheduler state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit scheduler state: %w", err)
	}
	return nil
}

func (s *StateStore) load() (map[string]string, error) {
	state := make(map[string]string)
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("Scheduler state unreadable, resetting", zap.Error(err))
		return make(map[string]string), nil
	}
	return state, nil
}
