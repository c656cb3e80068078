// Package schedule bridges the after-hours decision run and the next-open
// execution run. The envelope store persists target orders between the two
// process invocations; the state store guards each job to one run per day.
package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/pkg/types"
)

// EnvelopeStore persists at most one pending envelope on disk. Writing
// over an unconsumed envelope replaces it: the latest decision wins.
type EnvelopeStore struct {
	mu          sync.Mutex
	logger      *zap.Logger
	pendingPath string
	archiveDir  string
}

// NewEnvelopeStore creates a store with the pending file at pendingPath
// and consumed copies archived under archiveDir.
func NewEnvelopeStore(logger *zap.Logger, pendingPath, archiveDir string) (*EnvelopeStore, error) {
	if err := os.MkdirAll(filepath.Dir(pendingPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &EnvelopeStore{
		logger:      logger.Named("envelopes"),
		pendingPath: pendingPath,
		archiveDir:  archiveDir,
	}, nil
}

// Write persists env as the pending envelope. The write is atomic: a
// temp file is renamed into place, so a crash never leaves a torn file.
func (s *EnvelopeStore) Write(env types.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp := s.pendingPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := os.Rename(tmp, s.pendingPath); err != nil {
		return fmt.Errorf("commit envelope: %w", err)
	}

	s.logger.Info("Envelope written",
		zap.Int("orders", len(env.Orders)),
		zap.String("strategy", env.Strategy))
	return nil
}

// Peek returns the pending envelope without consuming it, or nil when
// none is pending.
func (s *EnvelopeStore) Peek() (*types.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Consume returns the pending envelope, archives a timestamped copy, and
// clears the pending file, all under one lock. A given envelope can be
// consumed at most once; consuming when nothing is pending returns nil
// and is not an error.
func (s *EnvelopeStore) Consume() (*types.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.load()
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, nil
	}

	archivePath := filepath.Join(s.archiveDir,
		fmt.Sprintf("envelope_%s.json", time.Now().UTC().Format("20060102T150405")))
	raw, err := os.ReadFile(s.pendingPath)
	if err != nil {
		return nil, fmt.Errorf("reread envelope for archive: %w", err)
	}
	if err := os.WriteFile(archivePath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("archive envelope: %w", err)
	}
	if err := os.Remove(s.pendingPath); err != nil {
		return nil, fmt.Errorf("clear pending envelope: %w", err)
	}

	s.logger.Info("Envelope consumed",
		zap.Int("orders", len(env.Orders)),
		zap.String("archive", archivePath))
	return env, nil
}

func (s *EnvelopeStore) load() (*types.Envelope, error) {
	raw, err := os.ReadFile(s.pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}
