package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	kobanErrors "github.com/okabedev/koban/internal/errors"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// FileStore persists checkpoints as one JSON file per chat under a base
// directory, guarded by a cross-process file lock. Writes are atomic; a
// write that returned has hit disk.
type FileStore struct {
	baseDir  string
	mu       sync.Mutex
	fileLock *flock.Flock
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, kobanErrors.InvalidInput("file store requires a base directory")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	return &FileStore{
		baseDir:  baseDir,
		fileLock: flock.New(filepath.Join(baseDir, ".lock")),
	}, nil
}

func (s *FileStore) chatPath(chatID string) string {
	return filepath.Join(s.baseDir, chatID+".json")
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ok, err := s.fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	if !ok {
		return kobanErrors.Timeout("checkpoint store lock")
	}
	defer s.fileLock.Unlock()

	return fn()
}

func (s *FileStore) load(chatID string) ([]*Checkpoint, error) {
	data, err := os.ReadFile(s.chatPath(chatID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints for chat %s: %w", chatID, err)
	}

	var cps []*Checkpoint
	if err := json.Unmarshal(data, &cps); err != nil {
		return nil, fmt.Errorf("parse checkpoints for chat %s: %w", chatID, err)
	}
	return cps, nil
}

func (s *FileStore) save(chatID string, cps []*Checkpoint) error {
	data, err := json.MarshalIndent(cps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}
	return atomic.WriteFile(s.chatPath(chatID), bytes.NewReader(data))
}

func (s *FileStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return kobanErrors.InvalidInput("checkpoint requires an id")
	}

	return s.withLock(ctx, func() error {
		cps, err := s.load(cp.ChatID)
		if err != nil {
			return err
		}
		return s.save(cp.ChatID, append(cps, cp))
	})
}

func (s *FileStore) GetCheckpointByID(ctx context.Context, chatID, id string) (*Checkpoint, error) {
	var found *Checkpoint
	err := s.withLock(ctx, func() error {
		cps, err := s.load(chatID)
		if err != nil {
			return err
		}
		for _, cp := range cps {
			if cp.ID == id {
				found = cp
				return nil
			}
		}
		return kobanErrors.NotFound("checkpoint " + id)
	})
	return found, err
}

func (s *FileStore) GetCheckpointsByChat(ctx context.Context, chatID string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	err := s.withLock(ctx, func() error {
		cps, err := s.load(chatID)
		if err != nil {
			return err
		}
		sortByCreation(cps)
		out = cps
		return nil
	})
	return out, err
}

func (s *FileStore) DeleteOldCheckpoints(ctx context.Context, chatID string, keep int, opts RetentionOptions) (int, error) {
	deleted := 0
	err := s.withLock(ctx, func() error {
		cps, err := s.load(chatID)
		if err != nil {
			return err
		}
		kept, n := applyRetention(cps, keep, opts)
		if n == 0 {
			return nil
		}
		deleted = n
		return s.save(chatID, kept)
	})
	return deleted, err
}

func (s *FileStore) GetCheckpointCount(ctx context.Context, chatID string) (int, error) {
	count := 0
	err := s.withLock(ctx, func() error {
		cps, err := s.load(chatID)
		if err != nil {
			return err
		}
		count = len(cps)
		return nil
	})
	return count, err
}

func (s *FileStore) GetCheckpointsTotalSize(ctx context.Context, chatID string) (int64, error) {
	var total int64
	err := s.withLock(ctx, func() error {
		cps, err := s.load(chatID)
		if err != nil {
			return err
		}
		for _, cp := range cps {
			total += cp.SizeBytes
		}
		return nil
	})
	return total, err
}
