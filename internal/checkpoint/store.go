package checkpoint

import (
	"context"
	"sort"
	"sync"

	kobanErrors "github.com/okabedev/koban/internal/errors"
)

// RetentionOptions tunes DeleteOldCheckpoints. PreserveManual keeps every
// manually triggered checkpoint regardless of recency.
type RetentionOptions struct {
	PreserveManual bool
}

// Store is the persistence collaborator. Writes are durable before the call
// returns; reads reflect prior writes.
type Store interface {
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpointByID(ctx context.Context, chatID, id string) (*Checkpoint, error)
	GetCheckpointsByChat(ctx context.Context, chatID string) ([]*Checkpoint, error)
	DeleteOldCheckpoints(ctx context.Context, chatID string, keep int, opts RetentionOptions) (int, error)
	GetCheckpointCount(ctx context.Context, chatID string) (int, error)
	GetCheckpointsTotalSize(ctx context.Context, chatID string) (int64, error)
}

// MemoryStore is the in-process Store used by tests and by hosts that keep
// checkpoints for the session only.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string][]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: make(map[string][]*Checkpoint)}
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return kobanErrors.InvalidInput("checkpoint requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[cp.ChatID] = append(s.chats[cp.ChatID], cp)
	return nil
}

func (s *MemoryStore) GetCheckpointByID(ctx context.Context, chatID, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.chats[chatID] {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, kobanErrors.NotFound("checkpoint " + id)
}

func (s *MemoryStore) GetCheckpointsByChat(ctx context.Context, chatID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, len(s.chats[chatID]))
	copy(out, s.chats[chatID])
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) DeleteOldCheckpoints(ctx context.Context, chatID string, keep int, opts RetentionOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept, deleted := applyRetention(s.chats[chatID], keep, opts)
	s.chats[chatID] = kept
	return deleted, nil
}

func (s *MemoryStore) GetCheckpointCount(ctx context.Context, chatID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats[chatID]), nil
}

func (s *MemoryStore) GetCheckpointsTotalSize(ctx context.Context, chatID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, cp := range s.chats[chatID] {
		total += cp.SizeBytes
	}
	return total, nil
}

func sortByCreation(cps []*Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
}

// applyRetention keeps the `keep` most recent checkpoints, plus every manual
// one when PreserveManual is set. Returns the survivors in creation order
// and the number deleted.
func applyRetention(cps []*Checkpoint, keep int, opts RetentionOptions) ([]*Checkpoint, int) {
	if keep < 0 {
		keep = 0
	}
	if len(cps) <= keep {
		return cps, 0
	}

	ordered := make([]*Checkpoint, len(cps))
	copy(ordered, cps)
	sortByCreation(ordered)

	retain := make(map[string]struct{}, keep)
	for _, cp := range ordered[len(ordered)-keep:] {
		retain[cp.ID] = struct{}{}
	}
	if opts.PreserveManual {
		for _, cp := range ordered {
			if cp.Trigger == TriggerManual {
				retain[cp.ID] = struct{}{}
			}
		}
	}

	kept := make([]*Checkpoint, 0, len(retain))
	deleted := 0
	for _, cp := range ordered {
		if _, ok := retain[cp.ID]; ok {
			kept = append(kept, cp)
		} else {
			deleted++
		}
	}
	return kept, deleted
}
