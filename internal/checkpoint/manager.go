package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okabedev/koban/internal/config"
	kobanErrors "github.com/okabedev/koban/internal/errors"

	"github.com/oklog/ulid/v2"
)

// Manager turns task state into stored checkpoints and back. It owns the
// full-vs-incremental decision and the compression step; the Store only
// sees finished records.
type Manager struct {
	store                Store
	compressionThreshold int
	incrementalRatio     float64
}

func NewManager(store Store, cfg config.CheckpointConfig) *Manager {
	threshold := cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = config.DefaultCheckpointCompressionThreshold
	}
	ratio := cfg.IncrementalRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = config.DefaultCheckpointIncrementalRatio
	}

	return &Manager{
		store:                store,
		compressionThreshold: threshold,
		incrementalRatio:     ratio,
	}
}

// CreateCheckpoint snapshots the given state. When a parent checkpoint
// exists and the change set is small, the snapshot is stored as a diff
// against the parent; either form restores byte-identically.
func (m *Manager) CreateCheckpoint(ctx context.Context, state *TaskState, trigger TriggerType, description string, metadata map[string]string) (*Checkpoint, error) {
	if state == nil {
		return nil, kobanErrors.InvalidInput("checkpoint requires task state")
	}

	existing, err := m.store.GetCheckpointsByChat(ctx, state.ChatID)
	if err != nil {
		return nil, kobanErrors.Wrap(err, "load prior checkpoints")
	}

	payload := &snapshotPayload{
		Files:    state.Files,
		Messages: state.Messages,
		Actions:  state.Actions,
	}
	parentID := ""
	isFull := true

	if len(existing) > 0 {
		parent := existing[len(existing)-1]
		parentFiles, err := m.filesAt(ctx, state.ChatID, parent)
		if err != nil {
			// A damaged parent chain falls back to a full snapshot rather
			// than failing the checkpoint.
			slog.Warn("Parent reconstruction failed, storing full snapshot", "chat", state.ChatID, "parent", parent.ID, "error", err)
		} else {
			diff := CalculateFilesDiff(parentFiles, state.Files)
			if ShouldUseIncremental(diff, state.Files, m.incrementalRatio) {
				payload = &snapshotPayload{
					Diff:     diff,
					Messages: state.Messages,
					Actions:  state.Actions,
				}
				parentID = parent.ID
				isFull = false
			}
		}
	}

	data, compressed, err := EncodePayload(payload, m.compressionThreshold)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:             ulid.Make().String(),
		ChatID:         state.ChatID,
		Description:    description,
		Trigger:        trigger,
		Metadata:       metadata,
		ParentID:       parentID,
		IsFullSnapshot: isFull,
		Compressed:     compressed,
		SizeBytes:      int64(len(data)),
		Payload:        data,
		CreatedAt:      time.Now(),
	}

	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, kobanErrors.Wrap(err, "persist checkpoint")
	}

	slog.Debug("Checkpoint created",
		"id", cp.ID, "chat", cp.ChatID, "trigger", trigger,
		"full", isFull, "compressed", compressed, "bytes", cp.SizeBytes)
	return cp, nil
}

// Restore reconstructs the task state a checkpoint captured, resolving
// incremental chains through parent checkpoints.
func (m *Manager) Restore(ctx context.Context, chatID, id string) (*TaskState, error) {
	cp, err := m.store.GetCheckpointByID(ctx, chatID, id)
	if err != nil {
		return nil, err
	}

	payload, err := DecodePayload(cp.Payload)
	if err != nil {
		return nil, err
	}

	files, err := m.filesAt(ctx, chatID, cp)
	if err != nil {
		return nil, err
	}

	return &TaskState{
		ChatID:   chatID,
		Files:    files,
		Messages: payload.Messages,
		Actions:  payload.Actions,
	}, nil
}

// filesAt resolves the complete file map at a checkpoint, walking parent
// links for incremental snapshots.
func (m *Manager) filesAt(ctx context.Context, chatID string, cp *Checkpoint) (map[string]string, error) {
	payload, err := DecodePayload(cp.Payload)
	if err != nil {
		return nil, err
	}

	if cp.IsFullSnapshot {
		if payload.Files == nil {
			return map[string]string{}, nil
		}
		return payload.Files, nil
	}

	if cp.ParentID == "" {
		return nil, kobanErrors.Internal(fmt.Sprintf("incremental checkpoint %s has no parent", cp.ID))
	}

	parent, err := m.store.GetCheckpointByID(ctx, chatID, cp.ParentID)
	if err != nil {
		return nil, kobanErrors.Wrap(err, "resolve parent checkpoint")
	}

	base, err := m.filesAt(ctx, chatID, parent)
	if err != nil {
		return nil, err
	}
	return ApplyFilesDiff(base, payload.Diff), nil
}

// DeleteOldCheckpoints applies the retention policy for a chat.
func (m *Manager) DeleteOldCheckpoints(ctx context.Context, chatID string, keep int, opts RetentionOptions) (int, error) {
	return m.store.DeleteOldCheckpoints(ctx, chatID, keep, opts)
}

// TotalSize sums stored bytes across a chat's checkpoints.
func (m *Manager) TotalSize(ctx context.Context, chatID string) (int64, error) {
	return m.store.GetCheckpointsTotalSize(ctx, chatID)
}
