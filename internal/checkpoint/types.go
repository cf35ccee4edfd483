package checkpoint

import "time"

// TriggerType records what caused a checkpoint to be taken.
type TriggerType string

const (
	TriggerInterval     TriggerType = "interval"
	TriggerCron         TriggerType = "cron"
	TriggerProgress     TriggerType = "progress"
	TriggerTokens       TriggerType = "tokens"
	TriggerManual       TriggerType = "manual"
	TriggerError        TriggerType = "error"
	TriggerDelegation   TriggerType = "delegation"
	TriggerSubtask      TriggerType = "subtask"
	TriggerBeforeAction TriggerType = "before_action"
)

type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TaskState is the project state a snapshot captures, resolved through the
// scheduler's injected callback.
type TaskState struct {
	ChatID   string            `json:"chat_id"`
	Files    map[string]string `json:"files"`
	Messages []Message         `json:"messages"`
	Actions  []string          `json:"actions,omitempty"`
}

// Checkpoint is an immutable snapshot usable for restore. The payload holds
// the serialized files+messages, either full or as a diff against the
// parent, and may be compressed.
type Checkpoint struct {
	ID             string            `json:"id"`
	ChatID         string            `json:"chat_id"`
	TaskID         string            `json:"task_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	Trigger        TriggerType       `json:"trigger"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ParentID       string            `json:"parent_id,omitempty"`
	IsFullSnapshot bool              `json:"is_full_snapshot"`
	Compressed     bool              `json:"compressed"`
	SizeBytes      int64             `json:"size_bytes"`
	Payload        []byte            `json:"payload"`
	CreatedAt      time.Time         `json:"created_at"`
}

// snapshotPayload is what actually gets serialized into Checkpoint.Payload.
// Exactly one of Files or Diff is set.
type snapshotPayload struct {
	Files    map[string]string `json:"files,omitempty"`
	Diff     *FilesDiff        `json:"diff,omitempty"`
	Messages []Message         `json:"messages"`
	Actions  []string          `json:"actions,omitempty"`
}
