package checkpoint

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/okabedev/koban/internal/config"
)

func newTestManager(store Store) *Manager {
	return NewManager(store, config.CheckpointConfig{})
}

func TestCreateCheckpointFirstIsFull(t *testing.T) {
	mgr := newTestManager(NewMemoryStore())
	ctx := context.Background()

	state := &TaskState{
		ChatID:   "chat1",
		Files:    map[string]string{"main.go": "package main"},
		Messages: []Message{{Role: "user", Content: "start"}},
	}

	cp, err := mgr.CreateCheckpoint(ctx, state, TriggerManual, "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.IsFullSnapshot || cp.ParentID != "" {
		t.Errorf("Expected first checkpoint to be a parentless full snapshot, got %+v", cp)
	}
	if cp.SizeBytes != int64(len(cp.Payload)) {
		t.Error("SizeBytes must match stored payload")
	}
}

func TestCreateCheckpointIncrementalChain(t *testing.T) {
	mgr := newTestManager(NewMemoryStore())
	ctx := context.Background()

	files := make(map[string]string)
	for i := 0; i < 30; i++ {
		files[string(rune('a'+i%26))+"file.go"] = strings.Repeat("package main\nfunc work() {}\n", 20)
	}

	base := &TaskState{ChatID: "chat1", Files: files}
	if _, err := mgr.CreateCheckpoint(ctx, base, TriggerInterval, "base", nil); err != nil {
		t.Fatal(err)
	}

	// Touch one file; the second checkpoint should store only the diff.
	changed := make(map[string]string, len(files))
	for k, v := range files {
		changed[k] = v
	}
	changed["afile.go"] = "package main\n"

	cp2, err := mgr.CreateCheckpoint(ctx, &TaskState{ChatID: "chat1", Files: changed}, TriggerInterval, "small change", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cp2.IsFullSnapshot {
		t.Fatal("Expected small change to be stored incrementally")
	}
	if cp2.ParentID == "" {
		t.Fatal("Incremental checkpoint must reference its parent")
	}

	// Restore resolves the chain back to identical state.
	restored, err := mgr.Restore(ctx, "chat1", cp2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(restored.Files, changed) {
		t.Error("Restore of incremental checkpoint did not reproduce state")
	}
}

func TestCreateCheckpointFullWhenEverythingChanges(t *testing.T) {
	mgr := newTestManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := mgr.CreateCheckpoint(ctx, &TaskState{
		ChatID: "chat1",
		Files:  map[string]string{"a.go": "old a", "b.go": "old b"},
	}, TriggerInterval, "", nil); err != nil {
		t.Fatal(err)
	}

	cp, err := mgr.CreateCheckpoint(ctx, &TaskState{
		ChatID: "chat1",
		Files:  map[string]string{"a.go": "completely rewritten A", "b.go": "completely rewritten B"},
	}, TriggerInterval, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.IsFullSnapshot {
		t.Error("Expected full snapshot when the diff does not pay off")
	}
}

func TestRestoreFullCheckpoint(t *testing.T) {
	mgr := newTestManager(NewMemoryStore())
	ctx := context.Background()

	state := &TaskState{
		ChatID:   "chat1",
		Files:    map[string]string{"x.txt": "content"},
		Messages: []Message{{Role: "assistant", Content: "done"}},
		Actions:  []string{"act-1"},
	}
	cp, err := mgr.CreateCheckpoint(ctx, state, TriggerManual, "snap", nil)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := mgr.Restore(ctx, "chat1", cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(restored.Files, state.Files) {
		t.Error("Files mismatch after restore")
	}
	if !reflect.DeepEqual(restored.Messages, state.Messages) {
		t.Error("Messages mismatch after restore")
	}
	if !reflect.DeepEqual(restored.Actions, state.Actions) {
		t.Error("Actions mismatch after restore")
	}
}

func TestCreateCheckpointCompressesLargeState(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), config.CheckpointConfig{CompressionThreshold: 256})
	ctx := context.Background()

	cp, err := mgr.CreateCheckpoint(ctx, &TaskState{
		ChatID: "chat1",
		Files:  map[string]string{"big.txt": strings.Repeat("line of content\n", 200)},
	}, TriggerManual, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Compressed {
		t.Fatal("Expected payload past threshold to be compressed")
	}

	restored, err := mgr.Restore(ctx, "chat1", cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Files["big.txt"] != strings.Repeat("line of content\n", 200) {
		t.Error("Compression must be lossless")
	}
}

func TestCreateCheckpointNilState(t *testing.T) {
	mgr := newTestManager(NewMemoryStore())
	if _, err := mgr.CreateCheckpoint(context.Background(), nil, TriggerManual, "", nil); err == nil {
		t.Error("Expected error for nil state")
	}
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	mgr := newTestManager(NewMemoryStore())
	if _, err := mgr.Restore(context.Background(), "chat1", "missing"); err == nil {
		t.Error("Expected error for unknown checkpoint")
	}
}
