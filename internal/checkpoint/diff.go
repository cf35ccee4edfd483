package checkpoint

import (
	"encoding/json"
	"sort"
)

type DiffOp string

const (
	DiffAdd    DiffOp = "add"
	DiffModify DiffOp = "modify"
	DiffDelete DiffOp = "delete"
)

type DiffEntry struct {
	Path    string `json:"path"`
	Op      DiffOp `json:"op"`
	Content string `json:"content,omitempty"`
}

// FilesDiff is an ordered change set between two file maps. Unchanged files
// are counted but carry no entry.
type FilesDiff struct {
	Entries   []DiffEntry `json:"entries"`
	Added     int         `json:"added"`
	Modified  int         `json:"modified"`
	Deleted   int         `json:"deleted"`
	Unchanged int         `json:"unchanged"`
}

// CalculateFilesDiff produces the change set turning previous into current.
// Entries are ordered by path so the result is deterministic.
func CalculateFilesDiff(previous, current map[string]string) *FilesDiff {
	diff := &FilesDiff{}

	paths := make([]string, 0, len(previous)+len(current))
	seen := make(map[string]struct{}, len(previous)+len(current))
	for p := range previous {
		paths = append(paths, p)
		seen[p] = struct{}{}
	}
	for p := range current {
		if _, ok := seen[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		prev, hadPrev := previous[path]
		cur, hasCur := current[path]

		switch {
		case hadPrev && hasCur && prev == cur:
			diff.Unchanged++
		case hadPrev && hasCur:
			diff.Entries = append(diff.Entries, DiffEntry{Path: path, Op: DiffModify, Content: cur})
			diff.Modified++
		case hasCur:
			diff.Entries = append(diff.Entries, DiffEntry{Path: path, Op: DiffAdd, Content: cur})
			diff.Added++
		default:
			diff.Entries = append(diff.Entries, DiffEntry{Path: path, Op: DiffDelete})
			diff.Deleted++
		}
	}

	return diff
}

// ApplyFilesDiff is the exact inverse of CalculateFilesDiff: applying the
// diff computed from (A, B) to A reproduces B. The base map is not mutated.
func ApplyFilesDiff(base map[string]string, diff *FilesDiff) map[string]string {
	result := make(map[string]string, len(base))
	for path, content := range base {
		result[path] = content
	}
	if diff == nil {
		return result
	}

	for _, entry := range diff.Entries {
		switch entry.Op {
		case DiffAdd, DiffModify:
			result[entry.Path] = entry.Content
		case DiffDelete:
			delete(result, entry.Path)
		}
	}
	return result
}

// ShouldUseIncremental decides whether storing the diff beats storing the
// full snapshot. Purely a size heuristic; both forms reconstruct
// byte-identically. The crossover ratio is a tunable, not a contract.
func ShouldUseIncremental(diff *FilesDiff, fullSnapshot map[string]string, ratio float64) bool {
	if diff == nil || len(diff.Entries) == 0 {
		return false
	}
	if ratio <= 0 {
		ratio = 0.5
	}

	diffBytes, err := json.Marshal(diff)
	if err != nil {
		return false
	}
	fullBytes, err := json.Marshal(fullSnapshot)
	if err != nil {
		return false
	}

	return float64(len(diffBytes)) < float64(len(fullBytes))*ratio
}
