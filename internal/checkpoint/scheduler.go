package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/okabedev/koban/internal/concurrency"
	kobanErrors "github.com/okabedev/koban/internal/errors"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// TaskStateFn resolves the current snapshot state for a task. A nil return
// means the task is unknown and no checkpoint is taken.
type TaskStateFn func(taskID string) *TaskState

// Schedule is a live trigger watching one task.
type Schedule struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Trigger   TriggerType   `json:"trigger"`
	Interval  time.Duration `json:"interval,omitempty"`
	CronSpec  string        `json:"cron_spec,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
	Active    bool          `json:"active"`
}

type scheduleState struct {
	sched Schedule
	stop  chan struct{}
	// Highest threshold multiple already fired, for progress/tokens.
	lastMultiple int64
}

type SchedulerStats struct {
	ActiveSchedules      int                    `json:"active_schedules"`
	CheckpointsByTrigger map[TriggerType]uint64 `json:"checkpoints_by_trigger"`
	LastCheckpointAt     time.Time              `json:"last_checkpoint_at"`
}

// Scheduler owns the per-task trigger schedules; nothing else mutates them.
type Scheduler struct {
	mgr     *Manager
	stateFn TaskStateFn

	mu        sync.Mutex
	schedules map[string]*scheduleState
	counts    map[TriggerType]uint64
	lastAt    time.Time
}

func NewScheduler(mgr *Manager, stateFn TaskStateFn) *Scheduler {
	return &Scheduler{
		mgr:       mgr,
		stateFn:   stateFn,
		schedules: make(map[string]*scheduleState),
		counts:    make(map[TriggerType]uint64),
	}
}

// SetTaskStateResolver replaces the snapshot callback.
func (s *Scheduler) SetTaskStateResolver(fn TaskStateFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFn = fn
}

// ScheduleByInterval fires a snapshot every interval while active.
func (s *Scheduler) ScheduleByInterval(taskID string, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", kobanErrors.InvalidInput("interval must be positive")
	}

	st := s.register(Schedule{
		ID:       ulid.Make().String(),
		TaskID:   taskID,
		Trigger:  TriggerInterval,
		Interval: interval,
		Active:   true,
	})

	concurrency.SafeGo(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.snapshot(context.Background(), taskID, TriggerInterval, "interval checkpoint", nil); err != nil {
					slog.Error("Interval checkpoint failed", "task", taskID, "error", err)
				}
			case <-st.stop:
				return
			}
		}
	}, nil)

	return st.sched.ID, nil
}

// ScheduleByCron fires snapshots on a standard cron expression.
func (s *Scheduler) ScheduleByCron(taskID, spec string) (string, error) {
	cronSched, err := cron.ParseStandard(spec)
	if err != nil {
		return "", kobanErrors.InvalidInput(fmt.Sprintf("invalid cron spec %q: %v", spec, err))
	}

	st := s.register(Schedule{
		ID:       ulid.Make().String(),
		TaskID:   taskID,
		Trigger:  TriggerCron,
		CronSpec: spec,
		Active:   true,
	})

	concurrency.SafeGo(func() {
		for {
			next := cronSched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				if _, err := s.snapshot(context.Background(), taskID, TriggerCron, "cron checkpoint", map[string]string{"cron_spec": spec}); err != nil {
					slog.Error("Cron checkpoint failed", "task", taskID, "error", err)
				}
			case <-st.stop:
				timer.Stop()
				return
			}
		}
	}, nil)

	return st.sched.ID, nil
}

// ScheduleByProgress registers a threshold trigger over a task's progress
// value in [0,1].
func (s *Scheduler) ScheduleByProgress(taskID string, threshold float64) (string, error) {
	if threshold <= 0 || threshold > 1 {
		return "", kobanErrors.InvalidInput("progress threshold must be in (0,1]")
	}

	st := s.register(Schedule{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Trigger:   TriggerProgress,
		Threshold: threshold,
		Active:    true,
	})
	return st.sched.ID, nil
}

// ScheduleByTokens registers a threshold trigger over cumulative token count.
func (s *Scheduler) ScheduleByTokens(taskID string, threshold int) (string, error) {
	if threshold <= 0 {
		return "", kobanErrors.InvalidInput("token threshold must be positive")
	}

	st := s.register(Schedule{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Trigger:   TriggerTokens,
		Threshold: float64(threshold),
		Active:    true,
	})
	return st.sched.ID, nil
}

// CheckProgressCheckpoint reports new progress for a task. At most one
// checkpoint is taken per report; it covers every schedule whose threshold
// multiple was newly crossed, so repeated calls with non-increasing progress
// never re-fire. A failed persist leaves the crossings pending and the next
// report retries them.
func (s *Scheduler) CheckProgressCheckpoint(ctx context.Context, taskID string, progress float64) (*Checkpoint, error) {
	return s.checkThreshold(ctx, taskID, TriggerProgress, progress, "progress checkpoint")
}

// CheckTokenCheckpoint is the token-count analog of CheckProgressCheckpoint.
func (s *Scheduler) CheckTokenCheckpoint(ctx context.Context, taskID string, tokens int) (*Checkpoint, error) {
	return s.checkThreshold(ctx, taskID, TriggerTokens, float64(tokens), "token checkpoint")
}

// thresholdEpsilon nudges the quotient so exact multiples survive float
// division: 0.3/0.1 computes just under 3 and would otherwise floor to 2.
const thresholdEpsilon = 1e-9

func (s *Scheduler) checkThreshold(ctx context.Context, taskID string, trigger TriggerType, value float64, description string) (*Checkpoint, error) {
	s.mu.Lock()
	crossed := make(map[*scheduleState]int64)
	for _, st := range s.schedules {
		if !st.sched.Active || st.sched.TaskID != taskID || st.sched.Trigger != trigger {
			continue
		}
		multiple := int64(math.Floor(value/st.sched.Threshold + thresholdEpsilon))
		if multiple > st.lastMultiple {
			crossed[st] = multiple
		}
	}
	s.mu.Unlock()

	if len(crossed) == 0 {
		return nil, nil
	}

	meta := map[string]string{"value": fmt.Sprintf("%g", value)}
	cp, err := s.snapshot(ctx, taskID, trigger, description, meta)
	if err != nil || cp == nil {
		// Nothing persisted: the crossings stay pending for the next report.
		return nil, err
	}

	// Commit every crossing the snapshot covered.
	s.mu.Lock()
	for st, multiple := range crossed {
		if multiple > st.lastMultiple {
			st.lastMultiple = multiple
		}
	}
	s.mu.Unlock()
	return cp, nil
}

// ManualCheckpoint always snapshots immediately on user request.
func (s *Scheduler) ManualCheckpoint(ctx context.Context, taskID, reason string) (*Checkpoint, error) {
	description := reason
	if description == "" {
		description = "manual checkpoint"
	}
	return s.snapshot(ctx, taskID, TriggerManual, description, nil)
}

// ErrorCheckpoint snapshots immediately, tagging the error for inspection.
func (s *Scheduler) ErrorCheckpoint(ctx context.Context, taskID string, cause error) (*Checkpoint, error) {
	meta := map[string]string{}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	return s.snapshot(ctx, taskID, TriggerError, "error checkpoint", meta)
}

// DelegationCheckpoint snapshots at an agent hand-off boundary.
func (s *Scheduler) DelegationCheckpoint(ctx context.Context, taskID, target, phase string) (*Checkpoint, error) {
	return s.snapshot(ctx, taskID, TriggerDelegation, "delegation checkpoint", map[string]string{
		"target": target,
		"phase":  phase,
	})
}

// SubtaskCheckpoint snapshots when a subtask completes.
func (s *Scheduler) SubtaskCheckpoint(ctx context.Context, taskID, subtaskID, result string) (*Checkpoint, error) {
	return s.snapshot(ctx, taskID, TriggerSubtask, "subtask checkpoint", map[string]string{
		"subtask_id": subtaskID,
		"result":     result,
	})
}

// snapshot resolves task state and persists one checkpoint. No resolver or
// an unknown task yields nil without error. A persistence failure is
// returned to the caller but leaves every schedule active.
func (s *Scheduler) snapshot(ctx context.Context, taskID string, trigger TriggerType, description string, metadata map[string]string) (*Checkpoint, error) {
	s.mu.Lock()
	stateFn := s.stateFn
	s.mu.Unlock()

	if stateFn == nil {
		return nil, nil
	}
	state := stateFn(taskID)
	if state == nil {
		return nil, nil
	}

	cp, err := s.mgr.CreateCheckpoint(ctx, state, trigger, description, metadata)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.counts[trigger]++
	s.lastAt = cp.CreatedAt
	s.mu.Unlock()
	return cp, nil
}

func (s *Scheduler) register(sched Schedule) *scheduleState {
	st := &scheduleState{sched: sched, stop: make(chan struct{})}
	s.mu.Lock()
	s.schedules[sched.ID] = st
	s.mu.Unlock()
	return st
}

// CancelSchedule stops future fires. Checkpoints already taken stay valid.
func (s *Scheduler) CancelSchedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.schedules[id]
	if !ok {
		return false
	}
	if st.sched.Active {
		st.sched.Active = false
		close(st.stop)
	}
	delete(s.schedules, id)
	return true
}

// CancelAllForTask removes every active schedule for a task and returns the
// count removed.
func (s *Scheduler) CancelAllForTask(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, st := range s.schedules {
		if st.sched.TaskID != taskID {
			continue
		}
		if st.sched.Active {
			st.sched.Active = false
			close(st.stop)
		}
		delete(s.schedules, id)
		removed++
	}
	return removed
}

// Stop cancels every schedule; used at session teardown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.schedules {
		if st.sched.Active {
			st.sched.Active = false
			close(st.stop)
		}
		delete(s.schedules, id)
	}
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTrigger := make(map[TriggerType]uint64, len(s.counts))
	for k, v := range s.counts {
		byTrigger[k] = v
	}

	return SchedulerStats{
		ActiveSchedules:      len(s.schedules),
		CheckpointsByTrigger: byTrigger,
		LastCheckpointAt:     s.lastAt,
	}
}

// Schedules lists the live schedules, primarily for observability.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, st := range s.schedules {
		out = append(out, st.sched)
	}
	return out
}
