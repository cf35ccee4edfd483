package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okabedev/koban/internal/config"
	kobanErrors "github.com/okabedev/koban/internal/errors"
	"github.com/okabedev/koban/internal/logger"

	"github.com/oklog/ulid/v2"
)

// Mode is the gating policy applied to every action before it runs.
type Mode string

const (
	ModePlan    Mode = "plan"
	ModeExecute Mode = "execute"
	ModeStrict  Mode = "strict"
)

type Suggestion string

const (
	SuggestProceed     Suggestion = "proceed"
	SuggestAskApproval Suggestion = "ask_approval"
	SuggestBlock       Suggestion = "block"
)

// Decision is the result of checking a tool against the current mode.
// Computed per call, never persisted.
type Decision struct {
	Allowed       bool       `json:"allowed"`
	NeedsApproval bool       `json:"needs_approval"`
	Suggested     Suggestion `json:"suggested"`
	Reason        string     `json:"reason,omitempty"`
}

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// DecisionRecord is one entry in the bounded in-session approval audit.
type DecisionRecord struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ExecResult reports what CheckAndExecute did. Permission failures are
// carried here as data, never as a Go error.
type ExecResult struct {
	Ran    bool
	Denied bool
	Reason string
	Err    error
}

// Read-only tools permitted in every mode without approval.
var readOnlyTools = map[string]struct{}{
	"read_file":  {},
	"list_files": {},
	"search":     {},
	"grep":       {},
	"ask_user":   {},
	"todo_write": {},
	"get_status": {},
}

// Tools that always ask for approval in execute mode.
var highRiskTools = map[string]struct{}{
	"delete_file":   {},
	"deploy":        {},
	"exec_command":  {},
	"run_command":   {},
	"force_push":    {},
	"drop_database": {},
	"rm":            {},
}

// Manager is the execution-mode permission state machine. It owns the
// decision history; nothing else writes it.
type Manager struct {
	mu         sync.RWMutex
	mode       Mode
	port       ApprovalPort
	history    []DecisionRecord
	maxHistory int
	approved   uint64
	rejected   uint64
	errored    uint64
}

func NewManager(cfg config.ModeConfig) (*Manager, error) {
	m := &Manager{
		mode:       ModeExecute,
		maxHistory: cfg.MaxDecisionHistory,
	}
	if m.maxHistory <= 0 {
		m.maxHistory = config.DefaultModeMaxDecisionHistory
	}
	if cfg.Default != "" {
		mode, err := ParseMode(cfg.Default)
		if err != nil {
			return nil, err
		}
		m.mode = mode
	}
	return m, nil
}

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePlan, ModeExecute, ModeStrict:
		return Mode(s), nil
	default:
		return "", kobanErrors.InvalidInput(fmt.Sprintf("unknown execution mode %q", s))
	}
}

// SetApprovalPort registers the host's approval surface. A nil port means
// fail closed.
func (m *Manager) SetApprovalPort(port ApprovalPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.port = port
}

func (m *Manager) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != mode {
		slog.Info("Execution mode changed", "from", m.mode, "to", mode)
	}
	m.mode = mode
	return nil
}

func (m *Manager) GetMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// CheckPermission evaluates a tool against the current mode. For a fixed
// mode the result depends only on the tool name.
func (m *Manager) CheckPermission(tool string, args map[string]any) Decision {
	m.mu.RLock()
	mode := m.mode
	m.mu.RUnlock()

	_, readOnly := readOnlyTools[tool]

	switch mode {
	case ModePlan:
		if readOnly {
			return Decision{Allowed: true, Suggested: SuggestProceed}
		}
		return Decision{
			Allowed:   false,
			Suggested: SuggestBlock,
			Reason:    fmt.Sprintf("tool %q is not permitted in plan mode", tool),
		}

	case ModeStrict:
		if readOnly {
			return Decision{Allowed: true, Suggested: SuggestProceed}
		}
		return Decision{
			Allowed:       true,
			NeedsApproval: true,
			Suggested:     SuggestAskApproval,
			Reason:        fmt.Sprintf("strict mode requires approval for %q", tool),
		}

	default: // ModeExecute
		if _, highRisk := highRiskTools[tool]; highRisk {
			return Decision{
				Allowed:       true,
				NeedsApproval: true,
				Suggested:     SuggestAskApproval,
				Reason:        fmt.Sprintf("tool %q is high risk", tool),
			}
		}
		return Decision{Allowed: true, Suggested: SuggestProceed}
	}
}

// RequestApproval asks the host to approve a tool invocation. No registered
// port resolves to false. Errors and panics from the port are converted to
// a rejection and never propagated.
func (m *Manager) RequestApproval(ctx context.Context, tool, description string, args map[string]any) bool {
	m.mu.RLock()
	port := m.port
	m.mu.RUnlock()

	req := &ApprovalRequest{
		ID:          ulid.Make().String(),
		Tool:        tool,
		Description: description,
		Args:        args,
		CreatedAt:   time.Now(),
	}

	if port == nil {
		m.record(tool, OutcomeRejected, "no approval port registered")
		return false
	}

	approved, err := m.invokePort(ctx, port, req)
	traceID := logger.GetTraceID(ctx)

	switch {
	case err != nil:
		slog.Warn("Approval port failed", "tool", tool, "error", err, "trace_id", traceID)
		m.record(tool, OutcomeError, err.Error())
		return false
	case approved:
		m.record(tool, OutcomeApproved, "")
		return true
	default:
		m.record(tool, OutcomeRejected, "rejected by user")
		return false
	}
}

func (m *Manager) invokePort(ctx context.Context, port ApprovalPort, req *ApprovalRequest) (approved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			approved = false
			err = kobanErrors.Internal(fmt.Sprintf("approval port panicked: %v", r))
		}
	}()
	return port.RequestApproval(ctx, req)
}

// CheckAndExecute is the single entry point for gated execution: check the
// mode, request approval when needed, and only then run fn. Blocked or
// unapproved requests never invoke fn.
func (m *Manager) CheckAndExecute(ctx context.Context, tool, description string, args map[string]any, fn func(context.Context) error) ExecResult {
	decision := m.CheckPermission(tool, args)
	if !decision.Allowed {
		return ExecResult{Denied: true, Reason: decision.Reason}
	}

	if decision.NeedsApproval {
		if !m.RequestApproval(ctx, tool, description, args) {
			return ExecResult{Denied: true, Reason: fmt.Sprintf("approval not granted for %q", tool)}
		}
	}

	return ExecResult{Ran: true, Err: fn(ctx)}
}

func (m *Manager) record(tool string, outcome Outcome, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch outcome {
	case OutcomeApproved:
		m.approved++
	case OutcomeRejected:
		m.rejected++
	case OutcomeError:
		m.errored++
	}

	m.history = append(m.history, DecisionRecord{
		ID:        ulid.Make().String(),
		Tool:      tool,
		Outcome:   outcome,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// History returns a copy of the decision records, oldest first.
func (m *Manager) History() []DecisionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DecisionRecord, len(m.history))
	copy(out, m.history)
	return out
}

type Stats struct {
	Mode           Mode   `json:"mode"`
	TotalDecisions uint64 `json:"total_decisions"`
	Approved       uint64 `json:"approved"`
	Rejected       uint64 `json:"rejected"`
	Errored        uint64 `json:"errored"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Mode:           m.mode,
		TotalDecisions: m.approved + m.rejected + m.errored,
		Approved:       m.approved,
		Rejected:       m.rejected,
		Errored:        m.errored,
	}
}

// Reset clears the decision history and counters. An approval already
// in flight still resolves from its own callback; only the bookkeeping
// is discarded.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.approved = 0
	m.rejected = 0
	m.errored = 0
}
