package mode

import (
	"context"
	"time"
)

// ApprovalRequest is handed to the host's approval surface. It is ephemeral;
// only the resulting DecisionRecord is retained.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Args        map[string]any `json:"args,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ApprovalPort is the host-injected approval surface. Absence of a port
// means every approval request fails closed.
type ApprovalPort interface {
	RequestApproval(ctx context.Context, req *ApprovalRequest) (bool, error)
}

// ApprovalFunc adapts a plain function to an ApprovalPort.
type ApprovalFunc func(ctx context.Context, req *ApprovalRequest) (bool, error)

func (f ApprovalFunc) RequestApproval(ctx context.Context, req *ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

type timeoutPort struct {
	inner   ApprovalPort
	timeout time.Duration
}

// WithTimeout bounds how long an approval request may wait on the host.
// Expiry counts as a rejection, not an error the caller must handle.
func WithTimeout(port ApprovalPort, timeout time.Duration) ApprovalPort {
	if timeout <= 0 {
		return port
	}
	return &timeoutPort{inner: port, timeout: timeout}
}

func (p *timeoutPort) RequestApproval(ctx context.Context, req *ApprovalRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.RequestApproval(ctx, req)
}
