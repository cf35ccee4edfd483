package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okabedev/koban/internal/config"
	kobanErrors "github.com/okabedev/koban/internal/errors"
)

// PooledClient wraps one reusable provider client. Owned by the pool; the
// inUse flag and timestamps are only mutated under the pool's lock.
type PooledClient struct {
	Client        any
	CredentialKey string

	lastUsed     time.Time
	requestCount uint64
	inUse        bool
	pooled       bool
}

// grantResult is what a queued waiter receives: a client handed over by a
// release, or the construction error when the pool built one on its behalf.
type grantResult struct {
	pc  *PooledClient
	err error
}

type queuedRequest struct {
	result    chan grantResult
	timestamp time.Time
}

type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	QueueTimeouts uint64  `json:"queue_timeouts"`
	InUseClients  int     `json:"in_use_clients"`
	TotalClients  int     `json:"total_clients"`
	QueueDepth    int     `json:"queue_depth"`
	HitRate       float64 `json:"hit_rate"`
}

// Pool bounds concurrent provider clients per credential and queues callers
// under saturation. Clients are granted in FIFO order per key.
type Pool struct {
	factory ClientFactory

	maxClientsPerKey int
	maxQueueSize     int
	queueTimeout     time.Duration
	idleTimeout      time.Duration

	mu      sync.Mutex
	clients map[string][]*PooledClient
	queues  map[string][]*queuedRequest

	hits          uint64
	misses        uint64
	queueTimeouts uint64
}

func NewPool(factory ClientFactory, cfg config.PoolConfig) (*Pool, error) {
	queueTimeout, err := config.DurationOrDefault(cfg.QueueTimeout, config.DefaultPoolQueueTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse pool queue timeout: %w", err)
	}

	idleTimeout, err := config.DurationOrDefault(cfg.IdleTimeout, config.DefaultPoolIdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse pool idle timeout: %w", err)
	}

	maxClients := cfg.MaxClientsPerKey
	if maxClients <= 0 {
		maxClients = config.DefaultPoolMaxClientsPerKey
	}
	maxQueue := cfg.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = config.DefaultPoolMaxQueueSize
	}

	return &Pool{
		factory:          factory,
		maxClientsPerKey: maxClients,
		maxQueueSize:     maxQueue,
		queueTimeout:     queueTimeout,
		idleTimeout:      idleTimeout,
		clients:          make(map[string][]*PooledClient),
		queues:           make(map[string][]*queuedRequest),
	}, nil
}

// GetClientAsync returns a client for the credential, waiting in a FIFO
// queue under saturation. The wait is bounded by the queue timeout and by
// ctx; either way the queue entry is removed, never leaked.
func (p *Pool) GetClientAsync(ctx context.Context, credentialKey string) (*PooledClient, error) {
	p.mu.Lock()

	if pc := p.takeIdleLocked(credentialKey); pc != nil {
		p.hits++
		p.mu.Unlock()
		return pc, nil
	}

	if len(p.clients[credentialKey]) < p.maxClientsPerKey {
		// Reserve the slot before constructing so concurrent callers
		// cannot exceed the cap while the factory runs.
		placeholder := &PooledClient{CredentialKey: credentialKey, inUse: true, pooled: true, lastUsed: time.Now()}
		p.clients[credentialKey] = append(p.clients[credentialKey], placeholder)
		p.misses++
		p.mu.Unlock()

		client, err := p.factory.NewClient(credentialKey)
		if err != nil {
			p.failReservation(credentialKey, placeholder)
			return nil, kobanErrors.Wrap(err, "construct client")
		}

		p.mu.Lock()
		placeholder.Client = client
		placeholder.requestCount = 1
		p.mu.Unlock()
		return placeholder, nil
	}

	if len(p.queues[credentialKey]) >= p.maxQueueSize {
		p.mu.Unlock()
		return nil, kobanErrors.QueueFull(fmt.Sprintf("pool queue for key is at capacity (%d)", p.maxQueueSize))
	}

	req := &queuedRequest{result: make(chan grantResult, 1), timestamp: time.Now()}
	p.queues[credentialKey] = append(p.queues[credentialKey], req)
	p.mu.Unlock()

	timer := time.NewTimer(p.queueTimeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res.pc, res.err
	case <-timer.C:
		if res, ok := p.abandonRequest(credentialKey, req); ok {
			// Granted in the same instant the timer fired; use it.
			return res.pc, res.err
		}
		p.mu.Lock()
		p.queueTimeouts++
		p.mu.Unlock()
		return nil, kobanErrors.Timeout("pool queue wait")
	case <-ctx.Done():
		if res, ok := p.abandonRequest(credentialKey, req); ok {
			return res.pc, res.err
		}
		return nil, ctx.Err()
	}
}

// GetClient never blocks: on pool exhaustion it fabricates a temporary
// unpooled client instead of queueing. Callers needing backpressure must
// use GetClientAsync.
func (p *Pool) GetClient(credentialKey string) (*PooledClient, error) {
	p.mu.Lock()

	if pc := p.takeIdleLocked(credentialKey); pc != nil {
		p.hits++
		p.mu.Unlock()
		return pc, nil
	}

	reserve := len(p.clients[credentialKey]) < p.maxClientsPerKey
	var placeholder *PooledClient
	if reserve {
		placeholder = &PooledClient{CredentialKey: credentialKey, inUse: true, pooled: true, lastUsed: time.Now()}
		p.clients[credentialKey] = append(p.clients[credentialKey], placeholder)
	}
	p.misses++
	p.mu.Unlock()

	client, err := p.factory.NewClient(credentialKey)
	if err != nil {
		if placeholder != nil {
			p.failReservation(credentialKey, placeholder)
		}
		return nil, kobanErrors.Wrap(err, "construct client")
	}

	if placeholder != nil {
		p.mu.Lock()
		placeholder.Client = client
		placeholder.requestCount = 1
		p.mu.Unlock()
		return placeholder, nil
	}

	slog.Debug("Pool exhausted, fabricating temporary client", "key", credentialKey)
	return &PooledClient{
		Client:        client,
		CredentialKey: credentialKey,
		lastUsed:      time.Now(),
		requestCount:  1,
		inUse:         true,
	}, nil
}

// ReleaseClient returns a client to the pool. A waiting request gets the
// client directly, preserving FIFO fairness; otherwise it goes idle.
// Temporary unpooled clients are simply dropped.
func (p *Pool) ReleaseClient(credentialKey string, pc *PooledClient) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !pc.pooled {
		return
	}

	if queue := p.queues[credentialKey]; len(queue) > 0 {
		next := queue[0]
		p.queues[credentialKey] = queue[1:]
		pc.lastUsed = time.Now()
		pc.requestCount++
		p.hits++
		next.result <- grantResult{pc: pc}
		return
	}

	pc.inUse = false
	pc.lastUsed = time.Now()
}

// Cleanup evicts idle clients past the idle timeout. In-use clients are
// never evicted.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, clients := range p.clients {
		kept := clients[:0]
		for _, pc := range clients {
			if !pc.inUse && now.Sub(pc.lastUsed) > p.idleTimeout {
				evicted++
				continue
			}
			kept = append(kept, pc)
		}
		if len(kept) == 0 {
			delete(p.clients, key)
		} else {
			p.clients[key] = kept
		}
	}

	if evicted > 0 {
		slog.Debug("Evicted idle clients", "count", evicted)
	}
	return evicted
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse, total, queueDepth := 0, 0, 0
	for _, clients := range p.clients {
		total += len(clients)
		for _, pc := range clients {
			if pc.inUse {
				inUse++
			}
		}
	}
	for _, queue := range p.queues {
		queueDepth += len(queue)
	}

	stats := Stats{
		Hits:          p.hits,
		Misses:        p.misses,
		QueueTimeouts: p.queueTimeouts,
		InUseClients:  inUse,
		TotalClients:  total,
		QueueDepth:    queueDepth,
	}
	if requests := p.hits + p.misses; requests > 0 {
		stats.HitRate = float64(p.hits) / float64(requests)
	}
	return stats
}

// takeIdleLocked claims an idle pooled client for the key, if any.
func (p *Pool) takeIdleLocked(credentialKey string) *PooledClient {
	for _, pc := range p.clients[credentialKey] {
		if !pc.inUse {
			pc.inUse = true
			pc.lastUsed = time.Now()
			pc.requestCount++
			return pc
		}
	}
	return nil
}

// abandonRequest removes a queued request after a timeout or cancellation.
// If the request was granted concurrently, the grant is returned so it is
// not lost.
func (p *Pool) abandonRequest(credentialKey string, req *queuedRequest) (grantResult, bool) {
	p.mu.Lock()
	queue := p.queues[credentialKey]
	for i, queued := range queue {
		if queued == req {
			p.queues[credentialKey] = append(queue[:i], queue[i+1:]...)
			p.mu.Unlock()
			return grantResult{}, false
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore: a grant is already in flight.
	select {
	case res := <-req.result:
		return res, true
	default:
		return grantResult{}, false
	}
}

// failReservation resolves a reserved slot whose construction failed. If a
// request is queued for the key, the freed capacity is spent retrying the
// factory on its behalf instead of leaving it to wait out the queue timeout;
// otherwise the placeholder is removed.
func (p *Pool) failReservation(credentialKey string, placeholder *PooledClient) {
	p.mu.Lock()
	queue := p.queues[credentialKey]
	if len(queue) == 0 {
		clients := p.clients[credentialKey]
		for i, pc := range clients {
			if pc == placeholder {
				p.clients[credentialKey] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return
	}
	next := queue[0]
	p.queues[credentialKey] = queue[1:]
	p.mu.Unlock()

	client, err := p.factory.NewClient(credentialKey)
	if err != nil {
		// This waiter gets the error; the still-free slot moves on to the
		// next one. Recursion depth is bounded by the queue length.
		p.failReservation(credentialKey, placeholder)
		next.result <- grantResult{err: kobanErrors.Wrap(err, "construct client")}
		return
	}

	p.mu.Lock()
	placeholder.Client = client
	placeholder.requestCount = 1
	placeholder.lastUsed = time.Now()
	p.misses++
	p.mu.Unlock()
	next.result <- grantResult{pc: placeholder}
}
