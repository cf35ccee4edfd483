package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okabedev/koban/internal/config"
	kobanErrors "github.com/okabedev/koban/internal/errors"
)

type countingFactory struct {
	constructed atomic.Int64
	err         error
}

func (f *countingFactory) NewClient(credentialKey string) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.constructed.Add(1)
	return struct{ key string }{credentialKey}, nil
}

func newTestPool(t *testing.T, factory ClientFactory, cfg config.PoolConfig) *Pool {
	t.Helper()
	p, err := NewPool(factory, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGetClientReusesIdle(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{})

	first, err := p.GetClient("key1")
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseClient("key1", first)

	second, err := p.GetClient("key1")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("Expected the released client to be reused")
	}
	if factory.constructed.Load() != 1 {
		t.Errorf("Expected a single construction, got %d", factory.constructed.Load())
	}

	stats := p.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 hit 1 miss, got %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %f", stats.HitRate)
	}
}

func TestPoolCapInvariantUnderConcurrency(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 3, MaxQueueSize: 10, QueueTimeout: "5s"})

	// Five concurrent acquisitions against a cap of three: all succeed,
	// pooled clients never exceed the cap.
	var wg sync.WaitGroup
	clients := make(chan *PooledClient, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.GetClientAsync(context.Background(), "key1")
			if err != nil {
				t.Errorf("GetClientAsync failed: %v", err)
				return
			}
			clients <- pc

			if stats := p.Stats(); stats.TotalClients > 3 {
				t.Errorf("Pool exceeded cap: %d clients", stats.TotalClients)
			}

			time.Sleep(10 * time.Millisecond)
			p.ReleaseClient("key1", pc)
		}()
	}
	wg.Wait()
	close(clients)

	granted := 0
	for range clients {
		granted++
	}
	if granted != 5 {
		t.Errorf("Expected all 5 requests served, got %d", granted)
	}
	if factory.constructed.Load() > 3 {
		t.Errorf("Expected at most 3 constructions, got %d", factory.constructed.Load())
	}
}

func TestQueueFull(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1, MaxQueueSize: 1, QueueTimeout: "5s"})

	held, err := p.GetClientAsync(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}

	// One waiter fills the queue.
	go func() {
		pc, err := p.GetClientAsync(context.Background(), "key1")
		if err == nil {
			p.ReleaseClient("key1", pc)
		}
	}()
	deadline := time.After(2 * time.Second)
	for p.Stats().QueueDepth == 0 {
		select {
		case <-deadline:
			t.Fatal("Waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The next request overflows.
	_, err = p.GetClientAsync(context.Background(), "key1")
	if !errors.Is(err, kobanErrors.ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	p.ReleaseClient("key1", held)
}

func TestQueueTimeout(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1, MaxQueueSize: 5, QueueTimeout: "30ms"})

	held, err := p.GetClientAsync(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}
	defer p.ReleaseClient("key1", held)

	_, err = p.GetClientAsync(context.Background(), "key1")
	if !errors.Is(err, kobanErrors.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if p.Stats().QueueTimeouts != 1 {
		t.Errorf("Expected timeout counted, got %+v", p.Stats())
	}
	if p.Stats().QueueDepth != 0 {
		t.Error("Timed-out request must leave the queue")
	}
}

func TestQueueContextCancellation(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1, MaxQueueSize: 5, QueueTimeout: "10s"})

	held, err := p.GetClientAsync(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}
	defer p.ReleaseClient("key1", held)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.GetClientAsync(ctx, "key1")
		errCh <- err
	}()

	deadline := time.After(2 * time.Second)
	for p.Stats().QueueDepth == 0 {
		select {
		case <-deadline:
			t.Fatal("Waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got %v", err)
	}
	if p.Stats().QueueDepth != 0 {
		t.Error("Cancelled request must leave the queue")
	}
}

func TestReleaseHandsOffFIFO(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1, MaxQueueSize: 5, QueueTimeout: "5s"})

	held, err := p.GetClientAsync(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}

	type grant struct {
		order int
		pc    *PooledClient
	}
	grants := make(chan grant, 2)
	launch := func(order int) {
		go func() {
			pc, err := p.GetClientAsync(context.Background(), "key1")
			if err != nil {
				t.Errorf("Waiter %d failed: %v", order, err)
				return
			}
			grants <- grant{order, pc}
			p.ReleaseClient("key1", pc)
		}()
	}

	launch(1)
	deadline := time.After(2 * time.Second)
	for p.Stats().QueueDepth != 1 {
		select {
		case <-deadline:
			t.Fatal("First waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	launch(2)
	for p.Stats().QueueDepth != 2 {
		select {
		case <-deadline:
			t.Fatal("Second waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.ReleaseClient("key1", held)

	first := <-grants
	if first.order != 1 {
		t.Errorf("Expected FIFO grant order, waiter %d served first", first.order)
	}
	<-grants

	if factory.constructed.Load() != 1 {
		t.Errorf("Expected one client shared across waiters, got %d", factory.constructed.Load())
	}
}

func TestGetClientFabricatesOnExhaustion(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1})

	held, err := p.GetClient("key1")
	if err != nil {
		t.Fatal(err)
	}

	// Non-blocking path: exhaustion yields a temporary unpooled client.
	extra, err := p.GetClient("key1")
	if err != nil {
		t.Fatal(err)
	}
	if extra == held {
		t.Error("Expected a distinct temporary client")
	}
	if p.Stats().TotalClients != 1 {
		t.Errorf("Temporary client must not join the pool, got %d pooled", p.Stats().TotalClients)
	}

	// Releasing the temporary client is a drop, not a pooling.
	p.ReleaseClient("key1", extra)
	if p.Stats().TotalClients != 1 {
		t.Error("Released temporary client must stay out of the pool")
	}

	p.ReleaseClient("key1", held)
}

func TestFactoryErrorFreesReservation(t *testing.T) {
	factory := &countingFactory{err: errors.New("bad credentials")}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1})

	if _, err := p.GetClientAsync(context.Background(), "key1"); err == nil {
		t.Fatal("Expected construction error")
	}
	if p.Stats().TotalClients != 0 {
		t.Error("Failed construction must not leak a reserved slot")
	}

	// The slot is usable again once the factory recovers.
	factory.err = nil
	if _, err := p.GetClientAsync(context.Background(), "key1"); err != nil {
		t.Fatalf("Expected recovery after factory error, got %v", err)
	}
}

// flakyFactory blocks its first construction until released, then fails it.
// Later constructions succeed.
type flakyFactory struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
}

func (f *flakyFactory) NewClient(credentialKey string) (any, error) {
	if f.calls.Add(1) == 1 {
		close(f.started)
		<-f.release
		return nil, errors.New("credential refresh failed")
	}
	return struct{ key string }{credentialKey}, nil
}

func TestFactoryErrorServesQueuedWaiter(t *testing.T) {
	factory := &flakyFactory{started: make(chan struct{}), release: make(chan struct{})}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 1, MaxQueueSize: 5, QueueTimeout: "30s"})

	errs := make(chan error, 1)
	go func() {
		_, err := p.GetClientAsync(context.Background(), "key1")
		errs <- err
	}()
	<-factory.started

	// A waiter queues while the failing construction holds the only slot.
	grants := make(chan *PooledClient, 1)
	go func() {
		pc, err := p.GetClientAsync(context.Background(), "key1")
		if err != nil {
			t.Errorf("Waiter failed: %v", err)
		}
		grants <- pc
	}()
	deadline := time.After(2 * time.Second)
	for p.Stats().QueueDepth != 1 {
		select {
		case <-deadline:
			t.Fatal("Waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(factory.release)

	if err := <-errs; err == nil {
		t.Fatal("Expected construction error for the first caller")
	}

	// The freed capacity serves the waiter immediately; it must not sit
	// out the 30s queue timeout.
	select {
	case pc := <-grants:
		if pc == nil {
			t.Fatal("Expected waiter granted a client")
		}
		p.ReleaseClient("key1", pc)
	case <-time.After(2 * time.Second):
		t.Fatal("Queued waiter not served after failed construction freed the slot")
	}

	if got := p.Stats().TotalClients; got != 1 {
		t.Errorf("Expected one pooled client, got %d", got)
	}
}

func TestCleanupEvictsIdleOnly(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, factory, config.PoolConfig{MaxClientsPerKey: 2, IdleTimeout: "10ms"})

	idle, err := p.GetClient("key1")
	if err != nil {
		t.Fatal(err)
	}
	busy, err := p.GetClient("key1")
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseClient("key1", idle)

	time.Sleep(30 * time.Millisecond)

	if evicted := p.Cleanup(); evicted != 1 {
		t.Errorf("Expected 1 idle client evicted, got %d", evicted)
	}
	if p.Stats().TotalClients != 1 {
		t.Errorf("In-use client must survive cleanup, got %d", p.Stats().TotalClients)
	}

	p.ReleaseClient("key1", busy)
}

func TestStatsEmptyPool(t *testing.T) {
	p := newTestPool(t, &countingFactory{}, config.PoolConfig{})

	stats := p.Stats()
	if stats.HitRate != 0 {
		t.Errorf("Expected zero hit rate with no requests, got %f", stats.HitRate)
	}
	if stats.TotalClients != 0 || stats.QueueDepth != 0 {
		t.Errorf("Expected empty pool, got %+v", stats)
	}
}

func TestNewFactoryProviders(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai", "gemini"} {
		if _, err := NewFactory(provider); err != nil {
			t.Errorf("Expected factory for %s, got %v", provider, err)
		}
	}
	if _, err := NewFactory("watson"); err == nil {
		t.Error("Expected unknown provider to fail")
	}
}

func TestProviderFactoriesRejectEmptyKey(t *testing.T) {
	for name, factory := range map[string]ClientFactory{
		"anthropic": AnthropicFactory{},
		"openai":    OpenAIFactory{},
		"gemini":    GeminiFactory{},
	} {
		if _, err := factory.NewClient(""); err == nil {
			t.Errorf("Expected %s factory to reject empty key", name)
		}
	}
}
