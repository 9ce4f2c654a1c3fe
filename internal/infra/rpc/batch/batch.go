// Package batch coalesces individual JSON-RPC reads into batched wire calls.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/indexing/metrics"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
)

var (
	// ErrNoResponse is returned to a request whose id is missing from the batch response.
	ErrNoResponse = errors.New("no response for request")

	// ErrClosed is returned for requests buffered or issued after Close.
	ErrClosed = errors.New("batch provider closed")
)

// DefaultMethods are the read methods that are safe to coalesce.
var DefaultMethods = []string{
	"eth_getBlockByNumber",
	"eth_getBlockByHash",
	"eth_getTransactionReceipt",
	"eth_getBlockReceipts",
	"eth_getTransactionByHash",
	"eth_chainId",
}

// Config holds batching settings.
type Config struct {
	BatchSize  int           `yaml:"batch_size"`  // Flush when this many requests are buffered (default: 10)
	BatchDelay time.Duration `yaml:"batch_delay"` // Flush this long after the first buffered request (default: 10ms)
	Methods    []string      `yaml:"methods"`     // Batchable methods (default: DefaultMethods)
}

// DefaultConfig returns sensible defaults for batching.
func DefaultConfig() Config {
	return Config{
		BatchSize:  10,
		BatchDelay: 10 * time.Millisecond,
		Methods:    DefaultMethods,
	}
}

// Executor gates remote work. It is satisfied by *ratelimit.Limiter.
type Executor interface {
	Execute(ctx context.Context, task func(ctx context.Context) error) error
}

type result struct {
	raw json.RawMessage
	err error
}

type pendingCall struct {
	req  provider.Request
	done chan result
}

// Provider buffers batchable calls and flushes them through the executor.
type Provider struct {
	transport provider.Transport
	exec      Executor
	cfg       Config
	clock     clock.Clock
	log       *slog.Logger
	batchable map[string]bool

	nextID atomic.Uint64

	mu      sync.Mutex
	pending []*pendingCall
	gen     uint64 // bumped on every flush so stale timers do nothing
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvider creates a batch provider on top of transport.
func NewProvider(
	transport provider.Transport,
	exec Executor,
	cfg Config,
	clk clock.Clock,
	log *slog.Logger,
) *Provider {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = d.BatchDelay
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = d.Methods
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}

	batchable := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		batchable[m] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		transport: transport,
		exec:      exec,
		cfg:       cfg,
		clock:     clk,
		log:       log.With("component", "batch"),
		batchable: batchable,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Call issues method. Batchable methods are buffered and coalesced, all
// others go straight through the executor.
func (p *Provider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if !p.batchable[method] {
		var raw json.RawMessage
		err := p.exec.Execute(ctx, func(ctx context.Context) error {
			var err error
			raw, err = p.transport.Call(ctx, method, params)
			return err
		})
		return raw, err
	}

	call := &pendingCall{
		req: provider.Request{
			ID:     p.nextID.Add(1),
			Method: method,
			Params: params,
		},
		done: make(chan result, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending = append(p.pending, call)
	switch {
	case len(p.pending) >= p.cfg.BatchSize:
		p.flushLocked()
	case len(p.pending) == 1:
		p.armTimerLocked()
	}
	p.mu.Unlock()

	select {
	case r := <-call.done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) armTimerLocked() {
	gen := p.gen
	fire := p.clock.After(p.cfg.BatchDelay)
	go func() {
		select {
		case <-fire:
		case <-p.ctx.Done():
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen == gen && len(p.pending) > 0 {
			p.flushLocked()
		}
	}()
}

func (p *Provider) flushLocked() {
	batch := p.pending
	p.pending = nil
	p.gen++

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.flush(batch)
	}()
}

func (p *Provider) flush(batch []*pendingCall) {
	metrics.BatchFlushSize.Observe(float64(len(batch)))

	reqs := make([]provider.Request, len(batch))
	for i, c := range batch {
		reqs[i] = c.req
	}

	var (
		resps     []provider.Response
		delivered bool
	)
	err := p.exec.Execute(p.ctx, func(ctx context.Context) error {
		out, err := p.transport.SendBatch(ctx, reqs)
		if err != nil {
			return err
		}
		resps, delivered = out, true
		// One throttled item throttles the endpoint for everyone.
		return firstRateLimit(out)
	})
	if err != nil && delivered {
		metrics.BatchErrors.WithLabelValues("rate_limited").Inc()
		p.log.Debug("Batch items rate limited", "size", len(batch), "error", err)
	}
	if !delivered {
		metrics.BatchErrors.WithLabelValues("flush").Inc()
		p.log.Debug("Batch flush failed", "size", len(batch), "error", err)
		for _, c := range batch {
			c.done <- result{err: err}
		}
		return
	}

	byID := make(map[uint64]provider.Response, len(resps))
	for _, r := range resps {
		byID[r.ID] = r
	}

	for _, c := range batch {
		r, ok := byID[c.req.ID]
		if !ok {
			metrics.BatchErrors.WithLabelValues("no_response").Inc()
			c.done <- result{err: fmt.Errorf("%s id %d: %w", c.req.Method, c.req.ID, ErrNoResponse)}
			continue
		}
		c.done <- result{raw: r.Result, err: r.Err}
	}
}

func firstRateLimit(resps []provider.Response) error {
	for _, r := range resps {
		if provider.IsRateLimited(r.Err) {
			return r.Err
		}
	}
	return nil
}

// Pending returns the number of buffered requests.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close fails buffered requests, cancels running flushes and waits for them.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	batch := p.pending
	p.pending = nil
	p.gen++
	p.mu.Unlock()

	for _, c := range batch {
		c.done <- result{err: ErrClosed}
	}
	p.cancel()
	p.wg.Wait()
	return nil
}
