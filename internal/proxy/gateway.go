// Package proxy turns caller JSON-RPC requests into as few upstream calls
// as possible: cache, in-flight dedup, priority queue, batch windows,
// credential rotation and retries are stitched together here.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/batcher"
	"rpcgate/internal/cache"
	"rpcgate/internal/config"
	"rpcgate/internal/credential"
	"rpcgate/internal/envelope"
	"rpcgate/internal/inflight"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/normalize"
	"rpcgate/internal/queue"
	"rpcgate/internal/ratelimit"
	"rpcgate/internal/retry"
	"rpcgate/internal/upstream"
)

// Sources label where a reply came from.
const (
	SourceCache    = "cache"
	SourceDedup    = "dedup"
	SourceUpstream = "upstream"
	SourceLocal    = "local"
)

// CallOptions describe the caller of one request.
type CallOptions struct {
	Priority envelope.Priority
	// Client identifies the caller for the client rate limit; empty skips it.
	Client string
}

// Reply is the gateway's answer to one request.
type Reply struct {
	Response *jsonrpc.Response
	// Status is the HTTP status a lone request should be answered with.
	Status int
	Source string
}

// Cached reports whether the reply was served from the cache.
func (r Reply) Cached() bool {
	return r.Source == SourceCache
}

// Deps are the collaborators the gateway does not build itself.
type Deps struct {
	Pool       *credential.Pool
	Cache      cache.Store
	Dispatcher Dispatcher
	Metrics    *metrics.Collector
}

// Gateway is the request pipeline.
type Gateway struct {
	callerTimeout time.Duration
	blocked       map[string]bool

	pool          *credential.Pool
	cache         cache.Store
	ttl           *cache.TTLPolicy
	registry      *inflight.Registry
	queue         *queue.Queue
	scheduler     *batcher.Scheduler
	exec          *Executor
	clientLimiter *ratelimit.Limiter
	credLimiter   *ratelimit.Limiter
	metrics       *metrics.Collector
	logger        zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	stopOnce sync.Once
}

// NewGateway wires the pipeline from configuration. Start must be called
// before requests are served.
func NewGateway(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Gateway, error) {
	if deps.Pool == nil || deps.Dispatcher == nil {
		return nil, errors.New("gateway needs a credential pool and a dispatcher")
	}
	logger = logger.With().Str("component", "proxy").Logger()

	clientLimiter, err := ratelimit.New("client", limiterConfig(cfg.RateLimit.Client), cfg.RateLimit.MaxSubjects, logger)
	if err != nil {
		return nil, fmt.Errorf("client limiter: %w", err)
	}
	credLimiter, err := ratelimit.New("credential", limiterConfig(cfg.RateLimit.Credential), cfg.RateLimit.MaxSubjects, logger)
	if err != nil {
		return nil, fmt.Errorf("credential limiter: %w", err)
	}

	store := deps.Cache
	if store == nil || !cfg.Cache.Enabled {
		store = cache.NewNoopCache()
	}

	ctrl := retry.NewController(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.GetBaseDelayDuration(),
		MaxDelay:    cfg.Retry.GetMaxDelayDuration(),
		Multiplier:  cfg.Retry.Multiplier,
		BaseTimeout: cfg.Upstream.GetTimeoutDuration(),
		MaxTimeout:  cfg.Upstream.GetMaxTimeoutDuration(),
	})
	exec := NewExecutor(deps.Pool, credLimiter, deps.Dispatcher, ctrl, deps.Metrics, logger)

	// a batch larger than one credential window could never be admitted
	maxSize := cfg.Batch.MaxSize
	if credLimiter.Enabled() && int64(maxSize) > credLimiter.Limit() {
		maxSize = int(credLimiter.Limit())
	}

	pool := deps.Pool
	sched := batcher.NewScheduler(batcher.Config{
		Enabled:         cfg.Batch.Enabled,
		WindowDelay:     cfg.Batch.GetWindowDelayDuration(),
		MaxSize:         maxSize,
		ExcludedMethods: cfg.Batch.ExcludedMethods,
		MaxOutstanding:  cfg.Queue.MaxOutstanding,
		Lane:            func() string { return pool.Current().ID },
		Observer:        deps.Metrics,
	}, exec, logger)

	blocked := make(map[string]bool, len(cfg.BlockedMethods))
	for _, m := range cfg.BlockedMethods {
		blocked[m] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		callerTimeout: cfg.GetCallerTimeoutDuration(),
		blocked:       blocked,
		pool:          pool,
		cache:         store,
		ttl:           cache.NewTTLPolicy(cfg.Cache.TTLTable()),
		registry:      inflight.NewRegistry(),
		queue:         queue.New(cfg.Queue.GetAgingIntervalDuration()),
		scheduler:     sched,
		exec:          exec,
		clientLimiter: clientLimiter,
		credLimiter:   credLimiter,
		metrics:       deps.Metrics,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		pumpDone:      make(chan struct{}),
	}, nil
}

func limiterConfig(c config.LimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Limit:  c.Limit,
		Window: c.GetWindowDuration(),
		Policy: ratelimit.Policy(c.Policy),
	}
}

// Start runs the pump that moves envelopes from the queue into batch windows.
func (g *Gateway) Start() {
	go g.pump()
}

// pump takes an envelope off the queue only when it can move on at once:
// one is waiting, no batch is waiting for credential budget and the
// scheduler has a free slot. Until then envelopes stay in the queue,
// ordered by priority.
func (g *Gateway) pump() {
	defer close(g.pumpDone)
	for {
		if err := g.queue.Wait(g.ctx); err != nil {
			return
		}
		if err := g.exec.WaitForBudget(g.ctx); err != nil {
			return
		}
		if err := g.scheduler.Reserve(g.ctx); err != nil {
			return
		}
		env, err := g.queue.Pop(g.ctx)
		if err != nil {
			g.scheduler.Unreserve()
			return
		}
		if err := g.scheduler.SubmitReserved(env); err != nil {
			env.Finish(envelope.Outcome{Err: err})
		}
		g.metrics.SetQueueDepth(g.queue.Len())
	}
}

// drainQueue fails envelopes left behind when the pump stopped early.
func (g *Gateway) drainQueue() {
	for {
		env, err := g.queue.Pop(context.Background())
		if err != nil {
			return
		}
		env.Finish(envelope.Outcome{Err: queue.ErrClosed})
	}
}

// Close stops admitting envelopes, flushes what is queued and waits for
// in-flight batches or ctx, whichever ends first.
func (g *Gateway) Close(ctx context.Context) {
	g.stopOnce.Do(func() {
		g.queue.Close()
		select {
		case <-g.pumpDone:
		case <-ctx.Done():
			g.cancel()
			<-g.pumpDone
		}
		g.drainQueue()
		g.scheduler.Close(ctx)
		g.cancel()
	})
}

// Call serves one request. It never returns a nil Response.
func (g *Gateway) Call(ctx context.Context, req *jsonrpc.Request, opts CallOptions) Reply {
	start := time.Now()
	reply := g.call(ctx, req, opts)
	g.metrics.ObserveRequest(req.Method, reply.Source, time.Since(start).Seconds())
	return reply
}

// CallBatch serves every request of an inbound batch concurrently. A nil
// entry stands for a malformed element and yields an invalid request error.
// Replies come back in request order.
func (g *Gateway) CallBatch(ctx context.Context, reqs []*jsonrpc.Request, opts CallOptions) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		if req == nil {
			responses[i] = jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.ErrInvalidRequest)
			continue
		}
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			responses[i] = g.Call(ctx, req, opts).Response
		}(i, req)
	}
	wg.Wait()
	return responses
}

func (g *Gateway) call(ctx context.Context, req *jsonrpc.Request, opts CallOptions) Reply {
	if rpcErr := req.Validate(); rpcErr != nil {
		return g.local(req.ID, rpcErr, http.StatusOK)
	}
	if g.blocked[req.Method] {
		return g.local(req.ID, jsonrpc.ErrMethodNotFound, http.StatusOK)
	}

	if g.callerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callerTimeout)
		defer cancel()
	}

	if reply, ok := g.admitClient(ctx, req, opts.Client); !ok {
		return reply
	}

	key, err := normalize.Canonicalize(req.Method, req.Params)
	if err != nil {
		return g.local(req.ID, jsonrpc.ErrInvalidParams, http.StatusOK)
	}

	cacheable := g.ttl.Cacheable(req.Method)
	if cacheable {
		if raw, ok := g.cache.Get(key); ok {
			g.logger.Debug().Str("method", req.Method).Msg("cache hit")
			return Reply{Response: jsonrpc.NewResult(req.ID, raw), Status: http.StatusOK, Source: SourceCache}
		}
	}

	source := SourceUpstream
	call, first := g.registry.Admit(key)
	if first {
		g.dispatch(call, key, req, opts.Priority, cacheable)
	} else {
		source = SourceDedup
		g.metrics.IncDeduplicated()
	}

	outcome, err := call.Wait(ctx)
	if err != nil {
		g.logger.Debug().Str("method", req.Method).Err(err).Msg("caller gave up waiting")
		return g.local(req.ID, jsonrpc.ErrTimeout, http.StatusRequestTimeout)
	}
	if outcome.FromCache {
		source = SourceCache
	}
	return g.reply(req.ID, outcome, source)
}

// admitClient applies the per-client budget.
func (g *Gateway) admitClient(ctx context.Context, req *jsonrpc.Request, client string) (Reply, bool) {
	if client == "" || !g.clientLimiter.Enabled() {
		return Reply{}, true
	}
	d := g.clientLimiter.TryAcquire(client)
	switch d.Result {
	case ratelimit.Allowed:
		return Reply{}, true
	case ratelimit.Deferred:
		g.metrics.IncRateLimited("client", d.Result.String())
		if err := g.clientLimiter.Wait(ctx, client, 1); err != nil {
			return g.local(req.ID, jsonrpc.ErrTimeout, http.StatusRequestTimeout), false
		}
		return Reply{}, true
	default:
		g.metrics.IncRateLimited("client", d.Result.String())
		rpcErr := jsonrpc.ErrRateLimited.WithData(map[string]interface{}{
			"retryAfterMs": d.RetryAfter.Milliseconds(),
		})
		return g.local(req.ID, rpcErr, http.StatusTooManyRequests), false
	}
}

// dispatch creates the envelope for a call this caller owns. The cache is
// peeked once more because a resolution may have landed between the first
// lookup and admission; the peek is not counted as a second lookup.
func (g *Gateway) dispatch(call *inflight.Call, key string, req *jsonrpc.Request, priority envelope.Priority, cacheable bool) {
	if cacheable {
		if raw, ok := g.cache.Peek(key); ok {
			g.registry.Resolve(call, envelope.Outcome{Result: raw, FromCache: true}, nil)
			return
		}
	}

	method := req.Method
	env := envelope.New(key, method, req.Params, priority, func(o envelope.Outcome) {
		g.registry.Resolve(call, o, func() {
			if !cacheable || !o.Succeeded() {
				return
			}
			if ttl, ok := g.ttl.TTL(method); ok {
				g.cache.Put(key, o.Result, ttl)
			}
		})
	})
	call.Bind(env)

	if err := g.queue.Push(env); err != nil {
		env.Finish(envelope.Outcome{Err: err})
		return
	}
	g.metrics.SetQueueDepth(g.queue.Len())
}

func (g *Gateway) local(id jsonrpc.ID, rpcErr *jsonrpc.Error, status int) Reply {
	return Reply{Response: jsonrpc.NewErrorResponse(id, rpcErr), Status: status, Source: SourceLocal}
}

// reply maps an outcome onto the caller's id.
func (g *Gateway) reply(id jsonrpc.ID, o envelope.Outcome, source string) Reply {
	switch {
	case o.Succeeded():
		return Reply{Response: jsonrpc.NewResult(id, o.Result), Status: http.StatusOK, Source: source}
	case o.RPCError != nil:
		return Reply{Response: jsonrpc.NewErrorResponse(id, o.RPCError), Status: http.StatusOK, Source: source}
	default:
		return Reply{Response: jsonrpc.NewErrorResponse(id, errorFor(o.Err)), Status: http.StatusOK, Source: source}
	}
}

// errorFor turns a terminal dispatch failure into the error callers see.
func errorFor(err error) *jsonrpc.Error {
	var uerr *upstream.Error
	if !errors.As(err, &uerr) {
		return jsonrpc.ErrInternal.WithData(err.Error())
	}
	switch uerr.Class {
	case upstream.ClassRateLimited:
		return jsonrpc.ErrRateLimited
	case upstream.ClassTimeout:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "Upstream timeout")
	case upstream.ClassClientError:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "Upstream rejected request").WithData(map[string]interface{}{
			"status": uerr.StatusCode,
			"body":   uerr.Body,
		})
	default:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "Upstream request failed").WithData(uerr.Class.String())
	}
}

// Limiters returns the client and credential limiters.
func (g *Gateway) Limiters() []*ratelimit.Limiter {
	return []*ratelimit.Limiter{g.clientLimiter, g.credLimiter}
}

// QueueDepth counts envelopes waiting in the queue or in open batch windows.
func (g *Gateway) QueueDepth() int {
	return g.queue.Len() + g.scheduler.Pending()
}

// InFlight returns the number of distinct keys being dispatched.
func (g *Gateway) InFlight() int {
	return g.registry.Len()
}

// DedupStats returns the in-flight registry counters.
func (g *Gateway) DedupStats() inflight.Stats {
	return g.registry.Stats()
}
