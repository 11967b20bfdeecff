package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/credential"
	"rpcgate/internal/envelope"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/ratelimit"
	"rpcgate/internal/retry"
	"rpcgate/internal/upstream"
)

// ErrCredentialBudget is reported when a credential's local budget is spent
// under the reject policy.
var ErrCredentialBudget = errors.New("credential budget exhausted")

// Dispatcher sends one payload upstream. *upstream.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cred *credential.Credential, payload []*jsonrpc.Request, timeout time.Duration) ([]*jsonrpc.Response, error)
}

// Executor runs a flushed batch against the provider: it picks the
// credential, spends its budget, dispatches and retries per the controller.
type Executor struct {
	pool       *credential.Pool
	limiter    *ratelimit.Limiter
	dispatcher Dispatcher
	retry      *retry.Controller
	metrics    *metrics.Collector
	logger     zerolog.Logger

	budget *budgetGate
}

// NewExecutor creates a new Executor
func NewExecutor(pool *credential.Pool, limiter *ratelimit.Limiter, dispatcher Dispatcher, ctrl *retry.Controller, m *metrics.Collector, logger zerolog.Logger) *Executor {
	return &Executor{
		pool:       pool,
		limiter:    limiter,
		dispatcher: dispatcher,
		retry:      ctrl,
		metrics:    m,
		logger:     logger,
		budget:     newBudgetGate(),
	}
}

// WaitForBudget blocks while any batch is waiting for credential budget.
// Envelopes that have not been popped yet stay in the priority queue
// meanwhile, so the most urgent one goes next once budget returns.
func (e *Executor) WaitForBudget(ctx context.Context) error {
	return e.budget.wait(ctx)
}

// Execute sends payload until it succeeds or the controller gives up. The
// returned error is the last attempt's.
func (e *Executor) Execute(ctx context.Context, envs []*envelope.Envelope, payload []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	var state retry.State
	for attempt := 0; ; attempt++ {
		cred := e.pool.Current()

		responses, err := e.executeOnce(ctx, cred, payload, attempt)
		if err == nil {
			return responses, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		var uerr *upstream.Error
		if errors.As(err, &uerr) && uerr.Class == upstream.ClassServerError {
			state.ServerErrors++
		}
		state.Attempt = attempt
		d := e.retry.Decide(state, err)
		if d.Rotate {
			e.rotate(cred, uerr)
		}
		if !d.Retry {
			return nil, err
		}

		e.logger.Warn().
			Int("attempt", attempt+1).
			Int("maxAttempts", e.retry.MaxAttempts()).
			Err(err).
			Str("credential", cred.ID).
			Int("requests", len(payload)).
			Bool("rotate", d.Rotate).
			Dur("delay", d.Delay).
			Msg("request failed, retrying")

		for _, env := range envs {
			_, _ = env.Fire(envelope.EventRetry)
		}
		if err := sleep(ctx, d.Delay); err != nil {
			return nil, err
		}
		for _, env := range envs {
			_, _ = env.Fire(envelope.EventDispatch)
		}
	}
}

// executeOnce spends the credential budget and performs one upstream call.
func (e *Executor) executeOnce(ctx context.Context, cred *credential.Credential, payload []*jsonrpc.Request, attempt int) ([]*jsonrpc.Response, error) {
	if err := e.acquire(ctx, cred, len(payload)); err != nil {
		return nil, err
	}

	responses, err := e.dispatcher.Dispatch(ctx, cred, payload, e.retry.AttemptTimeout(attempt))
	e.pool.RecordOutcome(cred.ID, err == nil)
	if err != nil {
		result := "error"
		var uerr *upstream.Error
		if errors.As(err, &uerr) {
			result = uerr.Class.String()
		}
		e.metrics.ObserveUpstream(cred.ID, result)
		e.logger.Debug().
			Err(err).
			Str("credential", cred.ID).
			Int("attempt", attempt+1).
			Int("requests", len(payload)).
			Msg("batch request failed")
		return nil, err
	}
	e.metrics.ObserveUpstream(cred.ID, metrics.ResultOK)
	return responses, nil
}

// acquire spends n units of the credential's window budget. Under the defer
// policy it waits for the next window; under reject it fails with a
// rate-limited error so the controller rotates away from the credential.
func (e *Executor) acquire(ctx context.Context, cred *credential.Credential, n int) error {
	if e.limiter == nil || !e.limiter.Enabled() {
		return nil
	}
	d := e.limiter.TryAcquireN(cred.ID, int64(n))
	switch d.Result {
	case ratelimit.Allowed:
		return nil
	case ratelimit.Deferred:
		e.metrics.IncRateLimited("credential", d.Result.String())
		e.budget.enter()
		defer e.budget.leave()
		if err := e.limiter.Wait(ctx, cred.ID, int64(n)); err != nil {
			return &upstream.Error{Class: upstream.ClassCanceled, Credential: cred.ID, Err: err}
		}
		return nil
	default:
		e.metrics.IncRateLimited("credential", d.Result.String())
		return &upstream.Error{
			Class:      upstream.ClassRateLimited,
			Credential: cred.ID,
			RetryAfter: d.RetryAfter,
			Err:        ErrCredentialBudget,
		}
	}
}

// rotate takes cred out of selection, for the provider's Retry-After when given.
func (e *Executor) rotate(cred *credential.Credential, uerr *upstream.Error) {
	if e.pool.Len() < 2 {
		return
	}
	if uerr != nil && uerr.RetryAfter > 0 {
		e.pool.ExcludeUntil(cred.ID, time.Now().Add(uerr.RetryAfter))
		return
	}
	e.pool.Exclude(cred.ID)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// budgetGate is open while no batch waits for credential budget.
type budgetGate struct {
	mu      sync.Mutex
	waiting int
	open    chan struct{}
}

func newBudgetGate() *budgetGate {
	open := make(chan struct{})
	close(open)
	return &budgetGate{open: open}
}

func (g *budgetGate) enter() {
	g.mu.Lock()
	g.waiting++
	if g.waiting == 1 {
		g.open = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *budgetGate) leave() {
	g.mu.Lock()
	g.waiting--
	if g.waiting == 0 {
		close(g.open)
	}
	g.mu.Unlock()
}

func (g *budgetGate) waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

func (g *budgetGate) wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
