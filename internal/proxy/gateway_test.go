package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcgate/internal/cache"
	"rpcgate/internal/config"
	"rpcgate/internal/credential"
	"rpcgate/internal/envelope"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/upstream"
)

// providerCall is one HTTP request seen by the fake provider.
type providerCall struct {
	key      string
	requests []*jsonrpc.Request
}

// fakeProvider answers every request with "<method>-<n>" where n counts
// requests for that method. failures lets a test script the first replies.
type fakeProvider struct {
	t        *testing.T
	mu       sync.Mutex
	calls    []providerCall
	counts   map[string]int
	failures []int
	delay    time.Duration
	rpcError map[string]*jsonrpc.Error
	// payloadError answers every call with one null-id error object.
	payloadError *jsonrpc.Error
	server       *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{t: t, counts: make(map[string]int), rpcError: make(map[string]*jsonrpc.Error)}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(p.t, err)

	reqs, isBatch, err := jsonrpc.ParseBatch(body)
	require.NoError(p.t, err)

	p.mu.Lock()
	p.calls = append(p.calls, providerCall{key: strings.TrimPrefix(r.URL.Path, "/"), requests: reqs})
	status := http.StatusOK
	if len(p.failures) > 0 {
		status = p.failures[0]
		p.failures = p.failures[1:]
	}
	responses := make([]*jsonrpc.Response, 0, len(reqs))
	if status == http.StatusOK {
		// reverse order: callers must be matched by id
		for i := len(reqs) - 1; i >= 0; i-- {
			req := reqs[i]
			if rpcErr, ok := p.rpcError[req.Method]; ok {
				responses = append(responses, jsonrpc.NewErrorResponse(req.ID, rpcErr))
				continue
			}
			p.counts[req.Method]++
			res, _ := json.Marshal(fmt.Sprintf("%s-%d", req.Method, p.counts[req.Method]))
			responses = append(responses, jsonrpc.NewResult(req.ID, res))
		}
	}
	delay := p.delay
	payloadError := p.payloadError
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if payloadError != nil {
		_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(jsonrpc.NullID(), payloadError))
		return
	}
	if isBatch {
		_ = json.NewEncoder(w).Encode(responses)
		return
	}
	_ = json.NewEncoder(w).Encode(responses[0])
}

func (p *fakeProvider) Calls() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]providerCall, len(p.calls))
	copy(out, p.calls)
	return out
}

func testConfig(p *fakeProvider, keys ...string) *config.Config {
	if len(keys) == 0 {
		keys = []string{"k1", "k2"}
	}
	cfg := config.Default(keys...)
	cfg.Upstream.EndpointTemplate = p.server.URL + "/" + upstream.KeyPlaceholder
	cfg.Credentials.RotationInterval = int(time.Hour / time.Millisecond)
	cfg.Batch.WindowDelay = 20
	cfg.Retry.BaseDelay = 1
	cfg.Retry.MaxDelay = 5
	cfg.CallerTimeout = 2000
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	logger := zerolog.Nop()

	pool, err := credential.NewPool(cfg.Credentials.Keys, credential.Config{
		RotationInterval: cfg.Credentials.GetRotationIntervalDuration(),
		ErrorThreshold:   cfg.Credentials.ErrorThreshold,
		ErrorCooldown:    cfg.Credentials.GetErrorCooldownDuration(),
	}, logger)
	require.NoError(t, err)

	store, err := cache.NewMemoryCache(cfg.Cache.Size, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	dispatcher, err := upstream.NewDispatcher(upstream.Config{
		EndpointTemplate: cfg.Upstream.EndpointTemplate,
		MaxConcurrent:    cfg.Upstream.MaxConcurrent,
		MaxTimeout:       cfg.Upstream.GetMaxTimeoutDuration(),
		Logger:           logger,
	})
	require.NoError(t, err)
	t.Cleanup(dispatcher.Close)

	g, err := NewGateway(cfg, Deps{Pool: pool, Cache: store, Dispatcher: dispatcher}, logger)
	require.NoError(t, err)
	g.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Close(ctx)
	})
	return g
}

func request(id int64, method string, params string) *jsonrpc.Request {
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method, ID: jsonrpc.IntID(id)}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func result(t *testing.T, reply Reply) string {
	t.Helper()
	require.NotNil(t, reply.Response)
	require.Nil(t, reply.Response.Error, "unexpected error %+v", reply.Response.Error)
	var s string
	require.NoError(t, json.Unmarshal(reply.Response.Result, &s))
	return s
}

func TestGateway_DuplicateCallsShareOneDispatch(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	var wg sync.WaitGroup
	replies := make([]Reply, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = g.Call(context.Background(), request(int64(100+i), "eth_blockNumber", ""), CallOptions{})
		}(i)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, p.Calls(), 1)
	assert.Equal(t, result(t, replies[0]), result(t, replies[1]))
	assert.Equal(t, "100", replies[0].Response.ID.String())
	assert.Equal(t, "101", replies[1].Response.ID.String())
	assert.Equal(t, uint64(1), g.DedupStats().Attached)
}

func TestGateway_BatchesIndependentCalls(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	addrs := []string{"0x01", "0x02", "0x03"}
	var wg sync.WaitGroup
	replies := make([]Reply, len(addrs))
	for i, a := range addrs {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			replies[i] = g.Call(context.Background(), request(int64(i), "eth_getBalance", `["`+a+`","latest"]`), CallOptions{})
		}(i, a)
	}
	wg.Wait()

	calls := p.Calls()
	require.Len(t, calls, 1, "calls inside one window go out together")
	assert.Len(t, calls[0].requests, 3)

	seen := make(map[string]bool)
	for i, r := range replies {
		assert.Equal(t, fmt.Sprint(i), r.Response.ID.String())
		seen[result(t, r)] = true
	}
	assert.Len(t, seen, 3, "each caller receives its own component")
}

func TestGateway_CachesSuccessfulReads(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	first := g.Call(context.Background(), request(1, "eth_chainId", "[]"), CallOptions{})
	assert.False(t, first.Cached())

	second := g.Call(context.Background(), request(2, "eth_chainId", ""), CallOptions{})
	assert.True(t, second.Cached(), "null and empty params share a key")
	assert.Equal(t, result(t, first), result(t, second))
	assert.Equal(t, "2", second.Response.ID.String())
	assert.Len(t, p.Calls(), 1)
}

func TestGateway_CacheHitRateCountsOneLookupPerCall(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	g.Call(context.Background(), request(1, "eth_chainId", ""), CallOptions{})
	g.Call(context.Background(), request(2, "eth_chainId", ""), CallOptions{})

	stats := g.cache.Stats()
	assert.Equal(t, cache.Stats{Hits: 1, Misses: 1}, stats)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func callConcurrently(g *Gateway, reqs ...*jsonrpc.Request) []Reply {
	var wg sync.WaitGroup
	replies := make([]Reply, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			replies[i] = g.Call(context.Background(), req, CallOptions{})
		}(i, req)
	}
	wg.Wait()
	return replies
}

func TestGateway_BatchLevelThrottleIsRetriedWithRotation(t *testing.T) {
	p := newFakeProvider(t)
	p.payloadError = jsonrpc.NewError(jsonrpc.CodeLimitExceeded, "daily limit reached")
	g := newTestGateway(t, testConfig(p, "k1", "k2"))

	replies := callConcurrently(g, request(1, "eth_gasPrice", ""), request(2, "eth_blockNumber", ""))
	for _, r := range replies {
		require.NotNil(t, r.Response.Error)
		assert.Equal(t, jsonrpc.CodeLimitExceeded, r.Response.Error.Code)
	}

	calls := p.Calls()
	require.Len(t, calls, 3, "every attempt is spent")
	assert.Len(t, calls[0].requests, 2)
	assert.NotEqual(t, calls[0].key, calls[1].key)
}

func TestGateway_BatchLevelErrorReachesEveryCaller(t *testing.T) {
	p := newFakeProvider(t)
	p.payloadError = jsonrpc.NewError(-32600, "batch too large")
	g := newTestGateway(t, testConfig(p))

	replies := callConcurrently(g, request(1, "eth_gasPrice", ""), request(2, "eth_blockNumber", ""))
	for i, r := range replies {
		require.NotNil(t, r.Response.Error)
		assert.Equal(t, "batch too large", r.Response.Error.Message)
		assert.Equal(t, fmt.Sprint(i+1), r.Response.ID.String())
	}
	assert.Len(t, p.Calls(), 1)
}

func TestGateway_ProviderErrorIsDeliveredNotCached(t *testing.T) {
	p := newFakeProvider(t)
	p.rpcError["eth_call"] = jsonrpc.NewError(3, "execution reverted")
	g := newTestGateway(t, testConfig(p))

	for i := 0; i < 2; i++ {
		reply := g.Call(context.Background(), request(int64(i), "eth_call", `[{"to":"0x01"},"latest"]`), CallOptions{})
		require.NotNil(t, reply.Response.Error)
		assert.Equal(t, 3, reply.Response.Error.Code)
		assert.Equal(t, http.StatusOK, reply.Status)
	}
	assert.Len(t, p.Calls(), 2)
}

func TestGateway_RotatesCredentialAfterRateLimit(t *testing.T) {
	p := newFakeProvider(t)
	p.failures = []int{http.StatusTooManyRequests}
	g := newTestGateway(t, testConfig(p, "k1", "k2"))

	reply := g.Call(context.Background(), request(1, "eth_gasPrice", ""), CallOptions{})
	assert.Equal(t, "eth_gasPrice-1", result(t, reply))

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].key, calls[1].key)
}

func TestGateway_ServerErrorRetriedOnce(t *testing.T) {
	p := newFakeProvider(t)
	p.failures = []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusInternalServerError}
	cfg := testConfig(p)
	cfg.Retry.MaxAttempts = 5
	g := newTestGateway(t, cfg)

	reply := g.Call(context.Background(), request(1, "eth_gasPrice", ""), CallOptions{})
	require.NotNil(t, reply.Response.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, reply.Response.Error.Code)
	assert.Len(t, p.Calls(), 2)
}

func TestGateway_CallerTimeout(t *testing.T) {
	p := newFakeProvider(t)
	p.delay = 300 * time.Millisecond
	cfg := testConfig(p)
	cfg.CallerTimeout = 50
	g := newTestGateway(t, cfg)

	reply := g.Call(context.Background(), request(1, "eth_blockNumber", ""), CallOptions{})
	assert.Equal(t, http.StatusRequestTimeout, reply.Status)
	require.NotNil(t, reply.Response.Error)
	assert.Equal(t, jsonrpc.ErrTimeout.Message, reply.Response.Error.Message)
}

func TestGateway_ClientRateLimit(t *testing.T) {
	p := newFakeProvider(t)
	cfg := testConfig(p)
	cfg.RateLimit.Client = config.LimitConfig{Limit: 2, Window: 60000, Policy: config.PolicyReject}
	g := newTestGateway(t, cfg)

	opts := CallOptions{Client: "10.0.0.1"}
	for i := 0; i < 2; i++ {
		reply := g.Call(context.Background(), request(int64(i), "eth_chainId", ""), opts)
		assert.Equal(t, http.StatusOK, reply.Status)
	}
	reply := g.Call(context.Background(), request(3, "eth_chainId", ""), opts)
	assert.Equal(t, http.StatusTooManyRequests, reply.Status)
	require.NotNil(t, reply.Response.Error)
	assert.Equal(t, jsonrpc.CodeLimitExceeded, reply.Response.Error.Code)

	other := g.Call(context.Background(), request(4, "eth_chainId", ""), CallOptions{Client: "10.0.0.2"})
	assert.Equal(t, http.StatusOK, other.Status)
}

func TestGateway_BlockedMethod(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	reply := g.Call(context.Background(), request(1, "eth_sendTransaction", "[]"), CallOptions{})
	require.NotNil(t, reply.Response.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, reply.Response.Error.Code)
	assert.Empty(t, p.Calls())
}

func TestGateway_InvalidParams(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	reply := g.Call(context.Background(), request(1, "eth_getBalance", `"0x01"`), CallOptions{})
	require.NotNil(t, reply.Response.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, reply.Response.Error.Code)
}

func TestGateway_CallBatchKeepsOrder(t *testing.T) {
	p := newFakeProvider(t)
	g := newTestGateway(t, testConfig(p))

	responses := g.CallBatch(context.Background(), []*jsonrpc.Request{
		request(1, "eth_blockNumber", ""),
		nil,
		request(3, "eth_gasPrice", ""),
	}, CallOptions{Priority: envelope.Background})

	require.Len(t, responses, 3)
	assert.Equal(t, "1", responses[0].ID.String())
	assert.Nil(t, responses[0].Error)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, responses[1].Error.Code)
	assert.Equal(t, "3", responses[2].ID.String())
	assert.Len(t, p.Calls(), 1)
}

func TestGateway_DetachedCallerDoesNotStopOthers(t *testing.T) {
	p := newFakeProvider(t)
	p.delay = 100 * time.Millisecond
	g := newTestGateway(t, testConfig(p))

	var delivered atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		reply := g.Call(context.Background(), request(1, "eth_blockNumber", ""), CallOptions{})
		delivered.Store(reply.Response.Error == nil)
	}()

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	impatient := g.Call(ctx, request(2, "eth_blockNumber", ""), CallOptions{})
	assert.Equal(t, http.StatusRequestTimeout, impatient.Status)

	<-done
	assert.True(t, delivered.Load())
	assert.Len(t, p.Calls(), 1)
}

func TestGateway_QueueOrdersCallsWhileBudgetIsExhausted(t *testing.T) {
	p := newFakeProvider(t)
	cfg := testConfig(p)
	cfg.Batch.Enabled = false
	cfg.CallerTimeout = 5000
	cfg.RateLimit.Credential = config.LimitConfig{Limit: 1, Window: 300, Policy: config.PolicyDefer}
	// one outstanding envelope at a time keeps the rest in the queue
	cfg.Queue.MaxOutstanding = 1
	g := newTestGateway(t, cfg)

	// start at the top of a window so the deferred call waits most of it
	window := 300 * time.Millisecond
	time.Sleep(time.Until(time.Now().Truncate(window).Add(window)))

	g.Call(context.Background(), request(1, "eth_blockNumber", ""), CallOptions{})

	var wg sync.WaitGroup
	call := func(id int64, method string, prio envelope.Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Call(context.Background(), request(id, method, ""), CallOptions{Priority: prio})
		}()
	}
	call(2, "eth_gasPrice", envelope.Interactive)
	require.Eventually(t, func() bool { return g.exec.budget.waiters() == 1 }, time.Second, time.Millisecond)

	call(3, "eth_chainId", envelope.Background)
	require.Eventually(t, func() bool { return g.queue.Len() == 1 }, time.Second, time.Millisecond)
	call(4, "net_version", envelope.Interactive)
	require.Eventually(t, func() bool { return g.queue.Len() == 2 }, time.Second, time.Millisecond)
	wg.Wait()

	var order []string
	for _, c := range p.Calls() {
		order = append(order, c.requests[0].Method)
	}
	assert.Equal(t, []string{"eth_blockNumber", "eth_gasPrice", "net_version", "eth_chainId"}, order)
}
