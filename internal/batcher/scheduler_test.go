package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcgate/internal/envelope"
	"rpcgate/internal/jsonrpc"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   [][]*jsonrpc.Request
	err     error
	respond func(payload []*jsonrpc.Request) []*jsonrpc.Response
	block   chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, envs []*envelope.Envelope, payload []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.respond != nil {
		return f.respond(payload), nil
	}
	return echo(payload), nil
}

func (f *fakeExecutor) Calls() [][]*jsonrpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]*jsonrpc.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// echo answers every request with its method name, in reverse order.
func echo(payload []*jsonrpc.Request) []*jsonrpc.Response {
	out := make([]*jsonrpc.Response, 0, len(payload))
	for i := len(payload) - 1; i >= 0; i-- {
		res, _ := json.Marshal(payload[i].Method)
		out = append(out, jsonrpc.NewResult(payload[i].ID, res))
	}
	return out
}

type collector struct {
	mu       sync.Mutex
	outcomes map[string]envelope.Outcome
	wg       sync.WaitGroup
}

func newCollector() *collector {
	return &collector{outcomes: make(map[string]envelope.Outcome)}
}

func (c *collector) envelope(method string) *envelope.Envelope {
	c.wg.Add(1)
	return envelope.New(method+":key", method, json.RawMessage(`[]`), envelope.Interactive, func(o envelope.Outcome) {
		c.mu.Lock()
		c.outcomes[method] = o
		c.mu.Unlock()
		c.wg.Done()
	})
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcomes")
	}
}

func (c *collector) get(method string) envelope.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[method]
}

func newTestScheduler(cfg Config, exec Executor) *Scheduler {
	return NewScheduler(cfg, exec, zerolog.Nop())
}

func TestScheduler_FlushesOnTimer(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: 20 * time.Millisecond, MaxSize: 10}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	for _, m := range []string{"eth_blockNumber", "eth_chainId", "eth_gasPrice"} {
		require.NoError(t, s.Submit(context.Background(), c.envelope(m)))
	}
	assert.Equal(t, 3, s.Pending())
	c.wait(t)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 3)
	assert.Equal(t, "eth_blockNumber", calls[0][0].Method)
	assert.Equal(t, "eth_gasPrice", calls[0][2].Method)

	for _, m := range []string{"eth_blockNumber", "eth_chainId", "eth_gasPrice"} {
		o := c.get(m)
		require.True(t, o.Succeeded())
		assert.JSONEq(t, `"`+m+`"`, string(o.Result), "responses are matched by id, not position")
	}
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_FlushesWhenFull(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 2}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("b")))
	c.wait(t)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 2)
}

func TestScheduler_UpstreamIDsAreUnique(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 2}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	for _, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Submit(context.Background(), c.envelope(m)))
	}
	c.wait(t)

	seen := make(map[int64]bool)
	for _, call := range exec.Calls() {
		for _, req := range call {
			id, ok := req.ID.Int()
			require.True(t, ok)
			assert.False(t, seen[id], "id %d reused", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 4)
}

func TestScheduler_ExcludedMethodDispatchesAlone(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{
		Enabled:         true,
		WindowDelay:     30 * time.Millisecond,
		MaxSize:         10,
		ExcludedMethods: []string{"eth_sendRawTransaction"},
	}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("eth_sendRawTransaction")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("eth_call")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("eth_getBalance")))
	c.wait(t)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	sizes := []int{len(calls[0]), len(calls[1])}
	assert.ElementsMatch(t, []int{1, 2}, sizes)
}

func TestScheduler_DisabledDispatchesEachAlone(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{Enabled: false, WindowDelay: time.Hour, MaxSize: 50}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("b")))
	c.wait(t)

	for _, call := range exec.Calls() {
		assert.Len(t, call, 1)
	}
	assert.Len(t, exec.Calls(), 2)
}

func TestScheduler_LanesAreSeparate(t *testing.T) {
	exec := &fakeExecutor{}
	lane := "key-1"
	var mu sync.Mutex
	s := newTestScheduler(Config{
		Enabled:     true,
		WindowDelay: 20 * time.Millisecond,
		MaxSize:     10,
		Lane: func() string {
			mu.Lock()
			defer mu.Unlock()
			return lane
		},
	}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	mu.Lock()
	lane = "key-2"
	mu.Unlock()
	require.NoError(t, s.Submit(context.Background(), c.envelope("b")))
	c.wait(t)

	assert.Len(t, exec.Calls(), 2)
}

func TestScheduler_MissingResponseFailsOnlyThatEnvelope(t *testing.T) {
	exec := &fakeExecutor{respond: func(payload []*jsonrpc.Request) []*jsonrpc.Response {
		return echo(payload[:1])
	}}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 2}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("b")))
	c.wait(t)

	assert.True(t, c.get("a").Succeeded())
	assert.ErrorIs(t, c.get("b").Err, ErrMissingResponse)
}

func TestScheduler_ProviderErrorStaysPerItem(t *testing.T) {
	exec := &fakeExecutor{respond: func(payload []*jsonrpc.Request) []*jsonrpc.Response {
		out := echo(payload)
		for _, r := range out {
			if id, _ := r.ID.Int(); id == mustInt(payload[1].ID) {
				r.Result = nil
				r.Error = jsonrpc.NewError(-32000, "execution reverted")
			}
		}
		return out
	}}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 2}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("b")))
	c.wait(t)

	assert.True(t, c.get("a").Succeeded())
	b := c.get("b")
	require.NotNil(t, b.RPCError)
	assert.Equal(t, -32000, b.RPCError.Code)
	assert.NoError(t, b.Err)
}

func mustInt(id jsonrpc.ID) int64 {
	n, _ := id.Int()
	return n
}

func TestScheduler_TransportErrorFailsEveryEnvelope(t *testing.T) {
	boom := errors.New("boom")
	exec := &fakeExecutor{err: boom}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 2}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	require.NoError(t, s.Submit(context.Background(), c.envelope("b")))
	c.wait(t)

	assert.ErrorIs(t, c.get("a").Err, boom)
	assert.ErrorIs(t, c.get("b").Err, boom)
}

func TestScheduler_CancelledEnvelopeIsSkipped(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: 20 * time.Millisecond, MaxSize: 10}, exec)
	defer s.Close(context.Background())

	c := newCollector()
	gone := c.envelope("gone")
	c.wg.Done() // never resolved
	require.NoError(t, s.Submit(context.Background(), c.envelope("kept")))
	require.NoError(t, s.Submit(context.Background(), gone))
	require.True(t, gone.Cancel())
	c.wait(t)

	time.Sleep(10 * time.Millisecond)
	calls := exec.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, "kept", calls[0][0].Method)
	assert.Equal(t, envelope.Cancelled, gone.State())
}

func TestScheduler_CloseFlushesOpenWindows(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 10}, exec)

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))
	s.Close(context.Background())
	c.wait(t)

	assert.True(t, c.get("a").Succeeded())
	err := s.Submit(context.Background(), envelope.New("k", "b", nil, envelope.Interactive, nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_MaxOutstandingBlocksSubmit(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{})}
	s := newTestScheduler(Config{Enabled: true, WindowDelay: time.Hour, MaxSize: 1, MaxOutstanding: 1}, exec)

	c := newCollector()
	require.NoError(t, s.Submit(context.Background(), c.envelope("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, envelope.New("k", "b", nil, envelope.Interactive, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(exec.block)
	c.wait(t)
	s.Close(context.Background())
}
