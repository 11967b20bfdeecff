package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcgate/internal/jsonrpc"
)

func serve(h http.Handler, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_SingleRequest(t *testing.T) {
	p := newFakeProvider(t)
	h := NewHandler(newTestGateway(t, testConfig(p)), 1<<20, zerolog.Nop())

	rec := serve(h, http.MethodPost, `{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":"a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":"eth_chainId-1","id":"a"}`, rec.Body.String())

	rec = serve(h, http.MethodPost, `{"jsonrpc":"2.0","method":"eth_chainId","id":7}`)
	assert.Equal(t, "HIT", rec.Header().Get(HeaderCache))
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":"eth_chainId-1","id":7}`, rec.Body.String())
}

func TestHandler_BatchMirrorsShape(t *testing.T) {
	p := newFakeProvider(t)
	h := NewHandler(newTestGateway(t, testConfig(p)), 1<<20, zerolog.Nop())

	rec := serve(h, http.MethodPost, `[
		{"jsonrpc":"2.0","method":"eth_blockNumber","id":1},
		{"jsonrpc":"2.0","method":"eth_sign","params":[],"id":2},
		{"jsonrpc":"2.0","method":"eth_gasPrice","id":3}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var responses []*jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 3)
	assert.Equal(t, "1", responses[0].ID.String())
	assert.Nil(t, responses[0].Error)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, responses[1].Error.Code)
	assert.Equal(t, "3", responses[2].ID.String())
}

func TestHandler_Errors(t *testing.T) {
	p := newFakeProvider(t)
	h := NewHandler(newTestGateway(t, testConfig(p)), 64, zerolog.Nop())

	tests := []struct {
		name   string
		method string
		body   string
		status int
		code   int
	}{
		{name: "parse error", method: http.MethodPost, body: `{"jsonrpc":`, status: http.StatusOK, code: jsonrpc.CodeParseError},
		{name: "empty batch", method: http.MethodPost, body: `[]`, status: http.StatusOK, code: jsonrpc.CodeInvalidRequest},
		{name: "wrong version", method: http.MethodPost, body: `{"jsonrpc":"1.0","method":"x","id":1}`, status: http.StatusOK, code: jsonrpc.CodeInvalidRequest},
		{name: "too large", method: http.MethodPost, body: `{"jsonrpc":"2.0","method":"eth_call","params":[` + strings.Repeat(`1,`, 40) + `1],"id":1}`, status: http.StatusOK, code: jsonrpc.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.method, tt.body)
			require.Equal(t, tt.status, rec.Code)
			var resp jsonrpc.Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	rec := serve(h, http.MethodGet, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_RateLimitedSingleGets429(t *testing.T) {
	p := newFakeProvider(t)
	cfg := testConfig(p)
	cfg.RateLimit.Client.Limit = 1
	h := NewHandler(newTestGateway(t, cfg), 1<<20, zerolog.Nop())

	body := `{"jsonrpc":"2.0","method":"eth_chainId","id":1}`
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, body).Code)
	rec := serve(h, http.MethodPost, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":-32005`)

	// batches always answer 200 with per-item errors
	rec = serve(h, http.MethodPost, `[`+body+`]`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":-32005`)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded first hop", headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, remote: "9.9.9.9:1", want: "1.1.1.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "3.3.3.3"}, remote: "9.9.9.9:1", want: "3.3.3.3"},
		{name: "remote addr", remote: "9.9.9.9:1234", want: "9.9.9.9"},
		{name: "remote without port", remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
