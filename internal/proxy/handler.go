package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"rpcgate/internal/envelope"
	"rpcgate/internal/jsonrpc"
)

// Header names read or written by the handler.
const (
	HeaderCache    = "X-Cache"
	HeaderPriority = "X-RPC-Priority"
)

// Handler handles HTTP JSON-RPC requests
type Handler struct {
	gateway     *Gateway
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(gateway *Gateway, maxBodySize int64, logger zerolog.Logger) *Handler {
	return &Handler{
		gateway:     gateway,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, rpcErr := h.readBody(r)
	if rpcErr != nil {
		h.writeJSONRPCError(w, jsonrpc.NullID(), rpcErr)
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatch(body)
	if err != nil {
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.ErrParse
		}
		h.writeJSONRPCError(w, jsonrpc.NullID(), rpcErr)
		return
	}

	opts := CallOptions{
		Priority: envelope.ParsePriority(r.Header.Get(HeaderPriority)),
		Client:   ClientIP(r),
	}

	if isBatch {
		responses := h.gateway.CallBatch(r.Context(), requests, opts)
		h.writeJSON(w, http.StatusOK, responses)
		return
	}

	reply := h.gateway.Call(r.Context(), requests[0], opts)
	if reply.Cached() {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	h.writeJSON(w, reply.Status, reply.Response)
}

// readBody reads at most maxBodySize bytes; 0 means unlimited.
func (h *Handler) readBody(r *http.Request) ([]byte, *jsonrpc.Error) {
	reader := io.Reader(r.Body)
	if h.maxBodySize > 0 {
		reader = io.LimitReader(r.Body, h.maxBodySize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeParseError, "failed to read request body")
	}
	if h.maxBodySize > 0 && int64(len(body)) > h.maxBodySize {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "request body too large")
	}
	return body, nil
}

// writeJSON writes a JSON-RPC response or batch of responses
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeJSONRPCError writes a JSON-RPC error response
func (h *Handler) writeJSONRPCError(w http.ResponseWriter, id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	h.writeJSON(w, http.StatusOK, jsonrpc.NewErrorResponse(id, rpcErr))
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// ClientIP identifies the caller: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
