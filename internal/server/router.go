// Package server wires the gateway into an HTTP server.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"rpcgate/internal/jsonrpc"
)

// Header names set on every response.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderResponseTime = "X-Response-Time"
)

// RouterConfig lists the handlers mounted by NewRouter. Nil handlers are not mounted.
type RouterConfig struct {
	RPC     http.Handler
	WS      http.Handler
	Health  http.Handler
	Metrics http.Handler

	CORSOrigin string
	// MaxInboundRPS caps requests across all callers; 0 disables the cap.
	MaxInboundRPS int64
}

// NewRouter builds the HTTP routes:
//
//	POST /, POST /rpc   JSON-RPC
//	GET  /ws            JSON-RPC over WebSocket
//	GET  /health, /status
//	GET  /metrics
func NewRouter(cfg RouterConfig, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(logger.With().Str("component", "http").Logger()))
	r.Use(hlog.RequestIDHandler("requestId", HeaderRequestID))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(cors(cfg.CORSOrigin))

	if cfg.RPC != nil {
		rpc := responseTime(cfg.RPC)
		if cfg.MaxInboundRPS > 0 {
			rpc = throttle(cfg.MaxInboundRPS)(rpc)
		}
		r.Post("/", rpc.ServeHTTP)
		r.Post("/rpc", rpc.ServeHTTP)
	}
	if cfg.WS != nil {
		r.Get("/ws", cfg.WS.ServeHTTP)
	}
	if cfg.Health != nil {
		r.Get("/health", cfg.Health.ServeHTTP)
		r.Get("/status", cfg.Health.ServeHTTP)
	}
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.ServeHTTP)
	}
	return r
}

// cors answers preflight requests and marks every response as readable
// from origin. An empty origin disables CORS headers.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-RPC-Priority, X-Request-ID")
				h.Set("Access-Control-Expose-Headers", "X-Cache, X-Response-Time, X-Request-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseTime sets X-Response-Time just before the header is written.
func responseTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&timingWriter{ResponseWriter: w, start: time.Now()}, r)
	})
}

type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (tw *timingWriter) WriteHeader(code int) {
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.Header().Set(HeaderResponseTime, strconv.FormatInt(time.Since(tw.start).Milliseconds(), 10)+"ms")
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timingWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (tw *timingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

// throttle caps inbound JSON-RPC traffic with a token bucket refilled maxRPS times a second.
func throttle(maxRPS int64) func(http.Handler) http.Handler {
	bucket := ratelimit.NewBucket(time.Second/time.Duration(maxRPS), maxRPS)
	body := []byte(`{"jsonrpc":"2.0","error":{"code":` + strconv.Itoa(jsonrpc.CodeLimitExceeded) + `,"message":"` + jsonrpc.ErrRateLimited.Message + `"},"id":null}`)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bucket.TakeAvailable(1) < 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(body)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
