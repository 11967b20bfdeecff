package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/proxy"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024 * 1024 // 10MB
)

// Client represents a WebSocket client connection
type Client struct {
	conn    *websocket.Conn
	gateway *proxy.Gateway
	opts    proxy.CallOptions
	logger  zerolog.Logger

	sendChan    chan []byte
	sendTimeout time.Duration
	closeChan   chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, gateway *proxy.Gateway, opts proxy.CallOptions, logger zerolog.Logger) *Client {
	return &Client{
		conn:      conn,
		gateway:   gateway,
		opts:      opts,
		logger:    logger,
		sendChan:    make(chan []byte, 256),
		sendTimeout: writeWait,
		closeChan:   make(chan struct{}),
	}
}

// Run starts the client read and write loops. It returns once the
// connection is closed and every pending request has been answered.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump(ctx)

	c.readPump(ctx)
	cancel()
	c.inflight.Wait()
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		// requests resolve independently; answers go out as they complete
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.handleMessage(ctx, data)
		}()
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	requests, isBatch, err := jsonrpc.ParseBatch(data)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.ErrParse
		}
		c.sendJSON(jsonrpc.NewErrorResponse(jsonrpc.NullID(), rpcErr))
		return
	}

	if isBatch {
		c.sendJSON(c.gateway.CallBatch(ctx, requests, c.opts))
		return
	}
	c.sendJSON(c.gateway.Call(ctx, requests[0], c.opts).Response)
}

// sendJSON marshals and queues a response or batch of responses
func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}
	c.send(data)
}

// send queues data for the write loop. A client that stops reading would
// lose replies, so once the queue stays full past sendTimeout the
// connection is closed instead.
func (c *Client) send(data []byte) {
	select {
	case c.sendChan <- data:
		return
	case <-c.closeChan:
		return
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.sendTimeout).Msg("send channel full, closing slow client")
		c.Close()
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
