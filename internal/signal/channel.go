package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/config"
)

var (
	// ErrConnectionLost is terminal: reconnection attempts are exhausted and
	// the channel will never deliver again.
	ErrConnectionLost = errors.New("signal: connection lost")

	// ErrBufferFull reports send-side backpressure to non-blocking senders.
	ErrBufferFull = errors.New("signal: send buffer full")

	// ErrChannelClosed reports use after Close.
	ErrChannelClosed = errors.New("signal: channel closed")
)

// TokenFunc supplies the current bearer token. It is called on every dial so
// a refreshed token is re-presented on reconnect.
type TokenFunc func() (string, error)

// EventHandler receives the raw payload of one event.
type EventHandler func(payload json.RawMessage)

// LifecycleKind enumerates connection lifecycle transitions.
type LifecycleKind int

const (
	LifecycleDisconnected LifecycleKind = iota
	LifecycleReconnected
	LifecycleLost
)

// LifecycleEvent notifies subscribers of connection-level transitions.
type LifecycleEvent struct {
	Kind LifecycleKind
	Err  error
}

// envelope is the incoming wire format: method names the event, params holds
// the payload. Outgoing frames are jsonrpc2.Request values with the same shape.
type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Channel is a single namespaced, authenticated signaling connection. It owns
// its reconnection lifecycle; event handlers registered on it are keyed to the
// Channel instance and guarded by a connection epoch, so frames read by a
// superseded websocket are never dispatched.
type Channel struct {
	namespace Namespace
	url       string
	tokenFn   TokenFunc
	cfg       config.SignalConfig
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	epoch     uint64
	handlers  map[string]map[int64]EventHandler
	lifecycle map[int64]func(LifecycleEvent)
	nextID    int64
	closed    bool
	lost      bool

	sendCh chan []byte
	done   chan struct{}
}

func newChannel(baseURL string, ns Namespace, tokenFn TokenFunc, cfg config.SignalConfig, logger *zap.Logger) *Channel {
	return &Channel{
		namespace: ns,
		url:       fmt.Sprintf("%s/%s", baseURL, ns),
		tokenFn:   tokenFn,
		cfg:       cfg,
		logger:    logger.Named(string(ns)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		handlers:  make(map[string]map[int64]EventHandler),
		lifecycle: make(map[int64]func(LifecycleEvent)),
		sendCh:    make(chan []byte, cfg.SendBufferSize),
		done:      make(chan struct{}),
	}
}

// Connect dials the namespace and starts the read and write loops.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.namespace, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	go c.readLoop(conn, epoch)
	go c.writeLoop()

	c.logger.Info("Connected", zap.String("url", c.url))
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokenFn()
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// On registers a handler for an event name and returns its registration ID.
// Handlers survive reconnects: they belong to the Channel, not to any one
// websocket. Off or Close removes them.
func (c *Channel) On(event string, h EventHandler) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int64]EventHandler)
	}
	c.handlers[event][id] = h
	return id
}

// Off removes a handler registration.
func (c *Channel) Off(event string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hs, ok := c.handlers[event]; ok {
		delete(hs, id)
	}
}

// OnLifecycle registers for connection-level transitions.
func (c *Channel) OnLifecycle(h func(LifecycleEvent)) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.lifecycle[id] = h
	return id
}

// OffLifecycle removes a lifecycle registration.
func (c *Channel) OffLifecycle(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lifecycle, id)
}

// Send queues an event for delivery, blocking while the buffer is full.
// Delivery is at-most-once: frames queued before a drop may be lost.
func (c *Channel) Send(event string, payload interface{}) error {
	data, err := c.encode(event, payload)
	if err != nil {
		return err
	}
	if err := c.sendable(); err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// TrySend queues an event without blocking; ErrBufferFull signals
// backpressure to the caller.
func (c *Channel) TrySend(event string, payload interface{}) error {
	data, err := c.encode(event, payload)
	if err != nil {
		return err
	}
	if err := c.sendable(); err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrBufferFull
	}
}

// Buffered reports how many frames are queued but unsent.
func (c *Channel) Buffered() int { return len(c.sendCh) }

func (c *Channel) sendable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.lost {
		return ErrConnectionLost
	}
	return nil
}

func (c *Channel) encode(event string, payload interface{}) ([]byte, error) {
	var params *json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		rm := json.RawMessage(raw)
		params = &rm
	}

	req := &jsonrpc2.Request{
		Method: event,
		Params: params,
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return data, nil
}

// Close tears the channel down and removes every handler so nothing can fire
// against a stale instance.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[string]map[int64]EventHandler)
	c.lifecycle = make(map[int64]func(LifecycleEvent))
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(epoch, err)
			return
		}
		c.dispatch(epoch, data)
	}
}

func (c *Channel) dispatch(epoch uint64, data []byte) {
	c.mu.RLock()
	if c.closed || epoch != c.epoch {
		// Frame read by a superseded connection; dropping it is the fix for
		// the zombie-handler class of bug.
		c.mu.RUnlock()
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.mu.RUnlock()
		c.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	hs := make([]EventHandler, 0, len(c.handlers[env.Method]))
	for _, h := range c.handlers[env.Method] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	if len(hs) == 0 {
		c.logger.Debug("No handler for event", zap.String("event", env.Method))
		return
	}
	for _, h := range hs {
		h(env.Params)
	}
}

func (c *Channel) handleReadError(epoch uint64, readErr error) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.logger.Warn("Connection dropped", zap.Error(readErr))
	c.notify(LifecycleEvent{Kind: LifecycleDisconnected, Err: readErr})
	c.reconnect()
}

// reconnect redials with exponential backoff up to the configured attempt
// count, then surfaces terminal ConnectionLost.
func (c *Channel) reconnect() {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.cfg.ReconnectInitial
	ebo.MaxInterval = c.cfg.ReconnectMax
	ebo.MaxElapsedTime = 0

	op := func() error {
		select {
		case <-c.done:
			return backoff.Permanent(ErrChannelClosed)
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		defer cancel()

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("Reconnect attempt failed", zap.Error(err))
			return err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return backoff.Permanent(ErrChannelClosed)
		}
		c.conn = conn
		c.epoch++
		epoch := c.epoch
		c.mu.Unlock()

		go c.readLoop(conn, epoch)
		return nil
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(ebo, c.cfg.ReconnectMaxAttempts))
	if err == nil {
		c.logger.Info("Reconnected")
		c.notify(LifecycleEvent{Kind: LifecycleReconnected})
		return
	}
	if errors.Is(err, ErrChannelClosed) {
		return
	}

	c.mu.Lock()
	c.lost = true
	c.mu.Unlock()

	c.logger.Error("Reconnection attempts exhausted", zap.Error(err))
	c.notify(LifecycleEvent{Kind: LifecycleLost, Err: ErrConnectionLost})
}

func (c *Channel) notify(ev LifecycleEvent) {
	c.mu.RLock()
	hs := make([]func(LifecycleEvent), 0, len(c.lifecycle))
	for _, h := range c.lifecycle {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				// Disconnected: at-most-once semantics, drop the frame.
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("Write failed", zap.Error(err))
			}
		}
	}
}
