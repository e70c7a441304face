// Package realtime maintains the websocket connection to the event hub and
// fans incoming entity events out to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asagents/service-gateway/internal/logging"
)

const (
	heartbeatInterval    = 30 * time.Second
	requestTimeout       = 10 * time.Second
	maxReconnectAttempts = 5
	writeWait            = 10 * time.Second
)

// message is the wire frame exchanged with the hub.
type message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	TenantID  string          `json:"tenantId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
}

// Event is a realtime change notification for one entity.
type Event struct {
	Type       string         `json:"type"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	TenantID   string         `json:"tenantId"`
	UserID     string         `json:"userId"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// EventHandler consumes events for a subscribed event type.
type EventHandler func(Event)

// ConnectionHandler is notified whenever the connection state flips.
type ConnectionHandler func(connected bool)

// Options configures the realtime client.
type Options struct {
	URL      string
	TenantID string
	UserID   string
}

type pendingRequest struct {
	ch chan requestOutcome
}

type requestOutcome struct {
	data json.RawMessage
	err  error
}

// Client is the realtime hub client. It reconnects with exponential backoff
// and replays subscriptions after each reconnect.
type Client struct {
	opts   Options
	logger *logging.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	reconnects  int
	subs        map[string]map[int]EventHandler
	connSubs    map[int]ConnectionHandler
	pending     map[string]*pendingRequest
	nextID      int
	cancelLoops context.CancelFunc
}

// NewClient creates a realtime client. Connect must be called before events
// flow.
func NewClient(opts Options, logger *logging.Logger) *Client {
	return &Client{
		opts:     opts,
		logger:   logger.With("realtime"),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:     make(map[string]map[int]EventHandler),
		connSubs: make(map[int]ConnectionHandler),
		pending:  make(map[string]*pendingRequest),
	}
}

// Connect dials the hub. A failed dial schedules a reconnect rather than
// returning an error so callers can treat the hub as best-effort.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("realtime client closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", endpoint).Msg("websocket dial failed")
		c.scheduleReconnect()
		return fmt.Errorf("failed to connect to realtime hub: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.reconnects = 0
	c.cancelLoops = cancel
	c.mu.Unlock()

	c.logger.Info().Str("url", endpoint).Msg("realtime connected")
	c.notifyConnection(true)
	c.resubscribe()

	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx)

	return nil
}

func (c *Client) endpoint() (string, error) {
	parsed, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	query := parsed.Query()
	if c.opts.TenantID != "" {
		query.Set("tenantId", c.opts.TenantID)
	}
	if c.opts.UserID != "" {
		query.Set("userId", c.opts.UserID)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// IsConnected reports whether the hub connection is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers a handler for one event type and tells the hub about
// the interest. The returned function unsubscribes.
func (c *Client) Subscribe(eventType string, handler EventHandler) func() {
	c.mu.Lock()
	if c.subs[eventType] == nil {
		c.subs[eventType] = make(map[int]EventHandler)
	}
	id := c.nextID
	c.nextID++
	c.subs[eventType][id] = handler
	first := len(c.subs[eventType]) == 1
	c.mu.Unlock()

	if first {
		c.send(message{Type: "subscribe", Payload: mustJSON(map[string]string{"eventType": eventType})})
	}

	return func() {
		c.mu.Lock()
		delete(c.subs[eventType], id)
		last := len(c.subs[eventType]) == 0
		if last {
			delete(c.subs, eventType)
		}
		c.mu.Unlock()
		if last {
			c.send(message{Type: "unsubscribe", Payload: mustJSON(map[string]string{"eventType": eventType})})
		}
	}
}

// OnConnectionChange registers a connection-state handler. The handler is
// invoked immediately with the current state, then on every flip. The
// returned function unsubscribes.
func (c *Client) OnConnectionChange(handler ConnectionHandler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.connSubs[id] = handler
	connected := c.connected
	c.mu.Unlock()

	handler(connected)

	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

// RequestData asks the hub for a dataset and waits for the correlated
// response. It times out after ten seconds.
func (c *Client) RequestData(ctx context.Context, dataType string, filters map[string]any) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("realtime hub not connected")
	}

	requestID := "req-" + uuid.NewString()
	req := &pendingRequest{ch: make(chan requestOutcome, 1)}

	c.mu.Lock()
	c.pending[requestID] = req
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	payload := mustJSON(map[string]any{
		"requestId": requestID,
		"dataType":  dataType,
		"filters":   filters,
	})
	if err := c.send(message{Type: "request_data", Payload: payload}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case outcome := <-req.ch:
		return outcome.data, outcome.err
	case <-timer.C:
		return nil, fmt.Errorf("request for %s timed out", dataType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the client down permanently; no reconnects follow.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancelLoops
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

// ==================== loops ====================

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.handleDisconnect(conn)

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.send(message{Type: "ping"})
		}
	}
}

func (c *Client) handleMessage(msg message) {
	switch msg.Type {
	case "connection_established":
		c.logger.Debug().Msg("connection acknowledged")
	case "real_time_event":
		var event Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			c.logger.Warn().Err(err).Msg("malformed realtime event")
			return
		}
		c.dispatch(event)
	case "ping":
		c.send(message{Type: "pong"})
	case "pong":
		// heartbeat answered
	case "data_response":
		c.resolveRequest(msg.Payload, nil)
	case "data_error":
		var payload struct {
			RequestID string `json:"requestId"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.RequestID != "" {
			c.failRequest(payload.RequestID, fmt.Errorf("hub error: %s", payload.Error))
		}
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unhandled message type")
	}
}

func (c *Client) dispatch(event Event) {
	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.subs[event.Type])+len(c.subs["*"]))
	for _, h := range c.subs[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range c.subs["*"] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *Client) resolveRequest(payload json.RawMessage, err error) {
	var envelope struct {
		RequestID string          `json:"requestId"`
		Data      json.RawMessage `json:"data"`
	}
	if jsonErr := json.Unmarshal(payload, &envelope); jsonErr != nil || envelope.RequestID == "" {
		c.logger.Warn().Msg("data response without request id")
		return
	}

	c.mu.Lock()
	req := c.pending[envelope.RequestID]
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.ch <- requestOutcome{data: envelope.Data, err: err}
}

func (c *Client) failRequest(requestID string, err error) {
	c.mu.Lock()
	req := c.pending[requestID]
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.ch <- requestOutcome{err: err}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	wasConnected := c.connected && c.conn == conn
	if wasConnected {
		c.connected = false
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	c.notifyConnection(false)
	if !closed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnects >= maxReconnectAttempts {
		exhausted := c.reconnects >= maxReconnectAttempts
		c.mu.Unlock()
		if exhausted {
			c.logger.Error().Int("attempts", maxReconnectAttempts).Msg("reconnect attempts exhausted")
		}
		return
	}
	c.reconnects++
	attempt := c.reconnects
	c.mu.Unlock()

	delay := time.Duration(1<<uint(attempt-1)) * time.Second
	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")

	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		}
	}()
}

// resubscribe replays active subscriptions after a reconnect.
func (c *Client) resubscribe() {
	c.mu.Lock()
	types := make([]string, 0, len(c.subs))
	for eventType := range c.subs {
		types = append(types, eventType)
	}
	c.mu.Unlock()

	for _, eventType := range types {
		c.send(message{Type: "subscribe", Payload: mustJSON(map[string]string{"eventType": eventType})})
	}
}

func (c *Client) notifyConnection(connected bool) {
	c.mu.Lock()
	handlers := make([]ConnectionHandler, 0, len(c.connSubs))
	for _, h := range c.connSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(connected)
	}
}

func (c *Client) send(msg message) error {
	msg.Timestamp = time.Now().UnixMilli()
	msg.TenantID = c.opts.TenantID
	msg.UserID = c.opts.UserID

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
