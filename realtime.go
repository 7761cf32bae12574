package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// PushEnvelope is the wire format for all push events.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// pushCommand is a client-to-server command.
type pushCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Push event types.
const (
	pushAuthenticated  = "authenticated"
	PushMessageNew     = "message.new"
	PushMessageEdited  = "message.edited"
	PushMessageDeleted = "message.deleted"
	PushMessageRead    = "message.read"
	PushError          = "error"
	pushAck            = "ack"
	pushPong           = "pong"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push-channel client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState represents the push connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// PushHandler is the generic push event callback type.
type PushHandler func(eventType string, payload json.RawMessage)

type pushDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]PushHandler
	onMessageNew   []func(conversationKey string, record map[string]any)
	onMessageEdit  []func(conversationKey, messageID, content string)
	onMessageDel   []func(conversationKey, messageID string)
	onMessageRead  []func(conversationKey, messageID string)
	onError        []func(message string)
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newPushDispatcher() *pushDispatcher {
	return &pushDispatcher{generic: make(map[string][]PushHandler)}
}

func (d *pushDispatcher) dispatch(env PushEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case PushMessageNew:
		var record map[string]any
		if json.Unmarshal(env.Payload, &record) == nil {
			key := firstStr(record, "conversation_id", "conversationId", "conversationKey")
			for _, h := range d.onMessageNew {
				go h(key, record)
			}
		}
	case PushMessageEdited:
		var p map[string]any
		if json.Unmarshal(env.Payload, &p) == nil {
			key := firstStr(p, "conversation_id", "conversationId", "conversationKey")
			id := firstStr(p, "message_id", "messageId", "id")
			content := firstStr(p, "content", "text")
			for _, h := range d.onMessageEdit {
				go h(key, id, content)
			}
		}
	case PushMessageDeleted:
		var p map[string]any
		if json.Unmarshal(env.Payload, &p) == nil {
			key := firstStr(p, "conversation_id", "conversationId", "conversationKey")
			id := firstStr(p, "message_id", "messageId", "id")
			for _, h := range d.onMessageDel {
				go h(key, id)
			}
		}
	case PushMessageRead:
		var p map[string]any
		if json.Unmarshal(env.Payload, &p) == nil {
			key := firstStr(p, "conversation_id", "conversationId", "conversationKey")
			id := firstStr(p, "message_id", "messageId", "id")
			for _, h := range d.onMessageRead {
				go h(key, id)
			}
		}
	case PushError:
		var p struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p.Message)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *pushDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *pushDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *pushDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Backoff
// ============================================================================

// backoff schedules reconnect attempts with exponential delay and jitter.
// The attempt counter resets after a connection that held for a minute.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newBackoff(cfg *RealtimeConfig) *backoff {
	return &backoff{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) noteConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket push channel: auto-reconnect with backoff,
// heartbeat, ack-correlated sends, and typed chat events.
type RealtimeClient struct {
	baseURL string
	cfg     *RealtimeConfig
	log     *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	intentional bool
	cancelFn    context.CancelFunc
	reqCounter  int

	dispatcher *pushDispatcher
	backoff    *backoff

	pendingMu   sync.Mutex
	pendingAcks map[string]chan struct{}
}

// NewRealtimeClient creates a push-channel client. Call Connect to establish
// the connection.
func NewRealtimeClient(baseURL string, cfg *RealtimeConfig) *RealtimeClient {
	c := *cfg
	c.defaults()
	return &RealtimeClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		cfg:         &c,
		log:         c.Logger,
		state:       StateDisconnected,
		dispatcher:  newPushDispatcher(),
		backoff:     newBackoff(&c),
		pendingAcks: make(map[string]chan struct{}),
	}
}

// OnMessageNew registers a handler for incoming message records.
func (rc *RealtimeClient) OnMessageNew(h func(conversationKey string, record map[string]any)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageNew = append(rc.dispatcher.onMessageNew, h)
	rc.dispatcher.mu.Unlock()
}

// OnMessageEdited registers a handler for edit notifications.
func (rc *RealtimeClient) OnMessageEdited(h func(conversationKey, messageID, content string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageEdit = append(rc.dispatcher.onMessageEdit, h)
	rc.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for delete notifications.
func (rc *RealtimeClient) OnMessageDeleted(h func(conversationKey, messageID string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageDel = append(rc.dispatcher.onMessageDel, h)
	rc.dispatcher.mu.Unlock()
}

// OnMessageRead registers a handler for read receipts.
func (rc *RealtimeClient) OnMessageRead(h func(conversationKey, messageID string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageRead = append(rc.dispatcher.onMessageRead, h)
	rc.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (rc *RealtimeClient) OnError(h func(message string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onError = append(rc.dispatcher.onError, h)
	rc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConnected = append(rc.dispatcher.onConnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onDisconnected = append(rc.dispatcher.onDisconnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onReconnecting = append(rc.dispatcher.onReconnecting, h)
	rc.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rc *RealtimeClient) On(eventType string, h PushHandler) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.generic[eventType] = append(rc.dispatcher.generic[eventType], h)
	rc.dispatcher.mu.Unlock()
}

// BindSession feeds this channel's events for the session's conversation
// into the session.
func (rc *RealtimeClient) BindSession(s *Session) {
	key := s.ConversationKey()
	rc.OnMessageNew(func(conversationKey string, record map[string]any) {
		if conversationKey == "" || conversationKey == key {
			s.HandlePush(record)
		}
	})
	rc.OnMessageEdited(func(conversationKey, messageID, content string) {
		if conversationKey == "" || conversationKey == key {
			s.HandleEdit(messageID, content)
		}
	})
	rc.OnMessageDeleted(func(conversationKey, messageID string) {
		if conversationKey == "" || conversationKey == key {
			s.HandleDelete(messageID)
		}
	})
	rc.OnMessageRead(func(conversationKey, messageID string) {
		if conversationKey == "" || conversationKey == key {
			s.HandleRead(messageID)
		}
	})
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connected reports whether the channel is usable for sends.
func (rc *RealtimeClient) Connected() bool {
	return rc.State() == StateConnected
}

// Connect establishes the WebSocket connection and waits for the server's
// authenticated handshake.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentional = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rc.cfg.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("read handshake: %w", err)
	}
	var env PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != pushAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("expected %q handshake, got %q", pushAuthenticated, env.Type)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.backoff.noteConnected()
	rc.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rc.mu.Lock()
	rc.cancelFn = cancel
	rc.mu.Unlock()

	go rc.readLoop(connCtx)
	go rc.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentional = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.clearPendingAcks()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rc.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// JoinConversation subscribes to a conversation's push events.
func (rc *RealtimeClient) JoinConversation(ctx context.Context, conversationKey string) error {
	return rc.send(ctx, &pushCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationKey": conversationKey},
	})
}

// SendMessage delivers a message over the push channel and waits for the
// server ack. The result is success/failure only; the authoritative record
// follows as a message.new push event.
func (rc *RealtimeClient) SendMessage(ctx context.Context, conversationKey, content string) (bool, error) {
	requestID := rc.nextRequestID("msg")
	ch := rc.expectAck(requestID)

	err := rc.send(ctx, &pushCommand{
		Type: "message.send",
		Payload: map[string]string{
			"conversationKey": conversationKey,
			"content":         content,
		},
		RequestID: requestID,
	})
	if err != nil {
		rc.dropAck(requestID)
		return false, err
	}
	return rc.awaitAck(ctx, requestID, ch)
}

// Ping sends a heartbeat and waits for the pong.
func (rc *RealtimeClient) Ping(ctx context.Context) error {
	requestID := rc.nextRequestID("ping")
	ch := rc.expectAck(requestID)

	err := rc.send(ctx, &pushCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rc.dropAck(requestID)
		return err
	}
	ok, err := rc.awaitAck(ctx, requestID, ch)
	if err == nil && !ok {
		return fmt.Errorf("ping not acknowledged")
	}
	return err
}

// ── Internals ─────────────────────────────────────────────

func (rc *RealtimeClient) setState(s ConnState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) nextRequestID(prefix string) string {
	rc.mu.Lock()
	rc.reqCounter++
	n := rc.reqCounter
	rc.mu.Unlock()
	return fmt.Sprintf("%s-%d", prefix, n)
}

func (rc *RealtimeClient) send(ctx context.Context, cmd *pushCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *RealtimeClient) expectAck(requestID string) chan struct{} {
	ch := make(chan struct{}, 1)
	rc.pendingMu.Lock()
	rc.pendingAcks[requestID] = ch
	rc.pendingMu.Unlock()
	return ch
}

func (rc *RealtimeClient) dropAck(requestID string) {
	rc.pendingMu.Lock()
	delete(rc.pendingAcks, requestID)
	rc.pendingMu.Unlock()
}

func (rc *RealtimeClient) awaitAck(ctx context.Context, requestID string, ch chan struct{}) (bool, error) {
	select {
	case _, ok := <-ch:
		if !ok {
			return false, fmt.Errorf("connection closed")
		}
		return true, nil
	case <-time.After(rc.cfg.AckTimeout):
		rc.dropAck(requestID)
		return false, fmt.Errorf("ack timeout")
	case <-ctx.Done():
		rc.dropAck(requestID)
		return false, ctx.Err()
	}
}

func (rc *RealtimeClient) resolveAck(requestID string) {
	if requestID == "" {
		return
	}
	rc.pendingMu.Lock()
	ch, ok := rc.pendingAcks[requestID]
	if ok {
		delete(rc.pendingAcks, requestID)
	}
	rc.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (rc *RealtimeClient) clearPendingAcks() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingAcks {
		close(ch)
		delete(rc.pendingAcks, k)
	}
	rc.pendingMu.Unlock()
}

func (rc *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rc.mu.Lock()
		conn := rc.conn
		rc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentional
			rc.state = StateDisconnected
			rc.conn = nil
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.clearPendingAcks()
			rc.dispatcher.emitDisconnected(0, err.Error())

			if rc.cfg.AutoReconnect && rc.backoff.shouldRetry() {
				rc.scheduleReconnect(ctx)
			}
			return
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == pushAck || env.Type == pushPong {
			var p struct {
				RequestID string `json:"requestId"`
			}
			if json.Unmarshal(env.Payload, &p) == nil {
				rc.resolveAck(p.RequestID)
			}
			continue
		}

		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if err := rc.Ping(ctx); err != nil {
				rc.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rc.backoff.next()
	rc.setState(StateReconnecting)
	rc.dispatcher.emitReconnecting(rc.backoff.attempt, delay)
	rc.log.Info("reconnecting push channel",
		zap.Int("attempt", rc.backoff.attempt), zap.Duration("delay", delay))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		rc.setState(StateDisconnected)
		return
	}

	if err := rc.Connect(context.Background()); err != nil {
		if rc.cfg.AutoReconnect && rc.backoff.shouldRetry() {
			rc.scheduleReconnect(ctx)
		} else {
			rc.setState(StateDisconnected)
		}
	}
}
