package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// PushEnvelope is the wire format for all push-channel frames.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope types exchanged with the push gateway.
const (
	envAuthenticated = "authenticated"
	envMessage       = "message"
	envTyping        = "typing"
	envJoin          = "join"
	envPing          = "ping"
	envPong          = "pong"
)

// ErrNotConnected is returned by Send when the channel is down. Callers
// fall back to the degraded write path.
var ErrNotConnected = fmt.Errorf("chatsync: push channel not connected")

// PushChannel is the live transport the engine publishes to and receives
// from. *PushClient implements it; tests substitute fakes.
type PushChannel interface {
	Send(ctx context.Context, msg PushMessage) error
	Connected() bool
}

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures the push client.
type PushConfig struct {
	// BaseURL is the http(s) gateway address; it is rewritten to ws(s).
	BaseURL string
	Token   string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *PushConfig) defaults() {
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
}

// PushState represents the connection state.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushReconnecting PushState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

type pushDispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(PushMessage)
	onTyping       []func(TypingEvent)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *pushDispatcher) dispatch(env PushEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case envMessage:
		var p PushMessage
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessage {
				go h(p)
			}
		}
	case envTyping:
		var p TypingEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTyping {
				go h(p)
			}
		}
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

func (d *pushDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
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
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute earns a fresh backoff budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient is the WebSocket push channel with auto-reconnect and
// heartbeat.
type PushClient struct {
	config           *PushConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            PushState
	intentionalClose bool
	joinedUser       string
	dispatcher       *pushDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewPushClient creates a push client. Call Connect to open the channel.
func NewPushClient(config PushConfig) *PushClient {
	config.defaults()
	return &PushClient{
		config:     &config,
		state:      PushDisconnected,
		dispatcher: &pushDispatcher{},
		recon:      newReconnector(&config),
	}
}

// OnMessage registers a handler for inbound message frames.
func (pc *PushClient) OnMessage(h func(PushMessage)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onMessage = append(pc.dispatcher.onMessage, h)
	pc.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators.
func (pc *PushClient) OnTyping(h func(TypingEvent)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onTyping = append(pc.dispatcher.onTyping, h)
	pc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (pc *PushClient) OnConnected(h func()) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onConnected = append(pc.dispatcher.onConnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (pc *PushClient) OnDisconnected(h func(reason string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onDisconnected = append(pc.dispatcher.onDisconnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (pc *PushClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onReconnecting = append(pc.dispatcher.onReconnecting, h)
	pc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (pc *PushClient) State() PushState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Connected reports whether the channel is up.
func (pc *PushClient) Connected() bool {
	return pc.State() == PushConnected
}

// Connect establishes the WebSocket connection and re-joins the user room
// if Join was called before a reconnect.
func (pc *PushClient) Connect(ctx context.Context) error {
	pc.mu.Lock()
	if pc.state == PushConnected || pc.state == PushConnecting {
		pc.mu.Unlock()
		return nil
	}
	pc.state = PushConnecting
	pc.intentionalClose = false
	pc.mu.Unlock()

	wsURL := strings.Replace(pc.config.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + pc.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		pc.mu.Lock()
		pc.state = PushDisconnected
		pc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must confirm authentication.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		pc.mu.Lock()
		pc.state = PushDisconnected
		pc.mu.Unlock()
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != envAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		pc.mu.Lock()
		pc.state = PushDisconnected
		pc.mu.Unlock()
		return fmt.Errorf("expected %q, got %q", envAuthenticated, env.Type)
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.state = PushConnected
	joined := pc.joinedUser
	pc.mu.Unlock()
	pc.recon.markConnected()

	if joined != "" {
		pc.writeEnvelope(ctx, envJoin, map[string]string{"userId": joined})
	}

	pc.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	pc.mu.Lock()
	pc.cancelFn = cancel
	pc.mu.Unlock()

	go pc.readLoop(connCtx)
	go pc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (pc *PushClient) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	if pc.cancelFn != nil {
		pc.cancelFn()
		pc.cancelFn = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.state = PushDisconnected
	pc.mu.Unlock()

	pc.recon.reset()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	pc.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// Join subscribes this connection to the user's room so the gateway can
// route their traffic here. The subscription survives reconnects.
func (pc *PushClient) Join(ctx context.Context, userID string) error {
	pc.mu.Lock()
	pc.joinedUser = userID
	pc.mu.Unlock()
	return pc.writeEnvelope(ctx, envJoin, map[string]string{"userId": userID})
}

// Send publishes a message frame. Returns ErrNotConnected when the channel
// is down so the caller can take the degraded path.
func (pc *PushClient) Send(ctx context.Context, msg PushMessage) error {
	return pc.writeEnvelope(ctx, envMessage, msg)
}

// SendTyping publishes a typing indicator. Best effort.
func (pc *PushClient) SendTyping(ctx context.Context, ev TypingEvent) error {
	return pc.writeEnvelope(ctx, envTyping, ev)
}

func (pc *PushClient) writeEnvelope(ctx context.Context, typ string, payload interface{}) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(PushEnvelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (pc *PushClient) readLoop(ctx context.Context) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			pc.mu.Lock()
			intentional := pc.intentionalClose
			pc.mu.Unlock()
			if intentional {
				return
			}

			pc.mu.Lock()
			pc.state = PushDisconnected
			pc.conn = nil
			pc.mu.Unlock()

			pc.dispatcher.emitDisconnected(err.Error())

			if pc.config.AutoReconnect && pc.recon.shouldReconnect() {
				pc.scheduleReconnect(ctx)
			}
			return
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		pc.dispatcher.dispatch(env)
	}
}

func (pc *PushClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !pc.Connected() {
				return
			}
			if err := pc.writeEnvelope(ctx, envPing, map[string]string{}); err != nil {
				pc.mu.Lock()
				conn := pc.conn
				pc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

func (pc *PushClient) scheduleReconnect(ctx context.Context) {
	delay := pc.recon.nextDelay()
	pc.mu.Lock()
	pc.state = PushReconnecting
	pc.mu.Unlock()

	pc.dispatcher.emitReconnecting(pc.recon.attempt, delay)

	time.Sleep(delay)

	if err := pc.Connect(context.Background()); err != nil {
		if pc.config.AutoReconnect && pc.recon.shouldReconnect() {
			pc.scheduleReconnect(ctx)
		} else {
			pc.mu.Lock()
			pc.state = PushDisconnected
			pc.mu.Unlock()
		}
	}
}
