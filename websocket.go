package vegamarket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocket endpoint of a locally running relay
	DefaultWSEndpoint = "ws://localhost:8080/ws"

	// Heartbeat interval
	HeartbeatInterval = 30 * time.Second

	// Reconnect settings
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// WebSocket action types
const (
	ActionHeartbeat   = "HEARTBEAT"
	ActionSubscribe   = "SUBSCRIBE"
	ActionUnsubscribe = "UNSUBSCRIBE"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Action string `json:"action"`
}

// SubscribeMessage subscribes to (or unsubscribes from) one event channel.
// A nil AssetID matches every asset.
type SubscribeMessage struct {
	Action  string    `json:"action"`
	Channel EventKind `json:"channel"`
	AssetID *big.Int  `json:"assetId,omitempty"`
}

// HeartbeatMessage represents a heartbeat message
type HeartbeatMessage struct {
	Action string `json:"action"`
}

// WSEvent is a pushed event. Data holds the JSON of the event named by Channel.
type WSEvent struct {
	Channel EventKind       `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// ParseWSEvent decodes a pushed message into its typed event
func ParseWSEvent(data []byte) (Event, error) {
	var msg WSEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode websocket event: %w", err)
	}

	var ev Event
	switch msg.Channel {
	case EventKindListingChanged:
		ev = &ListingChanged{}
	case EventKindPurchase:
		ev = &Purchase{}
	case EventKindMetaExecuted:
		ev = &MetaTransactionExecuted{}
	default:
		return nil, fmt.Errorf("unknown websocket channel %q", msg.Channel)
	}
	if err := json.Unmarshal(msg.Data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", msg.Channel, err)
	}
	return ev, nil
}

// WSEventHandler receives every frame pushed by the relay
type WSEventHandler func(messageType int, data []byte)

// WSErrorHandler receives read, heartbeat and reconnect failures
type WSErrorHandler func(err error)

// WSConfig holds configuration for the WebSocket client
type WSConfig struct {
	Endpoint             string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	OnMessage            WSEventHandler
	OnError              WSErrorHandler
	OnConnect            func()
	OnDisconnect         func()
}

// WSClient subscribes to the relay's event stream. A dropped connection is redialled
// and every tracked subscription is sent again.
type WSClient struct {
	config WSConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	writeMu   sync.Mutex // gorilla allows one concurrent writer

	subMu sync.RWMutex
	subs  map[string]SubscribeMessage
}

// NewWSClient creates a new WebSocket client
func NewWSClient(config WSConfig) *WSClient {
	if config.Endpoint == "" {
		config.Endpoint = DefaultWSEndpoint
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	return &WSClient{
		config: config,
		subs:   make(map[string]SubscribeMessage),
	}
}

// Connect dials the relay and starts reading. It is a no-op when already connected.
func (ws *WSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.connected {
		return nil
	}
	if _, err := url.Parse(ws.config.Endpoint); err != nil {
		return fmt.Errorf("failed to parse WebSocket endpoint: %w", err)
	}
	if ws.cancel != nil {
		ws.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := ws.dial(runCtx)
	if err != nil {
		cancel()
		return err
	}

	ws.conn = conn
	ws.connected = true
	ws.cancel = cancel
	go ws.run(runCtx, conn)

	if ws.config.OnConnect != nil {
		go ws.config.OnConnect()
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting
func (ws *WSClient) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.cancel != nil {
		ws.cancel()
		ws.cancel = nil
	}
	if !ws.connected {
		return nil
	}

	ws.connected = false
	err := ws.conn.Close()
	ws.conn = nil

	if ws.config.OnDisconnect != nil {
		go ws.config.OnDisconnect()
	}
	return err
}

// IsConnected returns the current connection status
func (ws *WSClient) IsConnected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.connected
}

// Subscribe subscribes to channel, optionally narrowed to one asset
func (ws *WSClient) Subscribe(channel EventKind, assetID *big.Int) error {
	msg := SubscribeMessage{
		Action:  ActionSubscribe,
		Channel: channel,
		AssetID: assetID,
	}
	if err := ws.sendMessage(msg); err != nil {
		return err
	}

	ws.subMu.Lock()
	ws.subs[subscriptionKey(channel, assetID)] = msg
	ws.subMu.Unlock()
	return nil
}

// Unsubscribe reverses a Subscribe with the same arguments
func (ws *WSClient) Unsubscribe(channel EventKind, assetID *big.Int) error {
	msg := SubscribeMessage{
		Action:  ActionUnsubscribe,
		Channel: channel,
		AssetID: assetID,
	}
	if err := ws.sendMessage(msg); err != nil {
		return err
	}

	ws.subMu.Lock()
	delete(ws.subs, subscriptionKey(channel, assetID))
	ws.subMu.Unlock()
	return nil
}

// SubscribeListingChanged subscribes to list/delist events; nil assetID means all assets
func (ws *WSClient) SubscribeListingChanged(assetID *big.Int) error {
	return ws.Subscribe(EventKindListingChanged, assetID)
}

// SubscribePurchase subscribes to purchase events; nil assetID means all assets
func (ws *WSClient) SubscribePurchase(assetID *big.Int) error {
	return ws.Subscribe(EventKindPurchase, assetID)
}

// SubscribeMetaExecuted subscribes to relayed meta-transaction events
func (ws *WSClient) SubscribeMetaExecuted() error {
	return ws.Subscribe(EventKindMetaExecuted, nil)
}

// GetSubscriptions returns the keys of the tracked subscriptions, e.g. "purchase:7" or "meta.executed:*"
func (ws *WSClient) GetSubscriptions() []string {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	keys := make([]string, 0, len(ws.subs))
	for key := range ws.subs {
		keys = append(keys, key)
	}
	return keys
}

func subscriptionKey(channel EventKind, assetID *big.Int) string {
	if assetID == nil {
		return fmt.Sprintf("%s:*", channel)
	}
	return fmt.Sprintf("%s:%s", channel, assetID)
}

func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ws.config.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return conn, nil
}

func (ws *WSClient) sendMessage(msg interface{}) error {
	ws.mu.Lock()
	conn, connected := ws.conn, ws.connected
	ws.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("WebSocket not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// run serves conn until ctx ends, redialling whenever the connection drops
func (ws *WSClient) run(ctx context.Context, conn *websocket.Conn) {
	for conn != nil {
		ws.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		ws.dropped(conn)
		conn = ws.reconnect(ctx)
	}
}

// serve pumps frames to OnMessage and sends heartbeats until conn fails
func (ws *WSClient) serve(ctx context.Context, conn *websocket.Conn) {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go ws.heartbeat(hbCtx)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.reportError(fmt.Errorf("read error: %w", err))
			}
			return
		}
		if ws.config.OnMessage != nil {
			ws.config.OnMessage(messageType, data)
		}
	}
}

func (ws *WSClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.sendMessage(HeartbeatMessage{Action: ActionHeartbeat}); err != nil {
				ws.reportError(fmt.Errorf("heartbeat failed: %w", err))
			}
		}
	}
}

func (ws *WSClient) dropped(conn *websocket.Conn) {
	ws.mu.Lock()
	wasConnected := ws.connected && ws.conn == conn
	if wasConnected {
		ws.connected = false
		ws.conn = nil
	}
	ws.mu.Unlock()

	conn.Close()
	if wasConnected && ws.config.OnDisconnect != nil {
		ws.config.OnDisconnect()
	}
}

// reconnect redials until it succeeds, ctx ends or the attempts run out
func (ws *WSClient) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 1; attempt <= ws.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ws.config.ReconnectInterval):
		}

		conn, err := ws.dial(ctx)
		if err != nil {
			ws.reportError(fmt.Errorf("reconnect attempt %d failed: %w", attempt, err))
			continue
		}

		ws.mu.Lock()
		if ctx.Err() != nil {
			ws.mu.Unlock()
			conn.Close()
			return nil
		}
		ws.conn = conn
		ws.connected = true
		ws.mu.Unlock()

		if ws.config.OnConnect != nil {
			go ws.config.OnConnect()
		}
		ws.resubscribe()
		return conn
	}

	ws.reportError(fmt.Errorf("max reconnect attempts (%d) reached", ws.config.MaxReconnectAttempts))
	return nil
}

func (ws *WSClient) resubscribe() {
	ws.subMu.RLock()
	msgs := make([]SubscribeMessage, 0, len(ws.subs))
	for _, msg := range ws.subs {
		msgs = append(msgs, msg)
	}
	ws.subMu.RUnlock()

	for _, msg := range msgs {
		if err := ws.sendMessage(msg); err != nil {
			ws.reportError(fmt.Errorf("resubscribe failed: %w", err))
		}
	}
}

func (ws *WSClient) reportError(err error) {
	if ws.config.OnError != nil {
		ws.config.OnError(err)
	}
}
