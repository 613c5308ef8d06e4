package relay

import (
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	vegamarket "github.com/kaifufi/vega-market-go"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 2 * vegamarket.HeartbeatInterval
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans committed market events out to websocket subscribers.
// It implements vegamarket.EventSink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     *logrus.Logger
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[vegamarket.EventKind]map[string]struct{} // "" matches every asset
}

// NewHub creates an empty hub
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		log:     log,
	}
}

// Publish queues ev for every subscribed client. Slow clients drop events.
func (h *Hub) Publish(ev vegamarket.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("Failed to encode event")
		return
	}
	msg, err := json.Marshal(vegamarket.WSEvent{Channel: ev.Kind(), Data: data})
	if err != nil {
		h.log.WithError(err).Warn("Failed to encode event")
		return
	}

	asset := eventAsset(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(ev.Kind(), asset) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.WithField("remote", c.conn.RemoteAddr().String()).Warn("Dropping event for slow websocket client")
		}
	}
}

// Clients returns the number of connected websocket clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves one subscriber until it disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[vegamarket.EventKind]map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *wsClient) subscribed(kind vegamarket.EventKind, asset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets, ok := c.subs[kind]
	if !ok {
		return false
	}
	if _, all := assets[""]; all {
		return true
	}
	_, ok = assets[asset]
	return ok
}

func (c *wsClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any message from the client counts as a heartbeat.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg vegamarket.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.WithError(err).Debug("Ignoring malformed websocket message")
			continue
		}

		switch msg.Action {
		case vegamarket.ActionHeartbeat:
		case vegamarket.ActionSubscribe:
			c.subscribe(msg.Channel, msg.AssetID)
		case vegamarket.ActionUnsubscribe:
			c.unsubscribe(msg.Channel, msg.AssetID)
		default:
			c.hub.log.WithField("action", msg.Action).Debug("Ignoring unknown websocket action")
		}
	}
}

func (c *wsClient) writeLoop() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *wsClient) subscribe(kind vegamarket.EventKind, assetID *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets, ok := c.subs[kind]
	if !ok {
		assets = make(map[string]struct{})
		c.subs[kind] = assets
	}
	assets[assetKey(assetID)] = struct{}{}
}

func (c *wsClient) unsubscribe(kind vegamarket.EventKind, assetID *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets, ok := c.subs[kind]
	if !ok {
		return
	}
	delete(assets, assetKey(assetID))
	if len(assets) == 0 {
		delete(c.subs, kind)
	}
}

func assetKey(assetID *big.Int) string {
	if assetID == nil {
		return ""
	}
	return assetID.String()
}

func eventAsset(ev vegamarket.Event) string {
	switch e := ev.(type) {
	case *vegamarket.ListingChanged:
		return e.AssetID.String()
	case *vegamarket.Purchase:
		return e.AssetID.String()
	}
	return ""
}
