// Package livefeed streams marker operations to connected map clients over
// websockets. Hub implements the reconciler's rendering surface.
package livefeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/cluster"
	"fieldmap/core-go/internal/reconcile"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

const (
	EventAdd      = "add"
	EventUpdate   = "update"
	EventRemove   = "remove"
	EventClusters = "clusters"
	EventNotice   = "notice"
	EventSnapshot = "snapshot"
)

type MarkerPayload struct {
	reconcile.Marker
	Geometry *geojson.Geometry `json:"geometry,omitempty"`
}

func payload(m reconcile.Marker) *MarkerPayload {
	p := &MarkerPayload{Marker: m}
	if m.Geometry != nil {
		p.Geometry = geojson.NewGeometry(m.Geometry)
	}
	return p
}

type Event struct {
	Type     string            `json:"type"`
	Layer    string            `json:"layer,omitempty"`
	ID       string            `json:"id,omitempty"`
	Marker   *MarkerPayload    `json:"marker,omitempty"`
	Markers  []*MarkerPayload  `json:"markers,omitempty"`
	Family   string            `json:"family,omitempty"`
	Clusters []cluster.Cluster `json:"clusters,omitempty"`
	Notice   string            `json:"notice,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// Events broadcast before the client's snapshot is queued are held and
	// replayed after it.
	ready bool
	held  [][]byte
}

// Hub fans marker events out to every connected client. A client that cannot
// keep up is disconnected and will receive a fresh snapshot on reconnect.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader
	snapshot func() []reconcile.Marker

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub builds a hub. snapshot supplies the full marker set sent to each
// new client; it may be nil.
func NewHub(log zerolog.Logger, snapshot func() []reconcile.Marker) *Hub {
	return &Hub{
		log:      log,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// SetSnapshot replaces the snapshot source.
func (h *Hub) SetSnapshot(fn func() []reconcile.Marker) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

func (h *Hub) AddMarker(m reconcile.Marker) {
	h.broadcast(Event{Type: EventAdd, Layer: m.LayerID, ID: m.StableID, Marker: payload(m)})
}

func (h *Hub) UpdateMarker(m reconcile.Marker) {
	h.broadcast(Event{Type: EventUpdate, Layer: m.LayerID, ID: m.StableID, Marker: payload(m)})
}

func (h *Hub) RemoveMarker(layerID, stableID string) {
	h.broadcast(Event{Type: EventRemove, Layer: layerID, ID: stableID})
}

func (h *Hub) SetClusters(family string, cs []cluster.Cluster) {
	h.broadcast(Event{Type: EventClusters, Family: family, Clusters: cs})
}

// Notice sends a layer-scoped user notice. An empty text clears it.
func (h *Hub) Notice(layerID, text string) {
	h.broadcast(Event{Type: EventNotice, Layer: layerID, Notice: text})
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("livefeed encode failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.ready {
			if len(c.held) >= sendBufferSize {
				h.dropLocked(c)
				continue
			}
			c.held = append(c.held, data)
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("livefeed upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize+1)}

	// Register before taking the snapshot so no operation falls between the
	// two. Replayed operations the snapshot already contains are idempotent.
	h.mu.Lock()
	h.clients[c] = struct{}{}
	snap := h.snapshot
	h.mu.Unlock()

	var markers []*MarkerPayload
	if snap != nil {
		for _, m := range snap() {
			markers = append(markers, payload(m))
		}
	}
	first, err := json.Marshal(Event{Type: EventSnapshot, Markers: markers})

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		if err == nil {
			c.send <- first
		}
		for _, data := range c.held {
			c.send <- data
		}
		c.held = nil
		c.ready = true
	}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump drains client frames so control messages are processed and a
// closed connection is noticed.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
