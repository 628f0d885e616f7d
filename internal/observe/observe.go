// Package observe implements a fan-out of SystemNotice and conversation
// events to external dashboard connections over WebSocket. The dashboard
// itself is out of scope; this package is the stream producer such a
// dashboard would consume. There is one implicit topic — the whole
// company's event traffic — with any filtering left to the client.
package observe

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
)

// Frame is the JSON shape pushed to every connected observer.
type Frame struct {
	Conversation string        `json:"conversation"`
	Sender       ids.AgentId   `json:"sender"`
	Kind         eventlog.Kind `json:"kind"`
	Text         string        `json:"text,omitempty"`
	Sequence     uint64        `json:"sequence"`
	Timestamp    time.Time     `json:"timestamp"`
}

func frameOf(ev eventlog.Event) Frame {
	return Frame{
		Conversation: ev.Conversation.String(),
		Sender:       ev.Sender,
		Kind:         ev.Kind,
		Text:         ev.Content.Text,
		Sequence:     ev.Sequence,
		Timestamp:    ev.Timestamp,
	}
}

const sendBuffer = 256

type connection struct {
	ws   *websocket.Conn
	send chan []byte
}

// Hub fans out event frames to every connected observer.
type Hub struct {
	mu    sync.RWMutex
	conns map[*connection]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*connection]struct{})}
}

// Publish encodes ev and pushes it to every connected observer. A observer
// whose send buffer is full is dropped rather than allowed to backpressure
// the whole hub.
func (h *Hub) Publish(ev eventlog.Event) {
	data, err := json.Marshal(frameOf(ev))
	if err != nil {
		log.Printf("observe: encode frame: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			go h.drop(c)
		}
	}
}

func (h *Hub) drop(c *connection) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.ws.Close()
}

// Serve attaches an already-upgraded WebSocket connection (RegisterRoute
// performs the upgrade) and streams frames to it until the connection
// closes.
func (h *Hub) Serve(ws *websocket.Conn) {
	c := &connection{ws: ws, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)
}

// readLoop discards inbound frames and drops the connection once a read
// fails; observers are not expected to send anything.
func (h *Hub) readLoop(c *connection) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *connection) {
	for data := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(c)
			return
		}
	}
}

// ConnectionCount reports the number of currently attached observers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
