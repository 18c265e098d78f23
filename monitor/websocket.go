// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ttbt-io/vbot/runner"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024

	// Messages kept for clients that connect in the middle of a run.
	maxHistory = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

var metricClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vbot",
	Subsystem: "monitor",
	Name:      "clients",
	Help:      "Number of connected event stream clients.",
})

// Message types for WebSocket communication
const (
	MsgTypeEvent = "EVENT"
	MsgTypeError = "ERROR"
	MsgTypePing  = "PING"
	MsgTypePong  = "PONG"
)

// Message is one frame of the event stream.
type Message struct {
	Type    string            `json:"type"`
	RunID   string            `json:"runId,omitempty"`
	Event   runner.EventName  `json:"event,omitempty"`
	Time    time.Time         `json:"time,omitzero"`
	Log     *runner.ActionLog `json:"log,omitempty"`
	Summary *runner.Summary   `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// EventMessage converts a runner event into a stream message.
func EventMessage(runID string, ev runner.Event) Message {
	msg := Message{
		Type:    MsgTypeEvent,
		RunID:   runID,
		Event:   ev.Name,
		Time:    ev.Time,
		Log:     ev.Log,
		Summary: ev.Summary,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

// Hub fans out messages to every connected client. A client that cannot
// keep up is dropped.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan Message
	register   chan *wsClient
	unregister chan *wsClient
	direct     chan directMessage
	quit       chan struct{}
	done       chan struct{}

	// history holds the messages of the current run.
	history []Message
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		direct:     make(chan directMessage),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			metricClients.Inc()
			for _, msg := range h.history {
				if !h.deliver(client, msg) {
					break
				}
			}
		case client := <-h.unregister:
			h.drop(client)
		case d := <-h.direct:
			if h.clients[d.client] {
				h.deliver(d.client, d.msg)
			}
		case msg := <-h.broadcast:
			if msg.Type == MsgTypeEvent && msg.Event == runner.EventStart {
				h.history = h.history[:0]
			}
			if len(h.history) < maxHistory {
				h.history = append(h.history, msg)
			}
			for client := range h.clients {
				h.deliver(client, msg)
			}
		case <-h.quit:
			for client := range h.clients {
				h.drop(client)
			}
			return
		}
	}
}

func (h *Hub) deliver(c *wsClient, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		h.drop(c)
		return false
	}
}

func (h *Hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metricClients.Dec()
	}
}

// publish queues msg for every client. It returns false once the hub has
// stopped.
func (h *Hub) publish(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}

type directMessage struct {
	client *wsClient
	msg    Message
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	// userID is the authenticated user, empty when auth is disabled.
	userID string
}

// readPump handles pings from the peer and detects closed connections.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Monitor: client %q: %v", c.userID, err)
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			c.reply(Message{Type: MsgTypePong})
		default:
			c.reply(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// reply queues msg for this client only. The hub owns send.
func (c *wsClient) reply(msg Message) {
	select {
	case c.hub.direct <- directMessage{client: c, msg: msg}:
	case <-c.hub.done:
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
