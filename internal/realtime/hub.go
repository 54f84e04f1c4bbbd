package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/fanout"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 << 10
)

var ErrSlowConsumer = errors.New("connection send buffer full")

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// Hub is the in-process connection registry: one user may hold several
// live websocket connections, each fed by its own buffered queue.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	upgrader websocket.Upgrader
	buffer   int
	logger   *logrus.Logger
}

func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer: buffer,
		logger: logger,
	}
}

// ServeWS upgrades the request into a live connection for userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()

	return h.enqueue(client, fanout.Event{Kind: fanout.EventConnected, SentAt: time.Now()})
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	total := len(h.clients[c.userID])
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"user_id":     c.userID,
		"connections": total,
	}).Info("Client connected")
}

func (h *Hub) unregister(c *Client) {
	c.once.Do(func() {
		h.mu.Lock()
		if conns, ok := h.clients[c.userID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.clients, c.userID)
			}
		}
		h.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		h.logger.WithField("user_id", c.userID).Info("Client disconnected")
	})
}

// Connections reports how many live connections userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Send implements fanout.Registry. A user without connections is a no-op.
func (h *Hub) Send(ctx context.Context, userID string, evt fanout.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return h.SendRaw(userID, data)
}

// SendRaw queues an already encoded event on every connection of userID.
func (h *Hub) SendRaw(userID string, data []byte) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var errs []error
	for _, c := range clients {
		if err := h.push(c, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) enqueue(c *Client, evt fanout.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return h.push(c, data)
}

func (h *Hub) push(c *Client, data []byte) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		h.logger.WithField("user_id", c.userID).Warn("Client send buffer full, closing connection")
		h.unregister(c)
		return ErrSlowConsumer
	}
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("user_id", c.userID).Warn("Websocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close drops every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.unregister(c)
	}
}
