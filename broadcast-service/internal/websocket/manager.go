package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Manager fans ledger events out to the WebSocket clients watching a listing.
// Registration, removal and broadcast all run on the Run goroutine.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[uint64]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	logger *slog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	ID        string
	ListingID uint64
	Conn      *websocket.Conn
	Send      chan []byte

	closed bool
}

// BroadcastMessage is delivered to every client watching ListingID
type BroadcastMessage struct {
	ListingID uint64
	Payload   []byte
}

// NewManager creates a new WebSocket manager
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		subscribers: make(map[uint64]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run processes registrations and broadcasts until ctx is done, then closes
// every remaining connection.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case message := <-m.broadcast:
			m.broadcastToListing(message.ListingID, message.Payload)
		}
	}
}

// RegisterClient adds a client to the manager.
// It reports false once the manager has stopped.
func (m *Manager) RegisterClient(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.done:
		return false
	}
}

// UnregisterClient removes a client from the manager
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

// Broadcast queues payload for every client watching listingID
func (m *Manager) Broadcast(listingID uint64, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{ListingID: listingID, Payload: payload}:
	case <-m.done:
	}
}

// SubscriberCount returns the number of clients watching a listing
func (m *Manager) SubscriberCount(listingID uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[listingID])
}

func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	set, ok := m.subscribers[client.ListingID]
	if !ok {
		set = make(map[*Client]struct{})
		m.subscribers[client.ListingID] = set
	}
	set[client] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("client subscribed", "client_id", client.ID, "listing_id", client.ListingID)
	go client.writePump()
}

func (m *Manager) unregisterClient(client *Client) {
	if client.closed {
		return
	}
	client.closed = true

	m.mu.Lock()
	if set, ok := m.subscribers[client.ListingID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(m.subscribers, client.ListingID)
		}
	}
	m.mu.Unlock()

	close(client.Send)
	m.logger.Debug("client unsubscribed", "client_id", client.ID, "listing_id", client.ListingID)
}

func (m *Manager) broadcastToListing(listingID uint64, payload []byte) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.subscribers[listingID]))
	for c := range m.subscribers[listingID] {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	count := 0
	for _, client := range clients {
		select {
		case client.Send <- payload:
			count++
		default:
			// Slow client; drop it rather than stall the others.
			m.unregisterClient(client)
		}
	}
	m.logger.Debug("broadcast ledger event", "listing_id", listingID, "clients", count)
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	var clients []*Client
	for _, set := range m.subscribers {
		for c := range set {
			clients = append(clients, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range clients {
		m.unregisterClient(c)
	}
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed. It
// unregisters the client when the connection goes away.
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("websocket read error", "client_id", c.ID, "error", err)
			}
			return
		}
	}
}
