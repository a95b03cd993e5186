package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"risk-trader/internal/auth"
	"risk-trader/internal/events"
	"risk-trader/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS already vetted the origin at the HTTP layer.
		return true
	},
}

// wsClient is one WebSocket connection, pinned to a tenant.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *wsHub
	tenantID  string
	closeChan chan struct{}
}

// wsHub fans domain events out to connected clients. Each tenant only ever
// sees its own events.
type wsHub struct {
	clients       map[*wsClient]bool
	tenantClients map[string][]*wsClient
	broadcast     chan events.Event
	register      chan *wsClient
	unregister    chan *wsClient
	mu            sync.RWMutex
	log           *logging.Logger
}

// newWSHub creates the hub, subscribes it to the bus and starts its loop.
func newWSHub(bus *events.Bus) *wsHub {
	h := &wsHub{
		clients:       make(map[*wsClient]bool),
		tenantClients: make(map[string][]*wsClient),
		broadcast:     make(chan events.Event, 4096),
		register:      make(chan *wsClient),
		unregister:    make(chan *wsClient),
		log:           logging.WithComponent("websocket"),
	}
	go h.run()

	if bus != nil {
		bus.SubscribeAll(func(event events.Event) {
			select {
			case h.broadcast <- event:
			default:
				h.log.Warn("broadcast channel full, dropping event", "type", string(event.Type))
			}
		})
	}
	return h
}

func (h *wsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.tenantClients[client.tenantID] = append(h.tenantClients[client.tenantID], client)
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.removeFromTenantMap(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", "error", err.Error())
				continue
			}
			h.mu.Lock()
			for _, client := range h.tenantClients[event.TenantID] {
				select {
				case client.send <- data:
				default:
					// Slow consumer; let unregister clean it up.
					go func(c *wsClient) { h.unregister <- c }(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// removeFromTenantMap drops a client from the tenant index. Caller holds
// the write lock.
func (h *wsHub) removeFromTenantMap(client *wsClient) {
	clients := h.tenantClients[client.tenantID]
	for i, c := range clients {
		if c == client {
			h.tenantClients[client.tenantID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.tenantClients[client.tenantID]) == 0 {
		delete(h.tenantClients, client.tenantID)
	}
}

// ClientCount returns the number of connected clients.
func (h *wsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Clients don't send messages; reads only service control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleWebSocket upgrades the connection and streams the tenant's events.
func (s *Server) handleWebSocket(c *gin.Context) {
	tenantID := auth.TenantID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithTenant(tenantID).Error("websocket upgrade failed", "error", err.Error())
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		tenantID:  tenantID,
		closeChan: make(chan struct{}),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()

	welcome := map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "event feed established",
		"timestamp": time.Now().UTC(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}
