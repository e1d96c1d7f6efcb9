package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	gatewayWriteTimeout = 5 * time.Second
	gatewayPingInterval = 30 * time.Second
	clientSendBuffer    = 16
)

// Gateway bridges the notification queue to WebSocket subscribers. Events
// published anywhere in the process (or, with the Redis queue, anywhere in the
// fleet) are broadcast to every connected client.
type Gateway struct {
	queue    Queue
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*gatewayClient]struct{}
	closed  bool
}

type gatewayClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewGateway wires a gateway to the queue. Call Run to start the broadcast
// loop.
func NewGateway(queue Queue, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		queue:  queue,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Notification frames carry no client-specific secrets, so
			// cross-origin dashboards may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*gatewayClient]struct{}),
	}
}

// Run consumes the queue subscription and fans events out to connected
// clients until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.queue.Subscribe()
	defer sub.Close()
	defer g.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			g.broadcast(event)
		}
	}
}

func (g *Gateway) broadcast(event Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for client := range g.clients {
		select {
		case client.send <- event:
		default:
			// Slow consumers are disconnected instead of stalling the
			// broadcast loop.
			delete(g.clients, client)
			close(client.send)
		}
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for client := range g.clients {
		delete(g.clients, client)
		close(client.send)
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams notification
// events to the client as JSON frames.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &gatewayClient{conn: conn, send: make(chan Event, clientSendBuffer)}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.clients[client] = struct{}{}
	g.mu.Unlock()

	go g.writeLoop(client)
	g.readLoop(client)
}

func (g *Gateway) writeLoop(client *gatewayClient) {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()
	defer client.conn.Close()

	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(gatewayWriteTimeout))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
			if err := client.conn.WriteJSON(event); err != nil {
				g.drop(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.drop(client)
				return
			}
		}
	}
}

// readLoop discards inbound frames; the stream is broadcast-only. It returns
// when the peer disconnects, which tears the client down.
func (g *Gateway) readLoop(client *gatewayClient) {
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			g.drop(client)
			return
		}
	}
}

func (g *Gateway) drop(client *gatewayClient) {
	g.mu.Lock()
	if _, ok := g.clients[client]; ok {
		delete(g.clients, client)
		close(client.send)
	}
	g.mu.Unlock()
	_ = client.conn.Close()
}
