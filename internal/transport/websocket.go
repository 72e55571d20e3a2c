package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		// Parse the origin URL
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// Allow same origin (same host)
		if originURL.Host == r.Host {
			return true
		}

		// Allow localhost connections (common for development)
		if originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1" {
			return true
		}

		return false
	},
}

// pushInterval is how often progress is pushed to stream clients.
const pushInterval = 200 * time.Millisecond

// WebSocketServer streams run progress to connected clients.
type WebSocketServer struct {
	api    BenchAPI
	logger *slog.Logger

	clients   map[*websocket.Conn]*sync.Mutex // per-connection write lock
	clientsMu sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(api BenchAPI, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		api:     api,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = &sync.Mutex{}
		total := len(ws.clients)
		ws.clientsMu.Unlock()

		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		// New clients get the current state without waiting for a tick.
		if data, err := json.Marshal(ws.api.Status()); err == nil {
			ws.send(conn, data)
		}

		// Handle client disconnect
		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()

			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read messages (mainly for ping/pong)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				break
			}
		}
	}
}

// Start begins the progress broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops the WebSocket server. It is safe to call more than once.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]*sync.Mutex)
		ws.clientsMu.Unlock()
	})
}

// broadcastLoop pushes the progress snapshot to all clients while a run is
// active, and once more after it ends so clients see the final result.
func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	var lastRun string
	var sentFinal bool
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			progress := ws.api.Status()
			if progress.RunID != lastRun {
				lastRun, sentFinal = progress.RunID, false
			}
			switch {
			case progress.Status == types.StatusRunning:
				ws.broadcastProgress(progress)
			case progress.RunID != "" && !sentFinal:
				ws.broadcastProgress(progress)
				sentFinal = true
			}
		}
	}
}

// broadcastProgress sends a progress snapshot to all connected clients.
func (ws *WebSocketServer) broadcastProgress(progress types.Progress) {
	data, err := json.Marshal(progress)
	if err != nil {
		ws.logger.Error("Failed to marshal progress", slog.String("error", err.Error()))
		return
	}

	ws.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(ws.clients))
	for conn := range ws.clients {
		conns = append(conns, conn)
	}
	ws.clientsMu.RUnlock()

	for _, conn := range conns {
		ws.send(conn, data)
	}
}

// send writes one message; failed clients are cleaned up by their read loop.
func (ws *WebSocketServer) send(conn *websocket.Conn, data []byte) {
	ws.clientsMu.RLock()
	mu := ws.clients[conn]
	ws.clientsMu.RUnlock()
	if mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
	}
}
