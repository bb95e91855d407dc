// Package statusfeed serves the client's SyncState to local observers.
//
//	GET /status     latest state as JSON
//	GET /status/ws  websocket; one JSON text message per state change
package statusfeed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/attendsync/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Source provides sync state. Subscribe must replay the latest state
// first, as *worker.Worker does.
type Source interface {
	State() event.SyncState
	Subscribe() (<-chan event.SyncState, func())
}

// Hub serves a Source over HTTP and websockets.
type Hub struct {
	source   Source
	logger   *slog.Logger
	upgrader websocket.Upgrader

	wg       sync.WaitGroup
	done     chan struct{}
	closeOne sync.Once
}

// New creates a Hub for source. A nil logger means slog.Default().
func New(source Source, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Handler returns the routes of the feed.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.serveState)
	mux.HandleFunc("GET /status/ws", h.serveWS)
	return mux
}

// Close disconnects every websocket client and waits for their
// goroutines to exit.
func (h *Hub) Close() {
	h.closeOne.Do(func() { close(h.done) })
	h.wg.Wait()
}

func (h *Hub) serveState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.source.State()); err != nil {
		h.logger.Warn("write status", "error", err)
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "status feed closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "error", err)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	defer conn.Close()

	states, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(gone)
		h.readPump(conn)
	}()
	defer func() { <-gone }()

	h.writePump(conn, states, gone)
}

// readPump consumes control frames until the peer goes away.
func (h *Hub) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", "error", err)
			}
			return
		}
	}
}

// writePump sends every state the subscription yields, starting with the
// latest one, until the peer leaves or the hub closes. It always closes
// conn on return so that readPump unblocks.
func (h *Hub) writePump(conn *websocket.Conn, states <-chan event.SyncState, gone <-chan struct{}) {
	defer conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-gone:
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if err := writeState(conn, s); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeState(conn *websocket.Conn, s event.SyncState) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(s)
}
