package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/randalmurphal/flowrun/pkg/flowrun"
)

// handleStream upgrades to a WebSocket and relays the run's events as JSON
// text frames. A text "ping" from the client is answered with "pong". The
// connection is closed normally after the terminal status event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	logger := s.logger.With("run_id", runID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.engine.Subscribe(ctx, runID)
	if err != nil {
		if flowrun.KindOf(err) == flowrun.KindNotFound {
			conn.Close(websocket.StatusPolicyViolation, "run not found")
			return
		}
		logger.Error("subscribe failed", "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	logger.Debug("websocket connected")

	wc := &wsConn{conn: conn, timeout: s.writeTimeout}
	go func() {
		defer cancel()
		wc.readPings(ctx)
	}()

	for evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			logger.Error("encode event", "error", err)
			continue
		}
		if err := wc.write(ctx, data); err != nil {
			logger.Debug("websocket write failed", "error", err)
			conn.CloseNow()
			return
		}
	}

	if ctx.Err() != nil {
		// Client went away or the server is shutting down.
		conn.CloseNow()
		return
	}
	conn.Close(websocket.StatusNormalClosure, "run finished")
	logger.Debug("websocket closed")
}

// wsConn serialises writes from the event relay and the ping reader.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *wsConn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readPings answers "ping" until the connection fails.
func (c *wsConn) readPings(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText && string(data) == "ping" {
			if err := c.write(ctx, []byte("pong")); err != nil {
				return
			}
		}
	}
}
