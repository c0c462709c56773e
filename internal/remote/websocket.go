package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// wsRequest is one call frame sent to the relay.
type wsRequest struct {
	ID       int64  `json:"id"`
	Method   string `json:"method"`
	Argument string `json:"argument"`
}

// wsReply is the relay's answer to a wsRequest with the same ID. A
// non-empty Error means the remote side raised.
type wsReply struct {
	ID     int64  `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// WebSocketConfig configures a WebSocket channel.
type WebSocketConfig struct {
	// URL is the relay address (ws:// or wss://).
	URL string

	// Logger is the structured logger for channel diagnostics.
	Logger *slog.Logger
}

// WebSocket sends calls as JSON text frames to a relay that executes
// them against darktable and answers with one frame per call. It is the
// transport for a darktable instance that is not on the local bus.
type WebSocket struct {
	config WebSocketConfig
	logger *slog.Logger
	dialer websocket.Dialer

	conn   *websocket.Conn
	nextID int64
}

// NewWebSocket creates a WebSocket channel. No connection is made until
// Connect.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		config: cfg,
		logger: logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024 * 1024, // image metadata and LLM replies can be large
			WriteBufferSize:  64 * 1024,
		},
	}
}

// Connect dials the relay.
func (w *WebSocket) Connect(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.config.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrChannelUnavailable, w.config.URL, err)
	}
	w.conn = conn
	w.logger.Info("connected to remote relay", "url", w.config.URL)
	return nil
}

// Invoke writes one call frame and reads frames until the matching
// reply arrives. A connection that failed mid-call is dropped and
// redialed by the next Invoke, since its stream position is unknown.
func (w *WebSocket) Invoke(ctx context.Context, method, argument string) (string, error) {
	if w.conn == nil {
		if err := w.Connect(ctx); err != nil {
			return "", &CallError{Method: method, Err: err}
		}
	}
	conn := w.conn

	// gorilla/websocket does not take a context; map cancellation onto
	// the connection deadlines instead.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
		conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	w.nextID++
	req := wsRequest{ID: w.nextID, Method: method, Argument: argument}
	if err := conn.WriteJSON(req); err != nil {
		w.drop()
		return "", &CallError{Method: method, Err: fmt.Errorf("write: %w", err)}
	}

	for {
		var reply wsReply
		if err := conn.ReadJSON(&reply); err != nil {
			w.drop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
				err = context.DeadlineExceeded
			}
			return "", &CallError{Method: method, Err: fmt.Errorf("read: %w", err)}
		}
		if reply.ID != req.ID {
			w.logger.Debug("skipping unmatched relay reply", "id", reply.ID, "want", req.ID)
			continue
		}
		if reply.Error != "" {
			return "", &CallError{Method: method, Err: errors.New(reply.Error)}
		}
		return reply.Result, nil
	}
}

// Ping sends a WebSocket ping control frame.
func (w *WebSocket) Ping(ctx context.Context) error {
	if w.conn == nil {
		return errNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	return w.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	if w.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *WebSocket) drop() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
