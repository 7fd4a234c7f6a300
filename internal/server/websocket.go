package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-speechgate/internal/pipeline"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// Client stream timing.
const (
	DecisionInterval = 100 * time.Millisecond // At most 10 decisions per second
	StatusInterval   = 3 * time.Second
	sendBuffer       = 32
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests and non-browser clients omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}
	host := u.Hostname()

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == "localhost" || host == requestHost {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Client streams pipeline events to one WebSocket connection and dispatches
// its commands.
type Client struct {
	Hub      *pipeline.Hub
	Commands *CommandHandler
	Status   func() types.WSStatusResponse
}

// Serve runs the client until the connection closes.
func (c *Client) Serve(conn WebSocketConn) {
	// Only the writer goroutine writes to the connection.
	send := make(chan any, sendBuffer)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	events, unsubscribe := c.Hub.Subscribe(0)
	defer unsubscribe()

	quit := make(chan struct{})
	defer close(quit)

	go runWriter(conn, send, quit)
	go c.runReader(conn, send, done, statusUpdate)

	c.runEventLoop(events, send, done, statusUpdate)
}

// runWriter writes messages from the send channel to the connection until
// quit is closed. The send channel is never closed because async command
// handlers may still hold it.
func runWriter(conn WebSocketConn, send <-chan any, quit <-chan struct{}) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case <-quit:
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// runReader reads commands from the connection and dispatches them.
func (c *Client) runReader(conn WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	trigger := func() {
		select {
		case statusUpdate <- struct{}{}:
		default:
		}
	}
	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if c.Commands != nil {
			c.Commands.Handle(cmd, send, trigger)
		}
	}
}

// runEventLoop forwards hub messages and periodic status. Decisions are
// coalesced so only the latest one per DecisionInterval is sent.
func (c *Client) runEventLoop(events <-chan any, send chan<- any, done, statusUpdate <-chan struct{}) {
	decisionTicker := time.NewTicker(DecisionInterval)
	statusTicker := time.NewTicker(StatusInterval)
	defer decisionTicker.Stop()
	defer statusTicker.Stop()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	var pending latest[types.WSDecisionResponse]

	if !trySend(c.Status()) {
		return
	}
	for {
		select {
		case <-done:
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if dec, isDecision := msg.(types.WSDecisionResponse); isDecision {
				pending.Set(dec)
				continue
			}
			if !trySend(msg) {
				return
			}
		case <-decisionTicker.C:
			if dec, ok := pending.Take(); ok && !trySend(dec) {
				return
			}
		case <-statusUpdate:
			if !trySend(c.Status()) {
				return
			}
		case <-statusTicker.C:
			if !trySend(c.Status()) {
				return
			}
		}
	}
}
