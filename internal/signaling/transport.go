package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"speakeasy/internal/config"
	"speakeasy/internal/protocol"
)

const writeTimeout = 5 * time.Second

// defaultHeartbeatPeriod and defaultMissedHeartbeats back Transport when
// it is built without an explicit config.Timeouts (e.g. in tests),
// matching config.Default()'s own values.
const (
	defaultHeartbeatPeriod  = 10 * time.Second
	defaultMissedHeartbeats = 3
)

// Transport owns the websocket upgrade and per-connection read/write
// goroutines, the way the teacher's internal/ws.Handler owns upgrade and
// framing while internal/core.ChannelState owns room state. Here the Hub
// plays ChannelState's role and Transport is its thin websocket skin.
type Transport struct {
	hub      *Hub
	upgrader websocket.Upgrader

	heartbeatPeriod  time.Duration
	missedHeartbeats int
}

// NewTransport builds a Transport bound to hub, using cfg's heartbeat
// tuning (or config.Default()'s values if cfg is zero) to enforce spec
// §4.2's "missing N heartbeats transitions to Closed with reason=timeout".
func NewTransport(hub *Hub, cfg config.Timeouts) *Transport {
	period := cfg.HeartbeatPeriod.Value()
	if period <= 0 {
		period = defaultHeartbeatPeriod
	}
	missed := cfg.MissedHeartbeats
	if missed <= 0 {
		missed = defaultMissedHeartbeats
	}
	return &Transport{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		heartbeatPeriod:  period,
		missedHeartbeats: missed,
	}
}

// Register binds the websocket route on an Echo router.
func (t *Transport) Register(e *echo.Echo) {
	e.GET("/ws", t.handleUpgrade)
}

func (t *Transport) handleUpgrade(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := t.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	t.serveConn(c.Request().Context(), conn, remoteAddr)
	return nil
}

func (t *Transport) serveConn(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	deadline := t.heartbeatPeriod * time.Duration(t.missedHeartbeats)
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	session := NewSession(64)
	session.RemoteIP = remoteAddr
	session.SetCloseFunc(func() { _ = conn.Close() })
	t.hub.Register(session)
	slog.Info("ws connected", "session_id", session.ID, "remote", remoteAddr)

	defer t.hub.Remove(context.Background(), session)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go t.pingLoop(conn, session.ID, pingDone)

	go t.writeLoop(session, conn, remoteAddr)

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				slog.Info("ws heartbeat timeout", "session_id", session.ID, "remote", remoteAddr, "reason", "timeout")
				session.trySend(protocol.Message{Type: protocol.TypeError, Error: "heartbeat timeout", ErrorKind: "timeout"})
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "session_id", session.ID, "err", err)
			}
			return
		}
		slog.Debug("ws recv", "session_id", session.ID, "type", in.Type)
		t.hub.HandleInbound(ctx, session, in)
	}
}

// pingLoop writes a native ping control frame every heartbeatPeriod;
// serveConn's pong handler refreshes the read deadline on reply, so a
// peer that stops answering is read-timed-out after missedHeartbeats
// periods, per spec §4.2.
func (t *Transport) pingLoop(conn *websocket.Conn, sessionID string, done <-chan struct{}) {
	ticker := time.NewTicker(t.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("ws ping failed", "session_id", sessionID, "err", err)
				return
			}
		}
	}
}

func (t *Transport) writeLoop(session *Session, conn *websocket.Conn, remoteAddr string) {
	for out := range session.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(out); err != nil {
			slog.Debug("ws write error", "session_id", session.ID, "remote", remoteAddr, "type", out.Type, "err", err)
			return
		}
	}
	slog.Debug("ws send channel closed", "session_id", session.ID)
}
