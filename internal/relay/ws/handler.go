// Package ws owns the relay's websocket transport: one goroutine pair per
// session, a hello-first state machine, and envelope dispatch into the hub.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relay/core"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const writeTimeout = 5 * time.Second

// maxEnvelopeBytes bounds one inbound envelope. A 64 KiB chunk grows to
// ~87 KiB as base64 inside its JSON envelope.
const maxEnvelopeBytes = 1 << 20

// Inbound envelope rate limit per session. File chunks dominate; 200/s
// sustains ~12 MiB/s per sender while keeping floods survivable.
const (
	envelopeRate  = 200
	envelopeBurst = 400
)

// Handler owns websocket transport for the relay.
type Handler struct {
	hub      *core.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to hub.
func NewHandler(hub *core.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// serveConn runs the AWAITING_HELLO → LIVE → CLOSED state machine for
// one connection.
func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxEnvelopeBytes)

	// AWAITING_HELLO: the first envelope must be relay:hello.
	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Type != protocol.EnvHello {
		h.writeDirect(conn, errorEnvelope(protocol.ErrCodeNotReady, "hello required before anything else"))
		return
	}
	var profile protocol.PeerProfile
	if err := first.Decode(&profile); err != nil || profile.DeviceID == "" {
		h.writeDirect(conn, errorEnvelope(protocol.ErrCodeNotReady, "hello must carry a device profile"))
		return
	}

	session, rev := h.hub.Register(profile)
	defer h.hub.Remove(session)

	// Writer goroutine: drains the hub's send channel. The hub closes
	// the channel on removal or replacement, which closes the socket and
	// unblocks the read loop.
	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				break
			}
		}
		conn.Close()
	}()

	h.queue(session, mustEnvelope(protocol.EnvHelloOK, protocol.HelloOKPayload{
		ServerName: h.hub.ServerName(),
		Revision:   rev,
	}))
	h.queue(session, mustEnvelope(protocol.EnvPresence, h.hub.PresenceSnapshot()))
	h.queue(session, mustEnvelope(protocol.EnvAnnouncementSnapshot, h.hub.AnnouncementSnapshot()))

	// LIVE: dispatch envelopes until the socket dies.
	limiter := rate.NewLimiter(rate.Limit(envelopeRate), envelopeBurst)
	for {
		var in protocol.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.hub.Touch(session.DeviceID)
		if !limiter.Allow() {
			h.queue(session, errorEnvelope(protocol.ErrCodeRateLimited, "slow down"))
			continue
		}
		h.handleInbound(session, in)
	}
}

func (h *Handler) handleInbound(session *core.Session, in protocol.Envelope) {
	switch in.Type {
	case protocol.EnvHeartbeat:
		var hb protocol.HeartbeatPayload
		_ = in.Decode(&hb)
		h.queue(session, mustEnvelope(protocol.EnvPong, protocol.HeartbeatPayload{TS: hb.TS}))

	case protocol.EnvHello:
		// A second hello on a live session re-registers in place.
		var profile protocol.PeerProfile
		if err := in.Decode(&profile); err == nil && profile.DeviceID == session.DeviceID {
			h.hub.UpdateProfile(session.DeviceID, profile)
		}

	case protocol.EnvUpdateProfile:
		var profile protocol.PeerProfile
		if err := in.Decode(&profile); err != nil {
			return
		}
		h.hub.UpdateProfile(session.DeviceID, profile)

	case protocol.EnvPresenceRequest:
		h.queue(session, mustEnvelope(protocol.EnvPresence, h.hub.PresenceSnapshot()))

	case protocol.EnvSend:
		var p protocol.SendPayload
		if err := in.Decode(&p); err != nil {
			slog.Debug("malformed relay:send discarded", "device", session.DeviceID, "err", err)
			return
		}
		frame := p.Frame
		// The session, not the frame, is the authority on the sender.
		frame.From = session.DeviceID
		if err := frame.Validate(); err != nil {
			slog.Debug("invalid frame discarded", "device", session.DeviceID, "err", err)
			return
		}
		delivered := h.hub.Route(session.DeviceID, frame)
		if delivered == nil {
			delivered = []string{}
		}
		h.queue(session, mustEnvelope(protocol.EnvSendAck, protocol.SendAckPayload{
			FrameMessageID: frame.MessageID,
			DeliveredTo:    delivered,
		}))

	default:
		// Unknown envelopes never crash a session.
		slog.Debug("unknown envelope discarded", "device", session.DeviceID, "type", in.Type)
	}
}

func (h *Handler) queue(session *core.Session, env protocol.Envelope) {
	h.hub.SendTo(session.DeviceID, env)
}

func (h *Handler) writeDirect(conn *websocket.Conn, env protocol.Envelope) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(env)
}

func errorEnvelope(code, msg string) protocol.Envelope {
	return mustEnvelope(protocol.EnvError, protocol.ErrorPayload{Code: code, Message: msg})
}

// mustEnvelope wraps NewEnvelope for payload structs that cannot fail to
// marshal.
func mustEnvelope(envType string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(envType, payload)
	if err != nil {
		return protocol.Envelope{Type: envType}
	}
	return env
}
