// Package relayclient maintains the websocket session with the relay:
// dialing with backoff, the hello handshake, heartbeats, liveness
// checks and send/ack bookkeeping.
package relayclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
)

// State of the relay connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosed     State = "closed"
)

// Session timings.
const (
	connectTimeout    = 8 * time.Second
	readyTimeout      = 8 * time.Second
	ackTimeout        = 10 * time.Second
	heartbeatInterval = 10 * time.Second
	presenceStaleAt   = 25 * time.Second
	serverDeadAfter   = 45 * time.Second
	writeTimeout      = 5 * time.Second

	backoffInitial = 1200 * time.Millisecond
	backoffCap     = 10 * time.Second
)

// Errors surfaced to callers of SendFrame / WaitReady.
var (
	ErrRelayTimeout   = errors.New("relay timeout")
	ErrConnectionLost = errors.New("connection lost")
	ErrShuttingDown   = errors.New("shutting down")
	ErrNotReady       = errors.New("relay not ready")
)

// Handler receives everything the relay pushes. Callbacks run on the
// session's read goroutine; implementations must not block.
type Handler interface {
	HandleHello(p protocol.HelloOKPayload, endpoint string)
	HandlePresence(p protocol.PresencePayload)
	HandlePresenceDelta(p protocol.PresenceDeltaPayload)
	HandleDeliver(frame protocol.Frame)
	HandleAnnouncementSnapshot(p protocol.AnnouncementSnapshotPayload)
	HandleAnnouncementExpired(p protocol.AnnouncementExpiredPayload)
	HandleAnnouncementReactions(p protocol.AnnouncementReactionsPayload)
	HandleConnectionState(state State)
}

type ackResult struct {
	deliveredTo []string
	err         error
}

// Client is the relay connection state machine. Run drives it; the
// zero state is idle and Close is terminal.
type Client struct {
	profile func() protocol.PeerProfile
	handler Handler
	picker  *endpointPicker

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	pendingAcks  map[string]chan ackResult
	readyWaiters []chan error
	closed       bool
	lastServer   time.Time
	lastPresence time.Time
}

// New builds a client. profile is called for every hello so the relay
// always sees the current display name. manualAddr may be empty;
// source may be nil when discovery is disabled.
func New(profile func() protocol.PeerProfile, handler Handler, manualAddr string, source EndpointSource) *Client {
	return &Client{
		profile:     profile,
		handler:     handler,
		picker:      newEndpointPicker(manualAddr, source),
		state:       StateIdle,
		pendingAcks: make(map[string]chan ackResult),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.closed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.handler.HandleConnectionState(s)
	}
}

// Run dials, handshakes and reads until ctx is cancelled or Close is
// called. Reconnects with exponential backoff, reset after every
// successful hello.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		url := c.picker.pick()
		c.setState(StateConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			slog.Debug("relay dial failed", "url", url, "error", err)
		} else {
			greeted := c.session(ctx, conn, url)
			if greeted {
				backoff = backoffInitial
			}
		}
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		c.setState(StateIdle)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// session runs one connection to completion and reports whether the
// hello handshake succeeded at least once.
func (c *Client) session(ctx context.Context, conn *websocket.Conn, url string) bool {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.lastServer = now
	c.lastPresence = now
	c.mu.Unlock()

	defer c.teardown(conn)

	hello, err := protocol.NewEnvelope(protocol.EnvHello, c.profile())
	if err != nil {
		slog.Error("encode hello", "error", err)
		return false
	}
	if err := c.write(conn, hello); err != nil {
		slog.Debug("send hello", "url", url, "error", err)
		return false
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(conn, done)

	greeted := false
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if greeted {
				slog.Info("relay connection lost", "url", url, "error", err)
			}
			return greeted
		}
		c.mu.Lock()
		c.lastServer = time.Now()
		c.mu.Unlock()

		switch env.Type {
		case protocol.EnvHelloOK:
			var p protocol.HelloOKPayload
			if err := env.Decode(&p); err != nil {
				slog.Warn("bad hello:ok", "error", err)
				continue
			}
			greeted = true
			c.picker.markGood(url)
			c.becomeReady()
			c.handler.HandleHello(p, url)

		case protocol.EnvPong:
			// liveness already refreshed above

		case protocol.EnvPresence:
			var p protocol.PresencePayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.mu.Lock()
			c.lastPresence = time.Now()
			c.mu.Unlock()
			c.handler.HandlePresence(p)

		case protocol.EnvPresenceDelta:
			var p protocol.PresenceDeltaPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.mu.Lock()
			c.lastPresence = time.Now()
			c.mu.Unlock()
			c.handler.HandlePresenceDelta(p)

		case protocol.EnvSendAck:
			var p protocol.SendAckPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.resolveAck(p)

		case protocol.EnvDeliver:
			var p protocol.DeliverPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.handler.HandleDeliver(p.Frame)

		case protocol.EnvAnnouncementSnapshot:
			var p protocol.AnnouncementSnapshotPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.handler.HandleAnnouncementSnapshot(p)

		case protocol.EnvAnnouncementExpired:
			var p protocol.AnnouncementExpiredPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.handler.HandleAnnouncementExpired(p)

		case protocol.EnvAnnouncementReactions:
			var p protocol.AnnouncementReactionsPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			c.handler.HandleAnnouncementReactions(p)

		case protocol.EnvError:
			var p protocol.ErrorPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			slog.Warn("relay error", "code", p.Code, "message", p.Message)

		default:
			slog.Debug("discarding unknown envelope", "type", env.Type)
		}
	}
}

// keepalive sends heartbeats and enforces liveness: a silent server is
// dropped after serverDeadAfter, a stale presence view triggers a
// fresh snapshot request.
func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		silent := time.Since(c.lastServer)
		stale := time.Since(c.lastPresence)
		c.mu.Unlock()

		if silent > serverDeadAfter {
			slog.Warn("relay silent, dropping connection", "silence", silent.Round(time.Second))
			conn.Close()
			return
		}

		hb, err := protocol.NewEnvelope(protocol.EnvHeartbeat, protocol.HeartbeatPayload{TS: time.Now().UnixMilli()})
		if err == nil {
			if err := c.write(conn, hb); err != nil {
				return
			}
		}
		if stale > presenceStaleAt {
			req := protocol.Envelope{Type: protocol.EnvPresenceRequest}
			if err := c.write(conn, req); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// becomeReady flips to READY and releases everyone blocked in WaitReady.
func (c *Client) becomeReady() {
	c.mu.Lock()
	waiters := c.readyWaiters
	c.readyWaiters = nil
	wasReady := c.state == StateReady
	c.state = StateReady
	c.mu.Unlock()
	for _, w := range waiters {
		w <- nil
	}
	if !wasReady {
		c.handler.HandleConnectionState(StateReady)
	}
}

func (c *Client) resolveAck(p protocol.SendAckPayload) {
	c.mu.Lock()
	ch, ok := c.pendingAcks[p.FrameMessageID]
	if ok {
		delete(c.pendingAcks, p.FrameMessageID)
	}
	c.mu.Unlock()
	if ok {
		deliveredTo := p.DeliveredTo
		if deliveredTo == nil {
			deliveredTo = []string{}
		}
		ch <- ackResult{deliveredTo: deliveredTo}
	}
}

// teardown runs when a session ends: every pending ack and ready
// waiter is rejected so callers fail fast instead of hanging across
// the reconnect.
func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	cause := ErrConnectionLost
	if c.closed {
		cause = ErrShuttingDown
	}
	acks := c.pendingAcks
	c.pendingAcks = make(map[string]chan ackResult)
	waiters := c.readyWaiters
	c.readyWaiters = nil
	c.mu.Unlock()

	for _, ch := range acks {
		ch <- ackResult{err: cause}
	}
	for _, w := range waiters {
		w <- cause
	}
}

// WaitReady blocks until the session reaches READY, the timeout
// elapses, the connection drops or the client closes.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	c.readyWaiters = append(c.readyWaiters, ch)
	c.mu.Unlock()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		c.dropWaiter(ch)
		return ErrNotReady
	case <-ctx.Done():
		c.dropWaiter(ch)
		return ctx.Err()
	}
}

func (c *Client) dropWaiter(ch chan error) {
	c.mu.Lock()
	for i, w := range c.readyWaiters {
		if w == ch {
			c.readyWaiters = append(c.readyWaiters[:i], c.readyWaiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// SendFrame routes one application frame through the relay and waits
// for the send:ack. Returns the device ids the relay delivered the
// frame to (empty when the target was offline).
func (c *Client) SendFrame(ctx context.Context, frame protocol.Frame) ([]string, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	conn := c.conn
	if c.state != StateReady || conn == nil {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	ch := make(chan ackResult, 1)
	c.pendingAcks[frame.MessageID] = ch
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.EnvSend, protocol.SendPayload{Frame: frame})
	if err != nil {
		c.dropAck(frame.MessageID)
		return nil, err
	}
	if err := c.write(conn, env); err != nil {
		c.dropAck(frame.MessageID)
		return nil, ErrConnectionLost
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.deliveredTo, res.err
	case <-timer.C:
		c.dropAck(frame.MessageID)
		return nil, ErrRelayTimeout
	case <-ctx.Done():
		c.dropAck(frame.MessageID)
		return nil, ctx.Err()
	}
}

func (c *Client) dropAck(messageID string) {
	c.mu.Lock()
	delete(c.pendingAcks, messageID)
	c.mu.Unlock()
}

// UpdateProfile pushes the current profile to the relay when READY.
// Not an error while disconnected: the next hello carries it anyway.
func (c *Client) UpdateProfile() {
	c.mu.Lock()
	conn := c.conn
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready || conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(protocol.EnvUpdateProfile, c.profile())
	if err != nil {
		return
	}
	if err := c.write(conn, env); err != nil {
		slog.Debug("push profile", "error", err)
	}
}

// Close ends the client for good. Pending calls fail with
// ErrShuttingDown and Run returns.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	} else {
		// no live session to tear down; reject waiters here
		c.mu.Lock()
		acks := c.pendingAcks
		c.pendingAcks = make(map[string]chan ackResult)
		waiters := c.readyWaiters
		c.readyWaiters = nil
		c.mu.Unlock()
		for _, ch := range acks {
			ch <- ackResult{err: ErrShuttingDown}
		}
		for _, w := range waiters {
			w <- ErrShuttingDown
		}
	}
	c.setState(StateClosed)
}
