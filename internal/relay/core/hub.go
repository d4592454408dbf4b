// Package core holds the relay's in-memory state: the presence table with
// its monotonic revision counter and the announcements ring. One session
// per device id; all mutations go through the Hub, which serializes them
// under a single lock and pushes envelopes into per-session send channels.
package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
)

// MaxSessionIdle is how long a session may go without any envelope
// before the relay terminates it.
const MaxSessionIdle = 45 * time.Second

// sendBuffer is the per-session outbound queue depth. A session that
// cannot drain this many envelopes is dropped rather than blocking the
// hub.
const sendBuffer = 64

// Session is the hub-side handle of one connected client. The transport
// goroutine drains Send; the channel is closed by the hub on removal or
// replacement.
type Session struct {
	DeviceID string
	Send     chan protocol.Envelope
}

type sessionState struct {
	profile     protocol.PeerProfile
	send        chan protocol.Envelope
	connectedAt time.Time
	lastSeenAt  time.Time
}

// Hub is the relay's presence table plus announcements ring.
type Hub struct {
	mu         sync.RWMutex
	serverName string
	sessions   map[string]*sessionState
	revision   uint64
	ring       *Ring
	now        func() time.Time // test hook
}

// NewHub returns an empty hub with the given announcement TTL.
func NewHub(serverName string, announcementTTL time.Duration) *Hub {
	if serverName == "" {
		serverName = "lantern relay"
	}
	return &Hub{
		serverName: serverName,
		sessions:   make(map[string]*sessionState),
		ring:       NewRing(announcementTTL),
		now:        time.Now,
	}
}

// ServerName returns the configured display name.
func (h *Hub) ServerName() string { return h.serverName }

// Revision returns the current presence revision.
func (h *Hub) Revision() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.revision
}

// ClientCount returns the number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// AnnouncementCount returns how many announcements the ring holds.
func (h *Hub) AnnouncementCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ring.Len()
}

// Register installs a session for profile.DeviceID, replacing (and
// closing) any prior session for the same device. It returns the new
// session and the revision assigned to the upsert delta that was
// broadcast to every other client.
func (h *Hub) Register(profile protocol.PeerProfile) (*Session, uint64) {
	now := h.now()
	profile.LastSeenAt = now.UnixMilli()

	h.mu.Lock()
	if prior, ok := h.sessions[profile.DeviceID]; ok {
		close(prior.send)
		delete(h.sessions, profile.DeviceID)
	}
	st := &sessionState{
		profile:     profile,
		send:        make(chan protocol.Envelope, sendBuffer),
		connectedAt: now,
		lastSeenAt:  now,
	}
	h.sessions[profile.DeviceID] = st
	h.revision++
	rev := h.revision
	delta := h.deltaEnvelope(protocol.PresenceDeltaPayload{
		Op:       protocol.PresenceOpUpsert,
		Peer:     &profile,
		Revision: rev,
	})
	h.broadcastLocked(delta, profile.DeviceID)
	count := len(h.sessions)
	h.mu.Unlock()

	slog.Info("session live", "device", profile.DeviceID, "name", profile.DisplayName,
		"revision", rev, "clients", count)
	return &Session{DeviceID: profile.DeviceID, Send: st.send}, rev
}

// Remove tears down a session. The session argument guards against a
// stale transport removing the replacement that displaced it: removal
// only happens when the stored send channel is the caller's.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	st, ok := h.sessions[s.DeviceID]
	if !ok || st.send != s.Send {
		h.mu.Unlock()
		return
	}
	close(st.send)
	delete(h.sessions, s.DeviceID)
	h.revision++
	rev := h.revision
	delta := h.deltaEnvelope(protocol.PresenceDeltaPayload{
		Op:       protocol.PresenceOpRemove,
		DeviceID: s.DeviceID,
		Revision: rev,
	})
	h.broadcastLocked(delta, "")
	count := len(h.sessions)
	h.mu.Unlock()

	slog.Info("session removed", "device", s.DeviceID, "revision", rev, "clients", count)
}

// Touch advances a session's lastSeenAt; called on every received
// envelope.
func (h *Hub) Touch(deviceID string) {
	h.mu.Lock()
	if st, ok := h.sessions[deviceID]; ok {
		st.lastSeenAt = h.now()
	}
	h.mu.Unlock()
}

// UpdateProfile mutates the presence entry in place and broadcasts an
// upsert delta.
func (h *Hub) UpdateProfile(deviceID string, profile protocol.PeerProfile) bool {
	profile.DeviceID = deviceID
	profile.LastSeenAt = h.now().UnixMilli()

	h.mu.Lock()
	st, ok := h.sessions[deviceID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	st.profile = profile
	st.lastSeenAt = h.now()
	h.revision++
	delta := h.deltaEnvelope(protocol.PresenceDeltaPayload{
		Op:       protocol.PresenceOpUpsert,
		Peer:     &profile,
		Revision: h.revision,
	})
	h.broadcastLocked(delta, "")
	h.mu.Unlock()
	return true
}

// PresenceSnapshot returns the full presence list plus current revision.
func (h *Hub) PresenceSnapshot() protocol.PresencePayload {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]protocol.PeerProfile, 0, len(h.sessions))
	for _, st := range h.sessions {
		p := st.profile
		p.LastSeenAt = st.lastSeenAt.UnixMilli()
		peers = append(peers, p)
	}
	return protocol.PresencePayload{Peers: peers, Revision: h.revision}
}

// AnnouncementSnapshot returns the live announcements and reactions for
// the post-hello snapshot envelope.
func (h *Hub) AnnouncementSnapshot() protocol.AnnouncementSnapshotPayload {
	h.mu.RLock()
	defer h.mu.RUnlock()
	frames, reactions := h.ring.Snapshot(h.now())
	if frames == nil {
		frames = []protocol.Frame{}
	}
	return protocol.AnnouncementSnapshotPayload{Frames: frames, Reactions: reactions}
}

// Route handles one relay:send frame from deviceID and returns the
// device ids the frame was delivered to. Direct frames to absent peers
// are dropped; resynchronization is the clients' duty.
func (h *Hub) Route(from string, frame protocol.Frame) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !frame.IsBroadcast() {
		target := frame.Target()
		st, ok := h.sessions[target]
		if !ok {
			return nil
		}
		env, err := protocol.NewEnvelope(protocol.EnvDeliver, protocol.DeliverPayload{Frame: frame})
		if err != nil {
			return nil
		}
		if h.sendLocked(target, st, env) {
			return []string{target}
		}
		return nil
	}

	// Broadcast path: ring side effects first, then fan-out.
	switch frame.Type {
	case protocol.FrameAnnounce:
		h.ring.Insert(frame)

	case protocol.FrameChatReact:
		var p protocol.ReactPayload
		if err := frame.DecodePayload(&p); err == nil {
			emoji := ""
			if p.Reaction != nil {
				emoji = *p.Reaction
			}
			if reactions, ok := h.ring.React(p.TargetMessageID, frame.From, emoji); ok {
				env, err := protocol.NewEnvelope(protocol.EnvAnnouncementReactions,
					protocol.AnnouncementReactionsPayload{
						MessageID: p.TargetMessageID,
						Reactions: reactions,
					})
				if err == nil {
					h.broadcastLocked(env, "")
				}
			}
		}

	case protocol.FrameChatDelete:
		var p protocol.DeletePayload
		if err := frame.DecodePayload(&p); err == nil {
			h.ring.Delete(p.TargetMessageID)
		}
	}

	env, err := protocol.NewEnvelope(protocol.EnvDeliver, protocol.DeliverPayload{Frame: frame})
	if err != nil {
		return nil
	}
	var delivered []string
	for id, st := range h.sessions {
		if id == from {
			continue
		}
		if h.sendLocked(id, st, env) {
			delivered = append(delivered, id)
		}
	}
	return delivered
}

// SendTo queues an envelope for one device. Returns false if the device
// has no live session or its queue is full.
func (h *Hub) SendTo(deviceID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.sessions[deviceID]
	if !ok {
		return false
	}
	return h.sendLocked(deviceID, st, env)
}

// Broadcast queues an envelope for every live session except exceptID.
func (h *Hub) Broadcast(env protocol.Envelope, exceptID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(env, exceptID)
}

// SweepExpiredAnnouncements removes expired ring entries and broadcasts
// their ids. Returns the expired ids.
func (h *Hub) SweepExpiredAnnouncements() []string {
	h.mu.Lock()
	expired := h.ring.SweepExpired(h.now())
	if len(expired) > 0 {
		env, err := protocol.NewEnvelope(protocol.EnvAnnouncementExpired,
			protocol.AnnouncementExpiredPayload{MessageIDs: expired})
		if err == nil {
			h.broadcastLocked(env, "")
		}
	}
	h.mu.Unlock()
	if len(expired) > 0 {
		slog.Info("announcements expired", "count", len(expired))
	}
	return expired
}

// ReapIdleSessions removes every session idle longer than MaxSessionIdle
// and returns the affected device ids. Closing the send channel makes
// the transport goroutine close the socket.
func (h *Hub) ReapIdleSessions() []string {
	cutoff := h.now().Add(-MaxSessionIdle)

	h.mu.Lock()
	var reaped []string
	for id, st := range h.sessions {
		if st.lastSeenAt.Before(cutoff) {
			close(st.send)
			delete(h.sessions, id)
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		h.revision++
		delta := h.deltaEnvelope(protocol.PresenceDeltaPayload{
			Op:       protocol.PresenceOpRemove,
			DeviceID: id,
			Revision: h.revision,
		})
		h.broadcastLocked(delta, "")
	}
	h.mu.Unlock()

	for _, id := range reaped {
		slog.Info("idle session reaped", "device", id)
	}
	return reaped
}

func (h *Hub) deltaEnvelope(p protocol.PresenceDeltaPayload) protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.EnvPresenceDelta, p)
	if err != nil {
		// Presence payloads are plain structs; marshal cannot fail.
		return protocol.Envelope{Type: protocol.EnvPresenceDelta}
	}
	return env
}

func (h *Hub) broadcastLocked(env protocol.Envelope, exceptID string) {
	for id, st := range h.sessions {
		if id == exceptID {
			continue
		}
		h.sendLocked(id, st, env)
	}
}

func (h *Hub) sendLocked(deviceID string, st *sessionState, env protocol.Envelope) bool {
	select {
	case st.send <- env:
		return true
	default:
		slog.Warn("session send queue full, dropping envelope",
			"device", deviceID, "type", env.Type)
		return false
	}
}
