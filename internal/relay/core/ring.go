package core

import (
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
)

// DefaultAnnouncementTTL is how long an announcement stays in the ring.
const DefaultAnnouncementTTL = 24 * time.Hour

// maxRingEntries bounds the ring; the oldest entry is evicted when a new
// announcement would exceed it.
const maxRingEntries = 500

type ringEntry struct {
	frame     protocol.Frame
	expiresAt time.Time
	reactions map[string]string // reactor deviceId → emoji
}

// Ring is the relay's bounded store of live announcement frames and
// their reactions. It is not safe for concurrent use; the Hub serializes
// access under its own lock.
type Ring struct {
	ttl     time.Duration
	entries map[string]*ringEntry
	order   []string // insertion order, for eviction
}

// NewRing creates an empty ring with the given per-frame TTL.
func NewRing(ttl time.Duration) *Ring {
	if ttl <= 0 {
		ttl = DefaultAnnouncementTTL
	}
	return &Ring{ttl: ttl, entries: make(map[string]*ringEntry)}
}

// Insert stores an announcement frame with expiry createdAt + TTL.
// Re-inserting a known id is a no-op.
func (r *Ring) Insert(f protocol.Frame) {
	if _, ok := r.entries[f.MessageID]; ok {
		return
	}
	if len(r.order) >= maxRingEntries {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
	r.entries[f.MessageID] = &ringEntry{
		frame:     f,
		expiresAt: time.UnixMilli(f.CreatedAt).Add(r.ttl),
	}
	r.order = append(r.order, f.MessageID)
}

// Contains reports whether messageID is a live announcement.
func (r *Ring) Contains(messageID string) bool {
	_, ok := r.entries[messageID]
	return ok
}

// React sets or clears (emoji == "") one device's reaction on an
// announcement and returns the resulting reactions map. ok is false when
// the announcement is not in the ring.
func (r *Ring) React(messageID, deviceID, emoji string) (map[string]string, bool) {
	e, ok := r.entries[messageID]
	if !ok {
		return nil, false
	}
	if e.reactions == nil {
		e.reactions = make(map[string]string)
	}
	if emoji == "" {
		delete(e.reactions, deviceID)
	} else {
		e.reactions[deviceID] = emoji
	}
	out := make(map[string]string, len(e.reactions))
	for k, v := range e.reactions {
		out[k] = v
	}
	return out, true
}

// Delete removes an announcement and its reactions.
func (r *Ring) Delete(messageID string) bool {
	if _, ok := r.entries[messageID]; !ok {
		return false
	}
	delete(r.entries, messageID)
	for i, id := range r.order {
		if id == messageID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns every non-expired frame in insertion order plus the
// reaction maps, for the post-hello snapshot envelope.
func (r *Ring) Snapshot(now time.Time) ([]protocol.Frame, map[string]map[string]string) {
	var frames []protocol.Frame
	reactions := make(map[string]map[string]string)
	for _, id := range r.order {
		e := r.entries[id]
		if !now.Before(e.expiresAt) {
			continue
		}
		frames = append(frames, e.frame)
		if len(e.reactions) > 0 {
			m := make(map[string]string, len(e.reactions))
			for k, v := range e.reactions {
				m[k] = v
			}
			reactions[id] = m
		}
	}
	return frames, reactions
}

// SweepExpired removes entries past their expiry and returns their ids.
func (r *Ring) SweepExpired(now time.Time) []string {
	var expired []string
	for id, e := range r.entries {
		if !now.Before(e.expiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.Delete(id)
	}
	return expired
}

// Len returns the number of stored announcements, expired or not.
func (r *Ring) Len() int {
	return len(r.entries)
}
