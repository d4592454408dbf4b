// Package roster owns the client's identity and its merged view of
// peers. Four overlays feed the view: live presence from the relay, the
// local peer cache, manually added peers and the forgotten set.
package roster

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
)

// ForgottenTTL is how long a forgotten entry lives after the peer was
// seen offline.
const ForgottenTTL = 24 * time.Hour

// sourcePriority orders observation sources; higher wins the merge.
var sourcePriority = map[string]int{
	store.SourceCache:  0,
	store.SourceMDNS:   1,
	store.SourceUDP:    2,
	store.SourceManual: 3,
	store.SourceRelay:  4,
}

// PeerView is one merged roster entry served to the UI.
type PeerView struct {
	store.Peer
	Online bool
}

// Roster merges peer overlays and tracks the forgotten lifecycle.
type Roster struct {
	st  *store.Store
	bus *events.Bus

	mu       sync.Mutex
	self     store.Profile
	live     map[string]protocol.PeerProfile
	manual   map[string]store.Peer
	revision uint64
	now      func() time.Time // test hook
}

// New loads or creates the local identity and returns an empty roster.
func New(st *store.Store, bus *events.Bus, defaultName string) (*Roster, error) {
	self, err := st.EnsureProfile(defaultName)
	if err != nil {
		return nil, err
	}
	return &Roster{
		st:     st,
		bus:    bus,
		self:   self,
		live:   make(map[string]protocol.PeerProfile),
		manual: make(map[string]store.Peer),
		now:    time.Now,
	}, nil
}

// Self returns the local identity.
func (r *Roster) Self() store.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// SelfID returns the local device id.
func (r *Roster) SelfID() string {
	return r.Self().DeviceID
}

// UpdateSelf persists a profile change and returns the new identity.
func (r *Roster) UpdateSelf(displayName, avatarEmoji, avatarBg, statusMessage string) (store.Profile, error) {
	p, err := r.st.UpdateProfile(displayName, avatarEmoji, avatarBg, statusMessage)
	if err != nil {
		return store.Profile{}, err
	}
	r.mu.Lock()
	r.self = p
	r.mu.Unlock()
	return p, nil
}

// WireProfile returns the identity as sent in relay:hello.
func (r *Roster) WireProfile(appVersion string) protocol.PeerProfile {
	self := r.Self()
	return protocol.PeerProfile{
		DeviceID:      self.DeviceID,
		DisplayName:   self.DisplayName,
		AvatarEmoji:   self.AvatarEmoji,
		AvatarBg:      self.AvatarBg,
		StatusMessage: self.StatusMessage,
		AppVersion:    appVersion,
	}
}

// ApplyPresence installs a full presence snapshot. Snapshots with a
// revision older than the current view are ignored so the view never
// reverts.
func (r *Roster) ApplyPresence(p protocol.PresencePayload) {
	r.mu.Lock()
	if p.Revision < r.revision {
		r.mu.Unlock()
		slog.Debug("stale presence snapshot ignored", "revision", p.Revision, "have", r.revision)
		return
	}
	r.revision = p.Revision
	r.live = make(map[string]protocol.PeerProfile, len(p.Peers))
	selfID := r.self.DeviceID
	for _, peer := range p.Peers {
		if peer.DeviceID == "" || peer.DeviceID == selfID {
			continue
		}
		r.live[peer.DeviceID] = peer
	}
	r.mu.Unlock()

	r.cacheLivePeers(p.Peers)
	r.tickForgotten()
	r.notify()
}

// ApplyPresenceDelta applies one incremental change; deltas at or below
// the current revision are ignored.
func (r *Roster) ApplyPresenceDelta(d protocol.PresenceDeltaPayload) {
	r.mu.Lock()
	if d.Revision <= r.revision {
		r.mu.Unlock()
		return
	}
	r.revision = d.Revision
	switch d.Op {
	case protocol.PresenceOpUpsert:
		if d.Peer != nil && d.Peer.DeviceID != "" && d.Peer.DeviceID != r.self.DeviceID {
			r.live[d.Peer.DeviceID] = *d.Peer
		}
	case protocol.PresenceOpRemove:
		delete(r.live, d.DeviceID)
	}
	r.mu.Unlock()

	if d.Op == protocol.PresenceOpUpsert && d.Peer != nil {
		r.cacheLivePeers([]protocol.PeerProfile{*d.Peer})
	}
	r.tickForgotten()
	r.notify()
}

// ClearLive drops the live overlay, e.g. when the relay connection is
// lost. Cached peers remain visible as offline.
func (r *Roster) ClearLive() {
	r.mu.Lock()
	r.live = make(map[string]protocol.PeerProfile)
	r.mu.Unlock()
	r.notify()
}

// cacheLivePeers persists relay observations so peers survive restarts.
func (r *Roster) cacheLivePeers(peers []protocol.PeerProfile) {
	selfID := r.SelfID()
	now := r.now().UnixMilli()
	for _, p := range peers {
		if p.DeviceID == "" || p.DeviceID == selfID {
			continue
		}
		lastSeen := p.LastSeenAt
		if lastSeen == 0 {
			lastSeen = now
		}
		err := r.st.UpsertPeer(store.Peer{
			DeviceID:      p.DeviceID,
			DisplayName:   p.DisplayName,
			AvatarEmoji:   p.AvatarEmoji,
			AvatarBg:      p.AvatarBg,
			StatusMessage: p.StatusMessage,
			AppVersion:    p.AppVersion,
			Source:        store.SourceCache,
			LastSeenAt:    lastSeen,
		})
		if err != nil {
			slog.Warn("cache peer", "device", p.DeviceID, "err", err)
		}
	}
}

// AddManual registers a manually configured peer.
func (r *Roster) AddManual(p store.Peer) {
	p.Source = store.SourceManual
	if p.LastSeenAt == 0 {
		p.LastSeenAt = r.now().UnixMilli()
	}
	r.mu.Lock()
	r.manual[p.DeviceID] = p
	r.mu.Unlock()
	r.notify()
}

// Online reports whether the relay currently lists deviceID.
func (r *Roster) Online(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[deviceID]
	return ok
}

// Forget hides a peer: drops the cache row and records a forgotten
// entry that keeps hiding the peer until the relay reports it offline.
// Clearing the conversation and notifying the peer is the message
// service's part of the cascade.
func (r *Roster) Forget(deviceID string) error {
	if err := r.st.DeletePeer(deviceID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.manual, deviceID)
	r.mu.Unlock()
	err := r.st.UpsertForgotten(store.Forgotten{
		DeviceID:          deviceID,
		WaitingForOffline: true,
		UpdatedAt:         r.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// AllowFrameFrom gates inbound frames: a forgotten-but-waiting peer may
// only deliver announce frames.
func (r *Roster) AllowFrameFrom(deviceID, frameType string) bool {
	if frameType == protocol.FrameAnnounce {
		return true
	}
	entries, err := r.st.ListForgotten()
	if err != nil {
		slog.Warn("list forgotten", "err", err)
		return true
	}
	for _, f := range entries {
		if f.DeviceID == deviceID && f.WaitingForOffline {
			return false
		}
	}
	return true
}

// tickForgotten advances the forgotten lifecycle against the live set:
// a waiting entry flips once its peer goes offline; a flipped entry
// expires ForgottenTTL later.
func (r *Roster) tickForgotten() {
	entries, err := r.st.ListForgotten()
	if err != nil {
		slog.Warn("list forgotten", "err", err)
		return
	}
	now := r.now()
	for _, f := range entries {
		online := r.Online(f.DeviceID)
		switch {
		case f.WaitingForOffline && !online:
			f.WaitingForOffline = false
			f.UpdatedAt = now.UnixMilli()
			if err := r.st.UpsertForgotten(f); err != nil {
				slog.Warn("update forgotten", "device", f.DeviceID, "err", err)
			}
		case !f.WaitingForOffline && !online &&
			now.Sub(time.UnixMilli(f.UpdatedAt)) >= ForgottenTTL:
			if err := r.st.DeleteForgotten(f.DeviceID); err != nil {
				slog.Warn("expire forgotten", "device", f.DeviceID, "err", err)
			}
		}
	}
}

// Peers returns the merged roster: per device the highest-priority
// observation wins (relay > manual > udp > mdns > cache, ties by
// lastSeenAt), forgotten-but-waiting peers are hidden, online peers
// sort first.
func (r *Roster) Peers() ([]PeerView, error) {
	cached, err := r.st.ListPeers()
	if err != nil {
		return nil, err
	}
	forgotten, err := r.st.ListForgotten()
	if err != nil {
		return nil, err
	}
	hidden := make(map[string]bool)
	for _, f := range forgotten {
		if f.WaitingForOffline {
			hidden[f.DeviceID] = true
		}
	}

	r.mu.Lock()
	best := make(map[string]store.Peer)
	for _, p := range cached {
		best[p.DeviceID] = pickPeer(best[p.DeviceID], p)
	}
	for _, p := range r.manual {
		best[p.DeviceID] = pickPeer(best[p.DeviceID], p)
	}
	online := make(map[string]bool, len(r.live))
	for id, lp := range r.live {
		online[id] = true
		best[id] = pickPeer(best[id], store.Peer{
			DeviceID:      lp.DeviceID,
			DisplayName:   lp.DisplayName,
			AvatarEmoji:   lp.AvatarEmoji,
			AvatarBg:      lp.AvatarBg,
			StatusMessage: lp.StatusMessage,
			AppVersion:    lp.AppVersion,
			Source:        store.SourceRelay,
			LastSeenAt:    lp.LastSeenAt,
		})
	}
	selfID := r.self.DeviceID
	r.mu.Unlock()

	views := make([]PeerView, 0, len(best))
	for id, p := range best {
		if id == selfID || hidden[id] {
			continue
		}
		views = append(views, PeerView{Peer: p, Online: online[id]})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Online != views[j].Online {
			return views[i].Online
		}
		if views[i].LastSeenAt != views[j].LastSeenAt {
			return views[i].LastSeenAt > views[j].LastSeenAt
		}
		return views[i].DeviceID < views[j].DeviceID
	})
	return views, nil
}

// pickPeer resolves two observations of the same device: higher source
// priority wins, ties go to the fresher observation.
func pickPeer(a, b store.Peer) store.Peer {
	if a.DeviceID == "" {
		return b
	}
	pa, pb := sourcePriority[a.Source], sourcePriority[b.Source]
	if pb > pa {
		return b
	}
	if pb == pa && b.LastSeenAt > a.LastSeenAt {
		return b
	}
	return a
}

// notify pushes the merged view to the UI.
func (r *Roster) notify() {
	views, err := r.Peers()
	if err != nil {
		slog.Warn("merge roster", "err", err)
		return
	}
	r.bus.Emit(events.PeersUpdated, views)
}
