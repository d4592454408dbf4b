// Package syncer implements pairwise DM history reconciliation: building
// sync windows for a requesting peer and applying the rows a peer sends
// back. Announcements are never synced pairwise; the relay's snapshot is
// authoritative for them.
package syncer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
)

// Limit clamp for sync windows.
const (
	MinSyncLimit     = 100
	MaxSyncLimit     = 2000
	DefaultSyncLimit = 1000
)

// RequestCooldown is the minimum gap between sync requests to the same
// peer.
const RequestCooldown = 12 * time.Second

// Syncer reconciles DM history with peers.
type Syncer struct {
	st     *store.Store
	selfID string

	mu          sync.Mutex
	lastRequest map[string]time.Time // peer → last sync request
	now         func() time.Time     // test hook
}

// New returns a syncer for the local device.
func New(st *store.Store, selfID string) *Syncer {
	return &Syncer{
		st:          st,
		selfID:      selfID,
		lastRequest: make(map[string]time.Time),
		now:         time.Now,
	}
}

// ClampLimit forces limit into [MinSyncLimit, MaxSyncLimit].
func ClampLimit(limit int) int {
	if limit < MinSyncLimit {
		return MinSyncLimit
	}
	if limit > MaxSyncLimit {
		return MaxSyncLimit
	}
	return limit
}

// BuildSyncMessages returns the DM rows with peerID newer than since,
// ascending by (createdAt, messageId), capped at the clamped limit.
func (s *Syncer) BuildSyncMessages(peerID string, since int64, limit int) ([]protocol.SyncMessage, error) {
	rows, err := s.st.ListSyncWindow(store.DMConversationID(peerID), since, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SyncMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, toSyncMessage(m))
	}
	return out, nil
}

// toSyncMessage strips the receiver-relative fields (conversation id,
// local file path) from a stored row.
func toSyncMessage(m store.Message) protocol.SyncMessage {
	return protocol.SyncMessage{
		MessageID:        m.MessageID,
		SenderDeviceID:   m.SenderDeviceID,
		ReceiverDeviceID: m.ReceiverDeviceID,
		Type:             m.Type,
		BodyText:         m.BodyText,
		FileID:           m.FileID,
		FileName:         m.FileName,
		FileSize:         m.FileSize,
		FileSHA256:       m.FileSHA256,
		Status:           m.Status,
		Reaction:         m.Reaction,
		DeletedAt:        m.DeletedAt,
		CreatedAt:        m.CreatedAt,
	}
}

// ApplyResult reports what one synced row did to the store. Removed is
// set when the row carried a tombstone for an already-known message;
// FilePath then holds the attachment path the row released, if any.
type ApplyResult struct {
	Inserted bool
	Removed  bool
	FilePath string
	Message  store.Message
}

// ApplySyncedMessage reconciles one row from a chat:sync:response. The
// counterpart is whichever party is not the local device; rows whose
// counterpart is not in knownPeers are dropped (ok == false). Inserted
// rows land with the frame's direction relative to the local device;
// already-known rows are merged per the store's precedence rules.
func (s *Syncer) ApplySyncedMessage(row protocol.SyncMessage, knownPeers map[string]bool) (ApplyResult, bool, error) {
	counterpart := row.SenderDeviceID
	direction := store.DirectionIn
	if counterpart == s.selfID {
		counterpart = row.ReceiverDeviceID
		direction = store.DirectionOut
	}
	if counterpart == "" || counterpart == s.selfID || !knownPeers[counterpart] {
		slog.Debug("sync row dropped, unknown counterpart",
			"message", row.MessageID, "counterpart", counterpart)
		return ApplyResult{}, false, nil
	}
	if row.Type != store.TypeText && row.Type != store.TypeFile {
		return ApplyResult{}, false, nil
	}

	if _, err := s.st.EnsureDMConversation(counterpart, ""); err != nil {
		return ApplyResult{}, false, err
	}

	createdAt := row.CreatedAt
	if direction == store.DirectionIn {
		// a peer's clock may run ahead; never record the future
		if now := s.now().UnixMilli(); createdAt > now {
			createdAt = now
		}
	}

	msg := store.Message{
		MessageID:        row.MessageID,
		ConversationID:   store.DMConversationID(counterpart),
		Direction:        direction,
		SenderDeviceID:   row.SenderDeviceID,
		ReceiverDeviceID: row.ReceiverDeviceID,
		Type:             row.Type,
		BodyText:         row.BodyText,
		FileID:           row.FileID,
		FileName:         row.FileName,
		FileSize:         row.FileSize,
		FileSHA256:       row.FileSHA256,
		Status:           row.Status,
		Reaction:         row.Reaction,
		DeletedAt:        row.DeletedAt,
		CreatedAt:        createdAt,
	}
	inserted, err := s.st.SaveMessage(msg)
	if err != nil {
		return ApplyResult{}, false, err
	}
	if inserted {
		stored, err := s.st.GetMessage(row.MessageID)
		if err != nil {
			return ApplyResult{}, false, err
		}
		return ApplyResult{Inserted: true, Message: stored}, true, nil
	}

	if row.DeletedAt > 0 {
		return s.applyTombstone(row)
	}

	merged, err := s.st.MergeMessageStateFromSync(store.SyncPatch{
		MessageID:   row.MessageID,
		FileID:      row.FileID,
		FileName:    row.FileName,
		FileSize:    row.FileSize,
		FileSHA256:  row.FileSHA256,
		Status:      row.Status,
		Reaction:    row.Reaction,
		HasReaction: row.Reaction != "",
		DeletedAt:   row.DeletedAt,
	})
	if err != nil {
		return ApplyResult{}, false, err
	}
	return ApplyResult{Inserted: false, Message: merged}, true, nil
}

// applyTombstone handles a synced delete for a message we already hold:
// body, file fields and reactions are wiped the same way a live
// chat:delete is, never merged field by field.
func (s *Syncer) applyTombstone(row protocol.SyncMessage) (ApplyResult, bool, error) {
	cur, err := s.st.GetMessage(row.MessageID)
	if err != nil {
		return ApplyResult{}, false, err
	}
	if cur.DeletedAt != 0 {
		return ApplyResult{Message: cur}, true, nil
	}
	path, _, err := s.st.DeleteMessageForEveryone(row.MessageID, row.DeletedAt)
	if err != nil {
		return ApplyResult{}, false, err
	}
	tombstoned, err := s.st.GetMessage(row.MessageID)
	if err != nil {
		return ApplyResult{}, false, err
	}
	return ApplyResult{Removed: true, FilePath: path, Message: tombstoned}, true, nil
}

// ShouldRequest reports whether a sync request to peerID is due, and if
// so records it. The cooldown stops presence flaps from turning into
// request storms.
func (s *Syncer) ShouldRequest(peerID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRequest[peerID]; ok && now.Sub(last) < RequestCooldown {
		return false
	}
	s.lastRequest[peerID] = now
	return true
}

// RequestPayload builds the chat:sync:request payload for peerID: since
// the newest DM row we hold, default window size.
func (s *Syncer) RequestPayload(peerID string) (protocol.SyncRequestPayload, error) {
	since, err := s.st.LatestConversationTimestamp(store.DMConversationID(peerID))
	if err != nil {
		return protocol.SyncRequestPayload{}, err
	}
	return protocol.SyncRequestPayload{Since: since, Limit: DefaultSyncLimit}, nil
}
