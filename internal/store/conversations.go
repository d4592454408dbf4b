package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Conversation kinds.
const (
	KindAnnouncements = "announcements"
	KindDM            = "dm"
)

// AnnouncementsConversationID is the id of the single global
// announcements conversation.
const AnnouncementsConversationID = "announcements"

// DMConversationID returns the stable conversation id for a peer.
func DMConversationID(peerDeviceID string) string {
	return "dm:" + peerDeviceID
}

// Conversation is one chat thread: the global announcements thread or a
// DM with a single peer.
type Conversation struct {
	ID           string
	Kind         string
	PeerDeviceID string
	Title        string
	UnreadCount  int
	CreatedAt    int64
	UpdatedAt    int64
}

// EnsureAnnouncementsConversation creates the global announcements
// conversation if it does not exist yet. Idempotent.
func (s *Store) EnsureAnnouncementsConversation() error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO conversations(id, kind, peer_device_id, title, created_at, updated_at)
		 VALUES(?, ?, NULL, 'Announcements', ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		AnnouncementsConversationID, KindAnnouncements, now, now,
	)
	return err
}

// EnsureDMConversation creates (if needed) and returns the DM
// conversation with peerDeviceID. Title is only applied on creation.
func (s *Store) EnsureDMConversation(peerDeviceID, title string) (Conversation, error) {
	if peerDeviceID == "" {
		return Conversation{}, fmt.Errorf("peer device id is required")
	}
	id := DMConversationID(peerDeviceID)
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO conversations(id, kind, peer_device_id, title, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, KindDM, peerDeviceID, title, now, now,
	)
	if err != nil {
		return Conversation{}, err
	}
	return s.GetConversation(id)
}

// GetConversation returns one conversation, or sql.ErrNoRows.
func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var peer sql.NullString
	err := s.db.QueryRow(
		`SELECT id, kind, peer_device_id, title, unread_count, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Kind, &peer, &c.Title, &c.UnreadCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	c.PeerDeviceID = peer.String
	return c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, peer_device_id, title, unread_count, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var peer sql.NullString
		if err := rows.Scan(&c.ID, &c.Kind, &peer, &c.Title, &c.UnreadCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.PeerDeviceID = peer.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncrementUnread bumps the unread counter of a conversation.
func (s *Store) IncrementUnread(id string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return err
}

// ResetUnread zeroes the unread counter of a conversation.
func (s *Store) ResetUnread(id string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	return err
}

// ReserveConversationTimestamp returns a createdAt for a new message in
// the conversation that preserves strict per-conversation ordering:
// max(proposed, last+1).
func (s *Store) ReserveConversationTimestamp(conversationID string, proposed int64) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&last)
	if err != nil {
		return 0, err
	}
	if last.Valid && last.Int64+1 > proposed {
		return last.Int64 + 1, nil
	}
	return proposed, nil
}

// ClearConversation deletes every message of the conversation together
// with their reactions and returns the local attachment paths that were
// referenced, so the caller can unlink the managed files. Runs in one
// transaction.
func (s *Store) ClearConversation(id string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT file_path FROM messages
		 WHERE conversation_id = ? AND file_path IS NOT NULL AND file_path != ''`, id)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`DELETE FROM reactions WHERE message_id IN
			(SELECT message_id FROM messages WHERE conversation_id = ?)`, id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}

// DeleteConversation removes the conversation row itself after a clear.
// Used when a peer is forgotten.
func (s *Store) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}
