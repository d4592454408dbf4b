package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message types.
const (
	TypeText         = "text"
	TypeFile         = "file"
	TypeAnnouncement = "announcement"
)

// Message statuses. An empty status means none (incoming announcements).
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// statusRank orders statuses so merges never downgrade a delivery.
func statusRank(s string) int {
	switch s {
	case StatusDelivered:
		return 3
	case StatusSent:
		return 2
	case StatusFailed:
		return 1
	default:
		return 0
	}
}

// Message is one persisted chat message. File fields are only set for
// type == file; a tombstoned message keeps MessageID, CreatedAt and
// DeletedAt and nothing else.
type Message struct {
	MessageID        string
	ConversationID   string
	Direction        string
	SenderDeviceID   string
	ReceiverDeviceID string
	Type             string
	BodyText         string
	FileID           string
	FileName         string
	FileSize         int64
	FileSHA256       string
	FilePath         string
	Status           string
	Reaction         string
	DeletedAt        int64
	CreatedAt        int64
}

// SaveMessage inserts the message if its id is unseen and bumps the
// conversation's updated_at. Duplicates are a no-op, never an error; the
// return value reports whether a row was actually inserted. createdAt is
// clamped to max(lastInConversation+1, proposed) inside the same
// transaction to keep per-conversation ordering strict.
func (s *Store) SaveMessage(m Message) (bool, error) {
	if m.MessageID == "" {
		return false, fmt.Errorf("messageId is required")
	}
	if m.ConversationID == "" {
		return false, fmt.Errorf("conversationId is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, m.ConversationID,
	).Scan(&last); err != nil {
		return false, err
	}
	createdAt := m.CreatedAt
	if last.Valid && last.Int64+1 > createdAt {
		createdAt = last.Int64 + 1
	}

	res, err := tx.Exec(
		`INSERT INTO messages(message_id, conversation_id, direction, sender_device_id,
			receiver_device_id, type, body_text, file_id, file_name, file_size,
			file_sha256, file_path, status, reaction, deleted_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ConversationID, m.Direction, m.SenderDeviceID,
		nullStr(m.ReceiverDeviceID), m.Type, nullStr(m.BodyText), nullStr(m.FileID),
		nullStr(m.FileName), nullI64(m.FileSize), nullStr(m.FileSHA256),
		nullStr(m.FilePath), nullStr(m.Status), nullStr(m.Reaction),
		nullI64(m.DeletedAt), createdAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		if _, err := tx.Exec(
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), m.ConversationID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessage returns one message, or sql.ErrNoRows.
func (s *Store) GetMessage(messageID string) (Message, error) {
	return scanMessage(s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
}

// ListConversationMessages returns the conversation's messages in
// (created_at, message_id) order.
func (s *Store) ListConversationMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, message_id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// SetMessageStatus replaces the status of one message. The delivered >
// sent > failed precedence is enforced so a late failure never downgrades
// a delivered message.
func (s *Store) SetMessageStatus(messageID, status string) (bool, error) {
	cur, err := s.GetMessage(messageID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if statusRank(status) < statusRank(cur.Status) {
		return false, nil
	}
	res, err := s.db.Exec(
		`UPDATE messages SET status = ? WHERE message_id = ?`, status, messageID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetMessageFilePath records where the received attachment landed.
func (s *Store) SetMessageFilePath(messageID, path string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET file_path = ? WHERE message_id = ?`, nullStr(path), messageID)
	return err
}

// SyncPatch is the mergeable state of an already-known message arriving
// through pairwise sync.
type SyncPatch struct {
	MessageID   string
	FileID      string
	FileName    string
	FileSize    int64
	FileSHA256  string
	Status      string
	Reaction    string
	HasReaction bool
	DeletedAt   int64
}

// MergeMessageStateFromSync applies patch to an existing row: non-empty
// file fields are applied, status is replaced subject to the delivered >
// sent > failed precedence, the reaction is replaced when the patch
// carries one, and deleted_at is applied. Returns the merged row. Callers
// handling a delete must additionally call DeleteMessageForEveryone to
// zero body/file fields and drop reactions.
func (s *Store) MergeMessageStateFromSync(patch SyncPatch) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	cur, err := scanMessage(tx.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, patch.MessageID))
	if err != nil {
		return Message{}, err
	}

	if patch.FileID != "" {
		cur.FileID = patch.FileID
	}
	if patch.FileName != "" {
		cur.FileName = patch.FileName
	}
	if patch.FileSize > 0 {
		cur.FileSize = patch.FileSize
	}
	if patch.FileSHA256 != "" {
		cur.FileSHA256 = patch.FileSHA256
	}
	if patch.Status != "" && statusRank(patch.Status) >= statusRank(cur.Status) {
		cur.Status = patch.Status
	}
	if patch.HasReaction {
		cur.Reaction = patch.Reaction
	}
	if patch.DeletedAt > 0 && cur.DeletedAt == 0 {
		cur.DeletedAt = patch.DeletedAt
	}

	if _, err := tx.Exec(
		`UPDATE messages SET file_id = ?, file_name = ?, file_size = ?, file_sha256 = ?,
			status = ?, reaction = ?, deleted_at = ?
		 WHERE message_id = ?`,
		nullStr(cur.FileID), nullStr(cur.FileName), nullI64(cur.FileSize),
		nullStr(cur.FileSHA256), nullStr(cur.Status), nullStr(cur.Reaction),
		nullI64(cur.DeletedAt), cur.MessageID,
	); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return cur, nil
}

// DeleteMessageForEveryone writes a tombstone: body and file fields are
// zeroed, reactions removed, message_id/created_at/deleted_at preserved.
// Returns the attachment path the row held, so the caller can unlink a
// managed file, and whether a row was tombstoned.
func (s *Store) DeleteMessageForEveryone(messageID string, deletedAt int64) (string, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	cur, err := scanMessage(tx.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if _, err := tx.Exec(
		`UPDATE messages SET body_text = NULL, file_id = NULL, file_name = NULL,
			file_size = NULL, file_sha256 = NULL, file_path = NULL, reaction = NULL,
			deleted_at = ?
		 WHERE message_id = ?`, deletedAt, messageID); err != nil {
		return "", false, err
	}
	if _, err := tx.Exec(
		`DELETE FROM reactions WHERE message_id = ?`, messageID); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return cur.FilePath, true, nil
}

// UpsertReaction sets or clears one reactor's reaction on a message.
// emoji == "" removes the row. The message's own reaction column mirrors
// the latest non-local reaction so it rides pairwise sync.
func (s *Store) UpsertReaction(messageID, reactorDeviceID, emoji string, mirrorOnMessage bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if emoji == "" {
		if _, err := tx.Exec(
			`DELETE FROM reactions WHERE message_id = ? AND reactor_device_id = ?`,
			messageID, reactorDeviceID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(
			`INSERT INTO reactions(message_id, reactor_device_id, emoji) VALUES(?, ?, ?)
			 ON CONFLICT(message_id, reactor_device_id) DO UPDATE SET emoji = excluded.emoji`,
			messageID, reactorDeviceID, emoji); err != nil {
			return err
		}
	}
	if mirrorOnMessage {
		if _, err := tx.Exec(
			`UPDATE messages SET reaction = ? WHERE message_id = ?`,
			nullStr(emoji), messageID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PurgeMessage removes a message row and its reactions outright. Used
// for expired announcements, which leave no tombstone.
func (s *Store) PurgeMessage(messageID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM reactions WHERE message_id = ?`, messageID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceMessageReactions installs the authoritative reaction set for a
// message, dropping whatever was there.
func (s *Store) ReplaceMessageReactions(messageID string, reactions map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM reactions WHERE message_id = ?`, messageID); err != nil {
		return err
	}
	for dev, emoji := range reactions {
		if emoji == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO reactions(message_id, reactor_device_id, emoji) VALUES(?, ?, ?)`,
			messageID, dev, emoji); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MessageReactions returns reactor → emoji for one message.
func (s *Store) MessageReactions(messageID string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT reactor_device_id, emoji FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var dev, emoji string
		if err := rows.Scan(&dev, &emoji); err != nil {
			return nil, err
		}
		out[dev] = emoji
	}
	return out, rows.Err()
}

// SearchConversationMessageIds returns the ids of messages in the
// conversation whose body or file name contains query, case-insensitive,
// newest first. %, _ and \ in the query are escaped.
func (s *Store) SearchConversationMessageIds(conversationID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	pattern := "%" + escaped + "%"
	rows, err := s.db.Query(
		`SELECT message_id FROM messages
		 WHERE conversation_id = ? AND deleted_at IS NULL
		   AND (body_text LIKE ? ESCAPE '\' COLLATE NOCASE
			OR file_name LIKE ? ESCAPE '\' COLLATE NOCASE)
		 ORDER BY created_at DESC, message_id DESC LIMIT ?`,
		conversationID, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSyncWindow returns the DM messages with the given conversation that
// were created after since, text and file types only, ascending
// (created_at, message_id), at most limit rows.
func (s *Store) ListSyncWindow(conversationID string, since int64, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND created_at > ? AND type IN (?, ?)
		 ORDER BY created_at ASC, message_id ASC LIMIT ?`,
		conversationID, since, TypeText, TypeFile, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// LatestConversationTimestamp returns MAX(created_at) for the
// conversation, or 0 when it has no messages.
func (s *Store) LatestConversationTimestamp(conversationID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&last)
	return last.Int64, err
}

// FailedOutgoingMessages returns the failed outgoing text messages of a
// DM conversation in creation order, for retry when the peer comes back.
func (s *Store) FailedOutgoingMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND direction = ? AND type = ? AND status = ?
		   AND deleted_at IS NULL
		 ORDER BY created_at ASC, message_id ASC`,
		conversationID, DirectionOut, TypeText, StatusFailed)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// PendingFileMessages returns outgoing file messages of a DM conversation
// that never reached delivered, in creation order, for replay.
func (s *Store) PendingFileMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND direction = ? AND type = ?
		   AND (status IS NULL OR status != ?) AND deleted_at IS NULL
		 ORDER BY created_at ASC, message_id ASC`,
		conversationID, DirectionOut, TypeFile, StatusDelivered)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

const messageColumns = `message_id, conversation_id, direction, sender_device_id,
	receiver_device_id, type, body_text, file_id, file_name, file_size,
	file_sha256, file_path, status, reaction, deleted_at, created_at`

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var recv, body, fid, fname, fsha, fpath, status, reaction sql.NullString
	var fsize, deletedAt sql.NullInt64
	err := r.Scan(&m.MessageID, &m.ConversationID, &m.Direction, &m.SenderDeviceID,
		&recv, &m.Type, &body, &fid, &fname, &fsize, &fsha, &fpath, &status,
		&reaction, &deletedAt, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	m.ReceiverDeviceID = recv.String
	m.BodyText = body.String
	m.FileID = fid.String
	m.FileName = fname.String
	m.FileSize = fsize.Int64
	m.FileSHA256 = fsha.String
	m.FilePath = fpath.String
	m.Status = status.String
	m.Reaction = reaction.String
	m.DeletedAt = deletedAt.Int64
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullI64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
