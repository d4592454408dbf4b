// Package messaging implements the client's outbound message
// operations: text, announcements, file sends with background chunk
// streaming, retries, reactions and delete-for-everyone. Every
// operation is idempotent on the message id.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/transfer"
)

// ErrPeerOffline: the relay acked the send but the target session was
// not there to receive it.
var ErrPeerOffline = errors.New("peer offline")

// Transport is what the service needs from the relay client.
type Transport interface {
	SendFrame(ctx context.Context, frame protocol.Frame) ([]string, error)
}

// Service owns outbound messaging.
type Service struct {
	st         *store.Store
	bus        *events.Bus
	transport  Transport
	selfID     string
	attachRoot string
	now        func() time.Time // test hook
}

// New wires a message service.
func New(st *store.Store, bus *events.Bus, transport Transport, selfID, attachRoot string) *Service {
	return &Service{
		st:         st,
		bus:        bus,
		transport:  transport,
		selfID:     selfID,
		attachRoot: attachRoot,
		now:        time.Now,
	}
}

// AttachmentsRoot is the managed attachments directory.
func (s *Service) AttachmentsRoot() string {
	return s.attachRoot
}

// delivered reports whether target is in the relay's deliveredTo list.
func delivered(deliveredTo []string, target string) bool {
	for _, id := range deliveredTo {
		if id == target {
			return true
		}
	}
	return false
}

// SendText sends a DM text. The message is always persisted: status
// sent when the peer's session received it, failed otherwise (the
// retry path picks failed messages up when the peer returns).
func (s *Service) SendText(ctx context.Context, peerID, text string) (store.Message, error) {
	if _, err := s.st.EnsureDMConversation(peerID, ""); err != nil {
		return store.Message{}, err
	}
	convID := store.DMConversationID(peerID)
	createdAt, err := s.st.ReserveConversationTimestamp(convID, s.now().UnixMilli())
	if err != nil {
		return store.Message{}, err
	}

	messageID := uuid.NewString()
	frame, err := protocol.NewFrame(protocol.FrameChatText, messageID, s.selfID, peerID,
		createdAt, protocol.TextPayload{Text: text})
	if err != nil {
		return store.Message{}, err
	}

	msg := store.Message{
		MessageID:        messageID,
		ConversationID:   convID,
		Direction:        store.DirectionOut,
		SenderDeviceID:   s.selfID,
		ReceiverDeviceID: peerID,
		Type:             store.TypeText,
		BodyText:         text,
		Status:           store.StatusSent,
		CreatedAt:        createdAt,
	}

	deliveredTo, sendErr := s.transport.SendFrame(ctx, frame)
	reachable := sendErr == nil && delivered(deliveredTo, peerID)
	if !reachable {
		msg.Status = store.StatusFailed
	}
	if _, err := s.st.SaveMessage(msg); err != nil {
		return store.Message{}, err
	}
	stored, err := s.st.GetMessage(messageID)
	if err != nil {
		return store.Message{}, err
	}
	s.bus.Emit(events.MessageReceived, stored)

	if sendErr != nil {
		s.toast("warning", "message not sent: "+sendErr.Error())
		return stored, sendErr
	}
	if !reachable {
		return stored, ErrPeerOffline
	}
	return stored, nil
}

// SendAnnouncement broadcasts an announcement. The relay stores it in
// its ring, so a send that reached the relay counts as sent even with
// nobody else online.
func (s *Service) SendAnnouncement(ctx context.Context, text string) (store.Message, error) {
	if err := s.st.EnsureAnnouncementsConversation(); err != nil {
		return store.Message{}, err
	}
	convID := store.AnnouncementsConversationID
	createdAt, err := s.st.ReserveConversationTimestamp(convID, s.now().UnixMilli())
	if err != nil {
		return store.Message{}, err
	}

	messageID := uuid.NewString()
	frame, err := protocol.NewFrame(protocol.FrameAnnounce, messageID, s.selfID, "",
		createdAt, protocol.AnnouncePayload{Text: text})
	if err != nil {
		return store.Message{}, err
	}

	status := store.StatusSent
	if _, sendErr := s.transport.SendFrame(ctx, frame); sendErr != nil {
		status = store.StatusFailed
		s.toast("warning", "announcement not sent: "+sendErr.Error())
	}
	msg := store.Message{
		MessageID:      messageID,
		ConversationID: convID,
		Direction:      store.DirectionOut,
		SenderDeviceID: s.selfID,
		Type:           store.TypeAnnouncement,
		BodyText:       text,
		Status:         status,
		CreatedAt:      createdAt,
	}
	if _, err := s.st.SaveMessage(msg); err != nil {
		return store.Message{}, err
	}
	stored, err := s.st.GetMessage(messageID)
	if err != nil {
		return store.Message{}, err
	}
	s.bus.Emit(events.MessageReceived, stored)
	if status == store.StatusFailed {
		return stored, fmt.Errorf("announcement not delivered to relay")
	}
	return stored, nil
}

// SendFile copies srcPath into the managed attachments root, persists
// the file message, and streams offer/chunks/complete to the peer on a
// background goroutine. The call returns as soon as the message is
// persisted; progress and failures arrive as events.
func (s *Service) SendFile(ctx context.Context, peerID, srcPath string) (store.Message, error) {
	if _, err := s.st.EnsureDMConversation(peerID, ""); err != nil {
		return store.Message{}, err
	}
	convID := store.DMConversationID(peerID)
	messageID := uuid.NewString()
	fileID := uuid.NewString()

	managedPath, size, sha, err := transfer.CopyIntoManaged(s.attachRoot, messageID, srcPath)
	if err != nil {
		return store.Message{}, err
	}
	createdAt, err := s.st.ReserveConversationTimestamp(convID, s.now().UnixMilli())
	if err != nil {
		return store.Message{}, err
	}

	fileName := transfer.SanitizeFileName(filepath.Base(srcPath))
	msg := store.Message{
		MessageID:        messageID,
		ConversationID:   convID,
		Direction:        store.DirectionOut,
		SenderDeviceID:   s.selfID,
		ReceiverDeviceID: peerID,
		Type:             store.TypeFile,
		FileID:           fileID,
		FileName:         fileName,
		FileSize:         size,
		FileSHA256:       sha,
		FilePath:         managedPath,
		Status:           store.StatusSent,
		CreatedAt:        createdAt,
	}
	if _, err := s.st.SaveMessage(msg); err != nil {
		return store.Message{}, err
	}
	stored, err := s.st.GetMessage(messageID)
	if err != nil {
		return store.Message{}, err
	}
	s.bus.Emit(events.MessageReceived, stored)
	s.emitProgress(stored, 0)

	go s.streamFile(context.WithoutCancel(ctx), stored)
	return stored, nil
}

// streamFile pushes offer → chunks → complete for one persisted file
// message. Any failure marks the message failed; the replay path will
// try again when the peer next comes online.
func (s *Service) streamFile(ctx context.Context, msg store.Message) {
	fail := func(reason string, err error) {
		slog.Warn("file send failed", "message", msg.MessageID, "reason", reason, "err", err)
		if _, serr := s.st.SetMessageStatus(msg.MessageID, store.StatusFailed); serr != nil {
			slog.Warn("mark file message failed", "message", msg.MessageID, "err", serr)
		}
		s.emitStatus(msg.MessageID, store.StatusFailed)
		s.toast("warning", "file not sent: "+msg.FileName)
	}

	peerID := msg.ReceiverDeviceID
	offer, err := protocol.NewFrame(protocol.FrameFileOffer, msg.MessageID, s.selfID, peerID,
		msg.CreatedAt, protocol.FileOfferPayload{
			FileID:    msg.FileID,
			MessageID: msg.MessageID,
			Filename:  msg.FileName,
			Size:      msg.FileSize,
			SHA256:    msg.FileSHA256,
		})
	if err != nil {
		fail("encode offer", err)
		return
	}
	deliveredTo, err := s.transport.SendFrame(ctx, offer)
	if err != nil {
		fail("send offer", err)
		return
	}
	if !delivered(deliveredTo, peerID) {
		fail("peer offline", ErrPeerOffline)
		return
	}

	iter, err := transfer.OpenChunks(msg.FilePath, msg.FileID, 0)
	if err != nil {
		fail("open chunks", err)
		return
	}
	defer iter.Close()

	for {
		chunk, ok, err := iter.Next()
		if err != nil {
			fail("read chunk", err)
			return
		}
		if !ok {
			break
		}
		frame, err := protocol.NewFrame(protocol.FrameFileChunk, uuid.NewString(), s.selfID,
			peerID, s.now().UnixMilli(), chunk)
		if err != nil {
			fail("encode chunk", err)
			return
		}
		if _, err := s.transport.SendFrame(ctx, frame); err != nil {
			fail("send chunk", err)
			return
		}
		transferred := int64(chunk.Index+1) * transfer.ChunkSize
		if transferred > msg.FileSize {
			transferred = msg.FileSize
		}
		s.emitProgress(msg, transferred)
	}

	complete, err := protocol.NewFrame(protocol.FrameFileComplete, uuid.NewString(), s.selfID,
		peerID, s.now().UnixMilli(), protocol.FileCompletePayload{FileID: msg.FileID})
	if err != nil {
		fail("encode complete", err)
		return
	}
	if _, err := s.transport.SendFrame(ctx, complete); err != nil {
		fail("send complete", err)
		return
	}
	s.emitProgress(msg, msg.FileSize)
}

// RetryFailedMessagesForPeer resends failed outgoing texts in creation
// order; called when the peer transitions offline → online.
func (s *Service) RetryFailedMessagesForPeer(ctx context.Context, peerID string) {
	failed, err := s.st.FailedOutgoingMessages(store.DMConversationID(peerID))
	if err != nil {
		slog.Warn("list failed messages", "peer", peerID, "err", err)
		return
	}
	for _, msg := range failed {
		if msg.Type != store.TypeText {
			continue
		}
		frame, err := protocol.NewFrame(protocol.FrameChatText, msg.MessageID, s.selfID,
			peerID, msg.CreatedAt, protocol.TextPayload{Text: msg.BodyText})
		if err != nil {
			continue
		}
		deliveredTo, err := s.transport.SendFrame(ctx, frame)
		if err != nil || !delivered(deliveredTo, peerID) {
			continue
		}
		if _, err := s.st.SetMessageStatus(msg.MessageID, store.StatusSent); err != nil {
			slog.Warn("mark retried message sent", "message", msg.MessageID, "err", err)
			continue
		}
		s.emitStatus(msg.MessageID, store.StatusSent)
	}
}

// ReplayPendingFilesForPeer re-streams outgoing file messages that are
// not delivered yet and whose local file still exists. The receiver's
// offer handling is idempotent, so replaying a finalized transfer is
// harmless. Streaming happens on one background goroutine per call so
// the caller's loop stays responsive; files replay in creation order.
func (s *Service) ReplayPendingFilesForPeer(ctx context.Context, peerID string) {
	pending, err := s.st.PendingFileMessages(store.DMConversationID(peerID))
	if err != nil {
		slog.Warn("list pending files", "peer", peerID, "err", err)
		return
	}
	var replay []store.Message
	for _, msg := range pending {
		if msg.FilePath == "" {
			continue
		}
		if _, err := os.Stat(msg.FilePath); err != nil {
			continue
		}
		replay = append(replay, msg)
	}
	if len(replay) == 0 {
		return
	}
	go func(ctx context.Context) {
		for _, msg := range replay {
			s.streamFile(ctx, msg)
		}
	}(context.WithoutCancel(ctx))
}

// ReactToMessage sets or clears (reaction == nil) the local user's
// reaction and propagates a chat:react frame.
func (s *Service) ReactToMessage(ctx context.Context, convID, messageID string, reaction *string) error {
	target, err := s.frameTarget(convID)
	if err != nil {
		return err
	}
	emoji := ""
	if reaction != nil {
		if !protocol.ValidReaction(*reaction) {
			return fmt.Errorf("invalid reaction %q", *reaction)
		}
		emoji = *reaction
	}
	isDM := convID != store.AnnouncementsConversationID
	if err := s.st.UpsertReaction(messageID, s.selfID, emoji, isDM); err != nil {
		return err
	}
	reactions, err := s.st.MessageReactions(messageID)
	if err != nil {
		return err
	}
	payload := protocol.AnnouncementReactionsPayload{MessageID: messageID, Reactions: reactions}
	if isDM {
		s.bus.Emit(events.MessageReactions, payload)
	} else {
		s.bus.Emit(events.AnnouncementReactions, payload)
	}

	frame, err := protocol.NewFrame(protocol.FrameChatReact, uuid.NewString(), s.selfID,
		target, s.now().UnixMilli(),
		protocol.ReactPayload{TargetMessageID: messageID, Reaction: reaction})
	if err != nil {
		return err
	}
	if _, err := s.transport.SendFrame(ctx, frame); err != nil {
		s.toast("warning", "reaction not sent")
		return err
	}
	return nil
}

// DeleteMessageForEveryone tombstones an outgoing message, removes its
// managed attachment and propagates chat:delete.
func (s *Service) DeleteMessageForEveryone(ctx context.Context, convID, messageID string) error {
	target, err := s.frameTarget(convID)
	if err != nil {
		return err
	}
	msg, err := s.st.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.Direction != store.DirectionOut {
		return fmt.Errorf("only own messages can be deleted for everyone")
	}
	filePath, ok, err := s.st.DeleteMessageForEveryone(messageID, s.now().UnixMilli())
	if err != nil {
		return err
	}
	if ok && filePath != "" && transfer.IsManaged(s.attachRoot, filePath) {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove managed attachment", "path", filePath, "err", err)
		}
	}
	s.bus.Emit(events.MessageRemoved, map[string]string{
		"conversationId": convID,
		"messageId":      messageID,
	})

	frame, err := protocol.NewFrame(protocol.FrameChatDelete, uuid.NewString(), s.selfID,
		target, s.now().UnixMilli(),
		protocol.DeletePayload{TargetMessageID: messageID})
	if err != nil {
		return err
	}
	if _, err := s.transport.SendFrame(ctx, frame); err != nil {
		s.toast("warning", "delete not propagated")
		return err
	}
	return nil
}

// ForgetPeer performs the messaging half of forgetting: notify the peer
// with chat:clear + chat:forget and wipe the local conversation,
// removing managed attachments. The roster owns the hide/forgotten
// bookkeeping.
func (s *Service) ForgetPeer(ctx context.Context, peerID string) error {
	for _, frameType := range []string{protocol.FrameChatClear, protocol.FrameChatForget} {
		frame, err := protocol.NewFrame(frameType, uuid.NewString(), s.selfID, peerID,
			s.now().UnixMilli(), protocol.ClearPayload{Scope: protocol.ScopeDM})
		if err != nil {
			return err
		}
		if _, err := s.transport.SendFrame(ctx, frame); err != nil {
			slog.Debug("forget cascade frame not delivered", "type", frameType, "peer", peerID, "err", err)
		}
	}
	return s.ClearConversationLocal(store.DMConversationID(peerID))
}

// ClearConversationLocal wipes a conversation's rows and managed files
// and emits conversation:cleared.
func (s *Service) ClearConversationLocal(convID string) error {
	paths, err := s.st.ClearConversation(convID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if transfer.IsManaged(s.attachRoot, p) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				slog.Warn("remove managed attachment", "path", p, "err", err)
			}
		}
	}
	s.bus.Emit(events.ConversationCleared, convID)
	return nil
}

// SendDeliveredAck sends chat:ack{delivered} for a received message.
func (s *Service) SendDeliveredAck(ctx context.Context, peerID, ackMessageID string) {
	frame, err := protocol.NewFrame(protocol.FrameChatAck, uuid.NewString(), s.selfID, peerID,
		s.now().UnixMilli(), protocol.AckPayload{
			AckMessageID: ackMessageID,
			Status:       protocol.AckStatusDelivered,
		})
	if err != nil {
		return
	}
	if _, err := s.transport.SendFrame(ctx, frame); err != nil {
		slog.Debug("ack not delivered", "message", ackMessageID, "err", err)
	}
}

// SendTyping pushes a typing indicator; best effort.
func (s *Service) SendTyping(ctx context.Context, peerID string, isTyping bool) {
	frame, err := protocol.NewFrame(protocol.FrameTyping, uuid.NewString(), s.selfID, peerID,
		s.now().UnixMilli(), protocol.TypingPayload{IsTyping: isTyping})
	if err != nil {
		return
	}
	if _, err := s.transport.SendFrame(ctx, frame); err != nil {
		slog.Debug("typing frame not delivered", "peer", peerID, "err", err)
	}
}

// frameTarget maps a conversation to a frame destination: the DM
// counterpart, or "" (broadcast) for announcements. Conversation ids
// from the UI are untrusted; anything else is rejected.
func (s *Service) frameTarget(convID string) (string, error) {
	if convID == store.AnnouncementsConversationID {
		return "", nil
	}
	if peer, ok := strings.CutPrefix(convID, "dm:"); ok && peer != "" {
		return peer, nil
	}
	return "", fmt.Errorf("unknown conversation id %q", convID)
}

func (s *Service) emitProgress(msg store.Message, transferred int64) {
	s.bus.Emit(events.TransferProgress, events.TransferProgressPayload{
		Direction:   "out",
		FileID:      msg.FileID,
		MessageID:   msg.MessageID,
		PeerID:      msg.ReceiverDeviceID,
		Transferred: transferred,
		Total:       msg.FileSize,
	})
}

func (s *Service) emitStatus(messageID, status string) {
	s.bus.Emit(events.MessageStatus, map[string]string{
		"messageId": messageID,
		"status":    status,
	})
}

func (s *Service) toast(level, message string) {
	s.bus.Emit(events.UIToast, events.ToastPayload{Level: level, Message: message})
}
