package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/transfer"
)

func newID() string { return uuid.NewString() }

// handleFrame dispatches one routed frame. Runs on the control loop.
func (a *App) handleFrame(ctx context.Context, f protocol.Frame) {
	if f.From == a.selfID {
		return
	}
	if !a.roster.AllowFrameFrom(f.From, f.Type) {
		slog.Debug("frame from forgotten peer dropped", "from", f.From, "type", f.Type)
		return
	}
	switch f.Type {
	case protocol.FrameHello:
		a.reconcilePeer(ctx, f.From)
	case protocol.FrameChatText:
		a.onChatText(ctx, f)
	case protocol.FrameAnnounce:
		a.onAnnounce(ctx, f)
	case protocol.FrameChatAck:
		a.onChatAck(f)
	case protocol.FrameChatReact:
		a.onChatReact(f)
	case protocol.FrameChatDelete:
		a.onChatDelete(f)
	case protocol.FrameChatClear:
		a.clearFrom(f.From)
	case protocol.FrameChatForget:
		a.clearFrom(f.From)
		if err := a.roster.Forget(f.From); err != nil {
			slog.Warn("forget peer", "peer", f.From, "err", err)
		}
	case protocol.FrameSyncRequest:
		a.onSyncRequest(ctx, f)
	case protocol.FrameSyncResponse:
		a.onSyncResponse(ctx, f)
	case protocol.FrameTyping:
		a.onTyping(f)
	case protocol.FrameFileOffer:
		a.onFileOffer(f)
	case protocol.FrameFileChunk:
		a.onFileChunk(f)
	case protocol.FrameFileComplete:
		a.onFileComplete(ctx, f)
	default:
		slog.Debug("unknown frame type", "type", f.Type, "from", f.From)
	}
}

func (a *App) onChatText(ctx context.Context, f protocol.Frame) {
	var p protocol.TextPayload
	if err := f.DecodePayload(&p); err != nil {
		slog.Warn("bad chat:text payload", "from", f.From, "err", err)
		return
	}
	conv, err := a.st.EnsureDMConversation(f.From, a.peerTitle(f.From))
	if err != nil {
		slog.Warn("ensure conversation", "peer", f.From, "err", err)
		return
	}
	createdAt := f.CreatedAt
	if now := a.now().UnixMilli(); createdAt > now {
		createdAt = now
	}
	msg := store.Message{
		MessageID:        f.MessageID,
		ConversationID:   conv.ID,
		Direction:        store.DirectionIn,
		SenderDeviceID:   f.From,
		ReceiverDeviceID: a.selfID,
		Type:             store.TypeText,
		BodyText:         p.Text,
		Status:           store.StatusDelivered,
		CreatedAt:        createdAt,
	}
	inserted, err := a.st.SaveMessage(msg)
	if err != nil {
		slog.Warn("save incoming text", "message", f.MessageID, "err", err)
		return
	}
	if inserted {
		if err := a.st.IncrementUnread(conv.ID); err != nil {
			slog.Warn("bump unread", "conversation", conv.ID, "err", err)
		}
		stored, err := a.st.GetMessage(f.MessageID)
		if err == nil {
			a.bus.Emit(events.MessageReceived, stored)
		}
	}
	// Ack even a duplicate so the sender's retry settles.
	a.msgs.SendDeliveredAck(ctx, f.From, f.MessageID)
}

func (a *App) onAnnounce(ctx context.Context, f protocol.Frame) {
	var p protocol.AnnouncePayload
	if err := f.DecodePayload(&p); err != nil {
		slog.Warn("bad announce payload", "from", f.From, "err", err)
		return
	}
	if err := a.st.EnsureAnnouncementsConversation(); err != nil {
		slog.Warn("ensure announcements conversation", "err", err)
		return
	}
	msg := store.Message{
		MessageID:      f.MessageID,
		ConversationID: store.AnnouncementsConversationID,
		Direction:      store.DirectionIn,
		SenderDeviceID: f.From,
		Type:           store.TypeAnnouncement,
		BodyText:       p.Text,
		CreatedAt:      f.CreatedAt,
	}
	inserted, err := a.st.SaveMessage(msg)
	if err != nil {
		slog.Warn("save announcement", "message", f.MessageID, "err", err)
		return
	}
	if inserted {
		if err := a.st.IncrementUnread(store.AnnouncementsConversationID); err != nil {
			slog.Warn("bump unread", "conversation", store.AnnouncementsConversationID, "err", err)
		}
		stored, err := a.st.GetMessage(f.MessageID)
		if err == nil {
			a.bus.Emit(events.MessageReceived, stored)
		}
	}
	a.msgs.SendDeliveredAck(ctx, f.From, f.MessageID)
}

func (a *App) onChatAck(f protocol.Frame) {
	var p protocol.AckPayload
	if err := f.DecodePayload(&p); err != nil || p.Status != protocol.AckStatusDelivered {
		return
	}
	changed, err := a.st.SetMessageStatus(p.AckMessageID, store.StatusDelivered)
	if err != nil {
		slog.Warn("apply delivered ack", "message", p.AckMessageID, "err", err)
		return
	}
	if changed {
		a.bus.Emit(events.MessageStatus, map[string]string{
			"messageId": p.AckMessageID,
			"status":    store.StatusDelivered,
		})
	}
}

func (a *App) onChatReact(f protocol.Frame) {
	var p protocol.ReactPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	emoji := ""
	if p.Reaction != nil {
		if !protocol.ValidReaction(*p.Reaction) {
			slog.Debug("reaction emoji rejected", "from", f.From)
			return
		}
		emoji = *p.Reaction
	}
	target, err := a.st.GetMessage(p.TargetMessageID)
	if err != nil {
		slog.Debug("reaction target unknown", "message", p.TargetMessageID)
		return
	}
	isDM := target.ConversationID != store.AnnouncementsConversationID
	if err := a.st.UpsertReaction(p.TargetMessageID, f.From, emoji, isDM); err != nil {
		slog.Warn("store reaction", "message", p.TargetMessageID, "err", err)
		return
	}
	if isDM {
		a.bus.Emit(events.MessageReactions, map[string]string{
			"conversationId": target.ConversationID,
			"messageId":      p.TargetMessageID,
			"reaction":       emoji,
		})
		return
	}
	reactions, err := a.st.MessageReactions(p.TargetMessageID)
	if err != nil {
		return
	}
	a.bus.Emit(events.AnnouncementReactions, protocol.AnnouncementReactionsPayload{
		MessageID: p.TargetMessageID,
		Reactions: reactions,
	})
}

func (a *App) onChatDelete(f protocol.Frame) {
	var p protocol.DeletePayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	target, err := a.st.GetMessage(p.TargetMessageID)
	if err != nil {
		return
	}
	// Only the author may delete for everyone.
	if target.SenderDeviceID != f.From {
		slog.Debug("delete from non-author dropped", "message", p.TargetMessageID, "from", f.From)
		return
	}
	path, ok, err := a.st.DeleteMessageForEveryone(p.TargetMessageID, a.now().UnixMilli())
	if err != nil || !ok {
		return
	}
	if path != "" && transfer.IsManaged(a.msgs.AttachmentsRoot(), path) {
		_ = os.Remove(path)
	}
	a.bus.Emit(events.MessageRemoved, map[string]string{
		"conversationId": target.ConversationID,
		"messageId":      p.TargetMessageID,
	})
}

func (a *App) clearFrom(peerID string) {
	if err := a.msgs.ClearConversationLocal(store.DMConversationID(peerID)); err != nil {
		slog.Warn("clear conversation", "peer", peerID, "err", err)
	}
}

func (a *App) onSyncRequest(ctx context.Context, f protocol.Frame) {
	var p protocol.SyncRequestPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	rows, err := a.sync.BuildSyncMessages(f.From, p.Since, p.Limit)
	if err != nil {
		slog.Warn("build sync response", "peer", f.From, "err", err)
		return
	}
	frame, err := protocol.NewFrame(protocol.FrameSyncResponse, newID(), a.selfID,
		f.From, a.now().UnixMilli(), protocol.SyncResponsePayload{Messages: rows})
	if err != nil {
		return
	}
	if _, err := a.relay.SendFrame(ctx, frame); err != nil {
		slog.Debug("sync response not delivered", "peer", f.From, "err", err)
	}
}

func (a *App) onSyncResponse(ctx context.Context, f protocol.Frame) {
	var p protocol.SyncResponsePayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	known := a.knownPeers()
	inserted := 0
	for _, row := range p.Messages {
		res, ok, err := a.sync.ApplySyncedMessage(row, known)
		if err != nil {
			slog.Warn("apply synced message", "message", row.MessageID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if res.Inserted {
			inserted++
			if res.Message.Direction == store.DirectionIn {
				if err := a.st.IncrementUnread(res.Message.ConversationID); err != nil {
					slog.Warn("bump unread", "conversation", res.Message.ConversationID, "err", err)
				}
				a.msgs.SendDeliveredAck(ctx, f.From, res.Message.MessageID)
			}
			a.bus.Emit(events.MessageReceived, res.Message)
		} else if res.Removed {
			if res.FilePath != "" && transfer.IsManaged(a.msgs.AttachmentsRoot(), res.FilePath) {
				_ = os.Remove(res.FilePath)
			}
			a.bus.Emit(events.MessageRemoved, map[string]string{
				"conversationId": res.Message.ConversationID,
				"messageId":      row.MessageID,
			})
		} else {
			a.bus.Emit(events.MessageUpdated, map[string]string{"messageId": row.MessageID})
		}
	}
	slog.Info("sync response applied", "peer", f.From, "rows", len(p.Messages), "inserted", inserted)
	a.bus.Emit(events.SyncStatus, map[string]string{"peerId": f.From, "state": "idle"})
}

// knownPeers is the union of stored and currently-live peers; sync rows
// from anyone else are dropped.
func (a *App) knownPeers() map[string]bool {
	known := make(map[string]bool)
	if peers, err := a.st.ListPeers(); err == nil {
		for _, p := range peers {
			known[p.DeviceID] = true
		}
	}
	views, err := a.roster.Peers()
	if err == nil {
		for _, v := range views {
			known[v.DeviceID] = true
		}
	}
	return known
}

func (a *App) onTyping(f protocol.Frame) {
	var p protocol.TypingPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	peer := f.From
	a.bus.Emit(events.TypingUpdate, events.TypingPayload{PeerID: peer, IsTyping: p.IsTyping})
	a.mu.Lock()
	if t, ok := a.typingOff[peer]; ok {
		t.Stop()
		delete(a.typingOff, peer)
	}
	if p.IsTyping {
		a.typingOff[peer] = time.AfterFunc(TypingTTL, func() {
			a.enqueue(func(context.Context) {
				a.mu.Lock()
				delete(a.typingOff, peer)
				a.mu.Unlock()
				a.bus.Emit(events.TypingUpdate, events.TypingPayload{PeerID: peer, IsTyping: false})
			})
		})
	}
	a.mu.Unlock()
}

func (a *App) onFileOffer(f protocol.Frame) {
	var p protocol.FileOfferPayload
	if err := f.DecodePayload(&p); err != nil {
		slog.Warn("bad file:offer payload", "from", f.From, "err", err)
		return
	}
	if _, err := a.recv.Offer(f.From, p.FileID, p.MessageID, p.Filename, p.Size, p.SHA256); err != nil {
		slog.Warn("file offer rejected", "file", p.FileID, "from", f.From, "err", err)
		return
	}
	conv, err := a.st.EnsureDMConversation(f.From, a.peerTitle(f.From))
	if err != nil {
		return
	}
	createdAt := f.CreatedAt
	if now := a.now().UnixMilli(); createdAt > now {
		createdAt = now
	}
	msg := store.Message{
		MessageID:        p.MessageID,
		ConversationID:   conv.ID,
		Direction:        store.DirectionIn,
		SenderDeviceID:   f.From,
		ReceiverDeviceID: a.selfID,
		Type:             store.TypeFile,
		FileID:           p.FileID,
		FileName:         p.Filename,
		FileSize:         p.Size,
		FileSHA256:       p.SHA256,
		CreatedAt:        createdAt,
	}
	inserted, err := a.st.SaveMessage(msg)
	if err != nil {
		slog.Warn("save incoming file message", "message", p.MessageID, "err", err)
		return
	}
	a.mu.Lock()
	a.inFiles[p.FileID] = fileMeta{messageID: p.MessageID, peerID: f.From}
	a.mu.Unlock()
	if inserted {
		if err := a.st.IncrementUnread(conv.ID); err != nil {
			slog.Warn("bump unread", "conversation", conv.ID, "err", err)
		}
		stored, err := a.st.GetMessage(p.MessageID)
		if err == nil {
			a.bus.Emit(events.MessageReceived, stored)
		}
	}
}

func (a *App) onFileChunk(f protocol.Frame) {
	var p protocol.FileChunkPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	prog, err := a.recv.Chunk(p.FileID, p.Index, p.Total, p.DataBase64)
	if err != nil {
		slog.Warn("file chunk rejected", "file", p.FileID, "index", p.Index, "err", err)
		a.failInbound(p.FileID)
		return
	}
	a.bus.Emit(events.TransferProgress, events.TransferProgressPayload{
		Direction:   "in",
		FileID:      prog.FileID,
		MessageID:   prog.MessageID,
		PeerID:      f.From,
		Transferred: prog.Transferred,
		Total:       prog.Total,
	})
}

func (a *App) onFileComplete(ctx context.Context, f protocol.Frame) {
	var p protocol.FileCompletePayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	res, err := a.recv.Complete(p.FileID)
	if err != nil {
		slog.Warn("file transfer failed", "file", p.FileID, "err", err)
		a.failInbound(p.FileID)
		return
	}
	a.mu.Lock()
	delete(a.inFiles, p.FileID)
	a.mu.Unlock()
	if err := a.st.SetMessageFilePath(res.MessageID, res.Path); err != nil {
		slog.Warn("record file path", "message", res.MessageID, "err", err)
	}
	if _, err := a.st.SetMessageStatus(res.MessageID, store.StatusDelivered); err != nil {
		slog.Warn("mark file delivered", "message", res.MessageID, "err", err)
	}
	if stored, err := a.st.GetMessage(res.MessageID); err == nil {
		a.bus.Emit(events.MessageUpdated, stored)
	}
	a.msgs.SendDeliveredAck(ctx, f.From, res.MessageID)
	slog.Info("file received", "file", res.FileID, "path", res.Path, "size", res.Size)
}

// failInbound marks the message behind a broken inbound transfer failed.
func (a *App) failInbound(fileID string) {
	a.mu.Lock()
	meta, ok := a.inFiles[fileID]
	delete(a.inFiles, fileID)
	a.mu.Unlock()
	a.recv.Abort(fileID)
	if !ok {
		return
	}
	if changed, err := a.st.SetMessageStatus(meta.messageID, store.StatusFailed); err == nil && changed {
		a.bus.Emit(events.MessageStatus, map[string]string{
			"messageId": meta.messageID,
			"status":    store.StatusFailed,
		})
	}
}

// applyAnnouncementSnapshot makes the local announcements conversation
// match the relay's authoritative ring: missing announcements are
// inserted, reactions replaced wholesale, and local rows the relay no
// longer carries are purged.
func (a *App) applyAnnouncementSnapshot(p protocol.AnnouncementSnapshotPayload) {
	if err := a.st.EnsureAnnouncementsConversation(); err != nil {
		slog.Warn("ensure announcements conversation", "err", err)
		return
	}
	live := make(map[string]bool, len(p.Frames))
	for _, f := range p.Frames {
		live[f.MessageID] = true
		var body protocol.AnnouncePayload
		if err := f.DecodePayload(&body); err != nil {
			continue
		}
		direction := store.DirectionIn
		status := ""
		if f.From == a.selfID {
			direction = store.DirectionOut
			status = store.StatusSent
		}
		msg := store.Message{
			MessageID:      f.MessageID,
			ConversationID: store.AnnouncementsConversationID,
			Direction:      direction,
			SenderDeviceID: f.From,
			Type:           store.TypeAnnouncement,
			BodyText:       body.Text,
			Status:         status,
			CreatedAt:      f.CreatedAt,
		}
		inserted, err := a.st.SaveMessage(msg)
		if err != nil {
			slog.Warn("save snapshot announcement", "message", f.MessageID, "err", err)
			continue
		}
		if inserted {
			if stored, err := a.st.GetMessage(f.MessageID); err == nil {
				a.bus.Emit(events.MessageReceived, stored)
			}
		}
		if reactions, ok := p.Reactions[f.MessageID]; ok {
			if err := a.st.ReplaceMessageReactions(f.MessageID, reactions); err == nil {
				a.bus.Emit(events.AnnouncementReactions, protocol.AnnouncementReactionsPayload{
					MessageID: f.MessageID,
					Reactions: reactions,
				})
			}
		}
	}
	local, err := a.st.ListConversationMessages(store.AnnouncementsConversationID, 0)
	if err != nil {
		return
	}
	for _, m := range local {
		if live[m.MessageID] || m.DeletedAt != 0 {
			continue
		}
		if err := a.st.PurgeMessage(m.MessageID); err != nil {
			continue
		}
		a.bus.Emit(events.MessageRemoved, map[string]string{
			"conversationId": store.AnnouncementsConversationID,
			"messageId":      m.MessageID,
		})
	}
}

// peerTitle resolves a display name for the conversation title, falling
// back to the device id.
func (a *App) peerTitle(deviceID string) string {
	views, err := a.roster.Peers()
	if err == nil {
		for _, v := range views {
			if v.DeviceID == deviceID && v.DisplayName != "" {
				return v.DisplayName
			}
		}
	}
	return deviceID
}
