package app

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/messaging"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/roster"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/syncer"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/transfer"
)

const peerID = "peer-dev"

// fakeRelay satisfies both the control loop's Relay and the message
// service's Transport.
type fakeRelay struct {
	mu          sync.Mutex
	frames      []protocol.Frame
	deliveredTo []string
	err         error
	profilePush int
}

func (f *fakeRelay) SendFrame(_ context.Context, frame protocol.Frame) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.frames = append(f.frames, frame)
	return append([]string(nil), f.deliveredTo...), nil
}

func (f *fakeRelay) UpdateProfile() {
	f.mu.Lock()
	f.profilePush++
	f.mu.Unlock()
}

func (f *fakeRelay) sent() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

func (f *fakeRelay) sentOfType(frameType string) []protocol.Frame {
	var out []protocol.Frame
	for _, fr := range f.sent() {
		if fr.Type == frameType {
			out = append(out, fr)
		}
	}
	return out
}

type testApp struct {
	app    *App
	st     *store.Store
	bus    *events.Bus
	relay  *fakeRelay
	selfID string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	ro, err := roster.New(st, bus, "Test User")
	if err != nil {
		t.Fatalf("roster.New: %v", err)
	}
	relay := &fakeRelay{deliveredTo: []string{peerID}}
	selfID := ro.SelfID()
	msgs := messaging.New(st, bus, relay, selfID, t.TempDir())
	recv := transfer.NewReceiver(t.TempDir())
	a := New(st, bus, ro, syncer.New(st, selfID), msgs, recv, "test")
	a.SetRelay(relay)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testApp{app: a, st: st, bus: bus, relay: relay, selfID: selfID}
}

// drain blocks until every previously enqueued control-loop item ran.
func (ta *testApp) drain(t *testing.T) {
	t.Helper()
	ch := make(chan struct{})
	ta.app.enqueue(func(context.Context) { close(ch) })
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("control loop stalled")
	}
}

func (ta *testApp) deliver(t *testing.T, frameType, messageID string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(frameType, messageID, peerID, ta.selfID,
		time.Now().UnixMilli(), payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	ta.app.HandleDeliver(f)
	ta.drain(t)
}

func TestIncomingTextPersistsAndAcks(t *testing.T) {
	ta := newTestApp(t)
	ta.deliver(t, protocol.FrameChatText, "m1", protocol.TextPayload{Text: "hey"})

	msg, err := ta.st.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Direction != store.DirectionIn || msg.Status != store.StatusDelivered {
		t.Errorf("message = %s/%s, want in/delivered", msg.Direction, msg.Status)
	}
	if msg.ConversationID != store.DMConversationID(peerID) {
		t.Errorf("conversation = %q", msg.ConversationID)
	}
	conv, err := ta.st.GetConversation(msg.ConversationID)
	if err != nil || conv.UnreadCount != 1 {
		t.Errorf("unread = %d (%v), want 1", conv.UnreadCount, err)
	}
	acks := ta.relay.sentOfType(protocol.FrameChatAck)
	if len(acks) != 1 {
		t.Fatalf("acks sent = %d, want 1", len(acks))
	}
	var ack protocol.AckPayload
	if err := acks[0].DecodePayload(&ack); err != nil || ack.AckMessageID != "m1" {
		t.Errorf("ack for %q (%v), want m1", ack.AckMessageID, err)
	}
}

func TestDuplicateTextAcksWithoutDoubleCount(t *testing.T) {
	ta := newTestApp(t)
	ta.deliver(t, protocol.FrameChatText, "m1", protocol.TextPayload{Text: "hey"})
	ta.deliver(t, protocol.FrameChatText, "m1", protocol.TextPayload{Text: "hey"})

	conv, err := ta.st.GetConversation(store.DMConversationID(peerID))
	if err != nil || conv.UnreadCount != 1 {
		t.Errorf("unread = %d (%v), want 1", conv.UnreadCount, err)
	}
	if acks := ta.relay.sentOfType(protocol.FrameChatAck); len(acks) != 2 {
		t.Errorf("acks sent = %d, want 2 (duplicates still settle the sender)", len(acks))
	}
}

func TestDeliveredAckUpgradesStatus(t *testing.T) {
	ta := newTestApp(t)
	out, err := ta.app.SendText(context.Background(), peerID, "ping")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	ta.deliver(t, protocol.FrameChatAck, "a1", protocol.AckPayload{
		AckMessageID: out.MessageID,
		Status:       protocol.AckStatusDelivered,
	})
	got, err := ta.st.GetMessage(out.MessageID)
	if err != nil || got.Status != store.StatusDelivered {
		t.Errorf("status = %q (%v), want delivered", got.Status, err)
	}
}

func TestIncomingReactionMirrorsOnDM(t *testing.T) {
	ta := newTestApp(t)
	out, err := ta.app.SendText(context.Background(), peerID, "react to me")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	emoji := "👍"
	ta.deliver(t, protocol.FrameChatReact, "r1", protocol.ReactPayload{
		TargetMessageID: out.MessageID,
		Reaction:        &emoji,
	})
	got, _ := ta.st.GetMessage(out.MessageID)
	if got.Reaction != emoji {
		t.Errorf("reaction = %q, want %q", got.Reaction, emoji)
	}

	// Invalid emoji never lands.
	bad := "🙈"
	ta.deliver(t, protocol.FrameChatReact, "r2", protocol.ReactPayload{
		TargetMessageID: out.MessageID,
		Reaction:        &bad,
	})
	got, _ = ta.st.GetMessage(out.MessageID)
	if got.Reaction != emoji {
		t.Errorf("reaction = %q after invalid emoji, want %q", got.Reaction, emoji)
	}
}

func TestDeleteForEveryoneAuthorOnly(t *testing.T) {
	ta := newTestApp(t)
	ta.deliver(t, protocol.FrameChatText, "m1", protocol.TextPayload{Text: "from peer"})
	out, err := ta.app.SendText(context.Background(), peerID, "mine")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// Peer deleting the local user's message is ignored.
	ta.deliver(t, protocol.FrameChatDelete, "d1", protocol.DeletePayload{TargetMessageID: out.MessageID})
	got, _ := ta.st.GetMessage(out.MessageID)
	if got.DeletedAt != 0 {
		t.Error("non-author delete tombstoned the message")
	}

	// Peer deleting its own message lands.
	ta.deliver(t, protocol.FrameChatDelete, "d2", protocol.DeletePayload{TargetMessageID: "m1"})
	got, err = ta.st.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeletedAt == 0 || got.BodyText != "" {
		t.Errorf("tombstone = deletedAt %d body %q", got.DeletedAt, got.BodyText)
	}
}

func TestSyncRequestAnswersWithWindow(t *testing.T) {
	ta := newTestApp(t)
	if _, err := ta.app.SendText(context.Background(), peerID, "one"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if _, err := ta.app.SendText(context.Background(), peerID, "two"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	ta.deliver(t, protocol.FrameSyncRequest, "s1", protocol.SyncRequestPayload{Since: 0, Limit: 100})

	resps := ta.relay.sentOfType(protocol.FrameSyncResponse)
	if len(resps) != 1 {
		t.Fatalf("sync responses = %d, want 1", len(resps))
	}
	var body protocol.SyncResponsePayload
	if err := resps[0].DecodePayload(&body); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Errorf("rows = %d, want 2", len(body.Messages))
	}
}

func TestSyncResponseInsertsAndAcks(t *testing.T) {
	ta := newTestApp(t)
	if err := ta.st.UpsertPeer(store.Peer{DeviceID: peerID, Source: store.SourceRelay}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	rows := []protocol.SyncMessage{{
		MessageID:      "sync-1",
		SenderDeviceID: peerID,
		Type:           store.TypeText,
		BodyText:       "from history",
		Status:         store.StatusDelivered,
		CreatedAt:      time.Now().UnixMilli() - 1000,
	}, {
		MessageID:      "sync-2",
		SenderDeviceID: "total-stranger",
		Type:           store.TypeText,
		BodyText:       "dropped",
		CreatedAt:      time.Now().UnixMilli() - 900,
	}}
	ta.deliver(t, protocol.FrameSyncResponse, "s1", protocol.SyncResponsePayload{Messages: rows})

	if _, err := ta.st.GetMessage("sync-1"); err != nil {
		t.Errorf("synced row missing: %v", err)
	}
	if _, err := ta.st.GetMessage("sync-2"); err == nil {
		t.Error("row from unknown counterpart was stored")
	}
	if acks := ta.relay.sentOfType(protocol.FrameChatAck); len(acks) != 1 {
		t.Errorf("acks = %d, want 1", len(acks))
	}
}

func TestSyncResponseTombstoneRemoves(t *testing.T) {
	ta := newTestApp(t)
	if err := ta.st.UpsertPeer(store.Peer{DeviceID: peerID, Source: store.SourceRelay}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	ta.deliver(t, protocol.FrameChatText, "m1", protocol.TextPayload{Text: "secret body"})
	sub := ta.bus.Subscribe()
	defer ta.bus.Unsubscribe(sub)

	ta.deliver(t, protocol.FrameSyncResponse, "s1", protocol.SyncResponsePayload{
		Messages: []protocol.SyncMessage{{
			MessageID:        "m1",
			SenderDeviceID:   peerID,
			ReceiverDeviceID: ta.selfID,
			Type:             store.TypeText,
			DeletedAt:        time.Now().UnixMilli(),
			CreatedAt:        time.Now().UnixMilli() - 1000,
		}},
	})

	got, err := ta.st.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeletedAt == 0 || got.BodyText != "" {
		t.Errorf("tombstone = deletedAt %d body %q", got.DeletedAt, got.BodyText)
	}
	removed := false
	for {
		ev, ok := sub.TryNext()
		if !ok {
			break
		}
		if ev.Type == events.MessageRemoved {
			removed = true
		}
		if ev.Type == events.MessageUpdated {
			t.Error("tombstone emitted message:updated")
		}
	}
	if !removed {
		t.Error("no message:removed emitted for synced tombstone")
	}
}

func TestInboundFileTransfer(t *testing.T) {
	ta := newTestApp(t)
	data := []byte("inbound attachment body")
	sum := sha256.Sum256(data)

	ta.deliver(t, protocol.FrameFileOffer, "f-off", protocol.FileOfferPayload{
		FileID:    "file-1",
		MessageID: "fm-1",
		Filename:  "notes.txt",
		Size:      int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
	})
	msg, err := ta.st.GetMessage("fm-1")
	if err != nil || msg.Type != store.TypeFile || msg.Status != "" {
		t.Fatalf("offer row = %+v (%v)", msg, err)
	}

	ta.deliver(t, protocol.FrameFileChunk, "f-c0", protocol.FileChunkPayload{
		FileID: "file-1", Index: 0, Total: 1,
		DataBase64: base64.StdEncoding.EncodeToString(data),
	})
	ta.deliver(t, protocol.FrameFileComplete, "f-done", protocol.FileCompletePayload{FileID: "file-1"})

	msg, err = ta.st.GetMessage("fm-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != store.StatusDelivered || msg.FilePath == "" {
		t.Errorf("completed file = status %q path %q", msg.Status, msg.FilePath)
	}
	if acks := ta.relay.sentOfType(protocol.FrameChatAck); len(acks) != 1 {
		t.Errorf("acks = %d, want 1", len(acks))
	}
}

func TestFileCompleteHashMismatchFailsMessage(t *testing.T) {
	ta := newTestApp(t)
	data := []byte("tampered in flight")
	ta.deliver(t, protocol.FrameFileOffer, "f-off", protocol.FileOfferPayload{
		FileID:    "file-1",
		MessageID: "fm-1",
		Filename:  "notes.txt",
		Size:      int64(len(data)),
		SHA256:    "deadbeef",
	})
	ta.deliver(t, protocol.FrameFileChunk, "f-c0", protocol.FileChunkPayload{
		FileID: "file-1", Index: 0, Total: 1,
		DataBase64: base64.StdEncoding.EncodeToString(data),
	})
	ta.deliver(t, protocol.FrameFileComplete, "f-done", protocol.FileCompletePayload{FileID: "file-1"})

	msg, err := ta.st.GetMessage("fm-1")
	if err != nil || msg.Status != store.StatusFailed {
		t.Errorf("status = %q (%v), want failed", msg.Status, err)
	}
}

func TestForgetFrameClearsAndBlocks(t *testing.T) {
	ta := newTestApp(t)
	ta.deliver(t, protocol.FrameChatText, "m1", protocol.TextPayload{Text: "hi"})
	ta.deliver(t, protocol.FrameChatForget, "fg", protocol.ClearPayload{Scope: protocol.ScopeDM})

	msgs, err := ta.st.ListConversationMessages(store.DMConversationID(peerID), 0)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after forget = %d, want 0", len(msgs))
	}
	// Subsequent frames from the forgotten peer are dropped.
	ta.deliver(t, protocol.FrameChatText, "m2", protocol.TextPayload{Text: "still there?"})
	if _, err := ta.st.GetMessage("m2"); err == nil {
		t.Error("frame from forgotten peer was persisted")
	}
}

func TestAnnouncementSnapshotReconciles(t *testing.T) {
	ta := newTestApp(t)
	// Local announcement the relay no longer carries.
	ta.deliver(t, protocol.FrameAnnounce, "old-ann", protocol.AnnouncePayload{Text: "expired"})

	fresh, err := protocol.NewFrame(protocol.FrameAnnounce, "new-ann", peerID, "",
		time.Now().UnixMilli(), protocol.AnnouncePayload{Text: "current"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	ta.app.HandleAnnouncementSnapshot(protocol.AnnouncementSnapshotPayload{
		Frames:    []protocol.Frame{fresh},
		Reactions: map[string]map[string]string{"new-ann": {peerID: "❤️"}},
	})
	ta.drain(t)

	if _, err := ta.st.GetMessage("new-ann"); err != nil {
		t.Errorf("snapshot announcement missing: %v", err)
	}
	if _, err := ta.st.GetMessage("old-ann"); err == nil {
		t.Error("stale local announcement survived the snapshot")
	}
	reactions, err := ta.st.MessageReactions("new-ann")
	if err != nil || reactions[peerID] != "❤️" {
		t.Errorf("reactions = %v (%v)", reactions, err)
	}
}

func TestAnnouncementExpiredPurges(t *testing.T) {
	ta := newTestApp(t)
	ta.deliver(t, protocol.FrameAnnounce, "a1", protocol.AnnouncePayload{Text: "going away"})
	ta.app.HandleAnnouncementExpired(protocol.AnnouncementExpiredPayload{MessageIDs: []string{"a1"}})
	ta.drain(t)
	if _, err := ta.st.GetMessage("a1"); err == nil {
		t.Error("expired announcement still stored")
	}
}

func TestPeerComingOnlineTriggersSync(t *testing.T) {
	ta := newTestApp(t)
	ta.app.HandlePresence(protocol.PresencePayload{
		Peers:    []protocol.PeerProfile{{DeviceID: peerID, DisplayName: "Peer"}},
		Revision: 1,
	})
	ta.drain(t)

	reqs := ta.relay.sentOfType(protocol.FrameSyncRequest)
	if len(reqs) != 1 {
		t.Fatalf("sync requests = %d, want 1", len(reqs))
	}
	if reqs[0].To == nil || *reqs[0].To != peerID {
		t.Error("sync request not addressed to the peer")
	}

	// Same snapshot again: the peer never went offline, no new request.
	ta.app.HandlePresence(protocol.PresencePayload{
		Peers:    []protocol.PeerProfile{{DeviceID: peerID, DisplayName: "Peer"}},
		Revision: 2,
	})
	ta.drain(t)
	if reqs := ta.relay.sentOfType(protocol.FrameSyncRequest); len(reqs) != 1 {
		t.Errorf("sync requests = %d after replayed snapshot, want 1", len(reqs))
	}
}

func TestRetryOnReconnectPreservesMessageID(t *testing.T) {
	ta := newTestApp(t)
	ta.relay.mu.Lock()
	ta.relay.err = errors.New("gone")
	ta.relay.mu.Unlock()
	out, err := ta.app.SendText(context.Background(), peerID, "while offline")
	if err == nil {
		t.Fatal("SendText with dead transport should error")
	}
	ta.relay.mu.Lock()
	ta.relay.err = nil
	ta.relay.mu.Unlock()

	ta.app.HandlePresenceDelta(protocol.PresenceDeltaPayload{
		Op:       protocol.PresenceOpUpsert,
		Peer:     &protocol.PeerProfile{DeviceID: peerID},
		Revision: 1,
	})
	ta.drain(t)

	texts := ta.relay.sentOfType(protocol.FrameChatText)
	if len(texts) != 1 || texts[0].MessageID != out.MessageID {
		t.Fatalf("retried frames = %+v, want one with id %s", texts, out.MessageID)
	}
	got, _ := ta.st.GetMessage(out.MessageID)
	if got.Status != store.StatusSent {
		t.Errorf("status after retry = %q, want sent", got.Status)
	}
}

func TestTypingEmitsUpdate(t *testing.T) {
	ta := newTestApp(t)
	sub := ta.bus.Subscribe()
	defer ta.bus.Unsubscribe(sub)

	ta.deliver(t, protocol.FrameTyping, "t1", protocol.TypingPayload{IsTyping: true})
	for {
		ev, ok := sub.TryNext()
		if !ok {
			t.Fatal("no typing event emitted")
		}
		if ev.Type == events.TypingUpdate {
			p := ev.Payload.(events.TypingPayload)
			if p.PeerID != peerID || !p.IsTyping {
				t.Errorf("typing payload = %+v", p)
			}
			break
		}
	}
}

func TestOwnFramesIgnored(t *testing.T) {
	ta := newTestApp(t)
	f, err := protocol.NewFrame(protocol.FrameChatText, "m1", ta.selfID, peerID,
		time.Now().UnixMilli(), protocol.TextPayload{Text: "echo"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	ta.app.HandleDeliver(f)
	ta.drain(t)
	if _, err := ta.st.GetMessage("m1"); err == nil {
		t.Error("own frame was persisted as incoming")
	}
}
