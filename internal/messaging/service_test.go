package messaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/transfer"
)

const (
	selfID = "self-dev"
	peerID = "peer-dev"
)

// fakeTransport records sent frames and answers with a scripted
// deliveredTo list or error. A non-nil gate makes every SendFrame wait
// on it first, to simulate a slow relay.
type fakeTransport struct {
	gate      chan struct{}
	mu        sync.Mutex
	frames    []protocol.Frame
	delivered []string
	err       error
}

func (f *fakeTransport) SendFrame(_ context.Context, frame protocol.Frame) ([]string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.frames = append(f.frames, frame)
	return f.delivered, nil
}

func (f *fakeTransport) sent() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

func newTestService(t *testing.T, tr *fakeTransport) (*Service, *store.Store, *events.Subscriber) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe()
	return New(st, bus, tr, selfID, t.TempDir()), st, sub
}

func TestSendTextDelivered(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, st, _ := newTestService(t, tr)

	msg, err := svc.SendText(context.Background(), peerID, "oi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msg.Status != store.StatusSent || msg.Direction != store.DirectionOut {
		t.Errorf("message = %+v", msg)
	}
	frames := tr.sent()
	if len(frames) != 1 || frames[0].Type != protocol.FrameChatText || frames[0].Target() != peerID {
		t.Fatalf("frames = %+v", frames)
	}
	stored, err := st.GetMessage(msg.MessageID)
	if err != nil || stored.BodyText != "oi" {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSendTextPeerOfflinePersistsFailed(t *testing.T) {
	tr := &fakeTransport{delivered: []string{}}
	svc, st, _ := newTestService(t, tr)

	msg, err := svc.SendText(context.Background(), peerID, "oi")
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("err = %v, want ErrPeerOffline", err)
	}
	if msg.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
	failed, err := st.FailedOutgoingMessages(store.DMConversationID(peerID))
	if err != nil || len(failed) != 1 {
		t.Errorf("failed queue = %+v, %v", failed, err)
	}
}

func TestSendTextTransportErrorPersistsFailed(t *testing.T) {
	tr := &fakeTransport{err: errors.New("relay timeout")}
	svc, _, _ := newTestService(t, tr)

	msg, err := svc.SendText(context.Background(), peerID, "oi")
	if err == nil {
		t.Fatal("transport error swallowed")
	}
	if msg.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed despite transport error", msg.Status)
	}
}

func TestSendAnnouncementBroadcast(t *testing.T) {
	tr := &fakeTransport{delivered: []string{}} // nobody online is fine
	svc, _, _ := newTestService(t, tr)

	msg, err := svc.SendAnnouncement(context.Background(), "all hands")
	if err != nil {
		t.Fatalf("SendAnnouncement: %v", err)
	}
	if msg.Status != store.StatusSent || msg.ConversationID != store.AnnouncementsConversationID {
		t.Errorf("message = %+v", msg)
	}
	frames := tr.sent()
	if len(frames) != 1 || !frames[0].IsBroadcast() {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestSendFileStreamsInOrder(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, st, sub := newTestService(t, tr)

	src := filepath.Join(t.TempDir(), "photo.png")
	data := make([]byte, 3*transfer.ChunkSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(src, data, 0o600); err != nil {
		t.Fatal(err)
	}

	msg, err := svc.SendFile(context.Background(), peerID, src)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if msg.FileSize != int64(len(data)) || msg.FilePath == "" {
		t.Errorf("message = %+v", msg)
	}

	// wait for the background streamer: offer + 4 chunks + complete
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(tr.sent()) < 6 {
		time.Sleep(10 * time.Millisecond)
	}
	frames := tr.sent()
	if len(frames) != 6 {
		t.Fatalf("frames = %d, want offer+4 chunks+complete", len(frames))
	}
	if frames[0].Type != protocol.FrameFileOffer || frames[5].Type != protocol.FrameFileComplete {
		t.Errorf("frame order wrong: first=%s last=%s", frames[0].Type, frames[5].Type)
	}
	for i := 1; i <= 4; i++ {
		var chunk protocol.FileChunkPayload
		if err := frames[i].DecodePayload(&chunk); err != nil {
			t.Fatal(err)
		}
		if chunk.Index != i-1 {
			t.Errorf("chunk %d has index %d", i, chunk.Index)
		}
	}

	// progress events are monotonic, start at 0, end at total
	var progress []int64
	for {
		ev, ok := sub.TryNext()
		if !ok {
			break
		}
		if ev.Type == events.TransferProgress {
			progress = append(progress, ev.Payload.(events.TransferProgressPayload).Transferred)
		}
	}
	if len(progress) < 2 || progress[0] != 0 || progress[len(progress)-1] != int64(len(data)) {
		t.Errorf("progress = %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress not monotonic: %v", progress)
		}
	}

	stored, err := st.GetMessage(msg.MessageID)
	if err != nil || stored.Status != store.StatusSent {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSendFileOfferToOfflinePeerMarksFailed(t *testing.T) {
	tr := &fakeTransport{delivered: []string{}}
	svc, st, _ := newTestService(t, tr)

	src := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(src, []byte("conteudo"), 0o600); err != nil {
		t.Fatal(err)
	}
	msg, err := svc.SendFile(context.Background(), peerID, src)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := st.GetMessage(msg.MessageID)
		if err == nil && stored.Status == store.StatusFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("file message never marked failed")
}

func TestReplayPendingFilesDoesNotBlockCaller(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}, gate: make(chan struct{})}
	svc, st, _ := newTestService(t, tr)

	path := filepath.Join(t.TempDir(), "big.bin")
	data := []byte("pending attachment")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnsureDMConversation(peerID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SaveMessage(store.Message{
		MessageID:        "fm-1",
		ConversationID:   store.DMConversationID(peerID),
		Direction:        store.DirectionOut,
		SenderDeviceID:   selfID,
		ReceiverDeviceID: peerID,
		Type:             store.TypeFile,
		FileID:           "file-1",
		FileName:         "big.bin",
		FileSize:         int64(len(data)),
		FilePath:         path,
		Status:           store.StatusFailed,
		CreatedAt:        1000,
	}); err != nil {
		t.Fatal(err)
	}

	// The relay is stalled; replay must still return immediately.
	done := make(chan struct{})
	go func() {
		svc.ReplayPendingFilesForPeer(context.Background(), peerID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replay blocked on the stalled transport")
	}

	close(tr.gate)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range tr.sent() {
			if f.Type == protocol.FrameFileComplete {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("background replay never completed the transfer")
}

func TestRetryFailedMessages(t *testing.T) {
	tr := &fakeTransport{delivered: []string{}}
	svc, st, _ := newTestService(t, tr)

	if _, err := svc.SendText(context.Background(), peerID, "um"); !errors.Is(err, ErrPeerOffline) {
		t.Fatal(err)
	}
	if _, err := svc.SendText(context.Background(), peerID, "dois"); !errors.Is(err, ErrPeerOffline) {
		t.Fatal(err)
	}

	// peer comes back
	tr.mu.Lock()
	tr.delivered = []string{peerID}
	tr.mu.Unlock()
	svc.RetryFailedMessagesForPeer(context.Background(), peerID)

	failed, err := st.FailedOutgoingMessages(store.DMConversationID(peerID))
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("failed queue after retry = %+v", failed)
	}
	// retried frames keep their original message ids: two sends, two retries
	frames := tr.sent()
	seen := map[string]int{}
	for _, f := range frames {
		if f.Type == protocol.FrameChatText {
			seen[f.MessageID]++
		}
	}
	if len(seen) != 2 {
		t.Errorf("retries minted new message ids: %v", seen)
	}
}

func TestReactToMessageDM(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, st, _ := newTestService(t, tr)

	msg, err := svc.SendText(context.Background(), peerID, "oi")
	if err != nil {
		t.Fatal(err)
	}
	emoji := "👍"
	if err := svc.ReactToMessage(context.Background(), msg.ConversationID, msg.MessageID, &emoji); err != nil {
		t.Fatalf("react: %v", err)
	}
	reactions, err := st.MessageReactions(msg.MessageID)
	if err != nil || reactions[selfID] != emoji {
		t.Errorf("reactions = %v, %v", reactions, err)
	}

	bad := "🙃"
	if err := svc.ReactToMessage(context.Background(), msg.ConversationID, msg.MessageID, &bad); err == nil {
		t.Error("invalid reaction accepted")
	}

	if err := svc.ReactToMessage(context.Background(), msg.ConversationID, msg.MessageID, nil); err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
	reactions, _ = st.MessageReactions(msg.MessageID)
	if len(reactions) != 0 {
		t.Errorf("reaction not removed: %v", reactions)
	}
}

func TestBogusConversationIDRejected(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, _, _ := newTestService(t, tr)

	emoji := "👍"
	for _, convID := range []string{"", "x", "dm:", "group:abc"} {
		if err := svc.ReactToMessage(context.Background(), convID, "m1", &emoji); err == nil {
			t.Errorf("React with convID %q did not error", convID)
		}
		if err := svc.DeleteMessageForEveryone(context.Background(), convID, "m1"); err == nil {
			t.Errorf("Delete with convID %q did not error", convID)
		}
	}
	if got := tr.sent(); len(got) != 0 {
		t.Errorf("frames sent for bogus conversation ids: %d", len(got))
	}
}

func TestDeleteMessageForEveryone(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, st, _ := newTestService(t, tr)

	src := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(src, []byte("conteudo"), 0o600); err != nil {
		t.Fatal(err)
	}
	msg, err := svc.SendFile(context.Background(), peerID, src)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteMessageForEveryone(context.Background(), msg.ConversationID, msg.MessageID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	stored, err := st.GetMessage(msg.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.DeletedAt == 0 || stored.BodyText != "" || stored.FilePath != "" {
		t.Errorf("tombstone incomplete: %+v", stored)
	}
	if _, err := os.Stat(msg.FilePath); !os.IsNotExist(err) {
		t.Error("managed attachment survived delete")
	}

	var sawDelete bool
	for _, f := range tr.sent() {
		if f.Type == protocol.FrameChatDelete {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Error("chat:delete not propagated")
	}
}

func TestDeleteIncomingMessageRejected(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, st, _ := newTestService(t, tr)
	if _, err := st.EnsureDMConversation(peerID, ""); err != nil {
		t.Fatal(err)
	}
	incoming := store.Message{
		MessageID:        "in-1",
		ConversationID:   store.DMConversationID(peerID),
		Direction:        store.DirectionIn,
		SenderDeviceID:   peerID,
		ReceiverDeviceID: selfID,
		Type:             store.TypeText,
		BodyText:         "deles",
		CreatedAt:        1000,
	}
	if _, err := st.SaveMessage(incoming); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteMessageForEveryone(context.Background(), incoming.ConversationID, "in-1"); err == nil {
		t.Error("deleted someone else's message")
	}
}

func TestForgetPeerCascade(t *testing.T) {
	tr := &fakeTransport{delivered: []string{peerID}}
	svc, st, _ := newTestService(t, tr)

	if _, err := svc.SendText(context.Background(), peerID, "oi"); err != nil {
		t.Fatal(err)
	}
	if err := svc.ForgetPeer(context.Background(), peerID); err != nil {
		t.Fatalf("forget: %v", err)
	}

	var sawClear, sawForget bool
	for _, f := range tr.sent() {
		switch f.Type {
		case protocol.FrameChatClear:
			sawClear = true
		case protocol.FrameChatForget:
			sawForget = true
		}
	}
	if !sawClear || !sawForget {
		t.Error("forget cascade frames missing")
	}
	msgs, err := st.ListConversationMessages(store.DMConversationID(peerID), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("conversation not cleared: %+v", msgs)
	}
}
