package app

import (
	"context"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/roster"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
)

// Command surface. These are called by the UI adapter (or the REPL in
// lanternd) from its own goroutine; the store and the message service
// are safe to use off the control loop.

// SendText sends a DM to peerID.
func (a *App) SendText(ctx context.Context, peerID, text string) (store.Message, error) {
	return a.msgs.SendText(ctx, peerID, text)
}

// SendAnnouncement broadcasts an announcement.
func (a *App) SendAnnouncement(ctx context.Context, text string) (store.Message, error) {
	return a.msgs.SendAnnouncement(ctx, text)
}

// SendFile offers srcPath to peerID and streams it in the background.
func (a *App) SendFile(ctx context.Context, peerID, srcPath string) (store.Message, error) {
	return a.msgs.SendFile(ctx, peerID, srcPath)
}

// React sets (or, with reaction == nil, removes) the local user's
// reaction on a message.
func (a *App) React(ctx context.Context, convID, messageID string, reaction *string) error {
	return a.msgs.ReactToMessage(ctx, convID, messageID, reaction)
}

// DeleteMessage removes an outgoing message for everyone.
func (a *App) DeleteMessage(ctx context.Context, convID, messageID string) error {
	return a.msgs.DeleteMessageForEveryone(ctx, convID, messageID)
}

// ClearConversation wipes the local copy of a conversation.
func (a *App) ClearConversation(convID string) error {
	return a.msgs.ClearConversationLocal(convID)
}

// ForgetPeer asks the peer to clear its side, then clears and blocks
// locally until the peer goes offline.
func (a *App) ForgetPeer(ctx context.Context, peerID string) error {
	if err := a.msgs.ForgetPeer(ctx, peerID); err != nil {
		return err
	}
	return a.roster.Forget(peerID)
}

// Typing pushes a typing indicator to peerID. Best effort.
func (a *App) Typing(ctx context.Context, peerID string, isTyping bool) {
	a.msgs.SendTyping(ctx, peerID, isTyping)
}

// UpdateProfile changes the local identity and republishes it to the
// relay when connected.
func (a *App) UpdateProfile(displayName, avatarEmoji, avatarBg, statusMessage string) (store.Profile, error) {
	prof, err := a.roster.UpdateSelf(displayName, avatarEmoji, avatarBg, statusMessage)
	if err != nil {
		return store.Profile{}, err
	}
	if a.relay != nil {
		a.relay.UpdateProfile()
	}
	return prof, nil
}

// Profile returns the local identity.
func (a *App) Profile() store.Profile {
	return a.roster.Self()
}

// Peers returns the merged roster view.
func (a *App) Peers() ([]roster.PeerView, error) {
	return a.roster.Peers()
}

// Conversations lists conversations, most recently active first.
func (a *App) Conversations() ([]store.Conversation, error) {
	return a.st.ListConversations()
}

// Messages returns a conversation's messages in send order.
func (a *App) Messages(convID string, limit int) ([]store.Message, error) {
	return a.st.ListConversationMessages(convID, limit)
}

// MarkRead zeroes a conversation's unread counter.
func (a *App) MarkRead(convID string) error {
	return a.st.ResetUnread(convID)
}

// Search returns ids of messages in convID whose body matches query.
func (a *App) Search(convID, query string, limit int) ([]string, error) {
	return a.st.SearchConversationMessageIds(convID, query, limit)
}

// Events exposes the bus for UI adapters.
func (a *App) Events() *events.Bus {
	return a.bus
}
