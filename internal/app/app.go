// Package app is the client's control loop: it demultiplexes frames
// delivered by the relay into the message, sync and transfer paths,
// drives lifecycle side effects (sync on hello, retry on reconnect,
// typing expiry) and exposes the command surface the UI adapter calls.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/messaging"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relayclient"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/roster"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/syncer"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/transfer"
)

// TypingTTL is how long a typing indicator stays up without a refresh.
const TypingTTL = 3200 * time.Millisecond

// Relay is what the control loop needs from the relay client.
type Relay interface {
	SendFrame(ctx context.Context, frame protocol.Frame) ([]string, error)
	UpdateProfile()
}

type fileMeta struct {
	messageID string
	peerID    string
}

// App wires the client core together and runs the control loop. All
// inbound work is funneled through one goroutine, so frame handlers
// never race each other.
type App struct {
	st     *store.Store
	bus    *events.Bus
	roster *roster.Roster
	sync   *syncer.Syncer
	msgs   *messaging.Service
	recv   *transfer.Receiver
	relay  Relay

	selfID     string
	appVersion string

	queue *funcQueue

	mu        sync.Mutex
	onlineSet map[string]bool
	typingOff map[string]*time.Timer
	inFiles   map[string]fileMeta // fileId → inbound bookkeeping
	now       func() time.Time    // test hook
}

// New assembles the control loop. Call SetRelay before Run; the relay
// client needs the App as its handler, so the two are wired in stages
// by the composition root.
func New(st *store.Store, bus *events.Bus, ro *roster.Roster, sy *syncer.Syncer,
	ms *messaging.Service, recv *transfer.Receiver, appVersion string) *App {
	return &App{
		st:         st,
		bus:        bus,
		roster:     ro,
		sync:       sy,
		msgs:       ms,
		recv:       recv,
		selfID:     ro.SelfID(),
		appVersion: appVersion,
		queue:      newFuncQueue(),
		onlineSet:  make(map[string]bool),
		typingOff:  make(map[string]*time.Timer),
		inFiles:    make(map[string]fileMeta),
		now:        time.Now,
	}
}

// SetRelay installs the transport once the relay client exists.
func (a *App) SetRelay(r Relay) {
	a.relay = r
}

// Run drains the control queue until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	for {
		fn, ok := a.queue.next(ctx)
		if !ok {
			a.recv.CloseAll()
			return
		}
		fn(ctx)
	}
}

// enqueue schedules work on the control loop; safe from any goroutine
// and never blocks.
func (a *App) enqueue(fn func(ctx context.Context)) {
	a.queue.push(fn)
}

// ---- relayclient.Handler ----

// HandleHello runs after every successful handshake: announce readiness
// and reconcile with everyone already online.
func (a *App) HandleHello(p protocol.HelloOKPayload, endpoint string) {
	a.enqueue(func(ctx context.Context) {
		slog.Info("relay ready", "server", p.ServerName, "endpoint", endpoint)
		a.bus.Emit(events.RelayConnection, map[string]any{
			"state":      string(relayclient.StateReady),
			"serverName": p.ServerName,
		})
		a.mu.Lock()
		online := make([]string, 0, len(a.onlineSet))
		for id := range a.onlineSet {
			online = append(online, id)
		}
		a.mu.Unlock()
		for _, peer := range online {
			a.reconcilePeer(ctx, peer)
		}
	})
}

func (a *App) HandlePresence(p protocol.PresencePayload) {
	a.enqueue(func(ctx context.Context) {
		a.roster.ApplyPresence(p)
		next := make(map[string]bool, len(p.Peers))
		for _, peer := range p.Peers {
			if peer.DeviceID != "" && peer.DeviceID != a.selfID {
				next[peer.DeviceID] = true
			}
		}
		a.diffOnline(ctx, next)
	})
}

func (a *App) HandlePresenceDelta(d protocol.PresenceDeltaPayload) {
	a.enqueue(func(ctx context.Context) {
		a.roster.ApplyPresenceDelta(d)
		a.mu.Lock()
		next := make(map[string]bool, len(a.onlineSet))
		for id := range a.onlineSet {
			next[id] = true
		}
		a.mu.Unlock()
		switch d.Op {
		case protocol.PresenceOpUpsert:
			if d.Peer != nil && d.Peer.DeviceID != a.selfID {
				next[d.Peer.DeviceID] = true
			}
		case protocol.PresenceOpRemove:
			delete(next, d.DeviceID)
		}
		a.diffOnline(ctx, next)
	})
}

// diffOnline swaps the online set and reconciles peers that just came
// online.
func (a *App) diffOnline(ctx context.Context, next map[string]bool) {
	a.mu.Lock()
	prev := a.onlineSet
	a.onlineSet = next
	a.mu.Unlock()
	for id := range next {
		if !prev[id] {
			a.reconcilePeer(ctx, id)
		}
	}
}

// reconcilePeer runs the offline→online side effects: sync request
// (cooldown-gated), failed-text retry and pending-file replay.
func (a *App) reconcilePeer(ctx context.Context, peerID string) {
	if a.sync.ShouldRequest(peerID) {
		payload, err := a.sync.RequestPayload(peerID)
		if err != nil {
			slog.Warn("build sync request", "peer", peerID, "err", err)
		} else {
			frame, err := protocol.NewFrame(protocol.FrameSyncRequest, newID(), a.selfID,
				peerID, a.now().UnixMilli(), payload)
			if err == nil {
				a.bus.Emit(events.SyncStatus, map[string]string{"peerId": peerID, "state": "syncing"})
				if _, err := a.relay.SendFrame(ctx, frame); err != nil {
					slog.Debug("sync request not delivered", "peer", peerID, "err", err)
				}
			}
		}
	}
	a.msgs.RetryFailedMessagesForPeer(ctx, peerID)
	a.msgs.ReplayPendingFilesForPeer(ctx, peerID)
}

func (a *App) HandleDeliver(frame protocol.Frame) {
	a.enqueue(func(ctx context.Context) {
		a.handleFrame(ctx, frame)
	})
}

func (a *App) HandleAnnouncementSnapshot(p protocol.AnnouncementSnapshotPayload) {
	a.enqueue(func(context.Context) {
		a.applyAnnouncementSnapshot(p)
	})
}

func (a *App) HandleAnnouncementExpired(p protocol.AnnouncementExpiredPayload) {
	a.enqueue(func(ctx context.Context) {
		for _, id := range p.MessageIDs {
			if err := a.st.PurgeMessage(id); err != nil {
				slog.Warn("purge expired announcement", "message", id, "err", err)
				continue
			}
			a.bus.Emit(events.MessageRemoved, map[string]string{
				"conversationId": store.AnnouncementsConversationID,
				"messageId":      id,
			})
		}
	})
}

func (a *App) HandleAnnouncementReactions(p protocol.AnnouncementReactionsPayload) {
	a.enqueue(func(ctx context.Context) {
		if err := a.st.ReplaceMessageReactions(p.MessageID, p.Reactions); err != nil {
			slog.Warn("replace announcement reactions", "message", p.MessageID, "err", err)
			return
		}
		a.bus.Emit(events.AnnouncementReactions, p)
	})
}

func (a *App) HandleConnectionState(state relayclient.State) {
	a.enqueue(func(ctx context.Context) {
		a.bus.Emit(events.RelayConnection, map[string]any{"state": string(state)})
		if state != relayclient.StateReady {
			a.roster.ClearLive()
			a.mu.Lock()
			a.onlineSet = make(map[string]bool)
			a.mu.Unlock()
		}
	})
}

// funcQueue is an unbounded FIFO of control-loop work.
type funcQueue struct {
	mu     sync.Mutex
	fns    []func(context.Context)
	signal chan struct{}
}

func newFuncQueue() *funcQueue {
	return &funcQueue{signal: make(chan struct{}, 1)}
}

func (q *funcQueue) push(fn func(context.Context)) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *funcQueue) next(ctx context.Context) (func(context.Context), bool) {
	for {
		q.mu.Lock()
		if len(q.fns) > 0 {
			fn := q.fns[0]
			q.fns = q.fns[1:]
			if len(q.fns) > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return fn, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}
