package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope tags exchanged between relay and client. The envelope is the
// outer message; application frames ride inside relay:send/relay:deliver.
const (
	EnvHello                 = "relay:hello"
	EnvHelloOK               = "relay:hello:ok"
	EnvHeartbeat             = "relay:heartbeat"
	EnvPong                  = "relay:pong"
	EnvUpdateProfile         = "relay:updateProfile"
	EnvPresenceRequest       = "relay:presence:request"
	EnvPresence              = "relay:presence"
	EnvPresenceDelta         = "relay:presence:delta"
	EnvSend                  = "relay:send"
	EnvSendAck               = "relay:send:ack"
	EnvDeliver               = "relay:deliver"
	EnvAnnouncementSnapshot  = "relay:announcement:snapshot"
	EnvAnnouncementExpired   = "relay:announcement:expired"
	EnvAnnouncementReactions = "relay:announcement:reactions"
	EnvError                 = "relay:error"
)

// Relay soft-error codes. Malformed envelopes draw no error; the relay
// discards them and the session survives.
const (
	ErrCodeNotReady    = "NOT_READY"
	ErrCodeRateLimited = "RATE_LIMITED"
)

// Envelope is the outer relay↔client message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a marshaled payload.
func NewEnvelope(envType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope %s: marshal payload: %w", envType, err)
	}
	return Envelope{Type: envType, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("envelope %s: decode payload: %w", e.Type, err)
	}
	return nil
}

// PeerProfile is the presence view of one device: carried in
// relay:hello, relay:updateProfile, presence snapshots and deltas.
type PeerProfile struct {
	DeviceID      string `json:"deviceId"`
	DisplayName   string `json:"displayName"`
	AvatarEmoji   string `json:"avatarEmoji,omitempty"`
	AvatarBg      string `json:"avatarBg,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
	AppVersion    string `json:"appVersion,omitempty"`
	LastSeenAt    int64  `json:"lastSeenAt,omitempty"`
}

// HelloOKPayload acknowledges a successful relay:hello.
type HelloOKPayload struct {
	ServerName string `json:"serverName,omitempty"`
	Revision   uint64 `json:"revision"`
}

// HeartbeatPayload rides relay:heartbeat and relay:pong (unix ms).
type HeartbeatPayload struct {
	TS int64 `json:"ts,omitempty"`
}

// Presence delta operations.
const (
	PresenceOpUpsert = "upsert"
	PresenceOpRemove = "remove"
)

// PresencePayload is the full presence snapshot (relay:presence).
type PresencePayload struct {
	Peers    []PeerProfile `json:"peers"`
	Revision uint64        `json:"revision"`
}

// PresenceDeltaPayload is one incremental presence change. Peer is set
// for upserts; DeviceID for removes.
type PresenceDeltaPayload struct {
	Op       string       `json:"op"`
	Peer     *PeerProfile `json:"peer,omitempty"`
	DeviceID string       `json:"deviceId,omitempty"`
	Revision uint64       `json:"revision"`
}

// SendPayload wraps an outbound application frame (relay:send).
type SendPayload struct {
	Frame Frame `json:"frame"`
}

// SendAckPayload reports routing of one relay:send.
type SendAckPayload struct {
	FrameMessageID string   `json:"frameMessageId"`
	DeliveredTo    []string `json:"deliveredTo"`
}

// DeliverPayload wraps a routed frame pushed to a client (relay:deliver).
type DeliverPayload struct {
	Frame Frame `json:"frame"`
}

// AnnouncementSnapshotPayload carries every live announcement and its
// reactions, sent once after hello:ok. Reactions is keyed by messageId
// then reactor deviceId.
type AnnouncementSnapshotPayload struct {
	Frames    []Frame                      `json:"frames"`
	Reactions map[string]map[string]string `json:"reactions,omitempty"`
}

// AnnouncementExpiredPayload lists announcements removed by the sweep.
type AnnouncementExpiredPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// AnnouncementReactionsPayload fans out the current reactions of one
// announcement after a chat:react touched it.
type AnnouncementReactionsPayload struct {
	MessageID string            `json:"messageId"`
	Reactions map[string]string `json:"reactions"`
}

// ErrorPayload is a relay soft error; the session survives it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
