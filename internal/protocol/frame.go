// Package protocol defines the Lantern wire protocol: application frames
// exchanged between clients and the relay envelopes that carry them.
// Everything on the wire is UTF-8 JSON over websocket text frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Application frame types. A frame with any other type is discarded by
// both relay and clients without closing the session.
const (
	FrameHello        = "hello"
	FrameChatText     = "chat:text"
	FrameChatAck      = "chat:ack"
	FrameChatReact    = "chat:react"
	FrameChatDelete   = "chat:delete"
	FrameChatClear    = "chat:clear"
	FrameChatForget   = "chat:forget"
	FrameSyncRequest  = "chat:sync:request"
	FrameSyncResponse = "chat:sync:response"
	FrameAnnounce     = "announce"
	FrameFileOffer    = "file:offer"
	FrameFileChunk    = "file:chunk"
	FrameFileComplete = "file:complete"
	FrameTyping       = "typing"
)

var knownFrameTypes = map[string]struct{}{
	FrameHello:        {},
	FrameChatText:     {},
	FrameChatAck:      {},
	FrameChatReact:    {},
	FrameChatDelete:   {},
	FrameChatClear:    {},
	FrameChatForget:   {},
	FrameSyncRequest:  {},
	FrameSyncResponse: {},
	FrameAnnounce:     {},
	FrameFileOffer:    {},
	FrameFileChunk:    {},
	FrameFileComplete: {},
	FrameTyping:       {},
}

// KnownFrameType reports whether t is a frame type this build understands.
func KnownFrameType(t string) bool {
	_, ok := knownFrameTypes[t]
	return ok
}

// Frame is one application-level protocol message. To == nil means
// broadcast. Unknown payload fields are ignored on decode.
type Frame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
	To        *string         `json:"to"`
	CreatedAt int64           `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsBroadcast reports whether the frame is addressed to everyone.
func (f Frame) IsBroadcast() bool {
	return f.To == nil || *f.To == ""
}

// Target returns the destination device id, or "" for broadcast.
func (f Frame) Target() string {
	if f.To == nil {
		return ""
	}
	return *f.To
}

// Validate checks the fields every frame must carry. It does not inspect
// the payload; per-type payload decoding happens at the consumer.
func (f Frame) Validate() error {
	switch {
	case !KnownFrameType(f.Type):
		return fmt.Errorf("unknown frame type %q", f.Type)
	case f.MessageID == "":
		return fmt.Errorf("frame %s: messageId is required", f.Type)
	case f.From == "":
		return fmt.Errorf("frame %s: from is required", f.Type)
	case f.CreatedAt <= 0:
		return fmt.Errorf("frame %s: createdAt is required", f.Type)
	}
	return nil
}

// DecodePayload unmarshals the frame payload into dst.
func (f Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("frame %s: decode payload: %w", f.Type, err)
	}
	return nil
}

// NewFrame builds a frame with a marshaled payload. to == "" produces a
// broadcast frame (wire "to": null).
func NewFrame(frameType, messageID, from, to string, createdAt int64, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("frame %s: marshal payload: %w", frameType, err)
	}
	f := Frame{
		Type:      frameType,
		MessageID: messageID,
		From:      from,
		CreatedAt: createdAt,
		Payload:   raw,
	}
	if to != "" {
		f.To = &to
	}
	return f, nil
}

// Reaction emoji permitted by chat:react. Anything else is rejected.
var reactionEmoji = map[string]struct{}{
	"👍": {}, "👎": {}, "❤️": {}, "😢": {}, "😊": {}, "😂": {},
}

// ValidReaction reports whether s is one of the six permitted reactions.
func ValidReaction(s string) bool {
	_, ok := reactionEmoji[s]
	return ok
}

// Frame payloads, one struct per frame type.

// TextPayload is the body of chat:text.
type TextPayload struct {
	Text string `json:"text"`
}

// AckStatusDelivered is the only status a chat:ack may carry.
const AckStatusDelivered = "delivered"

// AckPayload is the body of chat:ack.
type AckPayload struct {
	AckMessageID string `json:"ackMessageId"`
	Status       string `json:"status"`
}

// ReactPayload is the body of chat:react. Reaction == nil removes the
// sender's reaction from the target message.
type ReactPayload struct {
	TargetMessageID string  `json:"targetMessageId"`
	Reaction        *string `json:"reaction"`
}

// DeletePayload is the body of chat:delete.
type DeletePayload struct {
	TargetMessageID string `json:"targetMessageId"`
}

// ScopeDM is the only scope chat:clear and chat:forget carry.
const ScopeDM = "dm"

// ClearPayload is the body of chat:clear and chat:forget.
type ClearPayload struct {
	Scope string `json:"scope"`
}

// SyncRequestPayload is the body of chat:sync:request.
type SyncRequestPayload struct {
	Since int64 `json:"since"`
	Limit int   `json:"limit"`
}

// SyncResponsePayload is the body of chat:sync:response.
type SyncResponsePayload struct {
	Messages []SyncMessage `json:"messages"`
}

// AnnouncePayload is the body of announce.
type AnnouncePayload struct {
	Text string `json:"text"`
}

// FileOfferPayload is the body of file:offer.
type FileOfferPayload struct {
	FileID    string `json:"fileId"`
	MessageID string `json:"messageId"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256"`
}

// FileChunkPayload is the body of file:chunk. Chunk bytes travel base64
// inside the JSON text frame.
type FileChunkPayload struct {
	FileID     string `json:"fileId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	DataBase64 string `json:"dataBase64"`
}

// FileCompletePayload is the body of file:complete.
type FileCompletePayload struct {
	FileID string `json:"fileId"`
}

// TypingPayload is the body of typing.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// SyncMessage is one persisted message row as shipped in a
// chat:sync:response — the stored row stripped of the local file path
// and conversation id, which are receiver-relative.
type SyncMessage struct {
	MessageID        string `json:"messageId"`
	SenderDeviceID   string `json:"senderDeviceId"`
	ReceiverDeviceID string `json:"receiverDeviceId,omitempty"`
	Type             string `json:"type"`
	BodyText         string `json:"bodyText,omitempty"`
	FileID           string `json:"fileId,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	FileSize         int64  `json:"fileSize,omitempty"`
	FileSHA256       string `json:"fileSha256,omitempty"`
	Status           string `json:"status,omitempty"`
	Reaction         string `json:"reaction,omitempty"`
	DeletedAt        int64  `json:"deletedAt,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}
