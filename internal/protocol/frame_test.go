package protocol

import (
	"encoding/json"
	"testing"
)

// TestFrameRoundTrip verifies a built frame survives JSON encode/decode
// with its payload intact.
func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(FrameChatText, "m1", "dev-a", "dev-b", 1234, TextPayload{Text: "hello"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Frame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Target() != "dev-b" {
		t.Errorf("Target = %q, want dev-b", got.Target())
	}
	var p TextPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Text != "hello" {
		t.Errorf("payload text = %q", p.Text)
	}
}

// TestBroadcastFrameEncodesNullTo verifies to == "" encodes as JSON null,
// which the relay treats as broadcast.
func TestBroadcastFrameEncodesNullTo(t *testing.T) {
	f, err := NewFrame(FrameAnnounce, "m2", "dev-a", "", 99, AnnouncePayload{Text: "hi all"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if !f.IsBroadcast() {
		t.Fatal("expected broadcast frame")
	}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["to"]) != "null" {
		t.Errorf(`"to" = %s, want null`, raw["to"])
	}
}

// TestValidateRejectsUnknownType verifies unknown frame types fail
// validation so handlers can discard them without closing the session.
func TestValidateRejectsUnknownType(t *testing.T) {
	f := Frame{Type: "chat:wave", MessageID: "m3", From: "dev-a", CreatedAt: 1}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

// TestValidateRequiredFields exercises the per-field checks.
func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"missing messageId", Frame{Type: FrameChatText, From: "a", CreatedAt: 1}},
		{"missing from", Frame{Type: FrameChatText, MessageID: "m", CreatedAt: 1}},
		{"missing createdAt", Frame{Type: FrameChatText, MessageID: "m", From: "a"}},
	}
	for _, tc := range cases {
		if err := tc.frame.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

// TestUnknownPayloadFieldsIgnored verifies decoding tolerates fields this
// build does not know about.
func TestUnknownPayloadFieldsIgnored(t *testing.T) {
	var f Frame
	wire := `{"type":"chat:text","messageId":"m4","from":"a","to":"b",
		"createdAt":5,"payload":{"text":"x","futureField":true},"extra":1}`
	if err := json.Unmarshal([]byte(wire), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p TextPayload
	if err := f.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Text != "x" {
		t.Errorf("text = %q", p.Text)
	}
}

// TestValidReaction pins the reaction emoji set.
func TestValidReaction(t *testing.T) {
	for _, e := range []string{"👍", "👎", "❤️", "😢", "😊", "😂"} {
		if !ValidReaction(e) {
			t.Errorf("ValidReaction(%q) = false", e)
		}
	}
	for _, e := range []string{"", "🔥", "thumbsup"} {
		if ValidReaction(e) {
			t.Errorf("ValidReaction(%q) = true", e)
		}
	}
}

// TestEnvelopeRoundTrip verifies envelope payload encode/decode.
func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EnvSendAck, SendAckPayload{
		FrameMessageID: "m5",
		DeliveredTo:    []string{"dev-b"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EnvSendAck {
		t.Fatalf("type = %q", got.Type)
	}
	var ack SendAckPayload
	if err := got.Decode(&ack); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ack.FrameMessageID != "m5" || len(ack.DeliveredTo) != 1 {
		t.Errorf("ack = %+v", ack)
	}
}
