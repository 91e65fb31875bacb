package message

import (
	"strings"
	"testing"
)

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a := NewUserPrompt("u1", "a1", "s1", "one", nil)
	b := NewUserPrompt("u1", "a1", "s1", "one", nil)
	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty ids")
	}
	if a.ID == b.ID {
		t.Fatal("ids must be unique per message")
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp should be set at construction")
	}
	if a.Metadata == nil {
		t.Error("metadata should never be nil")
	}
}

func TestNewSystemEvent_SetsSubtype(t *testing.T) {
	msg := NewSystemEvent("startup", "gateway up", nil)
	if msg.Type != TypeSystemEvent {
		t.Fatalf("wrong type %q", msg.Type)
	}
	if msg.Metadata["subtype"] != "startup" {
		t.Errorf("subtype = %q, want startup", msg.Metadata["subtype"])
	}
}

func TestNewSystemEvent_DoesNotMutateCallerMap(t *testing.T) {
	callerOwned := map[string]string{"origin": "scheduler"}
	msg := NewSystemEvent("startup", "up", callerOwned)

	if _, ok := callerOwned["subtype"]; ok {
		t.Error("caller map was mutated")
	}
	if msg.Metadata["origin"] != "scheduler" || msg.Metadata["subtype"] != "startup" {
		t.Errorf("metadata not carried over: %+v", msg.Metadata)
	}
}

func TestEncodeDecode_WireFields(t *testing.T) {
	msg := NewAgentResponse("u1", "a1", "s1", "hello there", map[string]string{"k": "v"})
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, field := range []string{`"id"`, `"user_id"`, `"agent_id"`, `"message_type"`, `"session_id"`, `"timestamp"`, `"metadata"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("wire form missing %s: %s", field, data)
		}
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID || got.Content != msg.Content || got.Type != TypeAgentResponse {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x","message_type":"telepathy"}`))
	if err == nil {
		t.Fatal("expected error for unknown message_type")
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestTypeValid(t *testing.T) {
	for _, valid := range []Type{TypeUserPrompt, TypeAgentResponse, TypeNotification, TypeSystemEvent} {
		if !valid.Valid() {
			t.Errorf("%q should be valid", valid)
		}
	}
	if Type("carrier_pigeon").Valid() {
		t.Error("unknown type should be invalid")
	}
}
