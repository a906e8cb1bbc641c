package wsproto

import (
	"testing"
	"time"
)

func TestDecodeInbound_Chat(t *testing.T) {
	raw := []byte(`{"type":"chat","body":{"message":"merhaba"},"id":"abc"}`)
	in, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound returned error: %v", err)
	}
	if in.Type != TypeChat || in.ID != "abc" {
		t.Fatalf("got %+v", in)
	}
	body, err := DecodeChatBody(in)
	if err != nil {
		t.Fatalf("DecodeChatBody returned error: %v", err)
	}
	if body.Message != "merhaba" {
		t.Errorf("got message %q, want merhaba", body.Message)
	}
}

func TestDecodeInbound_MalformedJSON(t *testing.T) {
	if _, err := DecodeInbound([]byte("not json")); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestEncodeChatReply_RoundTrips(t *testing.T) {
	data, err := EncodeChatReply("Merhaba!", "static", 0.9, time.Now().UTC())
	if err != nil {
		t.Fatalf("EncodeChatReply returned error: %v", err)
	}
	in, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("re-decoding as a generic envelope failed: %v", err)
	}
	if in.Type != TypeChatReply {
		t.Errorf("got type %q, want chat_reply", in.Type)
	}
}
