package discussion

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeCreateKeepsCorrelationToken(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	raw, err := EncodeMessage(NewCreateMessage(Comment{
		ID:        42,
		Text:      "hello",
		Member:    7,
		Username:  "ana",
		CreatedAt: created,
		UpdatedAt: created,
		TempID:    1714557600000,
	}))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	create, ok := msg.(CreateMessage)
	if !ok {
		t.Fatalf("expected CreateMessage, got %T", msg)
	}
	if create.Comment.ID != 42 || create.Comment.Text != "hello" {
		t.Fatalf("unexpected comment %+v", create.Comment)
	}
	if msg.CorrelationToken() != 1714557600000 {
		t.Fatalf("expected correlation token to survive, got %d", msg.CorrelationToken())
	}
	if !create.Comment.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %s, got %s", created, create.Comment.CreatedAt)
	}
}

func TestDecodeDeleteFrame(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"action":"delete","data":{"id":9}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	del, ok := msg.(DeleteMessage)
	if !ok || del.ID != 9 {
		t.Fatalf("expected delete of 9, got %#v", msg)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `{"action":`,
		"unknown action": `{"action":"patch","data":{"id":1}}`,
		"missing data":   `{"action":"create"}`,
		"string id":      `{"action":"update","data":{"id":"1","text":"x"}}`,
		"create no text": `{"action":"create","data":{"id":1}}`,
		"delete no id":   `{"action":"delete","data":{}}`,
	}
	for name, raw := range cases {
		_, err := DecodeMessage([]byte(raw))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestDecodeSurfacesPeerError(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"error":"comment does not exist"}`))
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if frameErr.Message != "comment does not exist" {
		t.Fatalf("unexpected message %q", frameErr.Message)
	}
}

func TestEncodeRejectsNil(t *testing.T) {
	if _, err := EncodeMessage(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
