package kafka

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEncodeDecodeDLQMessage(t *testing.T) {
	msg := Message{
		Key:       []byte("acc-1"),
		Value:     []byte(`{"id":"evt-1","name":"TaskCostsGenerated"}`),
		Headers:   map[string]string{"event_name": "TaskCostsGenerated"},
		Topic:     "accounting.tasks",
		Partition: 3,
		Offset:    42,
		Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := EncodeDLQMessage(msg, errors.New("task not found"), "analytics")
	if err != nil {
		t.Fatalf("EncodeDLQMessage: %v", err)
	}

	decoded, payload, err := DecodeDLQMessage(raw)
	if err != nil {
		t.Fatalf("DecodeDLQMessage: %v", err)
	}

	if string(decoded.Key) != "acc-1" || string(decoded.Value) != string(msg.Value) {
		t.Fatalf("message round trip mismatch: %+v", decoded)
	}
	if decoded.Topic != msg.Topic || decoded.Partition != msg.Partition || decoded.Offset != msg.Offset {
		t.Fatalf("position round trip mismatch: %+v", decoded)
	}
	if payload.Error != "task not found" || payload.Consumer != "analytics" {
		t.Fatalf("unexpected dlq metadata: %+v", payload)
	}
}

func TestPermanentErrorMarking(t *testing.T) {
	base := errors.New("account not found")

	if !IsPermanent(Permanent(base)) {
		t.Fatal("Permanent error not detected")
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported as permanent")
	}
	if IsPermanent(nil) {
		t.Fatal("nil reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}

	// Wrapping must survive fmt.Errorf chains.
	wrapped := fmt.Errorf("handle TaskAssigned: %w", Permanent(base))
	if !IsPermanent(wrapped) {
		t.Fatal("wrapped permanent error not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("underlying cause lost")
	}
}
