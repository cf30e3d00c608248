package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	msg, err := NewMessage(TypeReminder, map[string]string{"email": "ada@school.org"})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatal(err)
	}
	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Type != TypeReminder {
			t.Fatalf("type = %q", got.Type)
		}
		var body map[string]string
		if err := json.Unmarshal(got.Body, &body); err != nil || body["email"] != "ada@school.org" {
			t.Fatalf("body = %s (%v)", got.Body, err)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := NewInMemory(1).Consume(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed after cancel")
	}
}
