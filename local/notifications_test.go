package local

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/adrianmcphee/polybase"
)

func TestNotifications_SendToTarget(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	sub, err := p.Realtime().Subscribe(ctx, ChannelFor("device-1"))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	id, err := p.Notifications().Send(ctx, polybase.Notification{Target: "device-1", Title: "Hi", Body: "There"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == "" {
		t.Error("Expected a notification id")
	}

	msg := receive(t, sub)
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["id"] != id || payload["title"] != "Hi" {
		t.Errorf("Unexpected payload %v", payload)
	}
}

func TestNotifications_TopicFanOut(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	n := p.Notifications()

	if err := n.SubscribeToTopic(ctx, "news", "a", "b"); err != nil {
		t.Fatal(err)
	}
	// Re-subscribing is idempotent.
	if err := n.SubscribeToTopic(ctx, "news", "a"); err != nil {
		t.Fatal(err)
	}

	subA, _ := p.Realtime().Subscribe(ctx, ChannelFor("a"))
	defer subA.Close()
	subB, _ := p.Realtime().Subscribe(ctx, ChannelFor("b"))
	defer subB.Close()

	if _, err := n.Send(ctx, polybase.Notification{Topic: "news", Title: "Extra"}); err != nil {
		t.Fatal(err)
	}
	receive(t, subA)
	receive(t, subB)
	select {
	case m := <-subA.Messages():
		t.Errorf("Target a received a duplicate: %+v", m)
	default:
	}
}

func TestNotifications_Addressing(t *testing.T) {
	n := newTestProvider(t).Notifications()
	ctx := context.Background()

	if _, err := n.Send(ctx, polybase.Notification{Title: "nobody"}); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData without target, got %v", err)
	}
	if _, err := n.Send(ctx, polybase.Notification{Target: "a", Topic: "t"}); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData with both target and topic, got %v", err)
	}
}
