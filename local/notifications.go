package local

import (
	"context"

	"github.com/google/uuid"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

const (
	notificationsCollection = "_notifications"
	topicsCollection        = "_topic_subscriptions"
)

// topicNamespace keys topic memberships so re-subscribing is idempotent.
var topicNamespace = uuid.MustParse("6f1c3e2a-8d4b-4c71-9a0e-5b2f7d9c1e44")

// Notifications records every notification and publishes it on the realtime
// channel "notifications:<target>", fanning topic sends out to subscribed targets.
type Notifications struct {
	db       *Database
	realtime *Realtime
	logger   polybase.Logger
}

func newNotifications(db *Database, realtime *Realtime, logger polybase.Logger) *Notifications {
	return &Notifications{db: db, realtime: realtime, logger: logger}
}

func (n *Notifications) Name() string                     { return nameNotifications }
func (n *Notifications) Start(ctx context.Context) error  { return nil }
func (n *Notifications) Stop(ctx context.Context) error   { return nil }
func (n *Notifications) Health(ctx context.Context) error { return nil }

// ChannelFor is the realtime channel a target's notifications are published on.
func ChannelFor(target string) string {
	return "notifications:" + target
}

// Send returns the id of the stored notification.
func (n *Notifications) Send(ctx context.Context, msg polybase.Notification) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	s, err := n.db.internal()
	if err != nil {
		return "", err
	}

	targets := []string{msg.Target}
	if msg.Topic != "" {
		subs, err := s.Query(topicsCollection, []polybase.Filter{polybase.Where("topic", polybase.OpEqual, msg.Topic)})
		if err != nil {
			return "", err
		}
		targets = targets[:0]
		for _, d := range subs {
			if t, ok := d.Fields["target"].(string); ok {
				targets = append(targets, t)
			}
		}
	}

	id := polybase.NewID()
	data := map[string]interface{}{}
	for k, v := range msg.Data {
		data[k] = v
	}
	_, err = s.Apply([]docstore.Op{{
		Kind:       docstore.OpCreate,
		Collection: notificationsCollection,
		ID:         id,
		Fields: polybase.Fields{
			"target":     msg.Target,
			"topic":      msg.Topic,
			"title":      msg.Title,
			"body":       msg.Body,
			"data":       data,
			"deliveries": len(targets),
		},
	}})
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{
		"id":    id,
		"title": msg.Title,
		"body":  msg.Body,
		"data":  msg.Data,
	}
	if msg.Topic != "" {
		payload["topic"] = msg.Topic
	}
	for _, t := range targets {
		if err := n.realtime.Publish(ctx, ChannelFor(t), payload); err != nil {
			n.logger.Warn("Notification publish failed", "target", t, "error", err)
		}
	}
	n.logger.Debug("Notification sent", "id", id, "targets", len(targets))
	return id, nil
}

// SubscribeToTopic adds targets to topic. Existing memberships are kept.
func (n *Notifications) SubscribeToTopic(ctx context.Context, topic string, targets ...string) error {
	if topic == "" {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field": "topic",
		})
	}
	s, err := n.db.internal()
	if err != nil {
		return err
	}
	ops := make([]docstore.Op, 0, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		ops = append(ops, docstore.Op{
			Kind:       docstore.OpPut,
			Collection: topicsCollection,
			ID:         uuid.NewSHA1(topicNamespace, []byte(topic+"\x00"+t)).String(),
			Fields:     polybase.Fields{"topic": topic, "target": t},
		})
	}
	_, err = s.Apply(ops)
	return err
}

var (
	_ polybase.NotificationsProvider = (*Notifications)(nil)
	_ polybase.Component             = (*Notifications)(nil)
)
