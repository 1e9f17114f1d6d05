package firebase

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/adrianmcphee/polybase"
)

// maxTopicTokens is the FCM limit per topic management call.
const maxTopicTokens = 1000

// Notifications sends through Firebase Cloud Messaging. Targets are FCM
// registration tokens.
type Notifications struct {
	client  *messaging.Client
	breaker *polybase.CircuitBreaker
	logger  polybase.Logger
}

func newNotifications(client *messaging.Client, cb *polybase.CircuitBreaker, logger polybase.Logger) *Notifications {
	return &Notifications{client: client, breaker: cb, logger: logger}
}

func (n *Notifications) Name() string                     { return "notifications" }
func (n *Notifications) Start(ctx context.Context) error  { return nil }
func (n *Notifications) Stop(ctx context.Context) error   { return nil }
func (n *Notifications) Health(ctx context.Context) error { return nil }

// fcmMessage builds the FCM message for a validated notification.
func fcmMessage(msg polybase.Notification) *messaging.Message {
	return &messaging.Message{
		Token:        msg.Target,
		Topic:        strings.TrimPrefix(msg.Topic, "/topics/"),
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}
}

// Send returns the FCM message id.
func (n *Notifications) Send(ctx context.Context, msg polybase.Notification) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	var id string
	err := call(ctx, n.breaker, "messaging.send", func(ctx context.Context) error {
		var err error
		id, err = n.client.Send(ctx, fcmMessage(msg))
		return err
	})
	if err != nil {
		return "", err
	}
	n.logger.Debug("Notification sent", "id", id, "topic", msg.Topic)
	return id, nil
}

func (n *Notifications) SubscribeToTopic(ctx context.Context, topic string, targets ...string) error {
	if topic == "" {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{"field": "topic"})
	}
	tokens := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	for start := 0; start < len(tokens); start += maxTopicTokens {
		end := min(start+maxTopicTokens, len(tokens))
		batch := tokens[start:end]
		var resp *messaging.TopicManagementResponse
		err := call(ctx, n.breaker, "messaging.subscribe", func(ctx context.Context) error {
			var err error
			resp, err = n.client.SubscribeToTopic(ctx, batch, topic)
			return err
		})
		if err != nil {
			return err
		}
		if resp.FailureCount > 0 {
			reason := ""
			if len(resp.Errors) > 0 {
				reason = resp.Errors[0].Reason
			}
			return polybase.WithContext(fmt.Errorf("%w: %d of %d tokens rejected", polybase.ErrInvalidData, resp.FailureCount, len(batch)), map[string]interface{}{
				"topic":  topic,
				"reason": reason,
			})
		}
	}
	return nil
}

var (
	_ polybase.NotificationsProvider = (*Notifications)(nil)
	_ polybase.Component             = (*Notifications)(nil)
)
