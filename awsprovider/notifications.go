package awsprovider

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/adrianmcphee/polybase"
)

// maxSubject is the SNS limit on the subject line.
const maxSubject = 100

// Notifications publishes through SNS. Targets are endpoint or subscription ARNs;
// topics are SNS topics named <prefix><topic>, created on first use.
type Notifications struct {
	client  *sns.Client
	prefix  string
	breaker *polybase.CircuitBreaker
	logger  polybase.Logger

	mu     sync.Mutex
	topics map[string]string
}

func newNotifications(client *sns.Client, prefix string, cb *polybase.CircuitBreaker, logger polybase.Logger) *Notifications {
	return &Notifications{client: client, prefix: prefix, breaker: cb, logger: logger, topics: map[string]string{}}
}

func (n *Notifications) Name() string                     { return "notifications" }
func (n *Notifications) Start(ctx context.Context) error  { return nil }
func (n *Notifications) Stop(ctx context.Context) error   { return nil }
func (n *Notifications) Health(ctx context.Context) error { return nil }

// topicARN resolves a topic name. CreateTopic is idempotent and returns the ARN
// of an existing topic.
func (n *Notifications) topicARN(ctx context.Context, topic string) (string, error) {
	if strings.HasPrefix(topic, "arn:") {
		return topic, nil
	}
	n.mu.Lock()
	arn, ok := n.topics[topic]
	n.mu.Unlock()
	if ok {
		return arn, nil
	}
	err := call(ctx, n.breaker, "sns.topic", nil, func(ctx context.Context) error {
		out, err := n.client.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(n.prefix + topic)})
		if err != nil {
			return err
		}
		arn = aws.ToString(out.TopicArn)
		return nil
	})
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	n.topics[topic] = arn
	n.mu.Unlock()
	return arn, nil
}

// publishInput builds the SNS message: a JSON body with title, body and data,
// and the data repeated as string message attributes.
func publishInput(msg polybase.Notification) (*sns.PublishInput, error) {
	body, err := json.Marshal(map[string]interface{}{
		"title": msg.Title,
		"body":  msg.Body,
		"data":  msg.Data,
	})
	if err != nil {
		return nil, err
	}
	in := &sns.PublishInput{Message: aws.String(string(body))}
	if msg.Title != "" {
		subject := msg.Title
		if len(subject) > maxSubject {
			subject = subject[:maxSubject]
		}
		in.Subject = aws.String(subject)
	}
	if len(msg.Data) > 0 {
		keys := make([]string, 0, len(msg.Data))
		for k := range msg.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(keys))
		for _, k := range keys {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Data[k]),
			}
		}
	}
	return in, nil
}

// Send returns the SNS message id.
func (n *Notifications) Send(ctx context.Context, msg polybase.Notification) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	in, err := publishInput(msg)
	if err != nil {
		return "", polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	if msg.Topic != "" {
		arn, err := n.topicARN(ctx, msg.Topic)
		if err != nil {
			return "", err
		}
		in.TopicArn = aws.String(arn)
	} else {
		in.TargetArn = aws.String(msg.Target)
	}
	var id string
	err = call(ctx, n.breaker, "sns.publish", nil, func(ctx context.Context) error {
		out, err := n.client.Publish(ctx, in)
		if err != nil {
			return err
		}
		id = aws.ToString(out.MessageId)
		return nil
	})
	return id, err
}

// protocolFor infers the SNS subscription protocol from a target.
func protocolFor(target string) string {
	switch {
	case strings.HasPrefix(target, "https://"):
		return "https"
	case strings.HasPrefix(target, "http://"):
		return "http"
	case strings.HasPrefix(target, "arn:aws:sqs:"):
		return "sqs"
	case strings.HasPrefix(target, "arn:aws:lambda:"):
		return "lambda"
	case strings.HasPrefix(target, "arn:aws:sns:") && strings.Contains(target, ":endpoint/"):
		return "application"
	case strings.HasPrefix(target, "+"):
		return "sms"
	case strings.Contains(target, "@"):
		return "email"
	}
	return "application"
}

func (n *Notifications) SubscribeToTopic(ctx context.Context, topic string, targets ...string) error {
	if topic == "" {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{"field": "topic"})
	}
	arn, err := n.topicARN(ctx, topic)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t == "" {
			continue
		}
		err := call(ctx, n.breaker, "sns.subscribe", nil, func(ctx context.Context) error {
			_, err := n.client.Subscribe(ctx, &sns.SubscribeInput{
				TopicArn: aws.String(arn),
				Protocol: aws.String(protocolFor(t)),
				Endpoint: aws.String(t),
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

var (
	_ polybase.NotificationsProvider = (*Notifications)(nil)
	_ polybase.Component             = (*Notifications)(nil)
)
