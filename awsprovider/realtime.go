package awsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/polybase"
)

const subscriberBuffer = 64

// Realtime is Redis pub/sub. Channel names are namespaced with the resource prefix
// and each payload is a JSON-encoded polybase.Message.
type Realtime struct {
	rdb     *redis.Client
	owned   bool
	prefix  string
	logger  polybase.Logger
	metrics polybase.Metrics

	mu   sync.Mutex
	subs map[*subscription]struct{}
	wg   sync.WaitGroup
}

func newRealtime(rdb *redis.Client, owned bool, prefix string, logger polybase.Logger, metrics polybase.Metrics) *Realtime {
	return &Realtime{
		rdb:     rdb,
		owned:   owned,
		prefix:  prefix + "rt:",
		logger:  logger,
		metrics: metrics,
		subs:    make(map[*subscription]struct{}),
	}
}

func (r *Realtime) Name() string { return "realtime" }

func (r *Realtime) Start(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInitialization, err), map[string]interface{}{
			"redis": r.rdb.Options().Addr,
		})
	}
	return nil
}

// Stop closes every subscription, then the client when the provider dialed it.
func (r *Realtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	r.wg.Wait()
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}

func (r *Realtime) Health(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", polybase.ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Realtime) Publish(ctx context.Context, channel string, data interface{}) error {
	if channel == "" {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{"field": "channel"})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInvalidData, err), map[string]interface{}{
			"channel": channel,
		})
	}
	payload, err := json.Marshal(polybase.Message{Channel: channel, Data: raw, PublishedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.prefix+channel, payload).Err(); err != nil {
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrBackendUnavailable, err), map[string]interface{}{
			"channel": channel,
		})
	}
	r.metrics.Increment(polybase.MetricRealtimePublished, "channel", channel)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published after it returns are delivered.
func (r *Realtime) Subscribe(ctx context.Context, channel string) (polybase.Subscription, error) {
	if channel == "" {
		return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{"field": "channel"})
	}
	ps := r.rdb.Subscribe(ctx, r.prefix+channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrBackendUnavailable, err), map[string]interface{}{
			"channel": channel,
		})
	}
	s := &subscription{
		hub:     r,
		channel: channel,
		ps:      ps,
		ch:      make(chan polybase.Message, subscriberBuffer),
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.pump(ctx)
	}()
	return s, nil
}

// Channels lists channels with a subscriber anywhere on the Redis server.
func (r *Realtime) Channels(ctx context.Context) ([]string, error) {
	names, err := r.rdb.PubSubChannels(ctx, r.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", polybase.ErrBackendUnavailable, err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimPrefix(n, r.prefix))
	}
	sort.Strings(out)
	return out, nil
}

type subscription struct {
	hub     *Realtime
	channel string
	ps      *redis.PubSub
	ch      chan polybase.Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Messages() <-chan polybase.Message { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
	})
	return err
}

// pump forwards Redis messages until the subscription or ctx ends.
func (s *subscription) pump(ctx context.Context) {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var msg polybase.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.hub.logger.Warn("Skipping malformed realtime message", "channel", s.channel, "error", err)
				continue
			}
			select {
			case s.ch <- msg:
			default:
				s.hub.metrics.Increment(polybase.MetricRealtimeDropped, "channel", s.channel)
			}
		}
	}
}

var (
	_ polybase.RealtimeProvider = (*Realtime)(nil)
	_ polybase.Component        = (*Realtime)(nil)
)
