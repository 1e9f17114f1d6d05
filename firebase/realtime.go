package firebase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/adrianmcphee/polybase"
)

const (
	realtimeCollection = "_realtime"
	subscriberBuffer   = 64
)

// Realtime carries messages through Firestore: Publish appends to the _realtime
// collection and every subscriber runs a snapshot listener on its channel.
// Subscribers only see messages published after they subscribed.
type Realtime struct {
	client  *firestore.Client
	logger  polybase.Logger
	metrics polybase.Metrics

	mu   sync.Mutex
	subs map[*subscription]struct{}
	wg   sync.WaitGroup
}

func newRealtime(client *firestore.Client, logger polybase.Logger, metrics polybase.Metrics) *Realtime {
	return &Realtime{
		client:  client,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[*subscription]struct{}),
	}
}

func (r *Realtime) Name() string                     { return "realtime" }
func (r *Realtime) Start(ctx context.Context) error  { return nil }
func (r *Realtime) Health(ctx context.Context) error { return nil }

// Stop ends every listener and waits for them to exit.
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

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type realtimeRecord struct {
	Channel     string    `firestore:"channel"`
	Data        string    `firestore:"data"`
	PublishedAt time.Time `firestore:"publishedAt"`
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
	rec := realtimeRecord{Channel: channel, Data: string(raw), PublishedAt: time.Now().UTC()}
	if _, err := r.client.Collection(realtimeCollection).Doc(polybase.NewID()).Create(ctx, rec); err != nil {
		return mapError(err, map[string]interface{}{"operation": "realtime.publish", "channel": channel})
	}
	r.metrics.Increment(polybase.MetricRealtimePublished, "channel", channel)
	return nil
}

func (r *Realtime) Subscribe(ctx context.Context, channel string) (polybase.Subscription, error) {
	if channel == "" {
		return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{"field": "channel"})
	}
	lctx, cancel := context.WithCancel(ctx)
	it := r.client.Collection(realtimeCollection).
		Where("channel", "==", channel).
		Where("publishedAt", ">", time.Now().UTC()).
		Snapshots(lctx)

	s := &subscription{
		hub:     r,
		channel: channel,
		ch:      make(chan polybase.Message, subscriberBuffer),
		cancel:  cancel,
		it:      it,
	}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.remove(s)
		defer close(s.ch)
		s.listen(lctx)
	}()
	return s, nil
}

// Channels lists channels with a listener in this process.
func (r *Realtime) Channels(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for s := range r.subs {
		seen[s.channel] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Realtime) remove(s *subscription) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

type subscription struct {
	hub     *Realtime
	channel string
	ch      chan polybase.Message
	cancel  context.CancelFunc
	it      *firestore.QuerySnapshotIterator
	once    sync.Once
}

func (s *subscription) Messages() <-chan polybase.Message { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.it.Stop()
	})
	return nil
}

func (s *subscription) listen(ctx context.Context) {
	for {
		snap, err := s.it.Next()
		if err != nil {
			if ctx.Err() == nil {
				s.hub.logger.Warn("Realtime listener stopped", "channel", s.channel, "error", err)
			}
			return
		}
		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded {
				continue
			}
			var rec realtimeRecord
			if err := change.Doc.DataTo(&rec); err != nil {
				s.hub.logger.Warn("Skipping malformed realtime message", "id", change.Doc.Ref.ID, "error", err)
				continue
			}
			msg := polybase.Message{Channel: rec.Channel, Data: json.RawMessage(rec.Data), PublishedAt: rec.PublishedAt.UTC()}
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
