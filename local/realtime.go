package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adrianmcphee/polybase"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Realtime is an in-process pub/sub hub. When an address is configured it also
// serves GET /ws?channel=<name>, streaming each message as a JSON text frame.
//
// Slow subscribers lose messages rather than block publishers.
type Realtime struct {
	addr    string
	logger  polybase.Logger
	metrics polybase.Metrics

	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

func newRealtime(addr string, logger polybase.Logger, metrics polybase.Metrics) *Realtime {
	return &Realtime{
		addr:     addr,
		logger:   logger,
		metrics:  metrics,
		channels: make(map[string]map[*subscription]struct{}),
	}
}

func (r *Realtime) Name() string { return nameRealtime }

func (r *Realtime) Start(ctx context.Context) error {
	if r.addr == "" {
		return nil
	}
	l, err := net.Listen("tcp", r.addr)
	if err != nil {
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInitialization, err), map[string]interface{}{
			"addr": r.addr,
		})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.serveWS)
	r.listener = l
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Realtime server stopped", "error", err)
		}
	}()
	r.logger.Info("Realtime endpoint listening", "addr", l.Addr().String())
	return nil
}

// Stop closes every subscription and the websocket listener.
func (r *Realtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	var subs []*subscription
	for _, set := range r.channels {
		for s := range set {
			subs = append(subs, s)
		}
	}
	r.channels = make(map[string]map[*subscription]struct{})
	r.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}

	if r.server == nil {
		return nil
	}
	err := r.server.Shutdown(ctx)
	r.wg.Wait()
	r.server = nil
	return err
}

func (r *Realtime) Health(ctx context.Context) error { return nil }

// Addr returns the bound listener address, or "" when the endpoint is disabled.
func (r *Realtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Publish delivers data to every current subscriber of channel.
func (r *Realtime) Publish(ctx context.Context, channel string, data interface{}) error {
	if channel == "" {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field": "channel",
		})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInvalidData, err), map[string]interface{}{
			"channel": channel,
		})
	}
	msg := polybase.Message{Channel: channel, Data: raw, PublishedAt: time.Now().UTC()}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.channels[channel] {
		if !s.deliver(msg) {
			r.metrics.Increment(polybase.MetricRealtimeDropped, "channel", channel)
		}
	}
	r.metrics.Increment(polybase.MetricRealtimePublished, "channel", channel)
	return nil
}

// Subscribe registers a subscriber. It is removed when Close is called or ctx ends.
func (r *Realtime) Subscribe(ctx context.Context, channel string) (polybase.Subscription, error) {
	if channel == "" {
		return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field": "channel",
		})
	}
	s := &subscription{
		hub:     r,
		channel: channel,
		ch:      make(chan polybase.Message, subscriberBuffer),
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		r.channels[channel] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Channels lists channels with at least one subscriber.
func (r *Realtime) Channels(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name, set := range r.channels {
		if len(set) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Realtime) remove(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.channels[s.channel]
	delete(set, s)
	if len(set) == 0 {
		delete(r.channels, s.channel)
	}
}

func (r *Realtime) serveWS(w http.ResponseWriter, req *http.Request) {
	channel := req.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	sub, err := r.Subscribe(ctx, channel)
	if err != nil {
		return
	}
	defer sub.Close()

	// The read loop only notices client close frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

type subscription struct {
	hub     *Realtime
	channel string

	mu     sync.Mutex
	ch     chan polybase.Message
	done   chan struct{}
	closed bool
	once   sync.Once
}

func (s *subscription) Messages() <-chan polybase.Message { return s.ch }

func (s *subscription) deliver(msg polybase.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Close is idempotent.
func (s *subscription) Close() error {
	s.hub.remove(s)
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		close(s.done)
	})
}

var (
	_ polybase.RealtimeProvider = (*Realtime)(nil)
	_ polybase.Component        = (*Realtime)(nil)
)
