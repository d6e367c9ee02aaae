package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// TypeNewJob tags a "job assigned to you" notification.
	TypeNewJob = "new_job"
	// DefaultHint is the human readable text attached to new job notifications.
	DefaultHint = "New job assigned"

	DefaultBuffer = 32
)

// Mode selects the delivery guarantee of the hub.
type Mode string

const (
	// ModeBestEffort drops notifications for runners without a live subscription.
	ModeBestEffort Mode = "best_effort"
	// ModeOutbox persists notifications until the runner acknowledges them.
	ModeOutbox Mode = "outbox"
)

// ParseMode resolves a configured mode name.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeBestEffort:
		return ModeBestEffort, nil
	case ModeOutbox:
		return ModeOutbox, nil
	}
	return "", fmt.Errorf("unknown notification mode %q", value)
}

// ErrUnknownDelivery is returned when acknowledging a delivery that is not pending.
var ErrUnknownDelivery = errors.New("unknown delivery")

// Message is what a subscribed runner receives.
type Message struct {
	DeliveryID string    `json:"delivery_id"`
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	Hint       string    `json:"hint"`
	CreatedAt  time.Time `json:"created_at"`
}

// Logger is the structured logger used by the hub.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Outbox persists pending notifications per runner.
type Outbox interface {
	Append(ctx context.Context, runnerID string, msg Message) error
	Pending(ctx context.Context, runnerID string) ([]Message, error)
	Ack(ctx context.Context, runnerID, deliveryID string) (bool, error)
}

// Backplane fans notifications out across hub instances.
type Backplane interface {
	Publish(ctx context.Context, runnerID string, msg Message) error
	Run(ctx context.Context, deliver func(runnerID string, msg Message)) error
}

// Options configures a Hub. Zero values select best-effort in-process delivery.
type Options struct {
	Mode      Mode
	Buffer    int
	Outbox    Outbox
	Backplane Backplane
	Clock     clock.Clock
	Logger    Logger

	Published prometheus.Counter
	Delivered prometheus.Counter
	Dropped   prometheus.Counter
}

// Hub routes notifications to live runner subscriptions.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	mode      Mode
	buffer    int
	outbox    Outbox
	backplane Backplane
	clock     clock.Clock
	logger    Logger

	published prometheus.Counter
	delivered prometheus.Counter
	dropped   prometheus.Counter
}

func NewHub(opts Options) (*Hub, error) {
	if opts.Mode == "" {
		opts.Mode = ModeBestEffort
	}
	if opts.Mode == ModeOutbox && opts.Outbox == nil {
		return nil, errors.New("outbox mode requires an outbox")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	h := &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		mode:      opts.Mode,
		buffer:    opts.Buffer,
		backplane: opts.Backplane,
		clock:     opts.Clock,
		logger:    opts.Logger,
		published: opts.Published,
		delivered: opts.Delivered,
		dropped:   opts.Dropped,
	}
	if opts.Mode == ModeOutbox {
		h.outbox = opts.Outbox
	}
	return h, nil
}

// Publish notifies runnerID that jobID is waiting.
func (h *Hub) Publish(ctx context.Context, runnerID, jobID string) error {
	msg := Message{
		DeliveryID: uuid.NewString(),
		Type:       TypeNewJob,
		JobID:      jobID,
		Hint:       DefaultHint,
		CreatedAt:  h.clock.Now().UTC(),
	}
	inc(h.published)
	if h.outbox != nil {
		if err := h.outbox.Append(ctx, runnerID, msg); err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
	}
	if h.backplane != nil {
		if err := h.backplane.Publish(ctx, runnerID, msg); err != nil {
			return fmt.Errorf("publish to backplane: %w", err)
		}
		return nil
	}
	h.Deliver(runnerID, msg)
	return nil
}

// Deliver hands msg to every live subscription of runnerID without blocking.
func (h *Hub) Deliver(runnerID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[runnerID]
	if len(subs) == 0 {
		h.logger.Info("notification has no subscriber", "runner_id", runnerID, "job_id", msg.JobID, "mode", h.mode)
		if h.outbox == nil {
			inc(h.dropped)
		}
		return
	}
	for sub := range subs {
		sub.offer(msg, h)
	}
}

// Subscribe opens a live subscription for runnerID. In outbox mode pending
// notifications are replayed first. The outbox is read without holding the
// hub lock; live deliveries that arrive meanwhile are queued behind the replay.
func (h *Hub) Subscribe(ctx context.Context, runnerID string) (*Subscription, error) {
	sub := &Subscription{
		RunnerID:  runnerID,
		ch:        make(chan Message, h.buffer),
		seen:      make(map[string]struct{}),
		seenLimit: 4 * h.buffer,
		replaying: h.outbox != nil,
		hub:       h,
	}
	sub.C = sub.ch

	h.mu.Lock()
	if h.subs[runnerID] == nil {
		h.subs[runnerID] = make(map[*Subscription]struct{})
	}
	h.subs[runnerID][sub] = struct{}{}
	count := len(h.subs[runnerID])
	h.mu.Unlock()

	if h.outbox != nil {
		pending, err := h.outbox.Pending(ctx, runnerID)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("load pending notifications: %w", err)
		}
		h.mu.Lock()
		sub.replaying = false
		for _, msg := range pending {
			sub.offer(msg, h)
		}
		for _, msg := range sub.deferred {
			sub.offer(msg, h)
		}
		sub.deferred = nil
		h.mu.Unlock()
	}
	h.logger.Info("runner subscribed", "runner_id", runnerID, "subscribers", count)
	return sub, nil
}

// Ack removes a pending delivery. In best-effort mode it is a no-op.
func (h *Hub) Ack(ctx context.Context, runnerID, deliveryID string) error {
	if h.outbox == nil {
		return nil
	}
	ok, err := h.outbox.Ack(ctx, runnerID, deliveryID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownDelivery
	}
	h.mu.Lock()
	for sub := range h.subs[runnerID] {
		sub.forget(deliveryID)
	}
	h.mu.Unlock()
	return nil
}

// Subscribers reports the number of live subscriptions for runnerID.
func (h *Hub) Subscribers(runnerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runnerID])
}

// Run drives the backplane until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		<-ctx.Done()
		return nil
	}
	err := h.backplane.Run(ctx, h.Deliver)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close ends every live subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runnerID, subs := range h.subs {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(h.subs, runnerID)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.RunnerID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.RunnerID)
		}
	}
	sub.closeLocked()
}

// Subscription is one live runner connection. C is closed when the
// subscription ends.
type Subscription struct {
	RunnerID string
	C        <-chan Message

	ch     chan Message
	closed bool
	hub    *Hub

	// seen holds recent delivery ids, oldest first in seenOrder. Acked ids
	// are dropped and the window never exceeds seenLimit.
	seen      map[string]struct{}
	seenOrder []string
	seenLimit int

	replaying bool
	deferred  []Message
}

// offer sends msg unless it was already delivered on this subscription.
// Callers hold the hub lock.
func (s *Subscription) offer(msg Message, h *Hub) {
	if s.closed {
		return
	}
	if s.replaying {
		s.deferred = append(s.deferred, msg)
		return
	}
	if _, dup := s.seen[msg.DeliveryID]; dup {
		return
	}
	select {
	case s.ch <- msg:
		s.remember(msg.DeliveryID)
		inc(h.delivered)
	default:
		inc(h.dropped)
		h.logger.Error("subscriber buffer full, notification dropped", "runner_id", s.RunnerID, "delivery_id", msg.DeliveryID)
	}
}

func (s *Subscription) remember(deliveryID string) {
	s.seen[deliveryID] = struct{}{}
	s.seenOrder = append(s.seenOrder, deliveryID)
	for len(s.seenOrder) > s.seenLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

func (s *Subscription) forget(deliveryID string) {
	if _, ok := s.seen[deliveryID]; !ok {
		return
	}
	delete(s.seen, deliveryID)
	for i, id := range s.seenOrder {
		if id == deliveryID {
			s.seenOrder = append(s.seenOrder[:i], s.seenOrder[i+1:]...)
			break
		}
	}
}

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
