package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}
	return Message{}
}

func requireEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected notification %+v", msg)
	default:
	}
}

func TestHubDeliversFIFOExactlyOnce(t *testing.T) {
	hub, err := NewHub(Options{})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	other, err := hub.Subscribe(ctx, "r2")
	require.NoError(t, err)

	for _, job := range []string{"j1", "j2", "j3"} {
		require.NoError(t, hub.Publish(ctx, "r1", job))
	}
	for _, job := range []string{"j1", "j2", "j3"} {
		msg := receive(t, sub)
		require.Equal(t, job, msg.JobID)
		require.Equal(t, TypeNewJob, msg.Type)
		require.Equal(t, DefaultHint, msg.Hint)
		require.NotEmpty(t, msg.DeliveryID)
	}
	requireEmpty(t, sub)
	requireEmpty(t, other)
}

func TestHubBestEffortDropsWithoutSubscriber(t *testing.T) {
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped"})
	hub, err := NewHub(Options{Dropped: dropped})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, "r1", "j1"))
	require.Equal(t, 1.0, testutil.ToFloat64(dropped))

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	requireEmpty(t, sub)
	require.NoError(t, hub.Ack(ctx, "r1", "anything"))
}

func TestHubSubscriptionClose(t *testing.T) {
	hub, err := NewHub(Options{})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers("r1"))

	sub.Close()
	sub.Close()
	require.Equal(t, 0, hub.Subscribers("r1"))
	_, ok := <-sub.C
	require.False(t, ok)

	require.NoError(t, hub.Publish(ctx, "r1", "j1"))
}

func TestHubBufferOverflowDrops(t *testing.T) {
	hub, err := NewHub(Options{Buffer: 1})
	require.NoError(t, err)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, "r1", "j1"))
	require.NoError(t, hub.Publish(ctx, "r1", "j2"))
	require.Equal(t, "j1", receive(t, sub).JobID)
	requireEmpty(t, sub)
}

func TestHubOutboxReplaysUntilAck(t *testing.T) {
	outbox := NewMemoryOutbox()
	hub, err := NewHub(Options{Mode: ModeOutbox, Outbox: outbox})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, "r1", "j1"))
	require.NoError(t, hub.Publish(ctx, "r1", "j2"))

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	first := receive(t, sub)
	second := receive(t, sub)
	require.Equal(t, "j1", first.JobID)
	require.Equal(t, "j2", second.JobID)

	require.NoError(t, hub.Ack(ctx, "r1", first.DeliveryID))
	require.ErrorIs(t, hub.Ack(ctx, "r1", first.DeliveryID), ErrUnknownDelivery)
	sub.Close()

	again, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	replayed := receive(t, again)
	require.Equal(t, second.DeliveryID, replayed.DeliveryID)
	requireEmpty(t, again)
}

// A message published while a subscription replays is delivered only once.
func TestHubOutboxDeduplicatesReplay(t *testing.T) {
	outbox := NewMemoryOutbox()
	hub, err := NewHub(Options{Mode: ModeOutbox, Outbox: outbox})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	msg := Message{DeliveryID: "d1", Type: TypeNewJob, JobID: "j1"}
	require.NoError(t, outbox.Append(ctx, "r1", msg))
	hub.Deliver("r1", msg)
	hub.Deliver("r1", msg)

	require.Equal(t, "d1", receive(t, sub).DeliveryID)
	requireEmpty(t, sub)
}

type fakeBackplane struct {
	mu      sync.Mutex
	deliver func(string, Message)
	ready   chan struct{}
}

func (b *fakeBackplane) Publish(_ context.Context, runnerID string, msg Message) error {
	<-b.ready
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(runnerID, msg)
	return nil
}

func (b *fakeBackplane) Run(ctx context.Context, deliver func(string, Message)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	close(b.ready)
	<-ctx.Done()
	return ctx.Err()
}

func TestHubBackplaneRoutesThroughRun(t *testing.T) {
	bp := &fakeBackplane{ready: make(chan struct{})}
	hub, err := NewHub(Options{Backplane: bp})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, "r1", "j1"))
	require.Equal(t, "j1", receive(t, sub).JobID)
	requireEmpty(t, sub)

	cancel()
	require.NoError(t, <-done)
	hub.Close()
	_, ok := <-sub.C
	require.False(t, ok)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("OUTBOX")
	require.NoError(t, err)
	require.Equal(t, ModeOutbox, mode)

	mode, err = ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeBestEffort, mode)

	_, err = ParseMode("durable")
	require.Error(t, err)

	_, err = NewHub(Options{Mode: ModeOutbox})
	require.Error(t, err)
}

// gatedOutbox holds Pending for one runner until release is closed.
type gatedOutbox struct {
	*MemoryOutbox
	runnerID string
	entered  chan struct{}
	release  chan struct{}
}

func (o *gatedOutbox) Pending(ctx context.Context, runnerID string) ([]Message, error) {
	if runnerID == o.runnerID {
		close(o.entered)
		<-o.release
	}
	return o.MemoryOutbox.Pending(ctx, runnerID)
}

func TestHubSubscribeReplayDoesNotBlockOtherRunners(t *testing.T) {
	outbox := &gatedOutbox{
		MemoryOutbox: NewMemoryOutbox(),
		runnerID:     "slow",
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	hub, err := NewHub(Options{Mode: ModeOutbox, Outbox: outbox})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, "slow", "j1"))
	fast, err := hub.Subscribe(ctx, "fast")
	require.NoError(t, err)

	type result struct {
		sub *Subscription
		err error
	}
	slowDone := make(chan result, 1)
	go func() {
		sub, err := hub.Subscribe(ctx, "slow")
		slowDone <- result{sub, err}
	}()
	<-outbox.entered

	published := make(chan error, 1)
	go func() { published <- hub.Publish(ctx, "fast", "j-fast") }()
	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("publish to another runner blocked behind a pending replay")
	}
	require.Equal(t, "j-fast", receive(t, fast).JobID)

	// Arrives while the replay is still loading; it must follow the backlog.
	require.NoError(t, hub.Publish(ctx, "slow", "j2"))
	close(outbox.release)

	res := <-slowDone
	require.NoError(t, res.err)
	require.Equal(t, "j1", receive(t, res.sub).JobID)
	require.Equal(t, "j2", receive(t, res.sub).JobID)
	requireEmpty(t, res.sub)
}

func TestHubForgetsAcknowledgedDeliveries(t *testing.T) {
	hub, err := NewHub(Options{Mode: ModeOutbox, Outbox: NewMemoryOutbox(), Buffer: 2})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	var acked []string
	for i := 0; i < 20; i++ {
		require.NoError(t, hub.Publish(ctx, "r1", "job"))
		msg := receive(t, sub)
		if i%2 == 0 {
			require.NoError(t, hub.Ack(ctx, "r1", msg.DeliveryID))
			acked = append(acked, msg.DeliveryID)
		}
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.LessOrEqual(t, len(sub.seen), sub.seenLimit)
	require.Len(t, sub.seenOrder, len(sub.seen))
	for _, id := range acked {
		require.NotContains(t, sub.seen, id)
	}
}

func TestHubStampsMessagesWithClock(t *testing.T) {
	mock := clock.NewMock()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.Set(at)
	hub, err := NewHub(Options{Clock: mock})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, "r1", "j1"))
	require.True(t, at.Equal(receive(t, sub).CreatedAt))
}
