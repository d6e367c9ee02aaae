package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, runnerID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, runnerID+"/"+jobID)
	return nil
}

func (p *recordingPublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type memBlobs struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{items: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = data
	return nil
}

func (m *memBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memBlobs) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

type staticUsers map[string]bool

func (u staticUsers) IsActive(_ context.Context, userID string) (bool, error) {
	active, ok := u[userID]
	return ok && active, nil
}

type fixture struct {
	store     *Store
	clock     *clock.Mock
	registry  *Registry
	jobs      *Jobs
	resources *Resources
	publisher *recordingPublisher
	blobs     *memBlobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := NewStore("")
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(testEpoch)
	pub := &recordingPublisher{}
	blobs := newMemBlobs()
	return &fixture{
		store:     store,
		clock:     mock,
		registry:  NewRegistry(store, mock, nil),
		jobs:      NewJobs(store, JobsConfig{Publisher: pub, Blobs: blobs, Clock: mock}),
		resources: NewResources(store, blobs, 1024, mock, nil),
		publisher: pub,
		blobs:     blobs,
	}
}

// registeredRunner creates a runner for owner and completes registration.
func (f *fixture) registeredRunner(t *testing.T, owner string) (*Runner, string) {
	t.Helper()
	ctx := context.Background()
	runner, initial, err := f.registry.CreateRunner(ctx, owner, "")
	require.NoError(t, err)
	registered, token, err := f.registry.Register(ctx, runner.ID, initial)
	require.NoError(t, err)
	return registered, token
}

func owner(id string) Principal {
	return Principal{UserID: id}
}

func runnerPrincipal(r *Runner) Principal {
	return Principal{UserID: r.Owner, Runner: r}
}

func mustFields(t *testing.T, m map[string]any) Fields {
	t.Helper()
	fields, err := FieldsOf(m)
	require.NoError(t, err)
	return fields
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}
