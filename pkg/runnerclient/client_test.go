package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/compute/fleet/pkg/api"
	"github.com/vyvo/compute/fleet/pkg/auth"
	"github.com/vyvo/compute/fleet/pkg/blob"
	"github.com/vyvo/compute/fleet/pkg/controlplane"
	"github.com/vyvo/compute/fleet/pkg/notify"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := controlplane.NewStore("")
	require.NoError(t, err)
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	hub, err := notify.NewHub(notify.Options{Mode: notify.ModeOutbox, Outbox: notify.NewMemoryOutbox()})
	require.NoError(t, err)
	clk := clock.New()

	srv := httptest.NewServer(api.NewHandler(api.Options{
		Registry:      controlplane.NewRegistry(store, clk, nil),
		Authenticator: controlplane.NewAuthenticator(store, nil),
		Jobs:          controlplane.NewJobs(store, controlplane.JobsConfig{Publisher: hub, Blobs: blobs, Clock: clk}),
		Resources:     controlplane.NewResources(store, blobs, 0, clk, nil),
		Hub:           hub,
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv
}

func ownerCall(t *testing.T, srv *httptest.Server, method, path string, body any, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(auth.OwnerHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

var errStop = errors.New("stop")

func TestAgentFlow(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var created Credential
	ownerCall(t, srv, http.MethodPost, "/api/runners", map[string]string{"name": "agent"}, &created)

	client := NewClient(srv.URL+"/", created.Token)
	paired, err := client.Register(ctx, created.ID)
	require.NoError(t, err)
	require.NotEqual(t, created.Token, paired.Token)
	require.Equal(t, paired.Token, client.Token())

	stale := NewClient(srv.URL, created.Token)
	_, err = stale.Heartbeat(ctx, created.ID, controlplane.RunnerStateIdle)
	require.Equal(t, controlplane.KindAuthenticationFailed, KindOf(err))

	status, err := client.Heartbeat(ctx, created.ID, controlplane.RunnerStateBusy)
	require.NoError(t, err)
	require.Equal(t, controlplane.RunnerStateBusy, status.State)

	info, err := client.UpdateSystem(ctx, created.ID, map[string]any{"gpu_model": "A100", "gpu_memory_size": 80 << 30})
	require.NoError(t, err)
	require.Equal(t, "A100", *info.GPUModel)

	self, err := client.Self(ctx)
	require.NoError(t, err)
	require.Equal(t, "agent", self.Name)

	var job controlplane.Job
	ownerCall(t, srv, http.MethodPost, "/api/jobs", map[string]any{"assigned_runner": created.ID, "executable": "render"}, &job)

	var received []notify.Message
	err = client.Subscribe(ctx, created.ID, func(msg notify.Message) error {
		received = append(received, msg)
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	require.Len(t, received, 1)
	require.Equal(t, job.ID, received[0].JobID)
	require.NoError(t, client.Ack(ctx, received[0].DeliveryID))

	jobs, err := client.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	running := controlplane.JobStatusRunning
	updated, err := client.UpdateJob(ctx, job.ID, JobUpdate{Status: &running}, jobs[0].Version)
	require.NoError(t, err)
	require.Equal(t, running, updated.Status)

	_, err = client.UpdateJob(ctx, job.ID, JobUpdate{Status: &running}, jobs[0].Version)
	require.Equal(t, controlplane.KindConflict, KindOf(err))

	res, err := client.UploadResource(ctx, UploadRequest{
		JobID:        job.ID,
		ResourceType: controlplane.ResourceResult,
		Filename:     "frame.png",
		Body:         strings.NewReader("png-bytes"),
	})
	require.NoError(t, err)
	require.Nil(t, res.CreatedBy)

	listed, err := client.ListResources(ctx, ResourceQuery{JobID: job.ID, ResourceType: controlplane.ResourceResult})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	body, contentType, err := client.DownloadResource(ctx, res.ID)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	require.Equal(t, "image/png", contentType)
	require.Equal(t, "png-bytes", string(data))

	got, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, updated.Version, got.Version)

	_, err = client.GetJob(ctx, "missing")
	require.Equal(t, controlplane.KindNotFound, KindOf(err))
}

func TestSubscribeReplaysPendingInOrder(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	var created Credential
	ownerCall(t, srv, http.MethodPost, "/api/runners", nil, &created)
	client := NewClient(srv.URL, created.Token)
	_, err := client.Register(ctx, created.ID)
	require.NoError(t, err)

	var first, second controlplane.Job
	ownerCall(t, srv, http.MethodPost, "/api/jobs", map[string]any{"assigned_runner": created.ID}, &first)
	ownerCall(t, srv, http.MethodPost, "/api/jobs", map[string]any{"assigned_runner": created.ID}, &second)

	var order []string
	err = client.Subscribe(ctx, created.ID, func(msg notify.Message) error {
		order = append(order, msg.JobID)
		if len(order) == 2 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	require.Equal(t, []string{first.ID, second.ID}, order)
}

func TestReadEvents(t *testing.T) {
	stream := ": connected\n\n" +
		"id: d1\nevent: new_job\ndata: {\"job_id\":\"j1\"}\n\n" +
		": ping\n\n" +
		"event: close\ndata: {}\n"

	var events []Event
	err := ReadEvents(strings.NewReader(stream), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "d1", events[0].ID)
	require.Equal(t, "new_job", events[0].Name)
	require.JSONEq(t, `{"job_id":"j1"}`, string(events[0].Data))
	require.Equal(t, "close", events[1].Name)
}

func TestErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/runner/self" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"kind":"unregistered","message":"runner r is unregistered"}}`))
			return
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t")
	_, err := client.Self(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, controlplane.KindUnregistered, apiErr.Kind)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = client.ListJobs(context.Background())
	require.Equal(t, controlplane.KindInternal, KindOf(err))
}
