package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
	"github.com/vyvo/compute/fleet/pkg/notify"
)

// handleSubscribe streams job notifications for the authenticated runner as
// server-sent events until the client disconnects.
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	runnerID := chi.URLParam(r, "runnerID")
	if p.Runner.ID != runnerID {
		s.respondError(w, r, controlplane.ErrPermissionDenied("Credential does not belong to runner %s", runnerID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, controlplane.Internal("streaming unsupported", errors.New("response writer cannot flush")))
		return
	}

	sub, err := s.hub.Subscribe(r.Context(), runnerID)
	if err != nil {
		s.respondError(w, r, controlplane.Internal("subscribe", err))
		return
	}
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.Subscribers.Inc()
		defer s.metrics.Subscribers.Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				fmt.Fprint(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Error("write notification", "runner_id", runnerID, "delivery_id", msg.DeliveryID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg notify.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.DeliveryID, msg.Type, payload)
	return err
}

func (s *server) handleAck(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryID")
	err := s.hub.Ack(r.Context(), principal(r).Runner.ID, deliveryID)
	if errors.Is(err, notify.ErrUnknownDelivery) {
		s.respondError(w, r, controlplane.ErrNotFound("delivery", deliveryID))
		return
	}
	if err != nil {
		s.respondError(w, r, controlplane.Internal("acknowledge notification", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
