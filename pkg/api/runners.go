package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

type createRunnerRequest struct {
	Name string `json:"name"`
}

type credentialResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Token string `json:"token"`
}

func (s *server) handleCreateRunner(w http.ResponseWriter, r *http.Request) {
	var payload createRunnerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.respondError(w, r, controlplane.ErrValidation("invalid JSON payload"))
			return
		}
	}
	runner, token, err := s.registry.CreateRunner(r.Context(), principal(r).UserID, payload.Name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, credentialResponse{ID: runner.ID, Name: runner.Name, Token: token}, http.StatusCreated)
}

func (s *server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.registry.ListOwned(r.Context(), principal(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if runners == nil {
		runners = []controlplane.Runner{}
	}
	respondJSON(w, runners, http.StatusOK)
}

func (s *server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.registry.GetOwned(r.Context(), principal(r).UserID, chi.URLParam(r, "runnerID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, runner, http.StatusOK)
}

func (s *server) handleRenameRunner(w http.ResponseWriter, r *http.Request) {
	name, err := renamePayload(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	runner, err := s.registry.Rename(r.Context(), principal(r).UserID, chi.URLParam(r, "runnerID"), name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, runner, http.StatusOK)
}

func (s *server) handleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteRunner(r.Context(), principal(r).UserID, chi.URLParam(r, "runnerID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRunnerStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.registry.GetStatus(r.Context(), principal(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, statuses, http.StatusOK)
}

func (s *server) handleRunnerSystem(w http.ResponseWriter, r *http.Request) {
	infos, err := s.registry.GetSystemInfo(r.Context(), principal(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if infos == nil {
		infos = []controlplane.SystemInfo{}
	}
	respondJSON(w, infos, http.StatusOK)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	runner, token, err := s.registry.Register(r.Context(), chi.URLParam(r, "runnerID"), presentedToken(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, credentialResponse{ID: runner.ID, Name: runner.Name, Token: token}, http.StatusOK)
}

type heartbeatRequest struct {
	State string `json:"state"`
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	// An unreadable body leaves state empty; the registry still reports an
	// unregistered runner or a bad credential before the invalid state.
	var payload heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		payload = heartbeatRequest{}
	}
	runner, err := s.registry.Heartbeat(r.Context(), chi.URLParam(r, "runnerID"), presentedToken(r), payload.State)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, controlplane.RunnerStatus{ID: runner.ID, State: runner.State, LastContact: runner.LastContact}, http.StatusOK)
}

func (s *server) handleUpdateSystem(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeFields(r)
	if err != nil {
		if authErr := s.registry.Authorize(r.Context(), chi.URLParam(r, "runnerID"), presentedToken(r)); authErr != nil {
			err = authErr
		}
		s.respondError(w, r, err)
		return
	}
	info, err := s.registry.UpdateSystemInfo(r.Context(), chi.URLParam(r, "runnerID"), presentedToken(r), fields)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, info, http.StatusOK)
}

func (s *server) handleRunnerSelf(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, principal(r).Runner, http.StatusOK)
}

func (s *server) handleRenameSelf(w http.ResponseWriter, r *http.Request) {
	name, err := renamePayload(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	runner, err := s.registry.RenameSelf(r.Context(), principal(r).Runner.ID, name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, runner, http.StatusOK)
}

func (s *server) handleRunnerListForbidden(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, r, controlplane.ErrMethodNotAllowed("Runners cannot list runners."))
}

func renamePayload(r *http.Request) (string, error) {
	fields, err := decodeFields(r)
	if err != nil {
		return "", err
	}
	if err := onlyFields(fields, "name"); err != nil {
		return "", err
	}
	if _, ok := fields["name"]; !ok {
		return "", controlplane.ErrValidation("name is required")
	}
	return stringField(fields, "name")
}
