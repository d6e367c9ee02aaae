package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

type jobView struct {
	*controlplane.Job
	ResourceSummary map[controlplane.ResourceType]int `json:"resource_summary,omitempty"`
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.IsRunner() {
		s.respondError(w, r, controlplane.ErrMethodNotAllowed("Runners cannot create jobs."))
		return
	}
	fields, err := decodeFields(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.jobs.Create(r.Context(), p, fields)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(job.Version))
	respondJSON(w, jobView{Job: job}, http.StatusCreated)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context(), principal(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []controlplane.Job{}
	}
	respondJSON(w, jobs, http.StatusOK)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), p, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	summary, err := s.jobs.ResourceSummary(r.Context(), p, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(job.Version))
	respondJSON(w, jobView{Job: job, ResourceSummary: summary}, http.StatusOK)
}

// handleUpdateJob serves PUT and PATCH alike: both apply the fields present in the body.
func (s *server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	expected, err := parseIfMatch(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	fields, err := decodeFields(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.jobs.Update(r.Context(), principal(r), chi.URLParam(r, "jobID"), fields, expected)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(job.Version))
	respondJSON(w, jobView{Job: job}, http.StatusOK)
}

func (s *server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), principal(r), chi.URLParam(r, "jobID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleJobResources(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := chi.URLParam(r, "jobID")
	if _, err := s.jobs.Get(r.Context(), p, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	resources, err := s.resources.List(r.Context(), p, controlplane.ResourceFilter{JobID: id})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if resources == nil {
		resources = []controlplane.JobResource{}
	}
	respondJSON(w, resources, http.StatusOK)
}
