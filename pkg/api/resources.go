package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

const (
	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
)

func (s *server) handleUploadResource(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.resources.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, controlplane.ErrValidation("file exceeds the %d byte upload limit", maxBytes))
			return
		}
		s.respondError(w, r, controlplane.ErrValidation("invalid multipart payload"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, controlplane.ErrValidation("file is required"))
		return
	}
	defer file.Close()

	res, err := s.resources.Upload(r.Context(), principal(r), controlplane.Upload{
		JobID:            r.FormValue("job"),
		ResourceType:     r.FormValue("resource_type"),
		Filename:         header.Filename,
		Description:      r.FormValue("description"),
		OriginalFilePath: r.FormValue("original_file_path"),
		Size:             header.Size,
		Body:             file,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, res, http.StatusCreated)
}

func (s *server) handleDownloadResource(w http.ResponseWriter, r *http.Request) {
	download, err := s.resources.Download(r.Context(), principal(r), chi.URLParam(r, "resourceID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer download.Body.Close()

	w.Header().Set("Content-Type", download.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": download.Resource.Filename}))
	if download.Resource.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(download.Resource.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, download.Body); err != nil {
		s.logger.Error("stream resource", "resource_id", download.Resource.ID, "error", err)
	}
}

func (s *server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	if err := s.resources.Delete(r.Context(), principal(r), chi.URLParam(r, "resourceID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListResources(w http.ResponseWriter, r *http.Request) {
	filter, err := resourceFilter(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resources, err := s.resources.List(r.Context(), principal(r), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if resources == nil {
		resources = []controlplane.JobResource{}
	}
	respondJSON(w, resources, http.StatusOK)
}

func resourceFilter(r *http.Request) (controlplane.ResourceFilter, error) {
	query := r.URL.Query()
	filter := controlplane.ResourceFilter{
		JobID:    query.Get("job_id"),
		Filename: query.Get("filename"),
	}
	if raw := query.Get("resource_type"); raw != "" {
		rt, ok := controlplane.ParseResourceType(raw)
		if !ok {
			return filter, controlplane.ErrValidation("invalid resource_type %q", raw)
		}
		filter.ResourceType = rt
	}
	return filter, nil
}
