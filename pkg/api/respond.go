package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

const internalErrorMessage = "internal server error"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    controlplane.Kind `json:"kind"`
	Message string            `json:"message"`
}

var statusByKind = map[controlplane.Kind]int{
	controlplane.KindAuthenticationFailed: http.StatusUnauthorized,
	controlplane.KindUnregistered:         http.StatusUnauthorized,
	controlplane.KindPermissionDenied:     http.StatusForbidden,
	controlplane.KindNotFound:             http.StatusNotFound,
	controlplane.KindValidation:           http.StatusBadRequest,
	controlplane.KindDuplicateResource:    http.StatusConflict,
	controlplane.KindMethodNotAllowed:     http.StatusMethodNotAllowed,
	controlplane.KindConflict:             http.StatusConflict,
	controlplane.KindInternal:             http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind controlplane.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the structured error envelope. Internal failures are
// logged and reported with a generic message.
func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := controlplane.KindOf(err)
	message := internalErrorMessage
	if kind == controlplane.KindInternal {
		s.logger.Error("request failed", "request_id", middleware.GetReqID(r.Context()), "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		var cpErr *controlplane.Error
		if errors.As(err, &cpErr) {
			message = cpErr.Message
		}
	}
	respondJSON(w, errorBody{Error: errorDetail{Kind: kind, Message: message}}, StatusFor(kind))
}

// decodeFields reads a partial update payload.
func decodeFields(r *http.Request) (controlplane.Fields, error) {
	fields := controlplane.Fields{}
	if r.Body == nil || r.ContentLength == 0 {
		return fields, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		return nil, controlplane.ErrValidation("invalid JSON payload")
	}
	return fields, nil
}

// onlyFields rejects any key outside allowed.
func onlyFields(fields controlplane.Fields, allowed ...string) error {
	var extra []string
	for _, key := range fields.Keys() {
		ok := false
		for _, a := range allowed {
			if key == a {
				ok = true
				break
			}
		}
		if !ok {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		return controlplane.ErrValidation("fields not allowed: %s", strings.Join(extra, ", "))
	}
	return nil
}

func stringField(fields controlplane.Fields, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", controlplane.ErrValidation("%s must be a string", key)
	}
	return value, nil
}

func etag(version int64) string {
	return fmt.Sprintf("%q", strconv.FormatInt(version, 10))
}

// parseIfMatch returns the expected job version, or 0 when the header is absent.
func parseIfMatch(r *http.Request) (int64, error) {
	header := strings.TrimSpace(r.Header.Get("If-Match"))
	if header == "" || header == "*" {
		return 0, nil
	}
	header = strings.TrimPrefix(header, "W/")
	header = strings.Trim(header, `"`)
	version, err := strconv.ParseInt(header, 10, 64)
	if err != nil || version <= 0 {
		return 0, controlplane.ErrValidation("If-Match must carry a job version")
	}
	return version, nil
}
