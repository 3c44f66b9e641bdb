package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/ruteri/leasestore/monitor"
	"github.com/ruteri/leasestore/storage"
)

const (
	// LockHeader names a resource to hold while a PUT or DELETE runs.
	LockHeader = "X-Leasestore-Lock"

	// maxBodySize is the maximum allowed request body size (16MB).
	maxBodySize = 16 * 1024 * 1024
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// requestError maps storage errors to HTTP statuses by kind.
func requestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	status := http.StatusInternalServerError
	switch interfaces.ErrorKind(err) {
	case "invalid_key":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "lock_acquisition", "lock_not_held":
		status = http.StatusConflict
	case "io":
		status = http.StatusBadGateway
	case "canceled":
		status = http.StatusServiceUnavailable
	}
	return &RequestError{StatusCode: status, Err: err}
}

// Handler serves the blob API and the monitor views for one backend.
type Handler struct {
	backend    interfaces.StorageBackend
	monitor    *monitor.Monitor
	thresholds monitor.Thresholds
	log        *slog.Logger
}

// NewHandler creates a handler. mon may be nil, in which case the stats and
// advice endpoints answer 404.
func NewHandler(backend interfaces.StorageBackend, mon *monitor.Monitor, thresholds monitor.Thresholds, log *slog.Logger) *Handler {
	return &Handler{
		backend:    backend,
		monitor:    mon,
		thresholds: thresholds,
		log:        log,
	}
}

// HandleGetBlob returns the bytes stored under the key in the URL path.
func (h *Handler) HandleGetBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	data, err := h.backend.Read(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleHeadBlob answers 200 if the key exists and 404 otherwise.
func (h *Handler) HandleHeadBlob(w http.ResponseWriter, r *http.Request) {
	ok, err := h.backend.Exists(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandlePutBlob stores the request body. When LockHeader is set the write
// happens while holding that resource.
func (h *Handler) HandlePutBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: err})
		return
	}

	err = h.underLock(r, func(ctx context.Context) error {
		return h.backend.Write(ctx, key, body, r.Header.Get("Content-Type"))
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteBlob removes the key. Deleting a missing key succeeds.
func (h *Handler) HandleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	err := h.underLock(r, func(ctx context.Context) error {
		return h.backend.Delete(ctx, key)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListKeys returns {"keys": [...]} for the prefix query parameter.
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.backend.ListKeys(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	h.writeJSON(w, map[string]interface{}{"keys": keys})
}

// HandleStats returns the monitor snapshot.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		http.Error(w, "Monitoring is disabled", http.StatusNotFound)
		return
	}
	h.writeJSON(w, h.monitor.Snapshot())
}

// HandleAdvice returns the operations crossing the configured thresholds.
func (h *Handler) HandleAdvice(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		http.Error(w, "Monitoring is disabled", http.StatusNotFound)
		return
	}
	advice := h.monitor.Advise(h.thresholds)
	if advice == nil {
		advice = []monitor.Advice{}
	}
	h.writeJSON(w, advice)
}

func (h *Handler) underLock(r *http.Request, fn func(ctx context.Context) error) error {
	resource := r.Header.Get(LockHeader)
	if resource == "" {
		return fn(r.Context())
	}
	return storage.WithLock(r.Context(), h.backend, resource, 0, func(ctx context.Context, _ *interfaces.Lease) error {
		return fn(ctx)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqErr := requestError(err)
	if reqErr.StatusCode >= http.StatusInternalServerError {
		h.log.Error("Request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", reqErr.StatusCode),
			"err", err)
	}
	if reqErr.StatusCode == http.StatusConflict {
		// contended: "resource busy, retry later"
		w.Header().Set("Retry-After", "1")
	}
	http.Error(w, reqErr.Error(), reqErr.StatusCode)
}
