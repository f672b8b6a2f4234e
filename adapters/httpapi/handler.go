// Package httpapi exposes an es.Store over HTTP with JSON bodies.
//
//	POST /streams/{id}/events       append a batch
//	GET  /streams/{id}/events       read a stream (?from=N&to=N&limit=M)
//	GET  /streams/{id}/version      current stream version
//	GET  /commits/{id}              one commit with its events
//	GET  /commits/undispatched      undispatched commits (?limit=M)
//	POST /commits/{id}/dispatched   mark a commit dispatched
//	GET  /healthz                   liveness
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/codewandler/evstore/core/es"
)

const maxBodyBytes = 4 << 20

type Config struct {
	Log *slog.Logger
	// RequestTimeout bounds every store call; 0 disables it.
	RequestTimeout time.Duration
}

type handler struct {
	store   *es.Store
	log     *slog.Logger
	timeout time.Duration
}

// NewHandler returns the HTTP handler for store.
func NewHandler(store *es.Store, cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handler{
		store:   store,
		log:     log.With(slog.String("component", "httpapi")),
		timeout: cfg.RequestTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /streams/{id}/events", h.handleAppend)
	mux.HandleFunc("GET /streams/{id}/events", h.handleRead)
	mux.HandleFunc("GET /streams/{id}/version", h.handleVersion)
	mux.HandleFunc("GET /commits/{id}", h.handleCommit)
	mux.HandleFunc("GET /commits/undispatched", h.handleUndispatched)
	mux.HandleFunc("POST /commits/{id}/dispatched", h.handleMarkDispatched)
	mux.HandleFunc("GET /healthz", handleHealth)

	return logRequests(h.log, mux)
}

func (h *handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	var req AppendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid JSON: %w", es.ErrInvalidArgument, err))
		return
	}
	if req.ExpectedVersion == nil {
		h.writeError(w, fmt.Errorf("%w: expected_version is required", es.ErrInvalidArgument))
		return
	}

	events := make([]es.Event, 0, len(req.Events))
	for i, er := range req.Events {
		e, err := er.toEvent()
		if err != nil {
			h.writeError(w, fmt.Errorf("event %d: %w", i, err))
			return
		}
		events = append(events, e)
	}

	ctx, cancel := h.context(r)
	defer cancel()

	res, err := h.store.Append(ctx, streamID, *req.ExpectedVersion, events)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, AppendResponse{
		StreamID: res.StreamID,
		Version:  res.Version,
		CommitID: res.CommitID,
		Events:   newEvents(res.Events),
	})
}

func (h *handler) handleRead(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	var opts []es.ReadOption
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		from, err := es.ParseVersion(s)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: from: %w", es.ErrInvalidArgument, err))
			return
		}
		opts = append(opts, es.WithFromVersion(from))
	}
	if s := q.Get("to"); s != "" {
		to, err := es.ParseVersion(s)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: to: %w", es.ErrInvalidArgument, err))
			return
		}
		opts = append(opts, es.WithToVersion(to))
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	opts = append(opts, es.WithLimit(limit))

	ctx, cancel := h.context(r)
	defer cancel()

	events, err := h.store.Read(ctx, streamID, opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ReadResponse{
		StreamID: streamID,
		Events:   newEvents(events),
	})
}

func (h *handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	ctx, cancel := h.context(r)
	defer cancel()

	v, err := h.store.CurrentVersion(ctx, streamID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{StreamID: streamID, Version: v})
}

func (h *handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	c, err := h.store.ReadCommit(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCommit(*c))
}

func (h *handler) handleUndispatched(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	commits, err := h.store.UndispatchedCommits(ctx, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := CommitsResponse{Commits: make([]Commit, len(commits))}
	for i, c := range commits {
		resp.Commits[i] = newCommit(c)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleMarkDispatched(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.store.MarkDispatched(ctx, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: limit: %w", es.ErrInvalidArgument, err)
	}
	if limit < 0 {
		return 0, fmt.Errorf("%w: negative limit %d", es.ErrInvalidArgument, limit)
	}
	return limit, nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusCode maps a store error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, es.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, es.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, es.ErrCommitNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, es.ErrIndeterminate), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, es.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	resp := ErrorResponse{Error: err.Error()}
	if conflict, ok := es.IsConflict(err); ok {
		resp.Expected = &conflict.Expected
		resp.Actual = &conflict.Actual
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
