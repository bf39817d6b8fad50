package repository

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
)

const apiPrefix = "/api/v1"

type putBatchRequest struct {
	Objects []PutRequest `json:"objects"`
}

type putBatchResponse struct {
	Versions []uint64 `json:"versions"`
}

type listResponse struct {
	Paths []string `json:"paths"`
}

type versionsResponse struct {
	Versions []VersionInfo `json:"versions"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	errKindValidation  = "validation"
	errKindNotFound    = "not_found"
	errKindUnavailable = "unavailable"
	errKindInternal    = "internal"
)

type handler struct {
	log *slog.Logger
	db  Database
}

// NewHandler exposes db as the remote repository HTTP API.
func NewHandler(log *slog.Logger, db Database) http.Handler {
	h := &handler{log: log, db: db}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(apiPrefix, func(r chi.Router) {
		r.Post("/objects", h.handlePut)
		r.Get("/objects", h.handleGet)
		r.Delete("/objects", h.handleDelete)
		r.Get("/objects/latest", h.handleGetLatest)
		r.Get("/paths", h.handleList)
		r.Get("/versions", h.handleVersions)
		r.Get("/ping", h.handlePing)
	})

	return r
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &model.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	versions, err := h.db.PutBatch(r.Context(), req.Objects)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, putBatchResponse{Versions: versions})
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	at, err := strconv.ParseInt(r.URL.Query().Get("at"), 10, 64)
	if err != nil {
		h.writeError(w, &model.ValidationError{Path: path, Field: "at", Reason: "not an integer"})
		return
	}

	entry, err := h.db.Get(r.Context(), path, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	entry, err := h.db.GetLatest(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	seq, err := h.db.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	paths := Collect(seq)
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, listResponse{Paths: paths})
}

func (h *handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.db.Versions(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if versions == nil {
		versions = []VersionInfo{}
	}
	writeJSON(w, http.StatusOK, versionsResponse{Versions: versions})
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	olderThan, err := strconv.ParseInt(r.URL.Query().Get("older_than"), 10, 64)
	if err != nil {
		h.writeError(w, &model.ValidationError{Path: path, Field: "older_than", Reason: "not an integer"})
		return
	}

	deleted, err := h.db.Delete(r.Context(), path, olderThan)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

func (h *handler) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var ve *model.ValidationError
	var ue *model.StoreUnavailableError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Kind = errKindValidation
		resp.Path, resp.Field, resp.Reason = ve.Path, ve.Field, ve.Reason
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
		resp.Kind = errKindNotFound
	case errors.As(err, &ue):
		status = http.StatusServiceUnavailable
		resp.Kind = errKindUnavailable
		resp.Path = ue.Path
	default:
		resp.Kind = errKindInternal
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("repository request failed", sl.Err(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
