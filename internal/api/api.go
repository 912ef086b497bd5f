// Package api exposes the pipeline orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/pipeline"
	"github.com/tjfontaine/autotara/internal/server"
)

// WorkspaceHeader selects the workspace a request operates on.
const WorkspaceHeader = server.HeaderWorkspace

// Artifact metadata headers set on tabular responses.
const (
	HeaderStale       = "X-Artifact-Stale"
	HeaderFingerprint = "X-Artifact-Fingerprint"
	HeaderProducedAt  = "X-Artifact-Produced-At"
	HeaderScope       = "X-Artifact-Scope"
)

const defaultMaxUploadBytes = 16 << 20

// Handler serves the request surface.
type Handler struct {
	orch      *pipeline.Orchestrator
	logger    *slog.Logger
	maxUpload int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxUploadBytes caps model and reference uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// New returns a Handler over the orchestrator.
func New(orch *pipeline.Orchestrator, opts ...Option) *Handler {
	h := &Handler{
		orch:      orch,
		logger:    slog.Default(),
		maxUpload: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
	r.Post("/upload-model", h.handleUploadModel)
	r.Post("/run-stage/{stageId}", h.handleRunStage)
	r.Post("/modify/{stageId}", h.handleModify)
	r.Get("/assets", h.handleAssets)
	r.Get("/csv/{name}", h.handleCSV)
	r.Get("/status", h.handleStatus)
}

func workspace(r *http.Request) domain.Workspace {
	return domain.Workspace{ID: strings.TrimSpace(r.Header.Get(WorkspaceHeader))}
}

func stageParam(r *http.Request) (domain.StageID, error) {
	raw := chi.URLParam(r, "stageId")
	n, err := strconv.Atoi(raw)
	if err != nil || !domain.StageID(n).Valid() {
		return 0, domain.ErrInvalid("stageId must be 1..7, got %q", raw).WithParam("stageId")
	}
	return domain.StageID(n), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Type    domain.ErrorKind    `json:"type"`
	Message string              `json:"message"`
	Stage   *domain.StageID     `json:"stage,omitempty"`
	Param   string              `json:"param,omitempty"`
	Cause   domain.FailureCause `json:"cause,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError renders err in the canonical error envelope. Unresolved
// dependencies always carry the stage to run first, including stage 0 for
// a missing model.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := domain.AsError(err)
	server.AnnotateError(r.Context(), err)
	body := errorBody{Type: e.Kind, Message: e.Message, Param: e.Param, Cause: e.Cause}
	if e.Stage != 0 || e.Kind == domain.KindUnresolvedDependency {
		stage := e.Stage
		body.Stage = &stage
	}
	if e.Kind == domain.KindStorage {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		body.Message = "storage failure"
	}
	writeJSON(w, e.HTTPStatusCode(), errorResponse{Error: body})
}

// decodeJSON reads an optional JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &domain.Error{Kind: domain.KindValidation, Message: "request body is not valid JSON", Param: "body", Err: err}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
