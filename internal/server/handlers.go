package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/runs"
)

// StoreHealth is the slice of the storage layer the health check needs.
type StoreHealth interface {
	Backend() string
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runs                *runs.Service
	store               StoreHealth
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Runs                *runs.Service
	Store               StoreHealth
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		runs:                d.Runs,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: store ping failed", "error", err)
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		PID:        os.Getpid(),
		Store:      h.store.Backend(),
		ActiveRuns: len(h.runs.Active()),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleValidateFlow handles POST /v1/flows/validate. An invalid flow is
// still a 200: the body says what is wrong with it.
func (h *Handlers) HandleValidateFlow(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateFlowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	doc, err := runs.FlowDocument(req.Flow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.runs.Validate(doc))
}

// HandleListLeases handles GET /v1/leases.
func (h *Handlers) HandleListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := h.runs.Leases(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list leases", err)
		return
	}
	if leases == nil {
		leases = []model.Lease{}
	}
	writeJSON(w, r, http.StatusOK, leases)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.runs.Agents())
}

// writeInternalError logs err and answers 500 without leaking it.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
