package server

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/runs"
)

// HandleSubmitRun handles POST /v1/runs. The run continues after the
// response; poll GET /v1/runs/{trace_id} for the result.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	doc, err := runs.FlowDocument(req.Flow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.runs.Submit(r.Context(), doc, req.Input)
	if err != nil {
		var verrs flow.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidFlow, "flow is invalid", verrs.Messages())
		case errors.Is(err, runs.ErrInvalidFlow):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidFlow, err.Error())
		case errors.Is(err, runs.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		default:
			h.writeInternalError(w, r, "failed to start run", err)
		}
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("michi.trace_id", resp.TraceID),
		attribute.String("michi.flow_id", resp.FlowID),
	)
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleListRuns handles GET /v1/runs: the runs currently executing.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	active := h.runs.Active()
	if active == nil {
		active = []model.ExecutionRun{}
	}
	writeJSON(w, r, http.StatusOK, active)
}

// HandleGetRun handles GET /v1/runs/{trace_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.runs.Get(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeRunError(w, r, "failed to load run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleRunActivity handles GET /v1/runs/{trace_id}/activity.
func (h *Handlers) HandleRunActivity(w http.ResponseWriter, r *http.Request) {
	recs, err := h.runs.Activity(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeRunError(w, r, "failed to query activity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, recs)
}

// HandleRunDigest handles GET /v1/runs/{trace_id}/digest.
func (h *Handlers) HandleRunDigest(w http.ResponseWriter, r *http.Request) {
	d, err := h.runs.Digest(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeRunError(w, r, "failed to digest activity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleCancelRun handles POST /v1/runs/{trace_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if err := h.runs.Cancel(traceID); err != nil {
		h.writeRunError(w, r, "failed to cancel run", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.CancelRunResponse{TraceID: traceID, Cancelled: true})
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, runs.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	h.writeInternalError(w, r, msg, err)
}
