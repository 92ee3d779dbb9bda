package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/service"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

// HeaderTargetTenant lets an elevated caller address another tenant.
const HeaderTargetTenant = "X-Target-Tenant"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	records   *service.RecordService
	approvals *service.ApprovalService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(records *service.RecordService, approvals *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		records:   records,
		approvals: approvals,
		log:       log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/v1/approvals", h.ListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decision", h.DecideApproval)
	mux.HandleFunc("GET /api/v1/{kind}/{id}", h.GetRecord)
	mux.HandleFunc("PUT /api/v1/{kind}/{id}", h.UpdateRecord)
	mux.HandleFunc("DELETE /api/v1/{kind}/{id}", h.DeleteRecord)
}

// UpdateRecordRequest is the PUT body. Every field is optional.
type UpdateRecordRequest struct {
	TargetStage *string          `json:"targetStage"`
	Title       *string          `json:"title"`
	Total       *decimal.Decimal `json:"total"`
	OwnerID     *string          `json:"ownerId"`
}

// DecisionBody is the approval decision body.
type DecisionBody struct {
	Decision string  `json:"decision"`
	Comment  *string `json:"comment"`
}

type recordResponse struct {
	*repository.PipelineRecord
	Unchanged bool                       `json:"unchanged,omitempty"`
	Derived   *repository.PipelineRecord `json:"derived,omitempty"`
	Warnings  []service.CascadeWarning   `json:"warnings"`
}

type approvalOutcomeResponse struct {
	Reason            string `json:"reason"`
	Message           string `json:"message"`
	ApprovalRequestID string `json:"approvalRequestId"`
}

type decisionResponse struct {
	Request *repository.ApprovalRequest `json:"approvalRequest"`
	Record  *recordResponse             `json:"record,omitempty"`
}

// Health handles liveness probes
func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetRecord handles GET /api/v1/{kind}/{id}
func (h *HTTPHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	rec, err := h.records.Get(r.Context(), actor, kind, r.PathValue("id"), targetTenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

// UpdateRecord handles PUT /api/v1/{kind}/{id}: field edits plus an
// optional stage change. With a stage change the edits land only when the
// transition is applied.
func (h *HTTPHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	var body UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}

	req := service.UpdateRequest{
		Kind:         kind,
		RecordID:     r.PathValue("id"),
		TargetTenant: targetTenant(r),
		Patch: repository.RecordPatch{
			Title:   body.Title,
			Total:   body.Total,
			OwnerID: body.OwnerID,
		},
	}
	if body.TargetStage != nil {
		// Unknown labels are left for the executor to reject with the
		// allowed set.
		stage := stagegraph.Stage(strings.ToUpper(strings.TrimSpace(*body.TargetStage)))
		req.TargetStage = &stage
	}

	outcome, err := h.records.Update(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondOutcome(w, outcome)
}

// DeleteRecord handles DELETE /api/v1/{kind}/{id}
func (h *HTTPHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	rec, err := h.records.Delete(r.Context(), actor, kind, r.PathValue("id"), targetTenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

// DecideApproval handles POST /api/v1/approvals/{id}/decision
func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body DecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	decision, err := service.ParseDecision(body.Decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.approvals.Decide(r.Context(), actor, service.DecisionRequest{
		ApprovalRequestID: r.PathValue("id"),
		Decision:          decision,
		Comment:           body.Comment,
		TargetTenant:      targetTenant(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := decisionResponse{Request: result.Request}
	if result.Outcome != nil && result.Outcome.Record != nil {
		resp.Record = newRecordResponse(result.Outcome)
	}
	h.respond(w, http.StatusOK, resp)
}

// ListApprovals handles GET /api/v1/approvals?status=
func (h *HTTPHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	status := repository.ApprovalStatus(strings.ToUpper(r.URL.Query().Get("status")))
	list, err := h.approvals.List(r.Context(), actor, status, targetTenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*repository.ApprovalRequest{}
	}
	h.respond(w, http.StatusOK, map[string]any{"approvals": list})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) respondOutcome(w http.ResponseWriter, outcome *service.TransitionOutcome) {
	switch outcome.Kind {
	case service.OutcomeApprovalRequired:
		h.respond(w, http.StatusAccepted, approvalOutcomeResponse{
			Reason:            string(service.OutcomeApprovalRequired),
			Message:           "transition requires approval",
			ApprovalRequestID: outcome.ApprovalRequest.ID,
		})
	case service.OutcomeApprovalPending:
		h.respond(w, http.StatusForbidden, approvalOutcomeResponse{
			Reason:            string(service.OutcomeApprovalPending),
			Message:           "an approval request for this transition is pending",
			ApprovalRequestID: outcome.ApprovalRequest.ID,
		})
	default:
		h.respond(w, http.StatusOK, newRecordResponse(outcome))
	}
}

func newRecordResponse(outcome *service.TransitionOutcome) *recordResponse {
	warnings := outcome.Warnings
	if warnings == nil {
		warnings = []service.CascadeWarning{}
	}
	return &recordResponse{
		PipelineRecord: outcome.Record,
		Unchanged:      outcome.Unchanged,
		Derived:        outcome.Derived,
		Warnings:       warnings,
	}
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.fail(w, r, errors.New(errors.ErrCodeUnauthorized, "missing credentials"))
	}
	return actor, ok
}

func (h *HTTPHandler) kind(w http.ResponseWriter, r *http.Request) (stagegraph.Kind, bool) {
	kind, err := stagegraph.ParseKind(r.PathValue("kind"))
	if err != nil {
		h.fail(w, r, errors.NotFound("route", r.URL.Path))
		return "", false
	}
	return kind, true
}

func targetTenant(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderTargetTenant))
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, body := ErrorBody(err)
	status := errors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request rejected")
	}
	h.respond(w, status, body)
}

func (h *HTTPHandler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// ErrorBody renders err as {reason, message, ...details}. Details come from
// every AppError in the chain, outermost first wins.
func ErrorBody(err error) (errors.Code, map[string]any) {
	code := errors.CodeOf(err)
	body := map[string]any{
		"reason":  string(code),
		"message": err.Error(),
	}

	var chain []*errors.AppError
	for cur := err; cur != nil; {
		var appErr *errors.AppError
		if !errors.As(cur, &appErr) {
			break
		}
		chain = append(chain, appErr)
		cur = appErr.Err
	}
	if len(chain) > 0 {
		body["message"] = chain[0].Message
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Details {
			body[k] = v
		}
	}
	if code == errors.ErrCodeInternal {
		body["message"] = "internal server error"
	}
	body["reason"] = string(code)
	return code, body
}
