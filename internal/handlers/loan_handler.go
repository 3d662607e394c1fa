package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
	"github.com/harambeesacco/backend/internal/services"
)

// LoanHandler exposes the loan lifecycle over HTTP. It is a thin shell: all
// rules live in the services, the handler's job is decoding, validation and
// status mapping.
type LoanHandler struct {
	workflow   *services.LoanWorkflowService
	repayments *services.RepaymentService
	limits     *services.LoanLimitService
	validator  *services.ValidationHelper
}

func NewLoanHandler(workflow *services.LoanWorkflowService, repayments *services.RepaymentService, limits *services.LoanLimitService) *LoanHandler {
	return &LoanHandler{
		workflow:   workflow,
		repayments: repayments,
		limits:     limits,
		validator:  services.NewValidationHelper(),
	}
}

func (h *LoanHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req services.LoanApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	loan, err := h.workflow.InitiateApplication(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *LoanHandler) Get(w http.ResponseWriter, r *http.Request) {
	loan, err := h.workflow.GetLoan(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *LoanHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.LoanActive
	}
	loans, err := h.workflow.ListByStatus(r.Context(), status, 50)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans})
}

func (h *LoanHandler) AddGuarantor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID string          `json:"memberId" validate:"required"`
		Amount   decimal.Decimal `json:"amount" validate:"required"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	g, err := h.workflow.AddGuarantor(r.Context(), chi.URLParam(r, "loanId"), req.MemberID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *LoanHandler) RespondToGuarantorship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.workflow.RespondToGuarantorship(r.Context(), chi.URLParam(r, "guarantorId"), req.Accept)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) PayFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference" validate:"required,max=64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.PayApplicationFee(r.Context(), chi.URLParam(r, "loanId"), req.Reference, callerID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) StartReview(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.StartReview(r.Context(), chi.URLParam(r, "loanId"), callerID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) ApproveReview(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.ApproveReview(r.Context(), chi.URLParam(r, "loanId"), callerID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) RejectReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required,max=500"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.RejectReview(r.Context(), chi.URLParam(r, "loanId"), callerID(r), req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) Table(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MeetingDate time.Time `json:"meetingDate" validate:"required"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.workflow.TableLoan(r.Context(), chi.URLParam(r, "loanId"), req.MeetingDate); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) OpenVoting(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.OpenVoting(r.Context(), chi.URLParam(r, "loanId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision" validate:"required,oneof=YES NO"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.CastVote(r.Context(), chi.URLParam(r, "loanId"), callerID(r), req.Decision); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) CloseVoting(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.CloseVoting(r.Context(), chi.URLParam(r, "loanId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) FinalizeVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Override string `json:"override" validate:"omitempty,oneof=APPROVE REJECT"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.FinalizeVote(r.Context(), chi.URLParam(r, "loanId"), callerID(r), req.Override); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) Ratify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve  bool   `json:"approve"`
		Comments string `json:"comments" validate:"max=500"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.Ratify(r.Context(), chi.URLParam(r, "loanId"), callerID(r), req.Approve, req.Comments); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method    string `json:"method" validate:"required,oneof=CASH MPESA BANK CHEQUE"`
		Reference string `json:"reference" validate:"required,max=64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	loan, err := h.workflow.Disburse(r.Context(), chi.URLParam(r, "loanId"), req.Method, req.Reference, callerID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *LoanHandler) Repay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    decimal.Decimal `json:"amount" validate:"required"`
		Reference string          `json:"reference" validate:"required,max=64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.repayments.Repay(r.Context(), chi.URLParam(r, "loanId"), req.Reference, callerID(r), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *LoanHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.repayments.Schedule(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": schedule})
}

func (h *LoanHandler) WriteOff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required,max=500"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.WriteOff(r.Context(), chi.URLParam(r, "loanId"), callerID(r), req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) MarkDefaulted(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.MarkDefaulted(r.Context(), chi.URLParam(r, "loanId"), callerID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) Restructure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationWeeks int `json:"durationWeeks" validate:"required,gt=0,lte=520"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.workflow.Restructure(r.Context(), chi.URLParam(r, "loanId"), req.DurationWeeks); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.DeleteDraft(r.Context(), chi.URLParam(r, "loanId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *LoanHandler) LoanLimit(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberId")
	limit, err := h.limits.AvailableLimit(r.Context(), memberID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberId": memberID, "availableLimit": limit})
}
