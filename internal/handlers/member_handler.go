package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/services"
)

type MemberHandler struct {
	members   *services.MemberService
	validator *services.ValidationHelper
}

func NewMemberHandler(members *services.MemberService) *MemberHandler {
	return &MemberHandler{
		members:   members,
		validator: services.NewValidationHelper(),
	}
}

type moneyRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	Reference string          `json:"reference" validate:"required,max=64"`
}

func (h *MemberHandler) decodeMoney(w http.ResponseWriter, r *http.Request) (*moneyRequest, bool) {
	var req moneyRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return nil, false
	}
	return &req, true
}

func (h *MemberHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMoney(w, r)
	if !ok {
		return
	}
	err := h.members.Deposit(r.Context(), chi.URLParam(r, "memberId"), req.Reference, callerID(r), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *MemberHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMoney(w, r)
	if !ok {
		return
	}
	err := h.members.Withdraw(r.Context(), chi.URLParam(r, "memberId"), req.Reference, callerID(r), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *MemberHandler) PurchaseShareCapital(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMoney(w, r)
	if !ok {
		return
	}
	err := h.members.PurchaseShareCapital(r.Context(), chi.URLParam(r, "memberId"), req.Reference, callerID(r), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *MemberHandler) Savings(w http.ResponseWriter, r *http.Request) {
	account, err := h.members.GetSavings(r.Context(), chi.URLParam(r, "memberId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}
