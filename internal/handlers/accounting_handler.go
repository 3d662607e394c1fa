package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/harambeesacco/backend/internal/models"
	"github.com/harambeesacco/backend/internal/services"
)

type AccountingHandler struct {
	accounting *services.AccountingService
	validator  *services.ValidationHelper
}

func NewAccountingHandler(accounting *services.AccountingService) *AccountingHandler {
	return &AccountingHandler{
		accounting: accounting,
		validator:  services.NewValidationHelper(),
	}
}

func (h *AccountingHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounting.ListAccounts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *AccountingHandler) AccountBalance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	balance, err := h.accounting.GetAccountBalance(r.Context(), code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "balance": balance})
}

func (h *AccountingHandler) GetJournalEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.accounting.GetJournalEntry(r.Context(), chi.URLParam(r, "entryId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *AccountingHandler) PostManualJournal(w http.ResponseWriter, r *http.Request) {
	var req models.ManualJournalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entryID, err := h.accounting.PostManualJournalEntry(r.Context(), &req, callerID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entryId": entryID})
}
