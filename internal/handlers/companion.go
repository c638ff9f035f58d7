package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"companion-backend/internal/middleware"
	"companion-backend/internal/models"
	"companion-backend/internal/services"
)

type CompanionHandler struct {
	companions *services.CompanionService
}

func NewCompanionHandler(companions *services.CompanionService) *CompanionHandler {
	return &CompanionHandler{companions: companions}
}

func (h *CompanionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.CreateCompanionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	c, err := h.companions.Create(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"companion": c,
	})
}

func (h *CompanionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	companions, err := h.companions.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if companions == nil {
		companions = []models.Companion{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"companions": companions,
	})
}

func (h *CompanionHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.companions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"companion": c,
	})
}

// Sessions lists, per module, whether the caller can continue an existing
// session or start a new one.
func (h *CompanionHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	modules, err := h.companions.ModuleSessions(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules": modules,
	})
}
