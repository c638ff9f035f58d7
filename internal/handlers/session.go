package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"companion-backend/internal/middleware"
	"companion-backend/internal/models"
	"companion-backend/internal/services"
)

const microphoneTimeout = 30 * time.Second

type SessionHandler struct {
	registry *services.Registry
}

func NewSessionHandler(registry *services.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// live resolves the {id} URL param to a running session owned by the caller.
func (h *SessionHandler) live(w http.ResponseWriter, r *http.Request) (*services.Manager, bool) {
	userID := middleware.GetUserID(r.Context())
	m, err := h.registry.Get(userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return nil, false
	}
	return m, true
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if req.CompanionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "companion_id is required", r))
		return
	}
	if req.Mode != "" && req.Mode != "text" && req.Mode != "audio" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "mode must be text or audio", r))
		return
	}

	m, err := h.registry.Open(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session": m.View(),
	})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": m.View(),
	})
}

func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	userMsgID, replyID, err := m.Send(req.Text)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"user_message_id":  userMsgID,
		"reply_message_id": replyID,
	})
}

func (h *SessionHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	messageID := chi.URLParam(r, "messageId")
	if err := m.Regenerate(messageID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

func (h *SessionHandler) Copy(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	resp, err := m.Copy(chi.URLParam(r, "messageId"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) ReadAloud(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	if err := m.ReadAloud(chi.URLParam(r, "messageId")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, speechStatus(m))
}

func (h *SessionHandler) StopSpeech(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}
	m.StopSpeech()
	writeJSON(w, http.StatusOK, speechStatus(m))
}

func (h *SessionHandler) StartAudio(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), microphoneTimeout)
	defer cancel()
	if err := m.StartAudio(ctx); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, speechStatus(m))
}

func (h *SessionHandler) StopAudio(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}
	m.StopAudio()
	writeJSON(w, http.StatusOK, speechStatus(m))
}

func (h *SessionHandler) SwitchModule(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	moduleID, err := strconv.Atoi(chi.URLParam(r, "moduleId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid module ID", r))
		return
	}

	if err := m.SwitchModule(r.Context(), moduleID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": m.View(),
	})
}

// CompleteModule enforces the completion threshold the engine itself does
// not check.
func (h *SessionHandler) CompleteModule(w http.ResponseWriter, r *http.Request) {
	m, ok := h.live(w, r)
	if !ok {
		return
	}

	if !m.CanComplete() {
		writeJSON(w, http.StatusConflict, errorResp("NOT_ELIGIBLE",
			"Spend at least 60 seconds and send 10 messages before completing this module", r))
		return
	}

	next, err := m.CompleteModule(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_module_id": next,
		"session":           m.View(),
	})
}

func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	ev, err := h.registry.End(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func speechStatus(m *services.Manager) map[string]interface{} {
	sc := m.Speech()
	return map[string]interface{}{
		"speech_state":        sc.State().String(),
		"mode":                sc.Mode().String(),
		"speaking_message_id": sc.SpeakingMessageID(),
		"paused":              sc.Paused(),
	}
}
