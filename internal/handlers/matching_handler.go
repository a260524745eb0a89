package handlers

import (
	"errors"
	"net/http"

	"peerprep/internal/services"
	"peerprep/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type MatchingHandler struct {
	matching     *services.MatchingService
	confirmation *services.ConfirmationService
}

func NewMatchingHandler(matching *services.MatchingService, confirmation *services.ConfirmationService) *MatchingHandler {
	return &MatchingHandler{
		matching:     matching,
		confirmation: confirmation,
	}
}

// CreateRequest - Join the queue for a difficulty and topic
func (h *MatchingHandler) CreateRequest(e *core.RequestEvent) error {
	var req struct {
		UserID     string `json:"user_id"`
		Difficulty string `json:"difficulty"`
		Topic      string `json:"topic"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	userID := requestUser(e, req.UserID)
	if userID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("user id must not be empty"))
	}

	created, err := h.matching.CreateRequest(e.Request.Context(), userID, models.Difficulty(req.Difficulty), req.Topic)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusCreated, created)
}

// GetRequest - Request status with the live queue position while pending
func (h *MatchingHandler) GetRequest(e *core.RequestEvent) error {
	view, err := h.matching.GetRequest(e.Request.Context(), e.Request.PathValue("requestId"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, view)
}

// CancelRequest - Leave the queue
func (h *MatchingHandler) CancelRequest(e *core.RequestEvent) error {
	userID := requestUser(e, e.Request.URL.Query().Get("user_id"))
	if userID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("user id must not be empty"))
	}

	req, err := h.matching.CancelRequest(e.Request.Context(), e.Request.PathValue("requestId"), userID)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"message":    "Match request cancelled",
		"request_id": req.ID,
		"status":     req.Status,
	})
}

// Confirm - Accept or decline a proposed match
func (h *MatchingHandler) Confirm(e *core.RequestEvent) error {
	var req struct {
		MatchID   string `json:"match_id"`
		UserID    string `json:"user_id"`
		Confirmed *bool  `json:"confirmed"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	accept := true
	if req.Confirmed != nil {
		accept = *req.Confirmed
	}

	res, err := h.confirmation.Confirm(e.Request.Context(), req.MatchID, requestUser(e, req.UserID), accept)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, res)
}

// GetMatch - Match details for one of its participants
func (h *MatchingHandler) GetMatch(e *core.RequestEvent) error {
	userID := requestUser(e, e.Request.URL.Query().Get("user_id"))

	m, err := h.matching.GetMatch(e.Request.Context(), e.Request.PathValue("matchId"), userID)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, m)
}
