package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"peerprep/internal/collab"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type CollabHandler struct {
	hub        *collab.Hub
	sendBuffer int
}

func NewCollabHandler(hub *collab.Hub, sendBuffer int) *CollabHandler {
	return &CollabHandler{
		hub:        hub,
		sendBuffer: sendBuffer,
	}
}

// Connect - Upgrade to a websocket and join the session
func (h *CollabHandler) Connect(e *core.RequestEvent) error {
	sessionID := e.Request.PathValue("sessionId")
	userID := requestUser(e, e.Request.URL.Query().Get("user_id"))
	if userID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("user id must not be empty"))
	}

	// the session outlives the upgrade request
	ctx := context.WithoutCancel(e.Request.Context())

	client := collab.NewClient(sessionID, userID, h.sendBuffer)
	if err := h.hub.Join(ctx, client); err != nil {
		return apiError(err)
	}

	conn, err := collab.Upgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		slog.Warn("websocket upgrade", "session_id", sessionID, "user_id", userID, "error", err)
		h.hub.Leave(ctx, client)
		return nil
	}

	client.Serve(ctx, h.hub, conn)
	return nil
}

// ListSessions - Resident sessions with their live stats
func (h *CollabHandler) ListSessions(e *core.RequestEvent) error {
	sessions := h.hub.List()

	connections := 0
	for _, s := range sessions {
		connections += s.Connections
	}
	return e.JSON(http.StatusOK, map[string]any{
		"sessions":          sessions,
		"total_sessions":    len(sessions),
		"total_connections": connections,
	})
}

// GetSession - State and stats of one session
func (h *CollabHandler) GetSession(e *core.RequestEvent) error {
	detail, err := h.hub.Detail(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, detail)
}

// CloseSession - Disconnect everyone and evict the session
func (h *CollabHandler) CloseSession(e *core.RequestEvent) error {
	if err := h.hub.ForceClose(e.Request.Context(), e.Request.PathValue("sessionId")); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Session closed successfully"})
}

// SaveSession - Persist a resident session now
func (h *CollabHandler) SaveSession(e *core.RequestEvent) error {
	state, err := h.hub.Save(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"message": "Session saved",
		"state":   state,
	})
}

// NotifyEnded - Tell the other participants that someone ended the session
func (h *CollabHandler) NotifyEnded(e *core.RequestEvent) error {
	var req struct {
		EndedBy string `json:"ended_by"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	endedBy := requestUser(e, req.EndedBy)
	if endedBy == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("ended_by must not be empty"))
	}

	notified, err := h.hub.NotifyEnded(e.Request.Context(), e.Request.PathValue("sessionId"), endedBy)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"notified": notified})
}
