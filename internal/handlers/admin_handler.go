package handlers

import (
	"errors"
	"net/http"

	"peerprep/internal/services"
	"peerprep/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type AdminHandler struct {
	queue    *services.MatchingQueue
	matching *services.MatchingService
}

func NewAdminHandler(matching *services.MatchingService) *AdminHandler {
	return &AdminHandler{
		queue:    matching.Queue(),
		matching: matching,
	}
}

// GetQueueDashboard - Size and oldest wait of every bucket
func (h *AdminHandler) GetQueueDashboard(e *core.RequestEvent) error {
	stats, err := h.queue.Stats(e.Request.Context())
	if err != nil {
		return apiError(err)
	}

	var waiting int64
	for _, s := range stats {
		waiting += s.Size
	}
	return e.JSON(http.StatusOK, map[string]any{
		"buckets":         stats,
		"total_in_queue":  waiting,
		"active_searches": h.matching.ActiveSearches(),
	})
}

// GetQueueDetails - Entries of one bucket in pairing order
func (h *AdminHandler) GetQueueDetails(e *core.RequestEvent) error {
	difficulty := models.Difficulty(e.Request.URL.Query().Get("difficulty"))
	topic := e.Request.URL.Query().Get("topic")
	if !difficulty.Valid() || topic == "" {
		return apis.NewBadRequestError("Difficulty and topic required", errors.New("difficulty must be Easy, Medium or Hard and topic must not be empty"))
	}

	entries, err := h.queue.Entries(e.Request.Context(), difficulty, topic)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, entries)
}
