package services

import (
	"context"
	"log/slog"
	"time"
)

// RestoreState re-establishes in-memory timers after a restart: pending
// requests get their entry and search loop back with the remaining window,
// unconfirmed matches get their confirmation deadline re-armed.
func RestoreState(ctx context.Context, matching *MatchingService, confirmation *ConfirmationService) error {
	slog.Info("restoring matching state")

	pending, err := matching.store.ListPendingRequests(ctx)
	if err != nil {
		return err
	}

	resumed, expired := 0, 0
	for _, req := range pending {
		remaining := time.Until(req.CreatedAt.Add(matching.config.MatchSearchTimeout))
		if remaining <= 0 {
			if err := matching.HandleSearchTimeout(ctx, req.ID); err != nil {
				slog.Error("restore: time out request", "request_id", req.ID, "error", err)
			}
			expired++
			continue
		}

		if err := matching.queue.Enqueue(ctx, req.Difficulty, req.Topic, entryFor(req)); err != nil {
			slog.Error("restore: enqueue request", "request_id", req.ID, "error", err)
			continue
		}
		matching.startSearch(req.ID, remaining)
		resumed++
	}

	matches, err := matching.store.ListUnconfirmedMatches(ctx)
	if err != nil {
		return err
	}
	for _, m := range matches {
		confirmation.Rearm(m)
	}

	slog.Info("matching state restored",
		"resumed_requests", resumed,
		"expired_requests", expired,
		"rearmed_matches", len(matches),
	)
	return nil
}
