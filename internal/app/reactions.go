package app

import (
	"context"
	"log/slog"

	"confessions/bot/internal/events"
	"confessions/bot/internal/rbac"
	"confessions/bot/internal/retry"
	"confessions/bot/internal/store"
)

type ReactionResult struct {
	CommentID int64
	Kind      store.ReactionKind
	Change    store.ReactionChange
	// Previous is set when a sentiment reaction replaced the opposite one.
	Previous  store.ReactionKind
	Unchanged bool
	Counts    store.ReactionCounts
	// ThresholdCrossed is true only for the report that moved the count
	// across the escalation threshold.
	ThresholdCrossed bool
}

func (s *Service) React(ctx context.Context, commentID, participantID int64, kind store.ReactionKind) (ReactionResult, error) {
	if !kind.Valid() {
		return ReactionResult{}, validationError("unknown reaction kind", map[string]any{"kind": kind})
	}
	participant, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, participantID)
	})
	if err != nil {
		return ReactionResult{}, storeError(err, "participant", participantID)
	}
	if err := s.authorize(participant, rbac.ActionReact); err != nil {
		return ReactionResult{}, err
	}

	outcome, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.ReactionOutcome, error) {
		return s.store.ApplyReaction(ctx, commentID, participant.ID, kind)
	})
	if err != nil {
		return ReactionResult{}, storeError(err, "comment", commentID)
	}

	threshold := s.reportThreshold()
	result := ReactionResult{
		CommentID:        commentID,
		Kind:             kind,
		Change:           outcome.Change,
		Previous:         outcome.Previous,
		Unchanged:        outcome.Change == store.ReactionUnchanged,
		Counts:           outcome.After,
		ThresholdCrossed: outcome.Before.Reports < threshold && outcome.After.Reports >= threshold,
	}
	s.metrics.Reactions.WithLabelValues(string(kind), string(outcome.Change)).Inc()
	slog.Debug("reaction_applied", "comment_id", commentID, "participant_id", participant.ID, "kind", kind, "change", outcome.Change)

	if result.ThresholdCrossed {
		c, err := s.comment(ctx, commentID)
		if err != nil {
			c = store.Comment{ID: commentID}
		}
		c.Likes, c.Dislikes, c.Reports = outcome.After.Likes, outcome.After.Dislikes, outcome.After.Reports
		s.metrics.ThresholdCrossings.Inc()
		slog.Warn("report_threshold_crossed", "comment_id", commentID, "reports", outcome.After.Reports, "threshold", threshold)
		s.emit(ctx, events.ReportThresholdCrossed{Comment: c, Reports: outcome.After.Reports, Threshold: threshold})
	}
	return result, nil
}

// Counts reads the committed reaction counters of a comment.
func (s *Service) Counts(ctx context.Context, commentID int64) (store.ReactionCounts, error) {
	counts, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.ReactionCounts, error) {
		return s.store.ReactionCounts(ctx, commentID)
	})
	if err != nil {
		return store.ReactionCounts{}, storeError(err, "comment", commentID)
	}
	return counts, nil
}
