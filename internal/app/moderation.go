package app

import (
	"context"
	"log/slog"
	"time"

	"confessions/bot/internal/events"
	"confessions/bot/internal/rbac"
	"confessions/bot/internal/retry"
	"confessions/bot/internal/search"
	"confessions/bot/internal/store"
)

// ResolveResult is returned for every resolve call. When AlreadyResolved is
// set the confession was decided by someone else and ResolvedBy, Decision
// and ResolvedAt describe that earlier decision.
type ResolveResult struct {
	Confession      store.Confession
	AlreadyResolved bool
	Decision        events.Decision
	ResolvedBy      store.Participant
	ResolvedAt      time.Time
}

// Submit creates a pending confession for author, freezing their current
// anonymity preference onto it.
func (s *Service) Submit(ctx context.Context, authorID int64, text string) (store.Confession, error) {
	body, err := validateText("text", text, s.cfg.MaxConfessionLen)
	if err != nil {
		return store.Confession{}, err
	}
	author, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, authorID)
	})
	if err != nil {
		return store.Confession{}, storeError(err, "participant", authorID)
	}
	if err := s.authorize(author, rbac.ActionSubmit); err != nil {
		return store.Confession{}, err
	}
	if !s.limiter.Allow(author.ID) {
		return store.Confession{}, s.rateLimited()
	}

	created, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Confession, error) {
		return s.store.InsertConfession(ctx, store.Confession{
			AuthorID:    author.ID,
			Text:        body,
			IsAnonymous: author.IsAnonymous,
			Status:      store.StatusPending,
		})
	})
	if err != nil {
		return store.Confession{}, storeError(err, "confession", 0)
	}
	author.ConfessionsSubmitted++

	s.metrics.ConfessionsSubmitted.Inc()
	slog.Info("confession_submitted", "confession_id", created.ID, "author_id", author.ID, "anonymous", created.IsAnonymous)
	s.emit(ctx, events.ConfessionSubmitted{Confession: created, Author: author})
	return created, nil
}

// Resolve applies an admin decision to a pending confession. Exactly one
// concurrent caller wins; the others get AlreadyResolved.
func (s *Service) Resolve(ctx context.Context, confessionID, reviewerID int64, decision events.Decision) (ResolveResult, error) {
	if decision != events.DecisionApprove && decision != events.DecisionReject {
		return ResolveResult{}, validationError("decision must be approve or reject", map[string]any{"decision": decision})
	}
	reviewer, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, reviewerID)
	})
	if err != nil {
		return ResolveResult{}, storeError(err, "participant", reviewerID)
	}
	if err := s.authorize(reviewer, rbac.ActionModerate); err != nil {
		return ResolveResult{}, err
	}

	current, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Confession, error) {
		return s.store.GetConfession(ctx, confessionID)
	})
	if err != nil {
		return ResolveResult{}, storeError(err, "confession", confessionID)
	}
	author, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, current.AuthorID)
	})
	if err != nil {
		author = store.Participant{ID: current.AuthorID}
	}

	// The hook runs inside the store's transaction and must not call back
	// into the store.
	var orphaned []int64
	publish := func(ctx context.Context, c store.Confession) (int64, error) {
		req := PublishRequest{ConfessionID: c.ID, Text: c.Text}
		if !c.IsAnonymous {
			req.AuthorLabel = authorLabel(author.DisplayName, author.Username)
		}
		handle, err := s.publisher.Publish(ctx, req)
		if err != nil {
			return 0, err
		}
		orphaned = append(orphaned, handle)
		return handle, nil
	}

	// Postgres keeps microseconds; the stored value must compare equal to at.
	at := s.now().Truncate(time.Microsecond)
	outcome, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.ResolveOutcome, error) {
		return s.store.ResolveConfession(ctx, store.ResolveInput{
			ConfessionID: confessionID,
			ReviewerID:   reviewer.ID,
			Status:       decision.Status(),
			At:           at,
		}, publish)
	})

	// An attempt may commit and still report a transient error; the retry
	// then sees the row already resolved by this very call.
	won := err == nil && (outcome.Won || resolvedBy(outcome.Confession, reviewer.ID, at))

	// Handles published by attempts whose transaction did not commit must be
	// taken down again.
	var kept int64
	if err == nil && outcome.Confession.PublicationHandle != nil {
		kept = *outcome.Confession.PublicationHandle
	}
	for _, handle := range orphaned {
		if handle != kept {
			s.emit(ctx, events.RetractPublication{ConfessionID: confessionID, Handle: handle})
		}
	}
	if err != nil {
		slog.Warn("confession_resolve_failed", "confession_id", confessionID, "reviewer_id", reviewer.ID, "decision", decision, "error", err)
		return ResolveResult{}, storeError(err, "confession", confessionID)
	}

	c := outcome.Confession
	result := ResolveResult{
		Confession:      c,
		AlreadyResolved: !won,
		Decision:        events.DecisionFor(c.Status),
	}
	if c.ReviewedAt != nil {
		result.ResolvedAt = *c.ReviewedAt
	}
	result.ResolvedBy = reviewer
	if !won && c.ReviewerID != nil && *c.ReviewerID != reviewer.ID {
		if winner, err := s.store.GetParticipant(ctx, *c.ReviewerID); err == nil {
			result.ResolvedBy = winner
		} else {
			result.ResolvedBy = store.Participant{ID: *c.ReviewerID}
		}
	}
	if won && c.Status == store.StatusApproved {
		author.ConfessionsApproved++
	}

	outcomeLabel := "won"
	if result.AlreadyResolved {
		outcomeLabel = "collision"
	}
	s.metrics.Resolutions.WithLabelValues(string(decision), outcomeLabel).Inc()
	slog.Info("confession_resolved",
		"confession_id", c.ID,
		"reviewer_id", reviewer.ID,
		"requested", decision,
		"decision", result.Decision,
		"already_resolved", result.AlreadyResolved,
	)

	if won && c.Status == store.StatusApproved && s.search != nil {
		s.search.IndexConfession(search.ConfessionRecord{ID: c.ID, Text: c.Text, PublishedAt: result.ResolvedAt.Unix()})
	}

	s.emit(ctx, events.ConfessionResolved{
		Confession: c,
		Decision:   result.Decision,
		Fresh:      won,
		Author:     author,
		Reviewer:   result.ResolvedBy,
		Requester:  reviewer,
		ResolvedAt: result.ResolvedAt,
	})
	return result, nil
}

// resolvedBy reports whether c carries the decision recorded by reviewerID at at.
func resolvedBy(c store.Confession, reviewerID int64, at time.Time) bool {
	return c.ReviewerID != nil && *c.ReviewerID == reviewerID && c.ReviewedAt != nil && c.ReviewedAt.Equal(at)
}

// Delete removes a confession with its comments and reactions. Only admins
// may delete.
func (s *Service) Delete(ctx context.Context, confessionID, requesterID int64) (store.Confession, error) {
	requester, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, requesterID)
	})
	if err != nil {
		return store.Confession{}, storeError(err, "participant", requesterID)
	}
	if err := s.authorize(requester, rbac.ActionDelete); err != nil {
		return store.Confession{}, err
	}

	deleted, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Confession, error) {
		return s.store.DeleteConfession(ctx, confessionID)
	})
	if err != nil {
		return store.Confession{}, storeError(err, "confession", confessionID)
	}
	slog.Info("confession_deleted", "confession_id", deleted.ID, "requester_id", requester.ID, "status", deleted.Status)

	if s.search != nil && deleted.Status == store.StatusApproved {
		s.search.DeleteConfession(deleted.ID)
	}
	if deleted.PublicationHandle != nil {
		s.emit(ctx, events.RetractPublication{ConfessionID: deleted.ID, Handle: *deleted.PublicationHandle})
	}
	return deleted, nil
}

// PendingConfessions lists confessions awaiting review, oldest first.
func (s *Service) PendingConfessions(ctx context.Context, requesterID int64, limit int) ([]store.Confession, error) {
	requester, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, requesterID)
	})
	if err != nil {
		return nil, storeError(err, "participant", requesterID)
	}
	if err := s.authorize(requester, rbac.ActionViewPending); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	items, err := retry.Value(ctx, s.retry, func(ctx context.Context) ([]store.Confession, error) {
		return s.store.ListPendingConfessions(ctx, limit)
	})
	if err != nil {
		return nil, storeError(err, "confession", 0)
	}
	return items, nil
}

// Confession returns a single confession by id.
func (s *Service) Confession(ctx context.Context, id int64) (store.Confession, error) {
	c, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Confession, error) {
		return s.store.GetConfession(ctx, id)
	})
	if err != nil {
		return store.Confession{}, storeError(err, "confession", id)
	}
	return c, nil
}
