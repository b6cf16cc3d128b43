package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"confessions/bot/internal/events"
	"confessions/bot/internal/retry"
	"confessions/bot/internal/store"
)

// Stats is the participant-facing summary shown by /stats.
type Stats struct {
	store.ParticipantStats
	Impact     int     `json:"impact"`
	Acceptance float64 `json:"acceptance"`
}

// RegisterParticipant upserts the participant behind a transport identity.
// Admin status follows the configured admin list on every call.
func (s *Service) RegisterParticipant(ctx context.Context, profile store.ParticipantProfile) (store.Participant, error) {
	if profile.ExternalID == 0 {
		return store.Participant{}, validationError("external id is required", nil)
	}
	p, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.EnsureParticipant(ctx, profile, s.cfg.IsAdmin(profile.ExternalID))
	})
	if err != nil {
		return store.Participant{}, storeError(err, "participant", profile.ExternalID)
	}
	return p, nil
}

func (s *Service) Participant(ctx context.Context, id int64) (store.Participant, error) {
	p, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, id)
	})
	if err != nil {
		return store.Participant{}, storeError(err, "participant", id)
	}
	return p, nil
}

func (s *Service) SetAnonymity(ctx context.Context, participantID int64, anonymous bool) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.store.SetAnonymity(ctx, participantID, anonymous)
	})
	if err != nil {
		return storeError(err, "participant", participantID)
	}
	slog.Info("anonymity_updated", "participant_id", participantID, "anonymous", anonymous)
	return nil
}

func (s *Service) Stats(ctx context.Context, participantID int64) (Stats, error) {
	raw, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.ParticipantStats, error) {
		return s.store.ParticipantStats(ctx, participantID)
	})
	if err != nil {
		return Stats{}, storeError(err, "participant", participantID)
	}
	return deriveStats(raw), nil
}

func deriveStats(raw store.ParticipantStats) Stats {
	out := Stats{
		ParticipantStats: raw,
		Impact:           raw.ConfessionsApproved + raw.Comments + raw.LikesReceived,
	}
	if raw.ReactionsReceived > 0 {
		pct := float64(raw.LikesReceived) / float64(raw.ReactionsReceived) * 100
		out.Acceptance = math.Round(pct*100) / 100
	}
	return out
}

// AdminRecipients returns the external ids of every current administrator:
// participants flagged in the store plus configured ids that never talked
// to the bot.
func (s *Service) AdminRecipients(ctx context.Context) ([]int64, error) {
	admins, err := retry.Value(ctx, s.retry, func(ctx context.Context) ([]store.Participant, error) {
		return s.store.ListAdmins(ctx)
	})
	if err != nil {
		return nil, storeError(err, "participant", 0)
	}
	seen := make(map[int64]struct{}, len(admins)+len(s.cfg.AdminIDs))
	out := make([]int64, 0, len(admins)+len(s.cfg.AdminIDs))
	for _, a := range admins {
		if _, ok := seen[a.ExternalID]; ok {
			continue
		}
		seen[a.ExternalID] = struct{}{}
		out = append(out, a.ExternalID)
	}
	for _, id := range s.cfg.AdminIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (s *Service) SubmitFeedback(ctx context.Context, participantID int64, text string) (store.Feedback, error) {
	body, err := validateText("text", text, s.cfg.MaxFeedbackLen)
	if err != nil {
		return store.Feedback{}, err
	}
	author, err := s.Participant(ctx, participantID)
	if err != nil {
		return store.Feedback{}, err
	}
	fb, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Feedback, error) {
		return s.store.InsertFeedback(ctx, store.Feedback{ParticipantID: author.ID, Text: body})
	})
	if err != nil {
		return store.Feedback{}, storeError(err, "participant", participantID)
	}
	slog.Info("feedback_submitted", "feedback_id", fb.ID, "participant_id", author.ID)
	s.emit(ctx, events.FeedbackSubmitted{Feedback: fb, Author: author})
	return fb, nil
}

// Bootstrap aligns stored admin flags with the configured admin list.
// Participants who have never talked to the bot are flagged on first contact.
func (s *Service) Bootstrap(ctx context.Context) error {
	admins, err := s.store.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	for _, p := range admins {
		if s.cfg.IsAdmin(p.ExternalID) {
			continue
		}
		if _, err := s.store.EnsureParticipant(ctx, profileOf(p), false); err != nil {
			return fmt.Errorf("demote participant %d: %w", p.ID, err)
		}
		slog.Info("admin_demoted", "participant_id", p.ID, "external_id", p.ExternalID)
	}
	for _, externalID := range s.cfg.AdminIDs {
		p, err := s.store.GetParticipantByExternalID(ctx, externalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load admin %d: %w", externalID, err)
		}
		if p.IsAdmin {
			continue
		}
		if _, err := s.store.EnsureParticipant(ctx, profileOf(p), true); err != nil {
			return fmt.Errorf("promote participant %d: %w", p.ID, err)
		}
		slog.Info("admin_promoted", "participant_id", p.ID, "external_id", externalID)
	}
	return nil
}

func profileOf(p store.Participant) store.ParticipantProfile {
	return store.ParticipantProfile{ExternalID: p.ExternalID, DisplayName: p.DisplayName, Username: p.Username}
}
