// Package analytics records participant interactions and reports active-user counts.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"confessions/bot/internal/retry"
	"confessions/bot/internal/store"
)

const (
	keyMonthlyActive      = "analytics:mau"
	keyMonthlyActiveStale = "analytics:mau:last"
	activeWindow          = 30 * 24 * time.Hour
	cacheTTL              = time.Hour
	maxTrackDelay         = 50 * time.Millisecond
)

type interactionStore interface {
	RecordInteraction(ctx context.Context, item store.Interaction) error
	CountActiveParticipants(ctx context.Context, since time.Time) (int, error)
}

type Tracker struct {
	store interactionStore
	cache *redis.Client
	retry retry.Policy
	now   func() time.Time
}

// BestEffort caps a policy's delays for writes that must not hold up a
// participant's command.
func BestEffort(p retry.Policy) retry.Policy {
	if p.MaxAttempts > 2 {
		p.MaxAttempts = 2
	}
	if p.InitialDelay > maxTrackDelay {
		p.InitialDelay = maxTrackDelay
	}
	return p
}

// New builds a tracker. cache may be nil, in which case every count hits the store.
func New(s interactionStore, cache *redis.Client, policy retry.Policy) *Tracker {
	return &Tracker{store: s, cache: cache, retry: policy, now: func() time.Time { return time.Now().UTC() }}
}

// Track records an interaction. Failures are logged and swallowed.
func (t *Tracker) Track(ctx context.Context, participantID int64, kind string) {
	item := store.Interaction{ParticipantID: participantID, Kind: kind, At: t.now()}
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		return t.store.RecordInteraction(ctx, item)
	})
	if err != nil {
		slog.Warn("interaction_track_failed", "participant_id", participantID, "kind", kind, "error", err)
	}
}

// MonthlyActiveUsers counts distinct participants seen in the last 30 days.
// The value is cached for an hour; on a store failure the last known value is
// served, and 0 when there is none.
func (t *Tracker) MonthlyActiveUsers(ctx context.Context) int {
	if count, ok := t.cached(ctx, keyMonthlyActive); ok {
		return count
	}

	since := t.now().Add(-activeWindow)
	count, err := retry.Value(ctx, t.retry, func(ctx context.Context) (int, error) {
		return t.store.CountActiveParticipants(ctx, since)
	})
	if err != nil {
		slog.Error("mau_count_failed", "error", err)
		if stale, ok := t.cached(ctx, keyMonthlyActiveStale); ok {
			return stale
		}
		return 0
	}

	if t.cache != nil {
		if err := t.cache.Set(ctx, keyMonthlyActive, count, cacheTTL).Err(); err != nil {
			slog.Warn("mau_cache_set_failed", "error", err)
		}
		if err := t.cache.Set(ctx, keyMonthlyActiveStale, count, 0).Err(); err != nil {
			slog.Warn("mau_cache_set_failed", "error", err)
		}
	}
	return count
}

// ClearCache forces the next MonthlyActiveUsers call to recount.
func (t *Tracker) ClearCache(ctx context.Context) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Del(ctx, keyMonthlyActive).Err(); err != nil {
		slog.Warn("mau_cache_clear_failed", "error", err)
	}
}

func (t *Tracker) cached(ctx context.Context, key string) (int, bool) {
	if t.cache == nil {
		return 0, false
	}
	raw, err := t.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		slog.Warn("mau_cache_get_failed", "key", key, "error", err)
		return 0, false
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return count, true
}

// FormatCount abbreviates a count for display: 999, 1.2K, 5.3M.
func FormatCount(count int) string {
	switch {
	case count < 1000:
		return strconv.Itoa(count)
	case count < 1000000:
		return fmt.Sprintf("%.1fK", float64(count)/1000)
	default:
		return fmt.Sprintf("%.1fM", float64(count)/1000000)
	}
}
