// Package session tracks short-lived, per-participant conversation state for
// multi-step input flows.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNoSession = errors.New("no active session")
	ErrExpired   = errors.New("session expired")
)

type Mode string

const (
	ModeConfession Mode = "confession"
	ModeComment    Mode = "comment"
	ModeFeedback   Mode = "feedback"
)

// Payload carries the targets of a pending input. ParentID is zero for top-level comments.
type Payload struct {
	ConfessionID int64 `json:"confession_id,omitempty"`
	ParentID     int64 `json:"parent_id,omitempty"`
}

type Session struct {
	ParticipantID int64     `json:"participant_id"`
	Mode          Mode      `json:"mode"`
	Payload       Payload   `json:"payload"`
	LastActivity  time.Time `json:"last_activity"`
}

// Store persists sessions. Take must read and remove atomically.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, participantID int64) (Session, bool, error)
	Take(ctx context.Context, participantID int64) (Session, bool, error)
	Refresh(ctx context.Context, participantID int64, at time.Time) (bool, error)
	Delete(ctx context.Context, participantID int64) (bool, error)
	Sweep(ctx context.Context, inactiveSince time.Time) (int, error)
}

type Tracker struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

func NewTracker(store Store, timeout time.Duration) *Tracker {
	return &Tracker{store: store, timeout: timeout, now: time.Now}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

func (t *Tracker) expired(s Session, now time.Time) bool {
	return now.Sub(s.LastActivity) > t.timeout
}

// Begin starts a session, replacing any existing one.
func (t *Tracker) Begin(ctx context.Context, participantID int64, mode Mode, payload Payload) error {
	err := t.store.Put(ctx, Session{
		ParticipantID: participantID,
		Mode:          mode,
		Payload:       payload,
		LastActivity:  t.now(),
	})
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// Touch refreshes the activity timestamp of an existing session.
func (t *Tracker) Touch(ctx context.Context, participantID int64) error {
	if _, err := t.store.Refresh(ctx, participantID, t.now()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Peek returns the active session without consuming it. Expired sessions are
// reported as ErrExpired and left for Consume or the sweeper to discard.
func (t *Tracker) Peek(ctx context.Context, participantID int64) (Session, error) {
	s, ok, err := t.store.Get(ctx, participantID)
	if err != nil {
		return Session{}, fmt.Errorf("peek session: %w", err)
	}
	if !ok {
		return Session{}, ErrNoSession
	}
	if t.expired(s, t.now()) {
		return s, ErrExpired
	}
	return s, nil
}

// Consume removes the session and returns it if it is still within the
// inactivity window. An expired session is discarded and ErrExpired returned.
func (t *Tracker) Consume(ctx context.Context, participantID int64) (Session, error) {
	s, ok, err := t.store.Take(ctx, participantID)
	if err != nil {
		return Session{}, fmt.Errorf("consume session: %w", err)
	}
	if !ok {
		return Session{}, ErrNoSession
	}
	if t.expired(s, t.now()) {
		return s, ErrExpired
	}
	return s, nil
}

// Cancel clears the session immediately and reports whether one existed.
func (t *Tracker) Cancel(ctx context.Context, participantID int64) (bool, error) {
	existed, err := t.store.Delete(ctx, participantID)
	if err != nil {
		return false, fmt.Errorf("cancel session: %w", err)
	}
	return existed, nil
}

// Sweep removes sessions that are past the inactivity window.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	return t.store.Sweep(ctx, t.now().Add(-t.timeout))
}

// Run sweeps on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := t.Sweep(ctx)
			if err != nil {
				slog.Warn("session_sweep_failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("session_sweep", "removed", removed)
			}
		}
	}
}
