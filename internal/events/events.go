// Package events defines the notifications emitted after committed state changes.
package events

import (
	"context"
	"sync"
	"time"

	"confessions/bot/internal/store"
)

type Event interface {
	Kind() string
}

// Emitter receives events once the change that produced them is committed.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Status() store.ConfessionStatus {
	if d == DecisionApprove {
		return store.StatusApproved
	}
	return store.StatusRejected
}

// DecisionFor maps a resolved status back to the decision that produced it.
func DecisionFor(status store.ConfessionStatus) Decision {
	if status == store.StatusApproved {
		return DecisionApprove
	}
	return DecisionReject
}

type ConfessionSubmitted struct {
	Confession store.Confession
	Author     store.Participant
}

func (ConfessionSubmitted) Kind() string { return "confession_submitted" }

// ConfessionResolved is emitted for every resolve call. Fresh is false when
// the caller lost the race; Requester is then the losing reviewer and
// Reviewer the one whose decision stands.
type ConfessionResolved struct {
	Confession store.Confession
	Decision   Decision
	Fresh      bool
	Author     store.Participant
	Reviewer   store.Participant
	Requester  store.Participant
	ResolvedAt time.Time
}

func (ConfessionResolved) Kind() string { return "confession_resolved" }

type ReportThresholdCrossed struct {
	Comment   store.Comment
	Reports   int
	Threshold int
}

func (ReportThresholdCrossed) Kind() string { return "report_threshold_crossed" }

type RetractPublication struct {
	ConfessionID int64
	Handle       int64
}

func (RetractPublication) Kind() string { return "retract_publication" }

type FeedbackSubmitted struct {
	Feedback store.Feedback
	Author   store.Participant
}

func (FeedbackSubmitted) Kind() string { return "feedback_submitted" }

// Recorder is an Emitter that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
