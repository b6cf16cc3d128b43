package store

import (
	"context"
	"time"
)

type ConfessionStatus string

const (
	StatusPending  ConfessionStatus = "pending"
	StatusApproved ConfessionStatus = "approved"
	StatusRejected ConfessionStatus = "rejected"
)

type Participant struct {
	ID                   int64     `json:"id"`
	ExternalID           int64     `json:"externalId"`
	DisplayName          string    `json:"displayName"`
	Username             string    `json:"username,omitempty"`
	IsAnonymous          bool      `json:"isAnonymous"`
	IsAdmin              bool      `json:"isAdmin"`
	ConfessionsSubmitted int       `json:"confessionsSubmitted"`
	ConfessionsApproved  int       `json:"confessionsApproved"`
	CommentsSubmitted    int       `json:"commentsSubmitted"`
	CreatedAt            time.Time `json:"createdAt"`
}

// ParticipantProfile is what the transport knows about a participant on each interaction.
type ParticipantProfile struct {
	ExternalID  int64
	DisplayName string
	Username    string
}

type Confession struct {
	ID                int64            `json:"id"`
	AuthorID          int64            `json:"authorId"`
	Text              string           `json:"text"`
	IsAnonymous       bool             `json:"isAnonymous"`
	Status            ConfessionStatus `json:"status"`
	PublicationHandle *int64           `json:"publicationHandle,omitempty"`
	ReviewerID        *int64           `json:"reviewerId,omitempty"`
	ReviewedAt        *time.Time       `json:"reviewedAt,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

type Comment struct {
	ID           int64     `json:"id"`
	ConfessionID int64     `json:"confessionId"`
	AuthorID     int64     `json:"authorId"`
	ParentID     *int64    `json:"parentId,omitempty"`
	Text         string    `json:"text"`
	Likes        int       `json:"likes"`
	Dislikes     int       `json:"dislikes"`
	Reports      int       `json:"reports"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (c Comment) Counts() ReactionCounts {
	return ReactionCounts{Likes: c.Likes, Dislikes: c.Dislikes, Reports: c.Reports}
}

type ReactionKind string

const (
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
	ReactionReport  ReactionKind = "report"
)

// ReactionSlot groups kinds that replace each other. A participant holds at
// most one reaction per slot on a comment.
type ReactionSlot string

const (
	SlotSentiment ReactionSlot = "sentiment"
	SlotReport    ReactionSlot = "report"
)

func (k ReactionKind) Valid() bool {
	return k == ReactionLike || k == ReactionDislike || k == ReactionReport
}

func (k ReactionKind) Slot() ReactionSlot {
	if k == ReactionReport {
		return SlotReport
	}
	return SlotSentiment
}

type ReactionCounts struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
	Reports  int `json:"reports"`
}

func (c *ReactionCounts) add(kind ReactionKind, delta int) {
	switch kind {
	case ReactionLike:
		c.Likes += delta
	case ReactionDislike:
		c.Dislikes += delta
	case ReactionReport:
		c.Reports += delta
	}
}

type ReactionChange string

const (
	ReactionAdded     ReactionChange = "added"
	ReactionSwitched  ReactionChange = "switched"
	ReactionUnchanged ReactionChange = "unchanged"
)

// ReactionOutcome reports counter values observed inside the same transaction
// that applied the change.
type ReactionOutcome struct {
	Change   ReactionChange
	Previous ReactionKind
	Before   ReactionCounts
	After    ReactionCounts
}

type ResolveInput struct {
	ConfessionID int64
	ReviewerID   int64
	Status       ConfessionStatus
	At           time.Time
}

// PublishFunc runs inside a winning resolve transaction and returns the
// publication handle to store with the approval.
type PublishFunc func(ctx context.Context, confession Confession) (int64, error)

type ResolveOutcome struct {
	Confession Confession
	Won        bool
}

type CommentPageQuery struct {
	ConfessionID int64
	// Anchor is the highest comment id visible when the first page was served.
	// Zero means no anchor yet.
	Anchor int64
	Limit  int
	Offset int
}

type CommentPageRows struct {
	Items  []Comment
	Total  int
	Anchor int64
}

type ParticipantStats struct {
	ConfessionsApproved int `json:"confessionsApproved"`
	Comments            int `json:"comments"`
	LikesReceived       int `json:"likesReceived"`
	ReactionsReceived   int `json:"reactionsReceived"`
}

type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "pending"
	FeedbackReviewed FeedbackStatus = "reviewed"
	FeedbackResolved FeedbackStatus = "resolved"
)

type Feedback struct {
	ID            int64          `json:"id"`
	ParticipantID int64          `json:"participantId"`
	Text          string         `json:"text"`
	Status        FeedbackStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type Interaction struct {
	ParticipantID int64
	Kind          string
	At            time.Time
}
