package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type reactionKey struct {
	commentID     int64
	participantID int64
	slot          ReactionSlot
}

// MemoryStore is a process-local store with the same transactional
// guarantees as PostgresStore; every operation runs under one mutex.
type MemoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	nextID       int64
	participants map[int64]*Participant
	byExternal   map[int64]int64
	confessions  map[int64]*Confession
	comments     map[int64]*Comment
	reactions    map[reactionKey]ReactionKind
	feedback     []Feedback
	interactions []Interaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          func() time.Time { return time.Now().UTC() },
		participants: make(map[int64]*Participant),
		byExternal:   make(map[int64]int64),
		confessions:  make(map[int64]*Confession),
		comments:     make(map[int64]*Comment),
		reactions:    make(map[reactionKey]ReactionKind),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// stamp returns a strictly increasing creation time so ordering by time and by id agree.
func (m *MemoryStore) stamp() time.Time {
	return m.now().Add(time.Duration(m.nextID) * time.Nanosecond)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) EnsureParticipant(_ context.Context, profile ParticipantProfile, isAdmin bool) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byExternal[profile.ExternalID]; ok {
		p := m.participants[id]
		p.DisplayName = profile.DisplayName
		p.Username = profile.Username
		p.IsAdmin = isAdmin
		return *p, nil
	}
	p := &Participant{
		ID:          m.id(),
		ExternalID:  profile.ExternalID,
		DisplayName: profile.DisplayName,
		Username:    profile.Username,
		IsAnonymous: true,
		IsAdmin:     isAdmin,
	}
	p.CreatedAt = m.stamp()
	m.participants[p.ID] = p
	m.byExternal[p.ExternalID] = p.ID
	return *p, nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, id int64) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *p, nil
}

func (m *MemoryStore) GetParticipantByExternalID(_ context.Context, externalID int64) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *m.participants[id], nil
}

func (m *MemoryStore) SetAnonymity(_ context.Context, participantID int64, anonymous bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return ErrNotFound
	}
	p.IsAnonymous = anonymous
	return nil
}

func (m *MemoryStore) ListAdmins(context.Context) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	admins := make([]Participant, 0)
	for _, p := range m.participants {
		if p.IsAdmin {
			admins = append(admins, *p)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].ID < admins[j].ID })
	return admins, nil
}

func (m *MemoryStore) ParticipantStats(_ context.Context, participantID int64) (ParticipantStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return ParticipantStats{}, ErrNotFound
	}
	stats := ParticipantStats{ConfessionsApproved: p.ConfessionsApproved, Comments: p.CommentsSubmitted}
	for _, c := range m.comments {
		if c.AuthorID != participantID {
			continue
		}
		stats.LikesReceived += c.Likes
		stats.ReactionsReceived += c.Likes + c.Dislikes + c.Reports
	}
	return stats, nil
}

func (m *MemoryStore) InsertConfession(_ context.Context, item Confession) (Confession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	author, ok := m.participants[item.AuthorID]
	if !ok {
		return Confession{}, ErrNotFound
	}
	c := Confession{
		ID:          m.id(),
		AuthorID:    item.AuthorID,
		Text:        item.Text,
		IsAnonymous: item.IsAnonymous,
		Status:      StatusPending,
	}
	c.CreatedAt = m.stamp()
	m.confessions[c.ID] = &c
	author.ConfessionsSubmitted++
	return c, nil
}

func (m *MemoryStore) GetConfession(_ context.Context, id int64) (Confession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confessions[id]
	if !ok {
		return Confession{}, ErrNotFound
	}
	return *c, nil
}

func (m *MemoryStore) ListPendingConfessions(_ context.Context, limit int) ([]Confession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Confession, 0)
	for _, c := range m.confessions {
		if c.Status == StatusPending {
			items = append(items, *c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) ResolveConfession(ctx context.Context, in ResolveInput, publish PublishFunc) (ResolveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.confessions[in.ConfessionID]
	if !ok {
		return ResolveOutcome{}, ErrNotFound
	}
	if c.Status != StatusPending {
		return ResolveOutcome{Confession: *c, Won: false}, nil
	}

	resolved := *c
	reviewer := in.ReviewerID
	at := in.At
	resolved.Status = in.Status
	resolved.ReviewerID = &reviewer
	resolved.ReviewedAt = &at

	if in.Status == StatusApproved && publish != nil {
		handle, err := publish(ctx, resolved)
		if err != nil {
			return ResolveOutcome{}, err
		}
		resolved.PublicationHandle = &handle
	}
	if in.Status == StatusApproved {
		if author, ok := m.participants[resolved.AuthorID]; ok {
			author.ConfessionsApproved++
		}
	}
	*c = resolved
	return ResolveOutcome{Confession: resolved, Won: true}, nil
}

func (m *MemoryStore) DeleteConfession(_ context.Context, id int64) (Confession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confessions[id]
	if !ok {
		return Confession{}, ErrNotFound
	}
	for commentID, comment := range m.comments {
		if comment.ConfessionID == id {
			delete(m.comments, commentID)
		}
	}
	for key := range m.reactions {
		if _, ok := m.comments[key.commentID]; !ok {
			delete(m.reactions, key)
		}
	}
	delete(m.confessions, id)
	return *c, nil
}

func (m *MemoryStore) InsertComment(_ context.Context, item Comment) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.confessions[item.ConfessionID]; !ok {
		return Comment{}, ErrNotFound
	}
	author, ok := m.participants[item.AuthorID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	if item.ParentID != nil {
		parent, ok := m.comments[*item.ParentID]
		if !ok {
			return Comment{}, ErrNotFound
		}
		if parent.ConfessionID != item.ConfessionID {
			return Comment{}, ErrParentMismatch
		}
	}
	c := Comment{
		ID:           m.id(),
		ConfessionID: item.ConfessionID,
		AuthorID:     item.AuthorID,
		Text:         item.Text,
	}
	if item.ParentID != nil {
		parent := *item.ParentID
		c.ParentID = &parent
	}
	c.CreatedAt = m.stamp()
	m.comments[c.ID] = &c
	author.CommentsSubmitted++
	return c, nil
}

func (m *MemoryStore) GetComment(_ context.Context, id int64) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[id]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return *c, nil
}

func (m *MemoryStore) ListTopLevelComments(_ context.Context, q CommentPageQuery) (CommentPageRows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var top []Comment
	var maxID int64
	for _, c := range m.comments {
		if c.ConfessionID != q.ConfessionID || c.ParentID != nil {
			continue
		}
		top = append(top, *c)
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	anchor := q.Anchor
	if anchor <= 0 {
		anchor = maxID
	}

	visible := make([]Comment, 0, len(top))
	for _, c := range top {
		if c.ID <= anchor {
			visible = append(visible, c)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].CreatedAt.After(visible[j].CreatedAt)
		}
		return visible[i].ID > visible[j].ID
	})

	rows := CommentPageRows{Total: len(visible), Anchor: anchor, Items: []Comment{}}
	if q.Offset < len(visible) {
		end := q.Offset + q.Limit
		if end > len(visible) {
			end = len(visible)
		}
		rows.Items = append(rows.Items, visible[q.Offset:end]...)
	}
	return rows, nil
}

func (m *MemoryStore) ListReplies(_ context.Context, parentID int64) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	replies := make([]Comment, 0)
	for _, c := range m.comments {
		if c.ParentID != nil && *c.ParentID == parentID {
			replies = append(replies, *c)
		}
	}
	sort.Slice(replies, func(i, j int) bool { return replies[i].ID < replies[j].ID })
	return replies, nil
}

func (m *MemoryStore) ApplyReaction(_ context.Context, commentID, participantID int64, kind ReactionKind) (ReactionOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.comments[commentID]
	if !ok {
		return ReactionOutcome{}, ErrNotFound
	}
	if _, ok := m.participants[participantID]; !ok {
		return ReactionOutcome{}, ErrNotFound
	}

	key := reactionKey{commentID: commentID, participantID: participantID, slot: kind.Slot()}
	outcome := ReactionOutcome{Before: c.Counts(), After: c.Counts()}
	existing, has := m.reactions[key]
	switch {
	case has && existing == kind:
		outcome.Change = ReactionUnchanged
		return outcome, nil
	case has:
		outcome.Change = ReactionSwitched
		outcome.Previous = existing
		outcome.After.add(existing, -1)
		outcome.After.add(kind, 1)
	default:
		outcome.Change = ReactionAdded
		outcome.After.add(kind, 1)
	}
	m.reactions[key] = kind
	c.Likes, c.Dislikes, c.Reports = outcome.After.Likes, outcome.After.Dislikes, outcome.After.Reports
	return outcome, nil
}

func (m *MemoryStore) ReactionCounts(_ context.Context, commentID int64) (ReactionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok {
		return ReactionCounts{}, ErrNotFound
	}
	return c.Counts(), nil
}

func (m *MemoryStore) InsertFeedback(_ context.Context, item Feedback) (Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[item.ParticipantID]; !ok {
		return Feedback{}, ErrNotFound
	}
	item.ID = m.id()
	item.Status = FeedbackPending
	item.CreatedAt = m.stamp()
	m.feedback = append(m.feedback, item)
	return item, nil
}

func (m *MemoryStore) RecordInteraction(_ context.Context, item Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.At.IsZero() {
		item.At = m.now()
	}
	m.interactions = append(m.interactions, item)
	return nil
}

func (m *MemoryStore) CountActiveParticipants(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]struct{})
	for _, item := range m.interactions {
		if !item.At.Before(since) {
			seen[item.ParticipantID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *MemoryStore) DeleteInteractionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.interactions[:0]
	var removed int64
	for _, item := range m.interactions {
		if item.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	m.interactions = kept
	return removed, nil
}
