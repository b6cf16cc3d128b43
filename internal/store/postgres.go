package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrParentMismatch = errors.New("parent comment belongs to another confession")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const participantColumns = `id, external_id, display_name, username, is_anonymous, is_admin,
	confessions_submitted, confessions_approved, comments_submitted, created_at`

func scanParticipant(row rowScanner) (Participant, error) {
	var p Participant
	err := row.Scan(&p.ID, &p.ExternalID, &p.DisplayName, &p.Username, &p.IsAnonymous, &p.IsAdmin,
		&p.ConfessionsSubmitted, &p.ConfessionsApproved, &p.CommentsSubmitted, &p.CreatedAt)
	return p, err
}

// EnsureParticipant upserts by external identity. The admin flag always
// follows the caller so that changes to the admin list take effect.
func (s *PostgresStore) EnsureParticipant(ctx context.Context, profile ParticipantProfile, isAdmin bool) (Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO participants (external_id, display_name, username, is_admin)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, username=EXCLUDED.username,
			is_admin=EXCLUDED.is_admin, updated_at=NOW()
		RETURNING `+participantColumns,
		profile.ExternalID, profile.DisplayName, profile.Username, isAdmin)
	p, err := scanParticipant(row)
	if err != nil {
		return Participant{}, fmt.Errorf("upsert participant: %w", classify(err))
	}
	return p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id int64) (Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=$1`, id)
	p, err := scanParticipant(row)
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", classify(err))
	}
	return p, nil
}

func (s *PostgresStore) GetParticipantByExternalID(ctx context.Context, externalID int64) (Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE external_id=$1`, externalID)
	p, err := scanParticipant(row)
	if err != nil {
		return Participant{}, fmt.Errorf("get participant by external id: %w", classify(err))
	}
	return p, nil
}

func (s *PostgresStore) SetAnonymity(ctx context.Context, participantID int64, anonymous bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET is_anonymous=$2, updated_at=NOW() WHERE id=$1
	`, participantID, anonymous)
	if err != nil {
		return fmt.Errorf("set anonymity: %w", classify(err))
	}
	return expectAffected(result, "set anonymity")
}

func (s *PostgresStore) ListAdmins(ctx context.Context) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE is_admin ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", classify(err))
	}
	defer rows.Close()

	admins := make([]Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		admins = append(admins, p)
	}
	return admins, rows.Err()
}

func (s *PostgresStore) ParticipantStats(ctx context.Context, participantID int64) (ParticipantStats, error) {
	var stats ParticipantStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			p.confessions_approved,
			p.comments_submitted,
			COALESCE((SELECT SUM(c.like_count) FROM comments c WHERE c.author_id=p.id), 0),
			COALESCE((SELECT SUM(c.like_count + c.dislike_count + c.report_count) FROM comments c WHERE c.author_id=p.id), 0)
		FROM participants p
		WHERE p.id=$1
	`, participantID).Scan(&stats.ConfessionsApproved, &stats.Comments, &stats.LikesReceived, &stats.ReactionsReceived)
	if err != nil {
		return ParticipantStats{}, fmt.Errorf("participant stats: %w", classify(err))
	}
	return stats, nil
}

const confessionColumns = `id, author_id, text, is_anonymous, status, publication_handle, reviewer_id, reviewed_at, created_at`

func scanConfession(row rowScanner) (Confession, error) {
	var (
		c        Confession
		status   string
		handle   sql.NullInt64
		reviewer sql.NullInt64
		reviewed sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.AuthorID, &c.Text, &c.IsAnonymous, &status, &handle, &reviewer, &reviewed, &c.CreatedAt); err != nil {
		return Confession{}, err
	}
	c.Status = ConfessionStatus(status)
	if handle.Valid {
		c.PublicationHandle = &handle.Int64
	}
	if reviewer.Valid {
		c.ReviewerID = &reviewer.Int64
	}
	if reviewed.Valid {
		at := reviewed.Time
		c.ReviewedAt = &at
	}
	return c, nil
}

// InsertConfession stores a pending confession and bumps the author's
// submission counter in one transaction.
func (s *PostgresStore) InsertConfession(ctx context.Context, item Confession) (Confession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Confession{}, fmt.Errorf("begin insert confession: %w", classify(err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO confessions (author_id, text, is_anonymous, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING `+confessionColumns,
		item.AuthorID, item.Text, item.IsAnonymous)
	created, err := scanConfession(row)
	if err != nil {
		return Confession{}, fmt.Errorf("insert confession: %w", classify(err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE participants SET confessions_submitted=confessions_submitted+1, updated_at=NOW() WHERE id=$1
	`, item.AuthorID); err != nil {
		return Confession{}, fmt.Errorf("count confession: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return Confession{}, fmt.Errorf("commit insert confession: %w", classify(err))
	}
	return created, nil
}

func (s *PostgresStore) GetConfession(ctx context.Context, id int64) (Confession, error) {
	c, err := scanConfession(s.db.QueryRowContext(ctx, `SELECT `+confessionColumns+` FROM confessions WHERE id=$1`, id))
	if err != nil {
		return Confession{}, fmt.Errorf("get confession: %w", classify(err))
	}
	return c, nil
}

func (s *PostgresStore) ListPendingConfessions(ctx context.Context, limit int) ([]Confession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+confessionColumns+`
		FROM confessions
		WHERE status='pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending confessions: %w", classify(err))
	}
	defer rows.Close()

	items := make([]Confession, 0)
	for rows.Next() {
		c, err := scanConfession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan confession: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ResolveConfession moves a pending confession to its final status. The
// conditional UPDATE takes the row lock; a concurrent resolver blocks on it,
// re-checks status after the winner commits and matches no row. publish runs
// only for a winning approval and its handle is written before commit, so a
// failed publication leaves the confession pending.
func (s *PostgresStore) ResolveConfession(ctx context.Context, in ResolveInput, publish PublishFunc) (ResolveOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ResolveOutcome{}, fmt.Errorf("begin resolve confession: %w", classify(err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE confessions
		SET status=$2, reviewer_id=$3, reviewed_at=$4
		WHERE id=$1 AND status='pending'
		RETURNING `+confessionColumns,
		in.ConfessionID, string(in.Status), in.ReviewerID, in.At)
	resolved, err := scanConfession(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := scanConfession(tx.QueryRowContext(ctx, `SELECT `+confessionColumns+` FROM confessions WHERE id=$1`, in.ConfessionID))
		if err != nil {
			return ResolveOutcome{}, fmt.Errorf("load resolved confession: %w", classify(err))
		}
		return ResolveOutcome{Confession: current, Won: false}, nil
	}
	if err != nil {
		return ResolveOutcome{}, fmt.Errorf("resolve confession: %w", classify(err))
	}

	if in.Status == StatusApproved {
		if publish != nil {
			handle, err := publish(ctx, resolved)
			if err != nil {
				return ResolveOutcome{}, fmt.Errorf("publish confession: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE confessions SET publication_handle=$2 WHERE id=$1`, resolved.ID, handle); err != nil {
				return ResolveOutcome{}, fmt.Errorf("store publication handle: %w", classify(err))
			}
			resolved.PublicationHandle = &handle
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET confessions_approved=confessions_approved+1, updated_at=NOW() WHERE id=$1
		`, resolved.AuthorID); err != nil {
			return ResolveOutcome{}, fmt.Errorf("count approval: %w", classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return ResolveOutcome{}, fmt.Errorf("commit resolve confession: %w", classify(err))
	}
	return ResolveOutcome{Confession: resolved, Won: true}, nil
}

// DeleteConfession removes the confession; comments and reactions go with it
// through ON DELETE CASCADE.
func (s *PostgresStore) DeleteConfession(ctx context.Context, id int64) (Confession, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM confessions WHERE id=$1 RETURNING `+confessionColumns, id)
	deleted, err := scanConfession(row)
	if err != nil {
		return Confession{}, fmt.Errorf("delete confession: %w", classify(err))
	}
	return deleted, nil
}

const commentColumns = `id, confession_id, author_id, parent_id, text, like_count, dislike_count, report_count, created_at`

func scanComment(row rowScanner) (Comment, error) {
	var (
		c      Comment
		parent sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.ConfessionID, &c.AuthorID, &parent, &c.Text, &c.Likes, &c.Dislikes, &c.Reports, &c.CreatedAt); err != nil {
		return Comment{}, err
	}
	if parent.Valid {
		c.ParentID = &parent.Int64
	}
	return c, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin insert comment: %w", classify(err))
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT TRUE FROM confessions WHERE id=$1 FOR SHARE`, item.ConfessionID).Scan(&exists); err != nil {
		return Comment{}, fmt.Errorf("lock confession: %w", classify(err))
	}
	if item.ParentID != nil {
		var parentConfession int64
		if err := tx.QueryRowContext(ctx, `SELECT confession_id FROM comments WHERE id=$1 FOR SHARE`, *item.ParentID).Scan(&parentConfession); err != nil {
			return Comment{}, fmt.Errorf("lock parent comment: %w", classify(err))
		}
		if parentConfession != item.ConfessionID {
			return Comment{}, ErrParentMismatch
		}
	}

	var parent any
	if item.ParentID != nil {
		parent = *item.ParentID
	}
	created, err := scanComment(tx.QueryRowContext(ctx, `
		INSERT INTO comments (confession_id, author_id, parent_id, text)
		VALUES ($1, $2, $3, $4)
		RETURNING `+commentColumns,
		item.ConfessionID, item.AuthorID, parent, item.Text))
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", classify(err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE participants SET comments_submitted=comments_submitted+1, updated_at=NOW() WHERE id=$1
	`, item.AuthorID); err != nil {
		return Comment{}, fmt.Errorf("count comment: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit insert comment: %w", classify(err))
	}
	return created, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id int64) (Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", classify(err))
	}
	return c, nil
}

// ListTopLevelComments pages top-level comments newest first. Rows newer than
// the anchor are invisible so that later pages never shift.
func (s *PostgresStore) ListTopLevelComments(ctx context.Context, q CommentPageQuery) (CommentPageRows, error) {
	anchor := q.Anchor
	if anchor <= 0 {
		if err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(id), 0) FROM comments WHERE confession_id=$1 AND parent_id IS NULL
		`, q.ConfessionID).Scan(&anchor); err != nil {
			return CommentPageRows{}, fmt.Errorf("comment anchor: %w", classify(err))
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM comments WHERE confession_id=$1 AND parent_id IS NULL AND id <= $2
	`, q.ConfessionID, anchor).Scan(&total); err != nil {
		return CommentPageRows{}, fmt.Errorf("count comments: %w", classify(err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE confession_id=$1 AND parent_id IS NULL AND id <= $2
		ORDER BY id DESC
		LIMIT $3 OFFSET $4
	`, q.ConfessionID, anchor, q.Limit, q.Offset)
	if err != nil {
		return CommentPageRows{}, fmt.Errorf("list comments: %w", classify(err))
	}
	defer rows.Close()

	items := make([]Comment, 0, q.Limit)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return CommentPageRows{}, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return CommentPageRows{}, fmt.Errorf("iterate comments: %w", err)
	}
	return CommentPageRows{Items: items, Total: total, Anchor: anchor}, nil
}

func (s *PostgresStore) ListReplies(ctx context.Context, parentID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments WHERE parent_id=$1 ORDER BY created_at ASC, id ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", classify(err))
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ApplyReaction records a reaction and adjusts the comment counters. The
// comment row is locked for the duration so Before and After are exact.
func (s *PostgresStore) ApplyReaction(ctx context.Context, commentID, participantID int64, kind ReactionKind) (ReactionOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReactionOutcome{}, fmt.Errorf("begin apply reaction: %w", classify(err))
	}
	defer tx.Rollback()

	var before ReactionCounts
	if err := tx.QueryRowContext(ctx, `
		SELECT like_count, dislike_count, report_count FROM comments WHERE id=$1 FOR UPDATE
	`, commentID).Scan(&before.Likes, &before.Dislikes, &before.Reports); err != nil {
		return ReactionOutcome{}, fmt.Errorf("lock comment: %w", classify(err))
	}

	slot := kind.Slot()
	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT kind FROM reactions WHERE comment_id=$1 AND participant_id=$2 AND slot=$3
	`, commentID, participantID, string(slot)).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ReactionOutcome{}, fmt.Errorf("lookup reaction: %w", classify(err))
	}
	hasExisting := err == nil

	outcome := ReactionOutcome{Before: before, After: before}
	switch {
	case hasExisting && ReactionKind(existing) == kind:
		outcome.Change = ReactionUnchanged
		return outcome, nil
	case hasExisting:
		outcome.Change = ReactionSwitched
		outcome.Previous = ReactionKind(existing)
		outcome.After.add(outcome.Previous, -1)
		outcome.After.add(kind, 1)
		if _, err := tx.ExecContext(ctx, `
			UPDATE reactions SET kind=$4, updated_at=NOW()
			WHERE comment_id=$1 AND participant_id=$2 AND slot=$3
		`, commentID, participantID, string(slot), string(kind)); err != nil {
			return ReactionOutcome{}, fmt.Errorf("switch reaction: %w", classify(err))
		}
	default:
		outcome.Change = ReactionAdded
		outcome.After.add(kind, 1)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reactions (comment_id, participant_id, slot, kind) VALUES ($1, $2, $3, $4)
		`, commentID, participantID, string(slot), string(kind)); err != nil {
			return ReactionOutcome{}, fmt.Errorf("insert reaction: %w", classify(err))
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE comments SET like_count=$2, dislike_count=$3, report_count=$4 WHERE id=$1
	`, commentID, outcome.After.Likes, outcome.After.Dislikes, outcome.After.Reports); err != nil {
		return ReactionOutcome{}, fmt.Errorf("update reaction counts: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return ReactionOutcome{}, fmt.Errorf("commit apply reaction: %w", classify(err))
	}
	return outcome, nil
}

func (s *PostgresStore) ReactionCounts(ctx context.Context, commentID int64) (ReactionCounts, error) {
	var counts ReactionCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT like_count, dislike_count, report_count FROM comments WHERE id=$1
	`, commentID).Scan(&counts.Likes, &counts.Dislikes, &counts.Reports)
	if err != nil {
		return ReactionCounts{}, fmt.Errorf("reaction counts: %w", classify(err))
	}
	return counts, nil
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, item Feedback) (Feedback, error) {
	created := item
	created.Status = FeedbackPending
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback (participant_id, text, status)
		VALUES ($1, $2, 'pending')
		RETURNING id, created_at
	`, item.ParticipantID, item.Text).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return Feedback{}, fmt.Errorf("insert feedback: %w", classify(err))
	}
	return created, nil
}

func (s *PostgresStore) RecordInteraction(ctx context.Context, item Interaction) error {
	at := item.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (participant_id, kind, occurred_at) VALUES ($1, $2, $3)
	`, item.ParticipantID, item.Kind, at); err != nil {
		return fmt.Errorf("record interaction: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) CountActiveParticipants(ctx context.Context, since time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT participant_id) FROM interactions WHERE occurred_at >= $1
	`, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active participants: %w", classify(err))
	}
	return count, nil
}

func (s *PostgresStore) DeleteInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete interactions: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete interactions rows: %w", err)
	}
	return affected, nil
}

func expectAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// classify translates driver errors into store sentinels.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		// foreign key violation: the referenced row is gone
		return ErrNotFound
	}
	return err
}
