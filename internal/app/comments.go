package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"confessions/bot/internal/rbac"
	"confessions/bot/internal/retry"
	"confessions/bot/internal/store"
)

// Badge marks comments authored by the confession's author.
type Badge struct {
	IsOriginalPoster bool `json:"isOriginalPoster"`
}

type CommentView struct {
	store.Comment
	Badge Badge `json:"badge"`
}

// CommentPage is one page of top-level comments. Anchor must be passed back
// when requesting later pages so they stay consistent with the first.
type CommentPage struct {
	ConfessionID int64         `json:"confessionId"`
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
	Anchor       int64         `json:"anchor"`
	Total        int           `json:"total"`
	HasMore      bool          `json:"hasMore"`
	Items        []CommentView `json:"items"`
}

func (s *Service) AddComment(ctx context.Context, confessionID, authorID int64, text string, parentID *int64) (store.Comment, error) {
	body, err := validateText("text", text, s.cfg.MaxCommentLen)
	if err != nil {
		return store.Comment{}, err
	}
	author, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Participant, error) {
		return s.store.GetParticipant(ctx, authorID)
	})
	if err != nil {
		return store.Comment{}, storeError(err, "participant", authorID)
	}
	if err := s.authorize(author, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	if _, err := s.publishedConfession(ctx, confessionID); err != nil {
		return store.Comment{}, err
	}

	created, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Comment, error) {
		return s.store.InsertComment(ctx, store.Comment{
			ConfessionID: confessionID,
			AuthorID:     author.ID,
			ParentID:     parentID,
			Text:         body,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrParentMismatch) || (parentID != nil && errors.Is(err, store.ErrNotFound)) {
			var id int64
			if parentID != nil {
				id = *parentID
			}
			return store.Comment{}, notFound("parent comment", id)
		}
		return store.Comment{}, storeError(err, "confession", confessionID)
	}

	s.metrics.Comments.Inc()
	slog.Info("comment_added", "comment_id", created.ID, "confession_id", confessionID, "author_id", author.ID, "reply", parentID != nil)
	return created, nil
}

// Page returns top-level comments newest first. Page numbers start at 1; an
// anchor of zero pins the page set to the comments visible right now.
func (s *Service) Page(ctx context.Context, confessionID int64, page int, anchor int64) (CommentPage, error) {
	if page < 1 {
		page = 1
	}
	if anchor < 0 {
		anchor = 0
	}
	confession, err := s.publishedConfession(ctx, confessionID)
	if err != nil {
		if ErrorCode(err) == CodeNotPublished {
			return CommentPage{}, notFound("confession", confessionID)
		}
		return CommentPage{}, err
	}

	size := s.pageSize()
	rows, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.CommentPageRows, error) {
		return s.store.ListTopLevelComments(ctx, store.CommentPageQuery{
			ConfessionID: confessionID,
			Anchor:       anchor,
			Limit:        size,
			Offset:       (page - 1) * size,
		})
	})
	if err != nil {
		return CommentPage{}, storeError(err, "confession", confessionID)
	}

	out := CommentPage{
		ConfessionID: confessionID,
		Page:         page,
		PageSize:     size,
		Anchor:       rows.Anchor,
		Total:        rows.Total,
		HasMore:      rows.Total > page*size,
		Items:        make([]CommentView, 0, len(rows.Items)),
	}
	for _, c := range rows.Items {
		out.Items = append(out.Items, CommentView{Comment: c, Badge: deriveBadge(confession, c)})
	}
	return out, nil
}

// Replies lists the replies to a comment, oldest first.
func (s *Service) Replies(ctx context.Context, commentID int64) ([]CommentView, error) {
	parent, err := s.comment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	confession, err := s.Confession(ctx, parent.ConfessionID)
	if err != nil {
		return nil, err
	}
	replies, err := retry.Value(ctx, s.retry, func(ctx context.Context) ([]store.Comment, error) {
		return s.store.ListReplies(ctx, commentID)
	})
	if err != nil {
		return nil, storeError(err, "comment", commentID)
	}
	out := make([]CommentView, 0, len(replies))
	for _, c := range replies {
		out = append(out, CommentView{Comment: c, Badge: deriveBadge(confession, c)})
	}
	return out, nil
}

func (s *Service) AuthorBadge(ctx context.Context, commentID int64) (Badge, error) {
	c, err := s.comment(ctx, commentID)
	if err != nil {
		return Badge{}, err
	}
	confession, err := s.Confession(ctx, c.ConfessionID)
	if err != nil {
		return Badge{}, err
	}
	return deriveBadge(confession, c), nil
}

func (s *Service) Comment(ctx context.Context, commentID int64) (store.Comment, error) {
	return s.comment(ctx, commentID)
}

func (s *Service) comment(ctx context.Context, commentID int64) (store.Comment, error) {
	c, err := retry.Value(ctx, s.retry, func(ctx context.Context) (store.Comment, error) {
		return s.store.GetComment(ctx, commentID)
	})
	if err != nil {
		return store.Comment{}, storeError(err, "comment", commentID)
	}
	return c, nil
}

// publishedConfession loads a confession that accepts comments.
func (s *Service) publishedConfession(ctx context.Context, confessionID int64) (store.Confession, error) {
	c, err := s.Confession(ctx, confessionID)
	if err != nil {
		return store.Confession{}, err
	}
	if c.Status != store.StatusApproved {
		return store.Confession{}, domainError(http.StatusConflict, CodeNotPublished, "confession is not published", map[string]any{"id": confessionID, "status": c.Status})
	}
	return c, nil
}

func deriveBadge(confession store.Confession, comment store.Comment) Badge {
	return Badge{IsOriginalPoster: comment.AuthorID == confession.AuthorID}
}
