package app

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"confessions/bot/internal/config"
	"confessions/bot/internal/events"
	"confessions/bot/internal/metrics"
	"confessions/bot/internal/rbac"
	"confessions/bot/internal/retry"
	"confessions/bot/internal/search"
	"confessions/bot/internal/store"
)

type dataStore interface {
	Ping(ctx context.Context) error

	EnsureParticipant(ctx context.Context, profile store.ParticipantProfile, isAdmin bool) (store.Participant, error)
	GetParticipant(ctx context.Context, id int64) (store.Participant, error)
	GetParticipantByExternalID(ctx context.Context, externalID int64) (store.Participant, error)
	SetAnonymity(ctx context.Context, participantID int64, anonymous bool) error
	ListAdmins(ctx context.Context) ([]store.Participant, error)
	ParticipantStats(ctx context.Context, participantID int64) (store.ParticipantStats, error)

	InsertConfession(ctx context.Context, item store.Confession) (store.Confession, error)
	GetConfession(ctx context.Context, id int64) (store.Confession, error)
	ListPendingConfessions(ctx context.Context, limit int) ([]store.Confession, error)
	ResolveConfession(ctx context.Context, in store.ResolveInput, publish store.PublishFunc) (store.ResolveOutcome, error)
	DeleteConfession(ctx context.Context, id int64) (store.Confession, error)

	InsertComment(ctx context.Context, item store.Comment) (store.Comment, error)
	GetComment(ctx context.Context, id int64) (store.Comment, error)
	ListTopLevelComments(ctx context.Context, q store.CommentPageQuery) (store.CommentPageRows, error)
	ListReplies(ctx context.Context, parentID int64) ([]store.Comment, error)

	ApplyReaction(ctx context.Context, commentID, participantID int64, kind store.ReactionKind) (store.ReactionOutcome, error)
	ReactionCounts(ctx context.Context, commentID int64) (store.ReactionCounts, error)

	InsertFeedback(ctx context.Context, item store.Feedback) (store.Feedback, error)
}

type searchIndex interface {
	IndexConfession(record search.ConfessionRecord)
	DeleteConfession(id int64)
	Search(q search.Query) search.Response
}

type Service struct {
	cfg       config.Config
	store     dataStore
	publisher Publisher
	events    events.Emitter
	search    searchIndex
	metrics   *metrics.Metrics
	retry     retry.Policy
	limiter   *limiterPool
	now       func() time.Time
}

type Option func(*Service)

func WithSearch(index searchIndex) Option {
	return func(s *Service) { s.search = index }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg config.Config, dataStore dataStore, publisher Publisher, emitter events.Emitter, opts ...Option) *Service {
	cfg = withDefaults(cfg)
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		publisher: publisher,
		events:    emitter,
		now:       func() time.Time { return time.Now().UTC() },
		retry: retry.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			Factor:       cfg.RetryFactor,
			Classify:     store.IsTransient,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.events == nil {
		s.events = events.NewRecorder()
	}
	if s.retry.Classify == nil {
		s.retry.Classify = store.IsTransient
	}
	onRetry := s.retry.OnRetry
	s.retry.OnRetry = func(err error, delay time.Duration) {
		s.metrics.StoreRetries.Inc()
		if onRetry != nil {
			onRetry(err, delay)
		}
	}
	s.limiter = newLimiterPool(cfg.SubmitRatePerMin, cfg.SubmitRateBurst)
	return s
}

func (s *Service) Config() config.Config {
	return s.cfg
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Search runs a full-text query over published confessions.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	s.events.Emit(ctx, event)
}

func (s *Service) authorize(p store.Participant, action rbac.Action) error {
	if !rbac.Can(rbac.RoleFor(p.IsAdmin), action) {
		return permissionDenied(string(action))
	}
	return nil
}

// validateText trims the input and enforces a non-empty body of at most max runes.
func validateText(field, text string, max int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", validationError(field+" must not be empty", map[string]any{"field": field})
	}
	if length := utf8.RuneCountInString(trimmed); length > max {
		return "", validationError(field+" is too long", map[string]any{"field": field, "max": max, "length": length})
	}
	return trimmed, nil
}

// withDefaults fills limits left at zero so a partially built Config still
// enforces them.
func withDefaults(cfg config.Config) config.Config {
	if cfg.CommentPageSize <= 0 {
		cfg.CommentPageSize = 5
	}
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = 5
	}
	if cfg.MaxConfessionLen <= 0 {
		cfg.MaxConfessionLen = 4096
	}
	if cfg.MaxCommentLen <= 0 {
		cfg.MaxCommentLen = 1000
	}
	if cfg.MaxFeedbackLen <= 0 {
		cfg.MaxFeedbackLen = 2000
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = 2
	}
	return cfg
}

func (s *Service) pageSize() int {
	return s.cfg.CommentPageSize
}

func (s *Service) reportThreshold() int {
	return s.cfg.ReportThreshold
}

func (s *Service) rateLimited() error {
	s.metrics.RateLimited.Inc()
	return domainError(http.StatusTooManyRequests, CodeRateLimited, "too many submissions, try again later", nil)
}
