package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"confessions/bot/internal/config"
	"confessions/bot/internal/events"
	"confessions/bot/internal/store"
)

// flakyStore wraps the in-memory store and lets a test intercept writes.
type flakyStore struct {
	*store.MemoryStore
	insertConfessionFn func(context.Context, store.Confession) (store.Confession, error)
	applyReactionFn    func(context.Context, int64, int64, store.ReactionKind) (store.ReactionOutcome, error)
	resolveFn          func(context.Context, store.ResolveInput, store.PublishFunc) (store.ResolveOutcome, error)
}

func (f *flakyStore) ResolveConfession(ctx context.Context, in store.ResolveInput, publish store.PublishFunc) (store.ResolveOutcome, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, in, publish)
	}
	return f.MemoryStore.ResolveConfession(ctx, in, publish)
}

func (f *flakyStore) InsertConfession(ctx context.Context, item store.Confession) (store.Confession, error) {
	if f.insertConfessionFn != nil {
		return f.insertConfessionFn(ctx, item)
	}
	return f.MemoryStore.InsertConfession(ctx, item)
}

func (f *flakyStore) ApplyReaction(ctx context.Context, commentID, participantID int64, kind store.ReactionKind) (store.ReactionOutcome, error) {
	if f.applyReactionFn != nil {
		return f.applyReactionFn(ctx, commentID, participantID, kind)
	}
	return f.MemoryStore.ApplyReaction(ctx, commentID, participantID, kind)
}

type fakePublisher struct {
	mu        sync.Mutex
	next      int64
	calls     int
	publishFn func(context.Context, PublishRequest) (int64, error)
}

func (f *fakePublisher) Publish(ctx context.Context, req PublishRequest) (int64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.publishFn != nil {
		return f.publishFn(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return 9000 + f.next, nil
}

const (
	adminA int64 = 100
	adminB int64 = 200
	adminC int64 = 300
)

func testConfig() config.Config {
	return config.Config{
		AdminIDs:          []int64{adminA, adminB, adminC},
		CommentPageSize:   5,
		ReportThreshold:   5,
		MaxConfessionLen:  4096,
		MaxCommentLen:     1000,
		MaxFeedbackLen:    2000,
		RetryMaxAttempts:  3,
		RetryInitialDelay: time.Millisecond,
		RetryFactor:       2,
	}
}

type fixture struct {
	svc       *Service
	store     *flakyStore
	publisher *fakePublisher
	events    *events.Recorder
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	pub := &fakePublisher{}
	rec := events.NewRecorder()
	return &fixture{
		svc:       New(cfg, fs, pub, rec),
		store:     fs,
		publisher: pub,
		events:    rec,
	}
}

func (f *fixture) participant(t *testing.T, externalID int64) store.Participant {
	t.Helper()
	p, err := f.svc.RegisterParticipant(context.Background(), store.ParticipantProfile{ExternalID: externalID, DisplayName: "user", Username: "user"})
	if err != nil {
		t.Fatalf("RegisterParticipant(%d) error = %v", externalID, err)
	}
	return p
}

// published submits and approves a confession by author.
func (f *fixture) published(t *testing.T, author store.Participant) store.Confession {
	t.Helper()
	ctx := context.Background()
	admin := f.participant(t, adminA)
	c, err := f.svc.Submit(ctx, author.ID, "a confession")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	res, err := f.svc.Resolve(ctx, c.ID, admin.ID, events.DecisionApprove)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return res.Confession
}

func eventsOf[T events.Event](rec *events.Recorder) []T {
	var out []T
	for _, e := range rec.Events() {
		if typed, ok := e.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func TestSubmitValidatesLength(t *testing.T) {
	f := newFixture(t, testConfig())
	author := f.participant(t, 1)
	ctx := context.Background()

	cases := []struct {
		name string
		text string
		code string
	}{
		{name: "empty", text: "", code: CodeValidation},
		{name: "whitespace", text: "   \n\t", code: CodeValidation},
		{name: "too long", text: strings.Repeat("é", 4097), code: CodeValidation},
		{name: "at limit", text: strings.Repeat("é", 4096)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, author.ID, tc.text)
			if ErrorCode(err) != tc.code {
				t.Fatalf("Submit() error = %v, want code %q", err, tc.code)
			}
		})
	}
}

func TestSubmitFreezesAnonymityAndEmits(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitRatePerMin = 0
	f := newFixture(t, cfg)
	ctx := context.Background()
	author := f.participant(t, 1)

	first, err := f.svc.Submit(ctx, author.ID, "  hidden  ")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !first.IsAnonymous || first.Status != store.StatusPending || first.Text != "hidden" {
		t.Fatalf("unexpected confession %+v", first)
	}

	if err := f.svc.SetAnonymity(ctx, author.ID, false); err != nil {
		t.Fatalf("SetAnonymity() error = %v", err)
	}
	second, err := f.svc.Submit(ctx, author.ID, "signed")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if second.IsAnonymous {
		t.Fatalf("second confession should carry the updated preference")
	}
	stored, _ := f.svc.Confession(ctx, first.ID)
	if !stored.IsAnonymous {
		t.Fatalf("first confession anonymity changed after submission")
	}

	submitted := eventsOf[events.ConfessionSubmitted](f.events)
	if len(submitted) != 2 {
		t.Fatalf("ConfessionSubmitted events = %d, want 2", len(submitted))
	}
	p, _ := f.svc.Participant(ctx, author.ID)
	if p.ConfessionsSubmitted != 2 {
		t.Fatalf("ConfessionsSubmitted = %d, want 2", p.ConfessionsSubmitted)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitRatePerMin = 1
	cfg.SubmitRateBurst = 2
	f := newFixture(t, cfg)
	author := f.participant(t, 1)
	other := f.participant(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Submit(ctx, author.ID, "ok"); err != nil {
			t.Fatalf("Submit() #%d error = %v", i+1, err)
		}
	}
	if _, err := f.svc.Submit(ctx, author.ID, "too many"); ErrorCode(err) != CodeRateLimited {
		t.Fatalf("Submit() error = %v, want RATE_LIMITED", err)
	}
	if _, err := f.svc.Submit(ctx, other.ID, "separate bucket"); err != nil {
		t.Fatalf("Submit() for another participant error = %v", err)
	}
}

func TestResolveConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	reviewers := []store.Participant{f.participant(t, adminA), f.participant(t, adminB), f.participant(t, adminC)}

	c, err := f.svc.Submit(ctx, author.ID, "race")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	results := make([]ResolveResult, len(reviewers))
	errs := make([]error, len(reviewers))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, r := range reviewers {
		wg.Add(1)
		go func(i int, r store.Participant) {
			defer wg.Done()
			<-start
			decision := events.DecisionApprove
			if i%2 == 1 {
				decision = events.DecisionReject
			}
			results[i], errs[i] = f.svc.Resolve(ctx, c.ID, r.ID, decision)
		}(i, r)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winner ResolveResult
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Resolve() error = %v", errs[i])
		}
		if !results[i].AlreadyResolved {
			winners++
			winner = results[i]
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
	for _, r := range results {
		if r.Decision != winner.Decision || r.ResolvedBy.ID != winner.ResolvedBy.ID || !r.ResolvedAt.Equal(winner.ResolvedAt) {
			t.Fatalf("loser saw %+v, winner recorded %+v", r, winner)
		}
	}

	wantCalls := 0
	if winner.Decision == events.DecisionApprove {
		wantCalls = 1
	}
	if f.publisher.calls != wantCalls {
		t.Fatalf("publish calls = %d, want %d", f.publisher.calls, wantCalls)
	}

	resolved := eventsOf[events.ConfessionResolved](f.events)
	fresh := 0
	for _, e := range resolved {
		if e.Fresh {
			fresh++
		}
	}
	if len(resolved) != len(reviewers) || fresh != 1 {
		t.Fatalf("resolved events = %d (fresh %d), want %d (fresh 1)", len(resolved), fresh, len(reviewers))
	}
}

func TestResolveTwoApprovers(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	b := f.participant(t, adminB)
	c := f.participant(t, adminC)

	conf, err := f.svc.Submit(ctx, author.ID, "two approvers")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	first, err := f.svc.Resolve(ctx, conf.ID, b.ID, events.DecisionApprove)
	if err != nil {
		t.Fatalf("Resolve(B) error = %v", err)
	}
	second, err := f.svc.Resolve(ctx, conf.ID, c.ID, events.DecisionApprove)
	if err != nil {
		t.Fatalf("Resolve(C) error = %v", err)
	}

	if first.AlreadyResolved || first.Confession.PublicationHandle == nil {
		t.Fatalf("first approval should win with a handle: %+v", first)
	}
	if !second.AlreadyResolved || second.ResolvedBy.ID != b.ID {
		t.Fatalf("second approval should report B as resolver: %+v", second)
	}
	if f.publisher.calls != 1 {
		t.Fatalf("publish calls = %d, want 1", f.publisher.calls)
	}
	p, _ := f.svc.Participant(ctx, author.ID)
	if p.ConfessionsApproved != 1 {
		t.Fatalf("ConfessionsApproved = %d, want 1", p.ConfessionsApproved)
	}

	resolved := eventsOf[events.ConfessionResolved](f.events)
	if len(resolved) != 2 || !resolved[0].Fresh || resolved[1].Fresh {
		t.Fatalf("unexpected resolved events %+v", resolved)
	}
	if resolved[1].Requester.ID != c.ID || resolved[1].Reviewer.ID != b.ID {
		t.Fatalf("collision event should name C as requester and B as reviewer: %+v", resolved[1])
	}
}

func TestResolveRejectDoesNotPublish(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	admin := f.participant(t, adminA)

	conf, _ := f.svc.Submit(ctx, author.ID, "nope")
	res, err := f.svc.Resolve(ctx, conf.ID, admin.ID, events.DecisionReject)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Confession.Status != store.StatusRejected || res.Confession.PublicationHandle != nil {
		t.Fatalf("unexpected rejected confession %+v", res.Confession)
	}
	if f.publisher.calls != 0 {
		t.Fatalf("publish calls = %d, want 0", f.publisher.calls)
	}
	if _, err := f.svc.AddComment(ctx, conf.ID, author.ID, "hi", nil); ErrorCode(err) != CodeNotPublished {
		t.Fatalf("AddComment() on rejected error = %v, want NOT_PUBLISHED", err)
	}
}

func TestResolvePermissionDenied(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	conf, _ := f.svc.Submit(ctx, author.ID, "mine")

	if _, err := f.svc.Resolve(ctx, conf.ID, author.ID, events.DecisionApprove); ErrorCode(err) != CodePermission {
		t.Fatalf("Resolve() by participant error = %v, want PERMISSION_DENIED", err)
	}
	if _, err := f.svc.Delete(ctx, conf.ID, author.ID); ErrorCode(err) != CodePermission {
		t.Fatalf("Delete() by participant error = %v, want PERMISSION_DENIED", err)
	}
	if _, err := f.svc.PendingConfessions(ctx, author.ID, 10); ErrorCode(err) != CodePermission {
		t.Fatalf("PendingConfessions() by participant error = %v, want PERMISSION_DENIED", err)
	}
}

func TestResolvePublishFailureLeavesPending(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	admin := f.participant(t, adminA)
	f.publisher.publishFn = func(context.Context, PublishRequest) (int64, error) {
		return 0, errors.New("channel unavailable")
	}

	conf, _ := f.svc.Submit(ctx, author.ID, "stuck")
	if _, err := f.svc.Resolve(ctx, conf.ID, admin.ID, events.DecisionApprove); err == nil {
		t.Fatalf("Resolve() expected error when publishing fails")
	}
	stored, _ := f.svc.Confession(ctx, conf.ID)
	if stored.Status != store.StatusPending || stored.ReviewerID != nil {
		t.Fatalf("confession should remain pending: %+v", stored)
	}
	if len(eventsOf[events.ConfessionResolved](f.events)) != 0 {
		t.Fatalf("no resolution should be emitted")
	}
}

func TestResolveCommittedDespiteTransientError(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	admin := f.participant(t, adminA)
	conf, _ := f.svc.Submit(ctx, author.ID, "ambiguous commit")

	calls := 0
	f.store.resolveFn = func(ctx context.Context, in store.ResolveInput, publish store.PublishFunc) (store.ResolveOutcome, error) {
		calls++
		out, err := f.store.MemoryStore.ResolveConfession(ctx, in, publish)
		if calls == 1 && err == nil {
			return store.ResolveOutcome{}, store.Transient("commit", errors.New("connection reset"))
		}
		return out, err
	}

	res, err := f.svc.Resolve(ctx, conf.ID, admin.ID, events.DecisionApprove)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("ResolveConfession calls = %d, want 2", calls)
	}
	if res.AlreadyResolved {
		t.Fatalf("the committed decision belongs to this call: %+v", res)
	}
	stored, _ := f.svc.Confession(ctx, conf.ID)
	if stored.Status != store.StatusApproved || stored.PublicationHandle == nil {
		t.Fatalf("confession should be approved with a handle: %+v", stored)
	}
	if retracted := eventsOf[events.RetractPublication](f.events); len(retracted) != 0 {
		t.Fatalf("live publication %d retracted: %+v", *stored.PublicationHandle, retracted)
	}
	resolved := eventsOf[events.ConfessionResolved](f.events)
	if len(resolved) != 1 || !resolved[0].Fresh {
		t.Fatalf("want one fresh resolution, got %+v", resolved)
	}
}

func TestResolveRetractsHandleOfRolledBackAttempt(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	admin := f.participant(t, adminA)
	conf, _ := f.svc.Submit(ctx, author.ID, "rolled back once")

	calls := 0
	f.store.resolveFn = func(ctx context.Context, in store.ResolveInput, publish store.PublishFunc) (store.ResolveOutcome, error) {
		calls++
		if calls == 1 {
			c, _ := f.store.MemoryStore.GetConfession(ctx, in.ConfessionID)
			if _, err := publish(ctx, c); err != nil {
				return store.ResolveOutcome{}, err
			}
			return store.ResolveOutcome{}, store.Transient("commit", errors.New("connection reset"))
		}
		return f.store.MemoryStore.ResolveConfession(ctx, in, publish)
	}

	if _, err := f.svc.Resolve(ctx, conf.ID, admin.ID, events.DecisionApprove); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	stored, _ := f.svc.Confession(ctx, conf.ID)
	retracted := eventsOf[events.RetractPublication](f.events)
	if len(retracted) != 1 || retracted[0].Handle == *stored.PublicationHandle {
		t.Fatalf("want the rolled back handle retracted, kept %d, got %+v", *stored.PublicationHandle, retracted)
	}
}

func TestResolvePublishesAuthorLabelOnlyWhenSigned(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	admin := f.participant(t, adminA)
	var labels []string
	f.publisher.publishFn = func(_ context.Context, req PublishRequest) (int64, error) {
		labels = append(labels, req.AuthorLabel)
		return int64(len(labels)), nil
	}

	anon, _ := f.svc.Submit(ctx, author.ID, "anon")
	_ = f.svc.SetAnonymity(ctx, author.ID, false)
	signed, _ := f.svc.Submit(ctx, author.ID, "signed")
	for _, id := range []int64{anon.ID, signed.ID} {
		if _, err := f.svc.Resolve(ctx, id, admin.ID, events.DecisionApprove); err != nil {
			t.Fatalf("Resolve(%d) error = %v", id, err)
		}
	}
	if len(labels) != 2 || labels[0] != "" || labels[1] != "@user" {
		t.Fatalf("labels = %q", labels)
	}
}

func TestDeleteCascadesAndRetracts(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	admin := f.participant(t, adminA)
	conf := f.published(t, author)

	var commentIDs []int64
	for i := 0; i < 3; i++ {
		c, err := f.svc.AddComment(ctx, conf.ID, author.ID, "comment", nil)
		if err != nil {
			t.Fatalf("AddComment() error = %v", err)
		}
		commentIDs = append(commentIDs, c.ID)
	}
	reactors := []store.Participant{f.participant(t, 2), f.participant(t, 3), f.participant(t, 4), f.participant(t, 5), f.participant(t, 6)}
	for i, r := range reactors {
		if _, err := f.svc.React(ctx, commentIDs[i%3], r.ID, store.ReactionLike); err != nil {
			t.Fatalf("React() error = %v", err)
		}
	}

	if _, err := f.svc.Delete(ctx, conf.ID, admin.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.svc.Page(ctx, conf.ID, 1, 0); ErrorCode(err) != CodeNotFound {
		t.Fatalf("Page() after delete error = %v, want NOT_FOUND", err)
	}
	for _, id := range commentIDs {
		if _, err := f.svc.Counts(ctx, id); ErrorCode(err) != CodeNotFound {
			t.Fatalf("Counts(%d) after delete error = %v, want NOT_FOUND", id, err)
		}
	}
	retracts := eventsOf[events.RetractPublication](f.events)
	if len(retracts) != 1 || retracts[0].Handle != *conf.PublicationHandle {
		t.Fatalf("retract events = %+v, want one for handle %d", retracts, *conf.PublicationHandle)
	}
}

func TestAddCommentValidation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	conf := f.published(t, author)
	other := f.published(t, author)
	foreign, err := f.svc.AddComment(ctx, other.ID, author.ID, "elsewhere", nil)
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	missing := int64(987654)

	cases := []struct {
		name   string
		conf   int64
		text   string
		parent *int64
		code   string
	}{
		{name: "empty", conf: conf.ID, text: " ", code: CodeValidation},
		{name: "too long", conf: conf.ID, text: strings.Repeat("x", 1001), code: CodeValidation},
		{name: "at limit", conf: conf.ID, text: strings.Repeat("x", 1000)},
		{name: "missing confession", conf: missing, text: "hi", code: CodeNotFound},
		{name: "missing parent", conf: conf.ID, text: "hi", parent: &missing, code: CodeNotFound},
		{name: "foreign parent", conf: conf.ID, text: "hi", parent: &foreign.ID, code: CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AddComment(ctx, tc.conf, author.ID, tc.text, tc.parent)
			if ErrorCode(err) != tc.code {
				t.Fatalf("AddComment() error = %v, want code %q", err, tc.code)
			}
		})
	}
}

func TestPageStableUnderInserts(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	commenter := f.participant(t, 2)
	conf := f.published(t, author)

	for i := 0; i < 12; i++ {
		if _, err := f.svc.AddComment(ctx, conf.ID, commenter.ID, "before", nil); err != nil {
			t.Fatalf("AddComment() error = %v", err)
		}
	}

	first, err := f.svc.Page(ctx, conf.ID, 1, 0)
	if err != nil {
		t.Fatalf("Page(1) error = %v", err)
	}
	if len(first.Items) != 5 || !first.HasMore || first.Total != 12 {
		t.Fatalf("page 1 = %d items, hasMore %v, total %d", len(first.Items), first.HasMore, first.Total)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.AddComment(ctx, conf.ID, commenter.ID, "after", nil); err != nil {
			t.Fatalf("AddComment() error = %v", err)
		}
	}

	again, err := f.svc.Page(ctx, conf.ID, 1, first.Anchor)
	if err != nil {
		t.Fatalf("Page(1, anchor) error = %v", err)
	}
	for i := range first.Items {
		if again.Items[i].ID != first.Items[i].ID {
			t.Fatalf("page 1 item %d changed from %d to %d", i, first.Items[i].ID, again.Items[i].ID)
		}
	}

	seen := map[int64]bool{}
	for page := 1; page <= 3; page++ {
		p, err := f.svc.Page(ctx, conf.ID, page, first.Anchor)
		if err != nil {
			t.Fatalf("Page(%d) error = %v", page, err)
		}
		for _, item := range p.Items {
			if seen[item.ID] {
				t.Fatalf("comment %d served twice", item.ID)
			}
			seen[item.ID] = true
			if item.Text != "before" {
				t.Fatalf("comment inserted after the anchor leaked into page %d", page)
			}
		}
		if page == 3 && p.HasMore {
			t.Fatalf("page 3 should be the last page")
		}
	}
	if len(seen) != 12 {
		t.Fatalf("served %d comments, want 12", len(seen))
	}

	fresh, err := f.svc.Page(ctx, conf.ID, 1, 0)
	if err != nil {
		t.Fatalf("Page(1) fresh error = %v", err)
	}
	if fresh.Total != 15 || fresh.Items[0].Text != "after" {
		t.Fatalf("fresh page should see new comments first: total %d", fresh.Total)
	}
}

func TestPageBadgesAndReplies(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	commenter := f.participant(t, 2)
	conf := f.published(t, author)

	top, _ := f.svc.AddComment(ctx, conf.ID, commenter.ID, "question", nil)
	reply, err := f.svc.AddComment(ctx, conf.ID, author.ID, "answer", &top.ID)
	if err != nil {
		t.Fatalf("AddComment(reply) error = %v", err)
	}

	page, _ := f.svc.Page(ctx, conf.ID, 1, 0)
	if len(page.Items) != 1 || page.Items[0].Badge.IsOriginalPoster {
		t.Fatalf("page should hold only the top-level comment without badge: %+v", page.Items)
	}
	replies, err := f.svc.Replies(ctx, top.ID)
	if err != nil {
		t.Fatalf("Replies() error = %v", err)
	}
	if len(replies) != 1 || replies[0].ID != reply.ID || !replies[0].Badge.IsOriginalPoster {
		t.Fatalf("replies = %+v", replies)
	}
	badge, err := f.svc.AuthorBadge(ctx, reply.ID)
	if err != nil || !badge.IsOriginalPoster {
		t.Fatalf("AuthorBadge() = %+v, %v", badge, err)
	}
}

func TestPageOnPendingConfessionNotFound(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	conf, _ := f.svc.Submit(ctx, author.ID, "pending")
	if _, err := f.svc.Page(ctx, conf.ID, 1, 0); ErrorCode(err) != CodeNotFound {
		t.Fatalf("Page() on pending error = %v, want NOT_FOUND", err)
	}
}

func TestReactSentimentCycle(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	reactor := f.participant(t, 2)
	conf := f.published(t, author)
	comment, _ := f.svc.AddComment(ctx, conf.ID, author.ID, "react to me", nil)

	steps := []struct {
		kind   store.ReactionKind
		change store.ReactionChange
		counts store.ReactionCounts
	}{
		{store.ReactionLike, store.ReactionAdded, store.ReactionCounts{Likes: 1}},
		{store.ReactionLike, store.ReactionUnchanged, store.ReactionCounts{Likes: 1}},
		{store.ReactionDislike, store.ReactionSwitched, store.ReactionCounts{Dislikes: 1}},
		{store.ReactionLike, store.ReactionSwitched, store.ReactionCounts{Likes: 1}},
		{store.ReactionReport, store.ReactionAdded, store.ReactionCounts{Likes: 1, Reports: 1}},
		{store.ReactionReport, store.ReactionUnchanged, store.ReactionCounts{Likes: 1, Reports: 1}},
	}
	for i, step := range steps {
		res, err := f.svc.React(ctx, comment.ID, reactor.ID, step.kind)
		if err != nil {
			t.Fatalf("step %d React(%s) error = %v", i, step.kind, err)
		}
		if res.Change != step.change || res.Counts != step.counts {
			t.Fatalf("step %d React(%s) = %s %+v, want %s %+v", i, step.kind, res.Change, res.Counts, step.change, step.counts)
		}
		if res.Unchanged != (step.change == store.ReactionUnchanged) {
			t.Fatalf("step %d Unchanged = %v", i, res.Unchanged)
		}
	}
	counts, _ := f.svc.Counts(ctx, comment.ID)
	if counts != (store.ReactionCounts{Likes: 1, Reports: 1}) {
		t.Fatalf("Counts() = %+v", counts)
	}
	if _, err := f.svc.React(ctx, 424242, reactor.ID, store.ReactionLike); ErrorCode(err) != CodeNotFound {
		t.Fatalf("React() on missing comment error = %v, want NOT_FOUND", err)
	}
	if _, err := f.svc.React(ctx, comment.ID, reactor.ID, store.ReactionKind("love")); ErrorCode(err) != CodeValidation {
		t.Fatalf("React() with unknown kind error = %v, want VALIDATION_ERROR", err)
	}
}

func TestReportThresholdFiresOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	conf := f.published(t, author)
	comment, _ := f.svc.AddComment(ctx, conf.ID, author.ID, "spam", nil)

	for i := int64(0); i < 6; i++ {
		reporter := f.participant(t, 10+i)
		res, err := f.svc.React(ctx, comment.ID, reporter.ID, store.ReactionReport)
		if err != nil {
			t.Fatalf("React(report) #%d error = %v", i+1, err)
		}
		if res.ThresholdCrossed != (i == 4) {
			t.Fatalf("report #%d ThresholdCrossed = %v", i+1, res.ThresholdCrossed)
		}
	}
	crossed := eventsOf[events.ReportThresholdCrossed](f.events)
	if len(crossed) != 1 || crossed[0].Reports != 5 || crossed[0].Comment.ID != comment.ID {
		t.Fatalf("threshold events = %+v, want exactly one at 5 reports", crossed)
	}
}

func TestTransientFailuresRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)

	var calls atomic.Int32
	f.store.insertConfessionFn = func(ctx context.Context, item store.Confession) (store.Confession, error) {
		if calls.Add(1) < 3 {
			return store.Confession{}, store.Transient("insert confession", errors.New("connection reset"))
		}
		return f.store.MemoryStore.InsertConfession(ctx, item)
	}
	if _, err := f.svc.Submit(ctx, author.ID, "eventually"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("insert calls = %d, want 3", calls.Load())
	}

	calls.Store(0)
	f.store.insertConfessionFn = func(context.Context, store.Confession) (store.Confession, error) {
		calls.Add(1)
		return store.Confession{}, store.Transient("insert confession", errors.New("connection reset"))
	}
	if _, err := f.svc.Submit(ctx, author.ID, "never"); ErrorCode(err) != CodeTransientStore {
		t.Fatalf("Submit() error = %v, want TRANSIENT_STORE_ERROR", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("insert calls = %d, want 3", calls.Load())
	}
}

func TestNonTransientFailuresNotRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	author := f.participant(t, 1)
	conf := f.published(t, author)
	comment, _ := f.svc.AddComment(ctx, conf.ID, author.ID, "c", nil)

	var calls atomic.Int32
	f.store.applyReactionFn = func(context.Context, int64, int64, store.ReactionKind) (store.ReactionOutcome, error) {
		calls.Add(1)
		return store.ReactionOutcome{}, store.ErrNotFound
	}
	if _, err := f.svc.React(ctx, comment.ID, author.ID, store.ReactionLike); ErrorCode(err) != CodeNotFound {
		t.Fatalf("React() error = %v, want NOT_FOUND", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("apply calls = %d, want 1", calls.Load())
	}
}

func TestStatsDerivation(t *testing.T) {
	cases := []struct {
		name       string
		raw        store.ParticipantStats
		impact     int
		acceptance float64
	}{
		{name: "no reactions", raw: store.ParticipantStats{ConfessionsApproved: 2, Comments: 3}, impact: 5},
		{name: "mixed", raw: store.ParticipantStats{ConfessionsApproved: 1, Comments: 1, LikesReceived: 2, ReactionsReceived: 3}, impact: 4, acceptance: 66.67},
		{name: "all likes", raw: store.ParticipantStats{LikesReceived: 4, ReactionsReceived: 4}, impact: 4, acceptance: 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveStats(tc.raw)
			if got.Impact != tc.impact || got.Acceptance != tc.acceptance {
				t.Fatalf("deriveStats() = impact %d acceptance %v, want %d %v", got.Impact, got.Acceptance, tc.impact, tc.acceptance)
			}
		})
	}
}

func TestAdminRecipientsMergesConfigured(t *testing.T) {
	f := newFixture(t, testConfig())
	f.participant(t, adminA)
	f.participant(t, 1)
	got, err := f.svc.AdminRecipients(context.Background())
	if err != nil {
		t.Fatalf("AdminRecipients() error = %v", err)
	}
	want := []int64{adminA, adminB, adminC}
	if len(got) != len(want) {
		t.Fatalf("AdminRecipients() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AdminRecipients() = %v, want %v", got, want)
		}
	}
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	p := f.participant(t, 1)

	if _, err := f.svc.SubmitFeedback(ctx, p.ID, strings.Repeat("f", 2001)); ErrorCode(err) != CodeValidation {
		t.Fatalf("SubmitFeedback() error = %v, want VALIDATION_ERROR", err)
	}
	fb, err := f.svc.SubmitFeedback(ctx, p.ID, "please add dark mode")
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if fb.Status != store.FeedbackPending {
		t.Fatalf("feedback status = %s", fb.Status)
	}
	if got := eventsOf[events.FeedbackSubmitted](f.events); len(got) != 1 || got[0].Author.ID != p.ID {
		t.Fatalf("feedback events = %+v", got)
	}
}

func TestBootstrapSyncsAdminFlags(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()

	// An earlier deployment listed 7 as admin and not 100.
	oldCfg := testConfig()
	oldCfg.AdminIDs = []int64{7}
	old := New(oldCfg, shared, &fakePublisher{}, nil)
	former, _ := old.RegisterParticipant(ctx, store.ParticipantProfile{ExternalID: 7, DisplayName: "former"})
	future, _ := old.RegisterParticipant(ctx, store.ParticipantProfile{ExternalID: adminA, DisplayName: "future"})
	if !former.IsAdmin || future.IsAdmin {
		t.Fatalf("unexpected initial flags: former %v future %v", former.IsAdmin, future.IsAdmin)
	}

	svc := New(testConfig(), shared, &fakePublisher{}, nil)
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if p, _ := svc.Participant(ctx, former.ID); p.IsAdmin {
		t.Fatalf("participant 7 should be demoted")
	}
	if p, _ := svc.Participant(ctx, future.ID); !p.IsAdmin {
		t.Fatalf("participant %d should be promoted", adminA)
	}
}
