package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"confessions/bot/internal/analytics"
	"confessions/bot/internal/app"
	"confessions/bot/internal/events"
	"confessions/bot/internal/metrics"
	"confessions/bot/internal/notify"
	"confessions/bot/internal/search"
	"confessions/bot/internal/session"
	"confessions/bot/internal/store"
)

const commentSnippetLen = 400

type interactionTracker interface {
	Track(ctx context.Context, participantID int64, kind string)
	MonthlyActiveUsers(ctx context.Context) int
}

// Handler routes Telegram updates to service operations.
type Handler struct {
	svc       *app.Service
	client    *Client
	sessions  *session.Tracker
	analytics interactionTracker
	metrics   *metrics.Metrics
}

func NewHandler(svc *app.Service, client *Client, sessions *session.Tracker, tracker interactionTracker) *Handler {
	return &Handler{svc: svc, client: client, sessions: sessions, analytics: tracker, metrics: svc.Metrics()}
}

func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil && update.Message.Chat != nil:
		if update.Message.Chat.Type != "" && update.Message.Chat.Type != "private" {
			return
		}
		h.handleMessage(ctx, update.Message)
	}
}

func (h *Handler) register(ctx context.Context, u *tgbotapi.User) (store.Participant, error) {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return h.svc.RegisterParticipant(ctx, store.ParticipantProfile{ExternalID: u.ID, DisplayName: name, Username: u.UserName})
}

func (h *Handler) track(ctx context.Context, p store.Participant, kind string) {
	if h.analytics != nil {
		h.analytics.Track(ctx, p.ID, kind)
	}
}

func (h *Handler) reply(chatID int64, text string, actions [][]notify.Action) {
	if _, err := h.client.send(chatID, text, actions); err != nil {
		slog.Warn("telegram_send_failed", "chat_id", chatID, "error", err)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	p, err := h.register(ctx, msg.From)
	if err != nil {
		slog.Error("participant_register_failed", "external_id", msg.From.ID, "error", err)
		h.reply(msg.Chat.ID, userMessage(err), nil)
		return
	}
	chatID := msg.Chat.ID

	command, args := splitCommand(msg.Text)
	if command == "" {
		h.handleText(ctx, p, chatID, msg.Text)
		return
	}
	h.track(ctx, p, "command_"+command)
	switch command {
	case "confess", "feedback", "cancel":
	default:
		h.keepAlive(ctx, p)
	}

	switch command {
	case "start":
		if strings.HasPrefix(args, "comments_") {
			if id, err := strconv.ParseInt(strings.TrimPrefix(args, "comments_"), 10, 64); err == nil {
				h.showComments(ctx, chatID, id, 1, 0)
				return
			}
		}
		h.reply(chatID, welcomeText, nil)
	case "help":
		h.reply(chatID, welcomeText, nil)
	case "confess":
		h.begin(ctx, p, chatID, session.ModeConfession, session.Payload{}, "📝 Send your confession as a single message. /cancel to abort.")
	case "feedback":
		h.begin(ctx, p, chatID, session.ModeFeedback, session.Payload{}, "💡 Send your feedback as a single message. /cancel to abort.")
	case "cancel":
		existed, err := h.sessions.Cancel(ctx, p.ID)
		if err != nil {
			slog.Warn("session_cancel_failed", "participant_id", p.ID, "error", err)
		}
		if existed {
			h.reply(chatID, "❎ Cancelled.", nil)
			return
		}
		h.reply(chatID, "Nothing to cancel.", nil)
	case "anonymous":
		h.setAnonymity(ctx, p, chatID, args)
	case "stats":
		h.stats(ctx, p, chatID)
	case "pending":
		h.pending(ctx, p, chatID)
	case "delete":
		id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
		if err != nil {
			h.reply(chatID, "Usage: /delete &lt;confession id&gt;", nil)
			return
		}
		if _, err := h.svc.Delete(ctx, id, p.ID); err != nil {
			h.reply(chatID, userMessage(err), nil)
			return
		}
		h.reply(chatID, fmt.Sprintf("🗑 Confession %d deleted.", id), nil)
	case "comments":
		id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
		if err != nil {
			h.reply(chatID, "Usage: /comments &lt;confession id&gt;", nil)
			return
		}
		h.showComments(ctx, chatID, id, 1, 0)
	case "search":
		h.search(chatID, args)
	default:
		h.reply(chatID, "Unknown command. Send /help to see what I can do.", nil)
	}
}

func (h *Handler) begin(ctx context.Context, p store.Participant, chatID int64, mode session.Mode, payload session.Payload, prompt string) {
	if err := h.sessions.Begin(ctx, p.ID, mode, payload); err != nil {
		slog.Error("session_begin_failed", "participant_id", p.ID, "mode", mode, "error", err)
		h.reply(chatID, "⚠️ Something went wrong, please try again.", nil)
		return
	}
	h.reply(chatID, prompt, nil)
}

// keepAlive refreshes an active session when an unrelated input arrives
// in the middle of a flow.
func (h *Handler) keepAlive(ctx context.Context, p store.Participant) {
	if _, err := h.sessions.Peek(ctx, p.ID); err != nil {
		return
	}
	if err := h.sessions.Touch(ctx, p.ID); err != nil {
		slog.Warn("session_touch_failed", "participant_id", p.ID, "error", err)
	}
}

// handleText consumes the active session, if any, with the message body.
func (h *Handler) handleText(ctx context.Context, p store.Participant, chatID int64, text string) {
	s, err := h.sessions.Consume(ctx, p.ID)
	switch {
	case errors.Is(err, session.ErrNoSession):
		h.reply(chatID, "Send /confess to share a confession or /help for more.", nil)
		return
	case errors.Is(err, session.ErrExpired):
		h.metrics.SessionsExpired.Inc()
		h.reply(chatID, fmt.Sprintf("⌛ That took longer than %d minutes, so I stopped waiting. Please start again.", int(h.sessions.Timeout().Minutes())), nil)
		return
	case err != nil:
		slog.Error("session_consume_failed", "participant_id", p.ID, "error", err)
		h.reply(chatID, "⚠️ Something went wrong, please try again.", nil)
		return
	}

	switch s.Mode {
	case session.ModeConfession:
		c, err := h.svc.Submit(ctx, p.ID, text)
		if err != nil {
			h.retryable(ctx, p, s, chatID, err)
			return
		}
		h.track(ctx, p, "confession_submitted")
		h.reply(chatID, fmt.Sprintf("✅ Confession #%d submitted for review. You will be notified once a moderator decides.", c.ID), nil)
	case session.ModeComment:
		var parent *int64
		if s.Payload.ParentID != 0 {
			id := s.Payload.ParentID
			parent = &id
		}
		c, err := h.svc.AddComment(ctx, s.Payload.ConfessionID, p.ID, text, parent)
		if err != nil {
			h.retryable(ctx, p, s, chatID, err)
			return
		}
		h.track(ctx, p, "comment_added")
		h.reply(chatID, fmt.Sprintf("💬 Comment added to confession #%d.", c.ConfessionID), [][]notify.Action{{
			{Label: "💬 View Comments", Data: data(cbViewComments, c.ConfessionID)},
		}})
	case session.ModeFeedback:
		if _, err := h.svc.SubmitFeedback(ctx, p.ID, text); err != nil {
			h.retryable(ctx, p, s, chatID, err)
			return
		}
		h.reply(chatID, "🙏 Thanks, your feedback was sent to the admins.", nil)
	}
}

// retryable reports err and, for input errors, reopens the session so the
// participant can send a corrected message.
func (h *Handler) retryable(ctx context.Context, p store.Participant, s session.Session, chatID int64, err error) {
	if app.ErrorCode(err) == app.CodeValidation {
		if beginErr := h.sessions.Begin(ctx, p.ID, s.Mode, s.Payload); beginErr != nil {
			slog.Warn("session_reopen_failed", "participant_id", p.ID, "error", beginErr)
		}
		h.reply(chatID, userMessage(err)+"\nSend it again or /cancel.", nil)
		return
	}
	h.reply(chatID, userMessage(err), nil)
}

func (h *Handler) setAnonymity(ctx context.Context, p store.Participant, chatID int64, args string) {
	var anonymous bool
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on":
		anonymous = true
	case "off":
		anonymous = false
	default:
		state := "off"
		if p.IsAnonymous {
			state = "on"
		}
		h.reply(chatID, fmt.Sprintf("Anonymity is %s. Use /anonymous on or /anonymous off.", state), nil)
		return
	}
	if err := h.svc.SetAnonymity(ctx, p.ID, anonymous); err != nil {
		h.reply(chatID, userMessage(err), nil)
		return
	}
	if anonymous {
		h.reply(chatID, "🕶 Your future confessions will be anonymous.", nil)
		return
	}
	h.reply(chatID, "👤 Your future confessions will show your name.", nil)
}

func (h *Handler) stats(ctx context.Context, p store.Participant, chatID int64) {
	st, err := h.svc.Stats(ctx, p.ID)
	if err != nil {
		h.reply(chatID, userMessage(err), nil)
		return
	}
	text := fmt.Sprintf("📊 <b>Your Stats</b>\n\nConfessions approved: %d\nComments: %d\nLikes received: %d\n⭐ Impact: %d\n%s Acceptance: %.2f",
		st.ConfessionsApproved, st.Comments, st.LikesReceived, st.Impact, acceptanceEmoji(st), st.Acceptance/10)
	if p.IsAdmin && h.analytics != nil {
		text += "\n\n👥 Monthly users: " + analytics.FormatCount(h.analytics.MonthlyActiveUsers(ctx))
	}
	h.reply(chatID, text, nil)
}

func (h *Handler) pending(ctx context.Context, p store.Participant, chatID int64) {
	items, err := h.svc.PendingConfessions(ctx, p.ID, 10)
	if err != nil {
		h.reply(chatID, userMessage(err), nil)
		return
	}
	if len(items) == 0 {
		h.reply(chatID, "🎉 No confessions waiting for review.", nil)
		return
	}
	for _, c := range items {
		h.reply(chatID, fmt.Sprintf("<b>#%d</b> · %s\n\n%s", c.ID, c.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"), html.EscapeString(truncate(c.Text, 200))),
			[][]notify.Action{{
				{Label: "✅ Approve", Data: data(cbApprove, c.ID)},
				{Label: "❌ Reject", Data: data(cbReject, c.ID)},
			}})
	}
}

func (h *Handler) search(chatID int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		h.reply(chatID, "Usage: /search &lt;words&gt;", nil)
		return
	}
	resp := h.svc.Search(search.Query{Text: text, Limit: 5})
	if len(resp.Results) == 0 {
		h.reply(chatID, "🔍 No published confessions match.", nil)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 <b>%d result(s)</b>\n", resp.Total)
	actions := make([][]notify.Action, 0, len(resp.Results))
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "\n<b>#%d</b> %s\n", r.ID, search.Render(truncate(r.Snippet, 160), html.EscapeString, "<b>", "</b>"))
		actions = append(actions, []notify.Action{{Label: fmt.Sprintf("💬 #%d comments", r.ID), Data: data(cbViewComments, r.ID)}})
	}
	h.reply(chatID, b.String(), actions)
}

func (h *Handler) showComments(ctx context.Context, chatID, confessionID int64, page int, anchor int64) {
	p, err := h.svc.Page(ctx, confessionID, page, anchor)
	if err != nil {
		h.reply(chatID, userMessage(err), nil)
		return
	}
	header := fmt.Sprintf("💬 Comments for Confession #%d • Page %d", confessionID, p.Page)
	if p.Total == 0 {
		header += "\n\nNo comments yet. Be the first!"
	}
	h.reply(chatID, header, pageActions(p))
	for _, item := range p.Items {
		h.reply(chatID, h.commentText(ctx, item), commentActions(item.Comment))
	}
}

func (h *Handler) commentText(ctx context.Context, item app.CommentView) string {
	author := "<b>Anonymous</b>"
	if item.Badge.IsOriginalPoster {
		author += " · <i>OP</i>"
	}
	line := ""
	if st, err := h.svc.Stats(ctx, item.AuthorID); err == nil {
		line = fmt.Sprintf("\n👤 • ⭐ %d • %s %.2f", st.Impact, acceptanceEmoji(st), st.Acceptance/10)
	}
	return fmt.Sprintf("%s\n%s\n%s\n🕒 %s", author, html.EscapeString(truncate(item.Text, commentSnippetLen)), line, item.CreatedAt.UTC().Format("Jan 02, 2006 • 03:04 PM"))
}

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	cb, err := parseCallback(q.Data)
	if err != nil {
		slog.Warn("telegram_bad_callback", "data", q.Data, "error", err)
		h.answer(q.ID, "Unknown action")
		return
	}
	p, err := h.register(ctx, q.From)
	if err != nil {
		h.answer(q.ID, userMessage(err))
		return
	}
	h.track(ctx, p, "callback_"+string(cb.action))

	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}

	if cb.action != cbAddComment && cb.action != cbReplyComment {
		h.keepAlive(ctx, p)
	}

	switch cb.action {
	case cbApprove, cbReject:
		h.resolve(ctx, q, p, cb)
	case cbViewComments:
		h.answer(q.ID, "")
		h.showComments(ctx, q.From.ID, cb.args[0], 1, 0)
	case cbCommentsPage:
		h.answer(q.ID, "")
		h.showComments(ctx, chatID, cb.args[0], int(cb.args[1]), cb.args[2])
	case cbAddComment:
		if _, err := h.svc.Page(ctx, cb.args[0], 1, 0); err != nil {
			h.answer(q.ID, userMessage(err))
			return
		}
		h.answer(q.ID, "")
		h.begin(ctx, p, q.From.ID, session.ModeComment, session.Payload{ConfessionID: cb.args[0]},
			fmt.Sprintf("✍️ Send your comment for confession #%d. /cancel to abort.", cb.args[0]))
	case cbReplyComment:
		c, err := h.svc.Comment(ctx, cb.args[0])
		if err != nil {
			h.answer(q.ID, userMessage(err))
			return
		}
		h.answer(q.ID, "")
		h.begin(ctx, p, q.From.ID, session.ModeComment, session.Payload{ConfessionID: c.ConfessionID, ParentID: c.ID},
			"↩️ Send your reply. /cancel to abort.")
	case cbLike, cbDislike, cbReport:
		h.react(ctx, q, p, cb)
	}
}

func (h *Handler) resolve(ctx context.Context, q *tgbotapi.CallbackQuery, p store.Participant, cb callback) {
	decision := events.DecisionApprove
	if cb.action == cbReject {
		decision = events.DecisionReject
	}
	res, err := h.svc.Resolve(ctx, cb.args[0], p.ID, decision)
	if err != nil {
		h.answer(q.ID, userMessage(err))
		return
	}
	verb := "approved"
	if res.Decision == events.DecisionReject {
		verb = "rejected"
	}
	if res.AlreadyResolved {
		h.answer(q.ID, fmt.Sprintf("Already %s by %s", verb, displayName(res.ResolvedBy)))
	} else {
		h.answer(q.ID, "Confession "+verb)
	}
	if q.Message != nil && q.Message.Chat != nil {
		if err := h.client.editActions(q.Message.Chat.ID, q.Message.MessageID, nil); err != nil {
			slog.Debug("telegram_edit_failed", "error", err)
		}
	}
}

func (h *Handler) react(ctx context.Context, q *tgbotapi.CallbackQuery, p store.Participant, cb callback) {
	res, err := h.svc.React(ctx, cb.args[0], p.ID, reactionKind(cb.action))
	if err != nil {
		h.answer(q.ID, userMessage(err))
		return
	}
	switch {
	case res.Unchanged && res.Kind == store.ReactionReport:
		h.answer(q.ID, "You already reported this comment")
	case res.Unchanged:
		h.answer(q.ID, "You already reacted")
	case res.Kind == store.ReactionReport:
		h.answer(q.ID, "⚠️ Reported")
	case res.Kind == store.ReactionLike:
		h.answer(q.ID, "👍 Liked")
	default:
		h.answer(q.ID, "👎 Disliked")
	}
	if res.Unchanged || q.Message == nil || q.Message.Chat == nil {
		return
	}
	c := store.Comment{ID: res.CommentID, Likes: res.Counts.Likes, Dislikes: res.Counts.Dislikes, Reports: res.Counts.Reports}
	if err := h.client.editActions(q.Message.Chat.ID, q.Message.MessageID, commentActions(c)); err != nil {
		slog.Debug("telegram_edit_failed", "error", err)
	}
}

func (h *Handler) answer(callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := h.client.answer(callbackID, text); err != nil {
		slog.Debug("telegram_answer_failed", "error", err)
	}
}

// splitCommand returns the command name without slash or bot suffix, and
// the remaining text. Non-commands yield an empty name.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	name, args, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func userMessage(err error) string {
	var domainErr *app.DomainError
	if !errors.As(err, &domainErr) {
		return "⚠️ Something went wrong, please try again later."
	}
	switch domainErr.Code {
	case app.CodeValidation:
		if details, ok := domainErr.Details.(map[string]any); ok {
			if limit, ok := details["max"].(int); ok {
				return fmt.Sprintf("⚠️ Too long: the limit is %d characters.", limit)
			}
		}
		return "⚠️ " + domainErr.Message + "."
	case app.CodeNotFound:
		return "🤷 That no longer exists."
	case app.CodePermission:
		return "⛔ Only admins can do that."
	case app.CodeNotPublished:
		return "⏳ That confession is not published."
	case app.CodeRateLimited:
		return "🐢 You are sending confessions too fast. Try again in a minute."
	case app.CodeTransientStore:
		return "⚠️ We are having trouble saving right now. Please try again shortly."
	default:
		return "⚠️ " + domainErr.Message
	}
}

func displayName(p store.Participant) string {
	if p.Username != "" {
		return "@" + p.Username
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return fmt.Sprintf("admin #%d", p.ID)
}

func acceptanceEmoji(st app.Stats) string {
	switch {
	case st.ReactionsReceived == 0:
		return "😐"
	case st.Acceptance < 30:
		return "😈"
	case st.Acceptance <= 50:
		return "😐"
	default:
		return "😇"
	}
}

func truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "…"
}

const welcomeText = `👋 <b>Welcome to the confession bot</b>

/confess - share something anonymously
/anonymous on|off - choose whether your name is shown
/stats - your impact and acceptance
/search &lt;words&gt; - search published confessions
/comments &lt;id&gt; - read the comments of a confession
/feedback - tell the admins what to improve
/cancel - stop what you started

Admins: /pending, /delete &lt;id&gt;`
