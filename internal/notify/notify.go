// Package notify turns domain events into messages for participants and
// administrators.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"unicode/utf8"

	"confessions/bot/internal/events"
	"confessions/bot/internal/metrics"
	"confessions/bot/internal/store"
)

const previewLen = 200

// Action is an inline button attached to a message.
type Action struct {
	Label string
	Data  string
	URL   string
}

// Message is rendered as HTML by the transport.
type Message struct {
	Text    string
	Actions [][]Action
}

type Deliverer interface {
	Deliver(ctx context.Context, externalID int64, msg Message) error
}

type Retracter interface {
	Retract(ctx context.Context, handle int64) error
}

// AdminSource lists the external ids of the current administrators.
type AdminSource interface {
	AdminRecipients(ctx context.Context) ([]int64, error)
}

type AdminSourceFunc func(ctx context.Context) ([]int64, error)

func (f AdminSourceFunc) AdminRecipients(ctx context.Context) ([]int64, error) {
	return f(ctx)
}

// Dispatcher implements events.Emitter. Each event is delivered in its own
// goroutine so emitters never wait on the transport.
type Dispatcher struct {
	deliverer Deliverer
	retracter Retracter
	admins    AdminSource
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

func NewDispatcher(deliverer Deliverer, retracter Retracter, admins AdminSource, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{deliverer: deliverer, retracter: retracter, admins: admins, metrics: m}
}

func (d *Dispatcher) Emit(ctx context.Context, event events.Event) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(ctx, event)
	}()
}

// Wait blocks until every emitted event has been dispatched.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch delivers event synchronously. Failures are logged and counted;
// nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) {
	switch e := event.(type) {
	case events.ConfessionSubmitted:
		d.toAdmins(ctx, e.Kind(), submittedMessage(e))
	case events.ConfessionResolved:
		if e.Fresh {
			d.deliver(ctx, e.Kind(), e.Author.ExternalID, resolvedMessage(e))
			return
		}
		d.deliver(ctx, e.Kind(), e.Requester.ExternalID, collisionMessage(e))
	case events.ReportThresholdCrossed:
		d.toAdmins(ctx, e.Kind(), thresholdMessage(e))
	case events.FeedbackSubmitted:
		d.toAdmins(ctx, e.Kind(), feedbackMessage(e))
	case events.RetractPublication:
		d.retract(ctx, e)
	default:
		slog.Warn("notify_unknown_event", "event", event.Kind())
	}
}

func (d *Dispatcher) toAdmins(ctx context.Context, kind string, msg Message) {
	recipients, err := d.admins.AdminRecipients(ctx)
	if err != nil {
		slog.Error("notify_admins_lookup_failed", "event", kind, "error", err)
		d.metrics.Deliveries.WithLabelValues(kind, "lookup_failed").Inc()
		return
	}
	if len(recipients) == 0 {
		slog.Warn("notify_no_admins", "event", kind)
		return
	}
	for _, id := range recipients {
		d.deliver(ctx, kind, id, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, kind string, externalID int64, msg Message) {
	if externalID == 0 {
		d.metrics.Deliveries.WithLabelValues(kind, "skipped").Inc()
		return
	}
	if err := d.deliverer.Deliver(ctx, externalID, msg); err != nil {
		slog.Warn("notify_delivery_failed", "event", kind, "recipient", externalID, "error", err)
		d.metrics.Deliveries.WithLabelValues(kind, "failed").Inc()
		return
	}
	d.metrics.Deliveries.WithLabelValues(kind, "delivered").Inc()
}

func (d *Dispatcher) retract(ctx context.Context, e events.RetractPublication) {
	if d.retracter == nil {
		return
	}
	if err := d.retracter.Retract(ctx, e.Handle); err != nil {
		slog.Warn("publication_retract_failed", "confession_id", e.ConfessionID, "handle", e.Handle, "error", err)
		d.metrics.Retractions.WithLabelValues("failed").Inc()
		return
	}
	slog.Info("publication_retracted", "confession_id", e.ConfessionID, "handle", e.Handle)
	d.metrics.Retractions.WithLabelValues("retracted").Inc()
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLen]) + "..."
}

func authorLine(c store.Confession, author store.Participant) string {
	if c.IsAnonymous {
		return "Anonymous"
	}
	name := author.DisplayName
	if author.Username != "" {
		name += " (@" + author.Username + ")"
	}
	return name
}

func submittedMessage(e events.ConfessionSubmitted) Message {
	c := e.Confession
	text := fmt.Sprintf("🔔 <b>New Confession Pending Review</b>\n\n<b>ID:</b> %d\n<b>From:</b> %s\n<b>Submitted:</b> %s\n\n<b>Preview:</b>\n%s",
		c.ID,
		html.EscapeString(authorLine(c, e.Author)),
		c.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"),
		html.EscapeString(preview(c.Text)),
	)
	return Message{
		Text: text,
		Actions: [][]Action{{
			{Label: "✅ Approve", Data: fmt.Sprintf("approve_%d", c.ID)},
			{Label: "❌ Reject", Data: fmt.Sprintf("reject_%d", c.ID)},
		}},
	}
}

func resolvedMessage(e events.ConfessionResolved) Message {
	if e.Decision == events.DecisionApprove {
		return Message{Text: fmt.Sprintf("✅ <b>Confession Approved</b>\n\nYour confession (ID: %d) has been approved and published to the channel!\n\nYou can view it and see comments from the community.", e.Confession.ID)}
	}
	return Message{Text: fmt.Sprintf("❌ <b>Confession Rejected</b>\n\nYour confession (ID: %d) was not approved for publication.\n\nIf you have questions, please contact an administrator.", e.Confession.ID)}
}

func collisionMessage(e events.ConfessionResolved) Message {
	who := e.Reviewer.DisplayName
	if who == "" {
		who = fmt.Sprintf("admin #%d", e.Reviewer.ID)
	}
	verb := "approved"
	if e.Decision == events.DecisionReject {
		verb = "rejected"
	}
	return Message{Text: fmt.Sprintf("ℹ️ Confession %d was already %s by %s at %s.",
		e.Confession.ID, verb, html.EscapeString(who), e.ResolvedAt.UTC().Format("2006-01-02 15:04 UTC"))}
}

func thresholdMessage(e events.ReportThresholdCrossed) Message {
	c := e.Comment
	return Message{
		Text: fmt.Sprintf("⚠️ <b>Comment Reported</b>\n\nComment %d on confession %d reached %d reports.\n\n%s",
			c.ID, c.ConfessionID, e.Reports, html.EscapeString(preview(c.Text))),
		Actions: [][]Action{{
			{Label: "💬 View Comments", Data: fmt.Sprintf("view_comments_%d", c.ConfessionID)},
		}},
	}
}

func feedbackMessage(e events.FeedbackSubmitted) Message {
	from := e.Author.DisplayName
	if e.Author.Username != "" {
		from += " (@" + e.Author.Username + ")"
	}
	return Message{Text: fmt.Sprintf("📝 <b>New Feedback</b>\n\n<b>ID:</b> %d\n<b>From:</b> %s\n\n%s",
		e.Feedback.ID, html.EscapeString(from), html.EscapeString(preview(e.Feedback.Text)))}
}
