// Package notify fans out notifications for newly created posts: one email
// per page member except the author, exactly once per post, plus a
// best-effort web push for members with a registered subscription.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"veche/internal/content"
	"veche/internal/models"
	"veche/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

// Event is one newly created post. Events are enqueued only after the post
// is durably stored, never from inside the storing transaction.
type Event struct {
	Page   models.Page
	Post   models.Post
	Author models.User
	// Force re-sends even when the (post, recipient) pair was notified
	// before. Set only by explicit re-triggers, never by plain upserts.
	Force bool
}

type Config struct {
	BaseURL         string
	SiteName        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

type Dispatcher struct {
	Config
	store  *storage.BboltStorage
	mailer Mailer
	queue  chan Event
	now    func() time.Time
}

func NewDispatcher(config Config, store *storage.BboltStorage, mailer Mailer) *Dispatcher {
	if config.SiteName == "" {
		config.SiteName = "Veche"
	}
	return &Dispatcher{
		Config: config,
		store:  store,
		mailer: mailer,
		queue:  make(chan Event, 256),
		now:    time.Now,
	}
}

// Enqueue hands a post to the worker. Dispatch failures never propagate to
// the caller that created the post.
func (d *Dispatcher) Enqueue(ev Event) {
	select {
	case d.queue <- ev:
	default:
		slog.Error("notification queue full, dropping event",
			"page_id", ev.Page.ID, "post_nr", ev.Post.Nr)
	}
}

// Run consumes the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	for _, memberID := range ev.Page.MemberIDs {
		// The author is never notified about their own post.
		if memberID == ev.Author.ID {
			continue
		}
		d.notifyOne(ev, memberID)
	}
}

// notifyOne handles one (post, recipient) pair. The claim in storage makes
// the pair at-most-once: a pair claimed by an earlier event (e.g. a
// re-upsert) is skipped entirely.
func (d *Dispatcher) notifyOne(ev Event, recipientID int64) {
	now := d.now().Unix()
	claimed, err := d.store.ClaimNotf(ev.Page.ID, ev.Post.Nr, recipientID, now)
	if err != nil {
		slog.Error("failed to claim notification", "error", err,
			"page_id", ev.Page.ID, "post_nr", ev.Post.Nr, "user_id", recipientID)
		return
	}
	if !claimed && !ev.Force {
		return
	}

	recipient, err := d.store.GetUser(recipientID)
	if err != nil {
		slog.Error("notification recipient missing", "error", err, "user_id", recipientID)
		return
	}

	if !recipient.IsEmailAddressVerified || !recipient.EmailNotfsEnabled ||
		recipient.PrimaryEmailAddress == "" {
		if err := d.store.FinishNotf(ev.Page.ID, ev.Post.Nr, recipientID,
			models.NotfSuppressed, now); err != nil {
			slog.Error("failed to mark notification suppressed", "error", err)
		}
		return
	}

	subject, htmlBody, err := d.renderEmail(ev, recipient)
	if err != nil {
		slog.Error("failed to render notification email", "error", err)
		return
	}

	if err := d.mailer.Send(recipient.PrimaryEmailAddress, subject, htmlBody); err != nil {
		// Operator problem, not the poster's. The claim stays, we do not
		// retry here.
		slog.Error("failed to send notification email", "error", err,
			"to", recipient.PrimaryEmailAddress)
		return
	}

	sent := models.SentEmail{
		ID:       uuid.NewString(),
		To:       recipient.PrimaryEmailAddress,
		Subject:  subject,
		BodyHTML: htmlBody,
		SentAt:   now,
	}
	if err := d.store.RecordSentEmail(sent); err != nil {
		slog.Error("failed to record sent email", "error", err)
	}
	if err := d.store.FinishNotf(ev.Page.ID, ev.Post.Nr, recipientID,
		models.NotfSent, now); err != nil {
		slog.Error("failed to mark notification sent", "error", err)
	}

	d.pushOne(ev, recipient)
}

// PostLink is the canonical link to a post, as put into notification emails.
func (d *Dispatcher) PostLink(page models.Page, postNr int) string {
	return fmt.Sprintf("%s%s#post-%d", d.BaseURL, page.CanonicalPath(), postNr)
}

func (d *Dispatcher) renderEmail(ev Event, recipient models.User) (subject, htmlBody string, err error) {
	bodyHTML, err := content.RenderMarkdown(ev.Post.Body)
	if err != nil {
		return "", "", err
	}

	subject = fmt.Sprintf("[%s] %s", d.SiteName, ev.Page.Title)
	link := d.PostLink(ev.Page, ev.Post.Nr)
	htmlBody = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<body>
  <p>Hi %s,</p>
  <p>%s wrote in <b>%s</b>:</p>
  <blockquote>%s</blockquote>
  <p><a href="%s">Read and reply</a></p>
  <p style="color:#999;font-size:12px">You get this email because you are a
  member of this chat on %s.</p>
</body>
</html>`,
		content.Escape(recipient.Username),
		content.Escape(ev.Author.Username),
		content.Escape(ev.Page.Title),
		bodyHTML, link, d.SiteName)
	return subject, htmlBody, nil
}

// pushOne sends a web push to every subscription the recipient has.
// Best effort second channel, failures are only logged.
func (d *Dispatcher) pushOne(ev Event, recipient models.User) {
	if d.VAPIDPrivateKey == "" {
		return
	}
	subs, err := d.store.PushSubscriptionsFor(recipient.ID)
	if err != nil || len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"title": ev.Page.Title,
		"body":  fmt.Sprintf("%s: %s", ev.Author.Username, ev.Post.Body),
		"url":   d.PostLink(ev.Page, ev.Post.Nr),
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      d.VAPIDSubscriber,
			VAPIDPublicKey:  d.VAPIDPublicKey,
			VAPIDPrivateKey: d.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Warn("web push failed", "error", err, "user_id", recipient.ID)
			continue
		}
		_ = resp.Body.Close()
	}
}
