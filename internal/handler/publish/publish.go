// Package publish provides the Lambda function implementation that sends a
// newsletter issue to every active subscriber.
package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"newsletter/internal/logging"
	"newsletter/internal/mail"
	"newsletter/internal/metrics"
	"newsletter/internal/response"
	"newsletter/internal/token"
	"newsletter/types"
)

// SubscriberStore lists recipients and persists their unsubscribe tokens.
type SubscriberStore interface {
	ListByStatus(ctx context.Context, status types.Status) ([]types.Subscriber, error)
	SetUnsubscribeToken(ctx context.Context, email, token string) error
}

// Mailer sends a single email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Metrics records counters.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims ...string)
}

// ActivityLog records newsletter sends.
type ActivityLog interface {
	NewsletterSent(ctx context.Context, stats types.SendStats)
}

// Handler provides the state and implementation of the publish function.
type Handler struct {
	store      SubscriberStore
	mailer     Mailer
	metrics    Metrics
	activity   ActivityLog
	site       mail.Site
	apiKey     string
	salt       string
	batchSize  int
	batchPause time.Duration
	cors       response.CORS
	log        zerolog.Logger
	now        func() time.Time
	pause      func(ctx context.Context, d time.Duration) error
}

// Config provides configuration options for a Handler.
type Config struct {
	Store      SubscriberStore
	Mailer     Mailer
	Metrics    Metrics
	Activity   ActivityLog
	Site       mail.Site
	APIKey     string
	Salt       string
	BatchSize  int
	BatchPause time.Duration
	Logger     zerolog.Logger
}

const defaultBatchSize = 50

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	h := &Handler{
		store:      cfg.Store,
		mailer:     cfg.Mailer,
		metrics:    cfg.Metrics,
		activity:   cfg.Activity,
		site:       cfg.Site,
		apiKey:     cfg.APIKey,
		salt:       cfg.Salt,
		batchSize:  cfg.BatchSize,
		batchPause: cfg.BatchPause,
		cors:       response.Admin(),
		log:        cfg.Logger,
		now:        time.Now,
		pause:      sleep,
	}
	if h.batchSize < 1 {
		h.batchSize = defaultBatchSize
	}
	return h
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type request struct {
	Subject     string `json:"subject"`
	HTMLContent string `json:"htmlContent"`
	TextContent string `json:"textContent"`
	TestMode    bool   `json:"testMode"`
	TestEmail   string `json:"testEmail"`
	APIKey      string `json:"apiKey"`
}

// Result is the body of a successful publish.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stats   any    `json:"stats"`
}

// Summary reports a send that did not go through the batch loop.
type Summary struct {
	Total    int  `json:"total"`
	Sent     int  `json:"sent"`
	TestMode bool `json:"testMode,omitempty"`
}

// Stats reports the outcome of a full send.
type Stats struct {
	Total  int         `json:"total"`
	Sent   int         `json:"sent"`
	Failed int         `json:"failed"`
	Errors []SendError `json:"errors"`
}

// SendError describes a single failed delivery.
type SendError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

const (
	msgInvalidBody      = "Invalid request body"
	msgUnauthorized     = "Unauthorized"
	msgMissingFields    = "Missing required fields: subject and htmlContent"
	msgTestEmail        = "Test email required in test mode"
	msgTestSent         = "Test email sent"
	msgNoSubscribers    = "No active subscribers found"
	msgSent             = "Newsletter sent successfully"
	msgPublishFailure   = "Failed to publish newsletter"
	testUnsubscribeCode = "test-token"
)

// authorized checks the key from the body, falling back to a bearer token.
// An unset key rejects every request.
func (h *Handler) authorized(req events.APIGatewayV2HTTPRequest, bodyKey string) bool {
	if h.apiKey == "" {
		return false
	}
	key := bodyKey
	if key == "" {
		key = strings.TrimPrefix(response.Header(req, "Authorization"), "Bearer ")
	}
	return key != "" && token.Equal(key, h.apiKey)
}

// issue is a newsletter ready to be personalized per recipient.
type issue struct {
	subject string
	html    *mail.Content
	text    *mail.Content
}

// Publish sends the issue in the request body to every active subscriber, or
// only to testEmail in test mode.
func (h *Handler) Publish(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if response.IsPreflight(req) {
		return h.cors.Preflight(), nil
	}

	body, err := response.Body(req)
	if err != nil {
		return h.cors.Fail(http.StatusBadRequest, msgInvalidBody), nil
	}
	var in request
	if err := json.Unmarshal(body, &in); err != nil {
		h.log.Info().Err(err).Msg("could not parse request body")
		return h.cors.Fail(http.StatusBadRequest, msgInvalidBody), nil
	}

	if !h.authorized(req, in.APIKey) {
		h.log.Warn().Msg("unauthorized publish attempt")
		return h.cors.Fail(http.StatusUnauthorized, msgUnauthorized), nil
	}
	if in.Subject == "" || in.HTMLContent == "" {
		return h.cors.Fail(http.StatusBadRequest, msgMissingFields), nil
	}

	textSrc := in.TextContent
	if textSrc == "" {
		textSrc = mail.StripHTML(in.HTMLContent)
	}
	is := issue{
		subject: in.Subject,
		html:    mail.ParseContent(in.HTMLContent),
		text:    mail.ParseContent(textSrc),
	}

	if in.TestMode {
		return h.sendTest(ctx, is, in.TestEmail), nil
	}

	subs, err := h.store.ListByStatus(ctx, types.StatusActive)
	if err != nil {
		h.log.Error().Err(err).Msg("could not list active subscribers")
		return h.cors.FailWithDetails(http.StatusInternalServerError, msgPublishFailure, err), nil
	}
	if len(subs) == 0 {
		return h.cors.JSON(http.StatusOK, Result{Success: true, Message: msgNoSubscribers, Stats: Summary{}}), nil
	}

	h.log.Info().Str("subject", is.subject).Int("subscribers", len(subs)).Msg("publishing newsletter")
	stats := h.sendBulk(ctx, is, subs)

	h.metrics.Count(ctx, metrics.NewslettersSent, 1)
	h.metrics.Count(ctx, metrics.EmailsSentTotal, float64(stats.Sent))
	h.metrics.Count(ctx, metrics.EmailsFailed, float64(stats.Failed))
	h.activity.NewsletterSent(ctx, types.SendStats{
		Subject:         is.subject,
		SubscriberCount: stats.Total,
		SuccessCount:    stats.Sent,
		FailureCount:    stats.Failed,
		Timestamp:       types.Timestamp(h.now()),
	})

	h.log.Info().Int("sent", stats.Sent).Int("failed", stats.Failed).Msg("newsletter sent")
	return h.cors.JSON(http.StatusOK, Result{Success: true, Message: msgSent, Stats: stats}), nil
}

func (h *Handler) sendTest(ctx context.Context, is issue, testEmail string) events.APIGatewayV2HTTPResponse {
	email := mail.Normalize(testEmail)
	if email == "" {
		return h.cors.Fail(http.StatusBadRequest, msgTestEmail)
	}

	msg, err := h.message(is, types.Subscriber{Email: email}, testUnsubscribeCode)
	if err == nil {
		msg.Subject = "[TEST] " + msg.Subject
		err = h.mailer.Send(ctx, msg)
	}
	if err != nil {
		h.log.Error().Err(err).Str("email", logging.Email(email)).Msg("could not send test email")
		return h.cors.FailWithDetails(http.StatusInternalServerError, msgPublishFailure, err)
	}
	return h.cors.JSON(http.StatusOK, Result{Success: true, Message: msgTestSent, Stats: Summary{Total: 1, Sent: 1, TestMode: true}})
}

// message personalizes the issue for sub and appends the footer carrying unsubscribeToken.
func (h *Handler) message(is issue, sub types.Subscriber, unsubscribeToken string) (mail.Message, error) {
	footer, err := h.site.Footer(sub.Email, unsubscribeToken)
	if err != nil {
		return mail.Message{}, err
	}
	return mail.Message{
		To:      sub.Email,
		Subject: is.subject,
		HTML:    mail.AddFooter(is.html.Personalize(sub), footer),
		Text:    is.text.Personalize(sub),
	}, nil
}

// deliver sends the issue to one subscriber and persists a newly derived
// unsubscribe token once the send succeeds.
func (h *Handler) deliver(ctx context.Context, is issue, sub types.Subscriber) error {
	tok := sub.UnsubscribeToken
	if tok == "" {
		tok = token.Unsubscribe(sub.Email, h.salt)
	}

	msg, err := h.message(is, sub, tok)
	if err != nil {
		return err
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		return err
	}

	if sub.UnsubscribeToken == "" {
		if err := h.store.SetUnsubscribeToken(ctx, sub.Email, tok); err != nil {
			h.log.Error().Err(err).Str("email", logging.Email(sub.Email)).Msg("could not save unsubscribe token")
		}
	}
	return nil
}

// sendBulk delivers to subs in batches of batchSize. Deliveries within a batch
// run concurrently, and batches are separated by batchPause.
func (h *Handler) sendBulk(ctx context.Context, is issue, subs []types.Subscriber) Stats {
	stats := Stats{Total: len(subs), Errors: []SendError{}}
	errs := make([]error, len(subs))

	for start := 0; start < len(subs); start += h.batchSize {
		end := min(start+h.batchSize, len(subs))

		if start > 0 {
			if err := h.pause(ctx, h.batchPause); err != nil {
				for i := start; i < len(subs); i++ {
					errs[i] = err
				}
				break
			}
		}

		var wg sync.WaitGroup
		wg.Add(end - start)
		for i := start; i < end; i++ {
			go func() {
				defer wg.Done()
				errs[i] = h.deliver(ctx, is, subs[i])
			}()
		}
		wg.Wait()
	}

	for i, err := range errs {
		if err == nil {
			stats.Sent++
			continue
		}
		stats.Failed++
		stats.Errors = append(stats.Errors, SendError{Email: subs[i].Email, Error: err.Error()})
		h.log.Warn().Err(err).Str("email", logging.Email(subs[i].Email)).Msg("delivery failed")
	}
	return stats
}
