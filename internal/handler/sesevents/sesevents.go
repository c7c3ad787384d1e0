// Package sesevents provides the Lambda function implementation that applies
// SES bounce and complaint notifications to subscriber records.
package sesevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"newsletter/internal/logging"
	"newsletter/internal/response"
	"newsletter/internal/store"
)

// SubscriberStore applies delivery feedback to subscriber records.
type SubscriberStore interface {
	MarkBounced(ctx context.Context, email, bounceType, bounceSubType string, at time.Time) error
	RecordTransientBounce(ctx context.Context, email string, at time.Time) error
	MarkComplained(ctx context.Context, email, feedbackType string, at time.Time) error
}

// HTTPDoer performs HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handler provides the state and implementation of the SES events function.
type Handler struct {
	store    SubscriberStore
	client   HTTPDoer
	topicARN string
	certs    certCache
	cors     response.CORS
	log      zerolog.Logger
	now      func() time.Time
}

// Config contains the parameters for creating a new Handler.
type Config struct {
	Store SubscriberStore

	// HTTPClient fetches SNS signing certificates and confirms HTTPS
	// subscriptions. It may be nil when only SNS-triggered invocations are served.
	HTTPClient HTTPDoer

	// TopicARN, when set, is the only topic the webhook accepts messages from.
	TopicARN string

	Logger zerolog.Logger
}

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	return &Handler{
		store:    cfg.Store,
		client:   cfg.HTTPClient,
		topicARN: cfg.TopicARN,
		cors:     response.Admin(),
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// Notification is the subset of an SES notification that affects subscribers.
type Notification struct {
	EventType        string     `json:"eventType"`
	NotificationType string     `json:"notificationType"`
	Bounce           *Bounce    `json:"bounce"`
	Complaint        *Complaint `json:"complaint"`
}

// Type returns the event type from either the event publishing or the
// notification format.
func (n Notification) Type() string {
	if n.EventType != "" {
		return n.EventType
	}
	return n.NotificationType
}

// Bounce describes a bounced delivery.
type Bounce struct {
	BounceType        string      `json:"bounceType"`
	BounceSubType     string      `json:"bounceSubType"`
	BouncedRecipients []Recipient `json:"bouncedRecipients"`
}

// Complaint describes a spam complaint.
type Complaint struct {
	ComplaintFeedbackType string      `json:"complaintFeedbackType"`
	ComplainedRecipients  []Recipient `json:"complainedRecipients"`
}

// Recipient is one affected address.
type Recipient struct {
	EmailAddress string `json:"emailAddress"`
}

const (
	typeBounce    = "Bounce"
	typeComplaint = "Complaint"

	bouncePermanent = "Permanent"
	bounceTransient = "Transient"

	defaultFeedbackType = "not-specified"
)

// address extracts the bare, normalized address from a recipient, which may
// carry a display name.
func address(raw string) string {
	if a, err := mail.ParseAddress(raw); err == nil {
		raw = a.Address
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// HandleSNS processes every SES notification delivered by SNS. An error makes
// Lambda retry the whole event.
func (h *Handler) HandleSNS(ctx context.Context, event events.SNSEvent) error {
	for _, record := range event.Records {
		if err := h.Process(ctx, record.SNS.Message); err != nil {
			return fmt.Errorf("message %s: %w", record.SNS.MessageID, err)
		}
	}
	return nil
}

// Process applies a single SES notification.
func (h *Handler) Process(ctx context.Context, message string) error {
	var n Notification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		return fmt.Errorf("could not parse SES notification: %w", err)
	}

	switch n.Type() {
	case typeBounce:
		if n.Bounce == nil {
			return errors.New("bounce notification without bounce details")
		}
		return h.bounce(ctx, *n.Bounce)
	case typeComplaint:
		if n.Complaint == nil {
			return errors.New("complaint notification without complaint details")
		}
		return h.complaint(ctx, *n.Complaint)
	default:
		h.log.Info().Str("type", n.Type()).Msg("ignoring SES event")
		return nil
	}
}

// apply runs fn for a recipient, skipping addresses that are not on the list.
func (h *Handler) apply(email, action string, fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrNotFound) {
		h.log.Info().Str("email", logging.Email(email)).Str("action", action).Msg("recipient is not a subscriber")
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not record %s: %w", action, err)
	}
	h.log.Info().Str("email", logging.Email(email)).Str("action", action).Msg("recorded delivery feedback")
	return nil
}

func (h *Handler) bounce(ctx context.Context, b Bounce) error {
	at := h.now()
	for _, r := range b.BouncedRecipients {
		email := address(r.EmailAddress)
		var err error
		switch b.BounceType {
		case bouncePermanent:
			err = h.apply(email, "permanent bounce", func() error {
				return h.store.MarkBounced(ctx, email, b.BounceType, b.BounceSubType, at)
			})
		case bounceTransient:
			err = h.apply(email, "transient bounce", func() error {
				return h.store.RecordTransientBounce(ctx, email, at)
			})
		default:
			h.log.Info().Str("bounceType", b.BounceType).Msg("ignoring bounce type")
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) complaint(ctx context.Context, c Complaint) error {
	at := h.now()
	feedback := c.ComplaintFeedbackType
	if feedback == "" {
		feedback = defaultFeedbackType
	}
	for _, r := range c.ComplainedRecipients {
		email := address(r.EmailAddress)
		err := h.apply(email, "complaint", func() error {
			return h.store.MarkComplained(ctx, email, feedback, at)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

const (
	snsNotification             = "Notification"
	snsSubscriptionConfirmation = "SubscriptionConfirmation"
	snsUnsubscribeConfirmation  = "UnsubscribeConfirmation"

	msgProcessFailure = "Failed to process SES event"
	msgInvalidMessage = "Invalid SNS message"
)

// Webhook handles SNS deliveries to an HTTPS subscription. Every message must
// carry a valid SNS signature.
func (h *Handler) Webhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	err := h.webhook(ctx, req)
	if errors.Is(err, errInvalidMessage) {
		h.log.Warn().Err(err).Msg("rejected SNS message")
		return h.cors.Fail(http.StatusForbidden, msgInvalidMessage), nil
	}
	if err != nil {
		h.log.Error().Err(err).Msg("could not process SES event")
		return h.cors.Fail(http.StatusInternalServerError, msgProcessFailure), nil
	}
	return h.cors.JSON(http.StatusOK, map[string]bool{"success": true}), nil
}

func (h *Handler) webhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) error {
	body, err := response.Body(req)
	if err != nil {
		return fmt.Errorf("could not decode body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: could not parse SNS envelope: %v", errInvalidMessage, err)
	}
	if err := h.verify(ctx, env); err != nil {
		return err
	}

	switch env.Type {
	case snsSubscriptionConfirmation:
		return h.confirmSubscription(ctx, env)
	case snsNotification:
		return h.Process(ctx, env.Message)
	default:
		h.log.Info().Str("type", env.Type).Msg("ignoring SNS message")
		return nil
	}
}

// confirmSubscription visits the SubscribeURL of a new SNS subscription. Only
// SNS endpoints are contacted.
func (h *Handler) confirmSubscription(ctx context.Context, env envelope) error {
	u, err := snsURL(env.SubscribeURL)
	if err != nil {
		return err
	}
	if h.client == nil {
		return errors.New("no HTTP client configured for subscription confirmation")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not confirm subscription: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("subscription confirmation returned status %d", res.StatusCode)
	}

	h.log.Info().Str("topic", env.TopicArn).Msg("confirmed SNS subscription")
	return nil
}
