// Package subscribe provides the Lambda function implementation for newsletter signups.
package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"newsletter/internal/logging"
	"newsletter/internal/mail"
	"newsletter/internal/metrics"
	"newsletter/internal/response"
	"newsletter/internal/store"
	"newsletter/internal/token"
	"newsletter/types"
)

// SubscriberStore reads and replaces subscriber records.
type SubscriberStore interface {
	Get(ctx context.Context, email string) (types.Subscriber, error)
	Put(ctx context.Context, sub types.Subscriber) error
}

// Mailer sends a single email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Metrics records counters.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims ...string)
}

// Handler provides the state and implementation of the subscribe function.
type Handler struct {
	store   SubscriberStore
	mailer  Mailer
	metrics Metrics
	site    mail.Site
	cors    response.CORS
	log     zerolog.Logger
	now     func() time.Time
}

// Config provides configuration options for a Handler.
type Config struct {
	Store      SubscriberStore
	Mailer     Mailer
	Metrics    Metrics
	Site       mail.Site
	DomainName string
	Logger     zerolog.Logger
}

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	return &Handler{
		store:   cfg.Store,
		mailer:  cfg.Mailer,
		metrics: cfg.Metrics,
		site:    cfg.Site,
		cors:    response.Public(cfg.DomainName),
		log:     cfg.Logger,
		now:     time.Now,
	}
}

type request struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

const (
	msgInvalidBody      = "Invalid request body"
	msgInvalidEmail     = "Invalid email address"
	msgAlreadyActive    = "You are already subscribed!"
	msgBlocked          = "This email address cannot be subscribed. Please use a different email address."
	msgCheckEmail       = "Please check your email to confirm your subscription."
	msgSubscribeFailure = "Failed to subscribe. Please try again."
)

var defaultTags = []string{"general"}

// Subscribe records a pending subscription and emails a confirmation link.
func (h *Handler) Subscribe(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
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

	email := mail.Normalize(in.Email)
	if !mail.ValidAddress(email) {
		return h.cors.Fail(http.StatusBadRequest, msgInvalidEmail), nil
	}
	log := h.log.With().Str("email", logging.Email(email)).Logger()

	existing, err := h.store.Get(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		log.Error().Err(err).Msg("could not look up subscriber")
		return h.cors.Fail(http.StatusInternalServerError, msgSubscribeFailure), nil
	case existing.Status == types.StatusActive:
		return h.cors.OK(msgAlreadyActive), nil
	case existing.Status.Blocked():
		log.Warn().Str("status", string(existing.Status)).Msg("subscribe attempt for blocked address")
		return h.cors.Fail(http.StatusBadRequest, msgBlocked), nil
	}

	sub := types.Subscriber{
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		Status:       types.StatusPending,
		ConfirmToken: token.NewConfirm(),
		SubscribedAt: types.Timestamp(h.now()),
		Source:       types.SourceWebsite,
		Tags:         defaultTags,
		Metadata: types.Metadata{
			UserAgent: response.Header(req, "User-Agent"),
			IP:        response.Header(req, "X-Forwarded-For"),
		},
	}
	if err := h.store.Put(ctx, sub); err != nil {
		log.Error().Err(err).Msg("could not save subscriber")
		return h.cors.Fail(http.StatusInternalServerError, msgSubscribeFailure), nil
	}

	h.metrics.Count(ctx, metrics.Subscriptions, 1, "Source", types.SourceWebsite)

	msg, err := h.site.Confirmation(email, sub.Name, sub.ConfirmToken)
	if err == nil {
		err = h.mailer.Send(ctx, msg)
	}
	if err != nil {
		log.Error().Err(err).Msg("could not send confirmation email")
		return h.cors.Fail(http.StatusInternalServerError, msgSubscribeFailure), nil
	}

	log.Info().Msg("pending subscription created")
	return h.cors.OK(msgCheckEmail), nil
}
