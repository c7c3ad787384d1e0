// Package resubscribe provides the Lambda function implementation that lets a
// former subscriber rejoin the newsletter.
package resubscribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"newsletter/internal/logging"
	"newsletter/internal/mail"
	"newsletter/internal/metrics"
	"newsletter/internal/response"
	"newsletter/internal/store"
	"newsletter/types"
)

// SubscriberStore reads and reactivates subscriber records.
type SubscriberStore interface {
	Get(ctx context.Context, email string) (types.Subscriber, error)
	Resubscribe(ctx context.Context, email string, at time.Time) error
}

// Metrics records counters.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims ...string)
}

// Handler provides the state and implementation of the resubscribe function.
type Handler struct {
	store   SubscriberStore
	metrics Metrics
	cors    response.CORS
	log     zerolog.Logger
	now     func() time.Time
}

// Config contains the parameters for creating a new Handler.
type Config struct {
	Store      SubscriberStore
	Metrics    Metrics
	DomainName string
	Logger     zerolog.Logger
}

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	return &Handler{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		cors:    response.Public(cfg.DomainName),
		log:     cfg.Logger,
		now:     time.Now,
	}
}

type request struct {
	Email              string `json:"email"`
	ConfirmResubscribe bool   `json:"confirmResubscribe"`
}

const (
	msgInvalidBody        = "Invalid request body"
	msgRequired           = "Email and confirmation required"
	msgNotFound           = "Email not found. Please subscribe as a new user."
	msgAlready            = "Already subscribed"
	msgBlocked            = "This email cannot be resubscribed. Please use a different email address."
	msgPending            = "Please confirm your subscription using the link we emailed you."
	msgResubscribed       = "Successfully resubscribed to the newsletter!"
	msgResubscribeFailure = "Failed to resubscribe"
	msgStatusChanged      = "Subscription status changed. Please try again."
)

// Resubscribe reactivates an unsubscribed address after the user confirms.
func (h *Handler) Resubscribe(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
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
	if email == "" || !in.ConfirmResubscribe {
		return h.cors.Fail(http.StatusBadRequest, msgRequired), nil
	}
	log := h.log.With().Str("email", logging.Email(email)).Logger()

	sub, err := h.store.Get(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return h.cors.Fail(http.StatusNotFound, msgNotFound), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not look up subscriber")
		return h.cors.FailWithDetails(http.StatusInternalServerError, msgResubscribeFailure, err), nil
	}

	switch {
	case sub.Status == types.StatusActive:
		return h.cors.OK(msgAlready), nil
	case sub.Status.Blocked():
		log.Warn().Str("status", string(sub.Status)).Msg("resubscribe attempt for blocked address")
		return h.cors.Fail(http.StatusBadRequest, msgBlocked), nil
	case sub.Status == types.StatusPending:
		return h.cors.Fail(http.StatusBadRequest, msgPending), nil
	}

	err = h.store.Resubscribe(ctx, email, h.now())
	if errors.Is(err, store.ErrStatusConflict) {
		log.Warn().Msg("subscriber status changed before resubscribe")
		return h.cors.Fail(http.StatusConflict, msgStatusChanged), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not resubscribe")
		return h.cors.FailWithDetails(http.StatusInternalServerError, msgResubscribeFailure, err), nil
	}
	h.metrics.Count(ctx, metrics.Resubscribes, 1)

	log.Info().Msg("resubscribed")
	return h.cors.OK(msgResubscribed), nil
}
