// Package confirm provides the Lambda function implementation that activates
// pending subscriptions from the emailed confirmation link.
package confirm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"newsletter/internal/logging"
	"newsletter/internal/mail"
	"newsletter/internal/response"
	"newsletter/internal/store"
	"newsletter/internal/token"
	"newsletter/types"
)

// SubscriberStore reads and activates subscriber records.
type SubscriberStore interface {
	Get(ctx context.Context, email string) (types.Subscriber, error)
	Confirm(ctx context.Context, email string, at time.Time) error
}

// Mailer sends a single email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Handler provides the state and implementation of the confirm function.
type Handler struct {
	store  SubscriberStore
	mailer Mailer
	site   mail.Site
	cors   response.CORS
	log    zerolog.Logger
	now    func() time.Time
}

// Config provides configuration options for a Handler.
type Config struct {
	Store      SubscriberStore
	Mailer     Mailer
	Site       mail.Site
	DomainName string
	Logger     zerolog.Logger
}

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	return &Handler{
		store:  cfg.Store,
		mailer: cfg.Mailer,
		site:   cfg.Site,
		cors:   response.Public(cfg.DomainName),
		log:    cfg.Logger,
		now:    time.Now,
	}
}

const (
	msgInvalidLink    = "Invalid confirmation link"
	msgConfirmFailure = "Failed to confirm subscription"
)

// Confirm activates the subscriber named by the email and token query
// parameters and redirects to the site's success page.
func (h *Handler) Confirm(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tok := req.QueryStringParameters["token"]
	email := mail.Normalize(req.QueryStringParameters["email"])
	if tok == "" || email == "" {
		return h.cors.Fail(http.StatusBadRequest, msgInvalidLink), nil
	}
	log := h.log.With().Str("email", logging.Email(email)).Logger()

	sub, err := h.store.Get(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return h.cors.Fail(http.StatusBadRequest, msgInvalidLink), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not look up subscriber")
		return h.cors.Fail(http.StatusInternalServerError, msgConfirmFailure), nil
	}
	if sub.ConfirmToken == "" || !token.Equal(tok, sub.ConfirmToken) {
		log.Info().Msg("confirmation token mismatch")
		return h.cors.Fail(http.StatusBadRequest, msgInvalidLink), nil
	}
	// Bounced and complained records keep their token but must stay blocked.
	if sub.Status != types.StatusPending {
		log.Warn().Str("status", string(sub.Status)).Msg("confirmation for non-pending subscriber")
		return h.cors.Fail(http.StatusBadRequest, msgInvalidLink), nil
	}

	err = h.store.Confirm(ctx, email, h.now())
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStatusConflict) {
		return h.cors.Fail(http.StatusBadRequest, msgInvalidLink), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not activate subscriber")
		return h.cors.Fail(http.StatusInternalServerError, msgConfirmFailure), nil
	}
	log.Info().Msg("subscription confirmed")

	// The subscription is already active, so a failed welcome email only gets logged.
	msg, err := h.site.Welcome(email)
	if err == nil {
		err = h.mailer.Send(ctx, msg)
	}
	if err != nil {
		log.Error().Err(err).Msg("could not send welcome email")
	}

	return response.Redirect(h.site.URL + "/subscribed?success=true"), nil
}
