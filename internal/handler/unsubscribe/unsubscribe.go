// Package unsubscribe provides the Lambda function implementations for leaving
// the newsletter: the emailed link, which only validates and forwards to the
// feedback page, and the API that performs the unsubscribe.
package unsubscribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
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

// SubscriberStore reads and unsubscribes subscriber records.
type SubscriberStore interface {
	Get(ctx context.Context, email string) (types.Subscriber, error)
	Unsubscribe(ctx context.Context, email string, un store.Unsubscription, at time.Time) error
}

// Metrics records counters.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims ...string)
}

// ActivityLog records unsubscribe events.
type ActivityLog interface {
	Unsubscribed(ctx context.Context, ev types.UnsubscribeEvent)
}

// Handler provides the state and implementation of the unsubscribe functions.
type Handler struct {
	store    SubscriberStore
	metrics  Metrics
	activity ActivityLog
	siteURL  string
	salt     string
	cors     response.CORS
	log      zerolog.Logger
	now      func() time.Time
}

// Config provides configuration options for a Handler.
type Config struct {
	Store      SubscriberStore
	Metrics    Metrics
	Activity   ActivityLog
	SiteURL    string
	DomainName string
	Salt       string
	Logger     zerolog.Logger
}

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	return &Handler{
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		activity: cfg.Activity,
		siteURL:  cfg.SiteURL,
		salt:     cfg.Salt,
		cors:     response.Public(cfg.DomainName),
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// validToken checks tok against the stored token, or the derived one when none is stored.
func (h *Handler) validToken(sub types.Subscriber, tok string) bool {
	want := sub.UnsubscribeToken
	if want == "" {
		want = token.Unsubscribe(sub.Email, h.salt)
	}
	return token.Equal(tok, want)
}

func (h *Handler) errorPage(reason string) events.APIGatewayV2HTTPResponse {
	return response.Redirect(h.siteURL + "/unsubscribe-error?reason=" + reason)
}

// Link handles the unsubscribe link embedded in newsletters. It never changes
// the record; valid links are forwarded to the feedback page, which calls API.
func (h *Handler) Link(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tok := req.QueryStringParameters["token"]
	email := mail.Normalize(req.QueryStringParameters["email"])
	if tok == "" || email == "" {
		return h.errorPage("invalid"), nil
	}
	log := h.log.With().Str("email", logging.Email(email)).Logger()

	sub, err := h.store.Get(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return h.errorPage("notfound"), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not look up subscriber")
		return h.errorPage("error"), nil
	}
	if !h.validToken(sub, tok) {
		log.Warn().Msg("invalid unsubscribe token")
		return h.errorPage("invalid"), nil
	}

	// Bounced and complained addresses already receive nothing.
	q := url.QueryEscape(email)
	if sub.Status == types.StatusUnsubscribed || sub.Status.Blocked() {
		return response.Redirect(h.siteURL + "/unsubscribe-success?email=" + q), nil
	}
	return response.Redirect(h.siteURL + "/unsubscribe?email=" + q + "&token=" + url.QueryEscape(tok)), nil
}

type request struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Reason   string `json:"reason"`
	Feedback string `json:"feedback"`
}

const (
	msgInvalidBody        = "Invalid request body"
	msgEmailRequired      = "Email is required"
	msgNotFound           = "Email not found"
	msgInvalidToken       = "Invalid token"
	msgAlready            = "Already unsubscribed"
	msgUnsubscribed       = "Successfully unsubscribed"
	msgUnsubscribeFailure = "Failed to unsubscribe"
)

// API unsubscribes the address in the request body, recording the optional
// reason and feedback.
func (h *Handler) API(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
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
	if email == "" {
		return h.cors.Fail(http.StatusBadRequest, msgEmailRequired), nil
	}
	log := h.log.With().Str("email", logging.Email(email)).Logger()

	sub, err := h.store.Get(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return h.cors.Fail(http.StatusNotFound, msgNotFound), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not look up subscriber")
		return h.cors.FailWithDetails(http.StatusInternalServerError, msgUnsubscribeFailure, err), nil
	}

	method := types.MethodAPI
	if in.Token != "" {
		if !h.validToken(sub, in.Token) {
			log.Warn().Msg("invalid unsubscribe token")
			return h.cors.Fail(http.StatusUnauthorized, msgInvalidToken), nil
		}
		method = types.MethodLink
	}

	// Bounced and complained are terminal; they are never rewritten to
	// unsubscribed, which could later be resubscribed.
	if sub.Status == types.StatusUnsubscribed || sub.Status.Blocked() {
		return h.cors.OK(msgAlready), nil
	}

	at := h.now()
	un := store.Unsubscription{Method: method, Reason: in.Reason, Feedback: in.Feedback}
	err = h.store.Unsubscribe(ctx, email, un, at)
	if errors.Is(err, store.ErrStatusConflict) {
		log.Info().Msg("subscriber became blocked before unsubscribe")
		return h.cors.OK(msgAlready), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("could not unsubscribe")
		return h.cors.FailWithDetails(http.StatusInternalServerError, msgUnsubscribeFailure, err), nil
	}

	h.metrics.Count(ctx, metrics.Unsubscribes, 1, "Source", method)
	h.activity.Unsubscribed(ctx, types.UnsubscribeEvent{
		Email:     email,
		Method:    method,
		Reason:    in.Reason,
		Feedback:  in.Feedback,
		Timestamp: types.Timestamp(at),
	})

	log.Info().Str("method", method).Str("reason", in.Reason).Msg("unsubscribed")
	return h.cors.OK(msgUnsubscribed), nil
}
