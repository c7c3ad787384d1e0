// Package stats provides the Lambda function implementation that reports
// subscriber and unsubscribe counts to administrators.
package stats

import (
	"context"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"newsletter/internal/response"
	"newsletter/internal/store"
	"newsletter/internal/token"
	"newsletter/types"
)

// SubscriberStore aggregates subscriber records.
type SubscriberStore interface {
	CountByStatus(ctx context.Context, status types.Status) (int, error)
	UnsubscribeBreakdown(ctx context.Context) (store.Breakdown, error)
}

// Handler provides the state and implementation of the stats function.
type Handler struct {
	store  SubscriberStore
	apiKey string
	cors   response.CORS
	log    zerolog.Logger
}

// Config contains the parameters for creating a new Handler.
type Config struct {
	Store SubscriberStore

	// APIKey authorizes requests. When empty, every request is rejected.
	APIKey string

	Logger zerolog.Logger
}

// New creates a new Handler instance.
func New(cfg Config) *Handler {
	return &Handler{
		store:  cfg.Store,
		apiKey: cfg.APIKey,
		cors:   response.Admin(),
		log:    cfg.Logger,
	}
}

// Report is the body of a successful stats request.
type Report struct {
	TotalUnsubscribed int            `json:"totalUnsubscribed"`
	TotalActive       int            `json:"totalActive"`
	ByReason          map[string]int `json:"byReason"`
	ByMethod          map[string]int `json:"byMethod"`
}

const (
	msgUnauthorized = "Unauthorized"
	msgStatsFailure = "Failed to get stats"
)

func (h *Handler) authorized(req events.APIGatewayV2HTTPRequest) bool {
	if h.apiKey == "" {
		return false
	}
	key := req.QueryStringParameters["apiKey"]
	if key == "" {
		key = strings.TrimPrefix(response.Header(req, "Authorization"), "Bearer ")
	}
	return key != "" && token.Equal(key, h.apiKey)
}

// Stats returns unsubscribe totals broken down by reason and method.
func (h *Handler) Stats(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if response.IsPreflight(req) {
		return h.cors.Preflight(), nil
	}
	if !h.authorized(req) {
		h.log.Warn().Msg("unauthorized stats request")
		return h.cors.Fail(http.StatusUnauthorized, msgUnauthorized), nil
	}

	unsubscribed, err := h.store.CountByStatus(ctx, types.StatusUnsubscribed)
	if err != nil {
		return h.fail(err), nil
	}
	active, err := h.store.CountByStatus(ctx, types.StatusActive)
	if err != nil {
		return h.fail(err), nil
	}
	breakdown, err := h.store.UnsubscribeBreakdown(ctx)
	if err != nil {
		return h.fail(err), nil
	}

	return h.cors.JSON(http.StatusOK, Report{
		TotalUnsubscribed: unsubscribed,
		TotalActive:       active,
		ByReason:          nonNil(breakdown.ByReason),
		ByMethod:          nonNil(breakdown.ByMethod),
	}), nil
}

func (h *Handler) fail(err error) events.APIGatewayV2HTTPResponse {
	h.log.Error().Err(err).Msg("could not compute stats")
	return h.cors.FailWithDetails(http.StatusInternalServerError, msgStatsFailure, err)
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
