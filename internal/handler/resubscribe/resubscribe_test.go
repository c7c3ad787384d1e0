package resubscribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"newsletter/internal/handler/handlertest"
	"newsletter/types"
)

var now = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func TestResubscribe(t *testing.T) {
	unsubscribed := types.Subscriber{
		Email:               "ada@example.com",
		Status:              types.StatusUnsubscribed,
		UnsubscribeMethod:   "link",
		UnsubscribeReason:   "too-many",
		UnsubscribeFeedback: "weekly please",
	}

	testCases := []struct {
		body        string
		status      types.Status
		storeErr    error
		wantStatus  int
		wantBody    string
		wantMetrics int
	}{
		{`{`, "", nil, http.StatusBadRequest, `{"error":"Invalid request body"}`, 0},
		{`{"email":"ada@example.com"}`, "", nil, http.StatusBadRequest, `{"error":"Email and confirmation required"}`, 0},
		{`{"confirmResubscribe":true}`, "", nil, http.StatusBadRequest, `{"error":"Email and confirmation required"}`, 0},
		{`{"email":"ada@example.com","confirmResubscribe":true}`, "", nil, http.StatusNotFound, `{"error":"Email not found. Please subscribe as a new user."}`, 0},
		{`{"email":"ada@example.com","confirmResubscribe":true}`, types.StatusActive, nil, http.StatusOK, `{"success":true,"message":"Already subscribed"}`, 0},
		{`{"email":"ada@example.com","confirmResubscribe":true}`, types.StatusBounced, nil, http.StatusBadRequest, `{"error":"This email cannot be resubscribed. Please use a different email address."}`, 0},
		{`{"email":"ada@example.com","confirmResubscribe":true}`, types.StatusComplained, nil, http.StatusBadRequest, `{"error":"This email cannot be resubscribed. Please use a different email address."}`, 0},
		{`{"email":"ada@example.com","confirmResubscribe":true}`, types.StatusPending, nil, http.StatusBadRequest, `{"error":"Please confirm your subscription using the link we emailed you."}`, 0},
		{`{"email":"ADA@example.com","confirmResubscribe":true}`, types.StatusUnsubscribed, nil, http.StatusOK, `{"success":true,"message":"Successfully resubscribed to the newsletter!"}`, 1},
		{`{"email":"ada@example.com","confirmResubscribe":true}`, types.StatusUnsubscribed, errors.New("throttled"), http.StatusInternalServerError, `{"error":"Failed to resubscribe","details":"throttled"}`, 0},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s from %q status %d", tc.body, tc.status, tc.wantStatus), func(t *testing.T) {
			s := handlertest.NewStore()
			if tc.status != "" {
				sub := unsubscribed
				sub.Status = tc.status
				s = handlertest.NewStore(sub)
			}
			s.Err = tc.storeErr
			mt := &handlertest.Metrics{}

			h := New(Config{Store: s, Metrics: mt, DomainName: "example.com", Logger: zerolog.Nop()})
			h.now = func() time.Time { return now }

			out, err := h.Resubscribe(context.Background(), handlertest.Request(http.MethodPost, tc.body, nil))
			if err != nil {
				t.Fatalf("got error %v; expected nil", err)
			}
			assert.Equal(t, tc.wantStatus, out.StatusCode)
			assert.JSONEq(t, tc.wantBody, out.Body)
			assert.Len(t, mt.Recorded, tc.wantMetrics)
		})
	}
}

func TestResubscribeClearsReasons(t *testing.T) {
	s := handlertest.NewStore(types.Subscriber{
		Email:               "ada@example.com",
		Status:              types.StatusUnsubscribed,
		UnsubscribedAt:      "2024-06-01T10:00:00.000Z",
		UnsubscribeMethod:   "link",
		UnsubscribeReason:   "too-many",
		UnsubscribeFeedback: "weekly please",
	})
	mt := &handlertest.Metrics{}
	h := New(Config{Store: s, Metrics: mt, DomainName: "example.com", Logger: zerolog.Nop()})
	h.now = func() time.Time { return now }

	if _, err := h.Resubscribe(context.Background(), handlertest.Request(http.MethodPost, `{"email":"ada@example.com","confirmResubscribe":true}`, nil)); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Lookup("ada@example.com")
	want := types.Subscriber{
		Email:             "ada@example.com",
		Status:            types.StatusActive,
		UnsubscribedAt:    "2024-06-01T10:00:00.000Z",
		UnsubscribeMethod: "link",
		ResubscribedAt:    "2024-07-01T00:00:00.000Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subscriber mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]handlertest.Metric{{Name: "Resubscribes", Value: 1}}, mt.Recorded); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

type staleStore struct {
	*handlertest.Store
}

// Get reports the record as unsubscribed while the table already holds a complained one.
func (r staleStore) Get(ctx context.Context, email string) (types.Subscriber, error) {
	sub, err := r.Store.Get(ctx, email)
	sub.Status = types.StatusUnsubscribed
	return sub, err
}

func TestResubscribeNeverReactivatesBlocked(t *testing.T) {
	s := handlertest.NewStore(types.Subscriber{Email: "ada@example.com", Status: types.StatusComplained})
	mt := &handlertest.Metrics{}
	h := New(Config{Store: staleStore{s}, Metrics: mt, DomainName: "example.com", Logger: zerolog.Nop()})

	out, err := h.Resubscribe(context.Background(), handlertest.Request(http.MethodPost, `{"email":"ada@example.com","confirmResubscribe":true}`, nil))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusConflict, out.StatusCode)
	assert.JSONEq(t, `{"error":"Subscription status changed. Please try again."}`, out.Body)

	got, _ := s.Lookup("ada@example.com")
	assert.Equal(t, types.StatusComplained, got.Status)
	assert.Empty(t, mt.Recorded)
}
