// Package handlertest provides in-memory fakes of the stores and services used by handlers.
package handlertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"newsletter/internal/mail"
	"newsletter/internal/store"
	"newsletter/types"
)

// Store keeps subscribers in memory with the same update semantics as store.Store.
type Store struct {
	mu          sync.Mutex
	Subscribers map[string]types.Subscriber
	// Err, when set, is returned by every call.
	Err error
	// Calls lists the names of the methods invoked, in order.
	Calls []string
}

// NewStore creates a Store holding subs.
func NewStore(subs ...types.Subscriber) *Store {
	s := &Store{Subscribers: map[string]types.Subscriber{}}
	for _, sub := range subs {
		s.Subscribers[sub.Email] = sub
	}
	return s
}

// Lookup returns the current record for email.
func (s *Store) Lookup(email string) (types.Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.Subscribers[email]
	return sub, ok
}

func (s *Store) call(name string) error {
	s.Calls = append(s.Calls, name)
	return s.Err
}

func (s *Store) update(name, email string, allowed func(types.Status) bool, fn func(*types.Subscriber)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(name); err != nil {
		return err
	}
	sub, ok := s.Subscribers[email]
	if !ok {
		return store.ErrNotFound
	}
	if allowed != nil && !allowed(sub.Status) {
		return store.ErrStatusConflict
	}
	fn(&sub)
	s.Subscribers[email] = sub
	return nil
}

func is(want types.Status) func(types.Status) bool {
	return func(st types.Status) bool { return st == want }
}

func (s *Store) Get(ctx context.Context, email string) (types.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("Get"); err != nil {
		return types.Subscriber{}, err
	}
	sub, ok := s.Subscribers[email]
	if !ok {
		return types.Subscriber{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *Store) Put(ctx context.Context, sub types.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("Put"); err != nil {
		return err
	}
	s.Subscribers[sub.Email] = sub
	return nil
}

func (s *Store) Confirm(ctx context.Context, email string, at time.Time) error {
	return s.update("Confirm", email, is(types.StatusPending), func(sub *types.Subscriber) {
		sub.Status = types.StatusActive
		sub.ConfirmedAt = types.Timestamp(at)
		sub.ConfirmToken = ""
	})
}

func (s *Store) Unsubscribe(ctx context.Context, email string, un store.Unsubscription, at time.Time) error {
	return s.update("Unsubscribe", email, func(st types.Status) bool { return !st.Blocked() }, func(sub *types.Subscriber) {
		sub.Status = types.StatusUnsubscribed
		sub.UnsubscribedAt = types.Timestamp(at)
		sub.UnsubscribeMethod = un.Method
		if un.Reason != "" {
			sub.UnsubscribeReason = un.Reason
		}
		if un.Feedback != "" {
			sub.UnsubscribeFeedback = un.Feedback
		}
	})
}

func (s *Store) Resubscribe(ctx context.Context, email string, at time.Time) error {
	return s.update("Resubscribe", email, is(types.StatusUnsubscribed), func(sub *types.Subscriber) {
		sub.Status = types.StatusActive
		sub.ResubscribedAt = types.Timestamp(at)
		sub.UnsubscribeReason = ""
		sub.UnsubscribeFeedback = ""
	})
}

func (s *Store) SetUnsubscribeToken(ctx context.Context, email, token string) error {
	return s.update("SetUnsubscribeToken", email, nil, func(sub *types.Subscriber) {
		sub.UnsubscribeToken = token
	})
}

func (s *Store) MarkBounced(ctx context.Context, email, bounceType, bounceSubType string, at time.Time) error {
	return s.update("MarkBounced", email, nil, func(sub *types.Subscriber) {
		sub.Status = types.StatusBounced
		sub.BouncedAt = types.Timestamp(at)
		sub.BounceType = bounceType
		sub.BounceSubType = bounceSubType
	})
}

func (s *Store) RecordTransientBounce(ctx context.Context, email string, at time.Time) error {
	return s.update("RecordTransientBounce", email, nil, func(sub *types.Subscriber) {
		sub.TransientBounceCount++
		sub.LastTransientBounce = types.Timestamp(at)
	})
}

func (s *Store) MarkComplained(ctx context.Context, email, feedbackType string, at time.Time) error {
	return s.update("MarkComplained", email, nil, func(sub *types.Subscriber) {
		sub.Status = types.StatusComplained
		sub.ComplainedAt = types.Timestamp(at)
		sub.ComplaintFeedbackType = feedbackType
	})
}

// ListByStatus returns matching subscribers ordered by email.
func (s *Store) ListByStatus(ctx context.Context, status types.Status) ([]types.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListByStatus"); err != nil {
		return nil, err
	}
	subs := []types.Subscriber{}
	for _, sub := range s.Subscribers {
		if sub.Status == status {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Email < subs[j].Email })
	return subs, nil
}

func (s *Store) CountByStatus(ctx context.Context, status types.Status) (int, error) {
	subs, err := s.ListByStatus(ctx, status)
	return len(subs), err
}

func (s *Store) UnsubscribeBreakdown(ctx context.Context) (store.Breakdown, error) {
	subs, err := s.ListByStatus(ctx, types.StatusUnsubscribed)
	if err != nil {
		return store.Breakdown{}, err
	}
	b := store.Breakdown{ByReason: map[string]int{}, ByMethod: map[string]int{}}
	for _, sub := range subs {
		if sub.UnsubscribeReason != "" {
			b.ByReason[sub.UnsubscribeReason]++
		}
		if sub.UnsubscribeMethod != "" {
			b.ByMethod[sub.UnsubscribeMethod]++
		}
	}
	return b, nil
}

// Mailer records sent messages.
type Mailer struct {
	mu   sync.Mutex
	Sent []mail.Message
	// Err, when set, fails every send.
	Err error
	// FailFor fails sends to specific recipients.
	FailFor map[string]error
}

func (m *Mailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err, ok := m.FailFor[msg.To]; ok {
		return err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// SentTo returns the messages delivered to addr.
func (m *Mailer) SentTo(addr string) []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mail.Message
	for _, msg := range m.Sent {
		if msg.To == addr {
			out = append(out, msg)
		}
	}
	return out
}

// Metric is a single recorded count.
type Metric struct {
	Name  string
	Value float64
	Dims  []string
}

// Metrics records counts.
type Metrics struct {
	mu       sync.Mutex
	Recorded []Metric
}

func (m *Metrics) Count(ctx context.Context, name string, value float64, dims ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Recorded = append(m.Recorded, Metric{Name: name, Value: value, Dims: dims})
}

// Activity records log entries.
type Activity struct {
	mu           sync.Mutex
	Sends        []types.SendStats
	Unsubscribes []types.UnsubscribeEvent
}

func (a *Activity) NewsletterSent(ctx context.Context, stats types.SendStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sends = append(a.Sends, stats)
}

func (a *Activity) Unsubscribed(ctx context.Context, ev types.UnsubscribeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Unsubscribes = append(a.Unsubscribes, ev)
}

// Request builds an API Gateway request with the given method, JSON body and query.
func Request(method, body string, query map[string]string) events.APIGatewayV2HTTPRequest {
	req := events.APIGatewayV2HTTPRequest{
		Body:                  body,
		QueryStringParameters: query,
		Headers:               map[string]string{},
	}
	req.RequestContext.HTTP.Method = method
	return req
}
