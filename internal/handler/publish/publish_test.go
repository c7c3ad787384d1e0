package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/rs/zerolog"

	"newsletter/internal/handler/handlertest"
	"newsletter/internal/mail"
	"newsletter/internal/token"
	"newsletter/types"
)

const (
	apiKey = "s3cret"
	salt   = "pepper"
)

var now = time.Date(2024, 8, 1, 6, 0, 0, 0, time.UTC)

type fixture struct {
	store    *handlertest.Store
	mailer   *handlertest.Mailer
	metrics  *handlertest.Metrics
	activity *handlertest.Activity
	pauses   []time.Duration
	h        *Handler
}

func newFixture(batchSize int, subs ...types.Subscriber) *fixture {
	f := &fixture{
		store:    handlertest.NewStore(subs...),
		mailer:   &handlertest.Mailer{},
		metrics:  &handlertest.Metrics{},
		activity: &handlertest.Activity{},
	}
	f.h = New(Config{
		Store:      f.store,
		Mailer:     f.mailer,
		Metrics:    f.metrics,
		Activity:   f.activity,
		Site:       mail.Site{Name: "Build MLOps", URL: "https://example.com"},
		APIKey:     apiKey,
		Salt:       salt,
		BatchSize:  batchSize,
		BatchPause: time.Second,
		Logger:     zerolog.Nop(),
	})
	f.h.now = func() time.Time { return now }
	f.h.pause = func(ctx context.Context, d time.Duration) error {
		f.pauses = append(f.pauses, d)
		return nil
	}
	return f
}

func (f *fixture) publish(t *testing.T, body map[string]any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.h.Publish(context.Background(), handlertest.Request(http.MethodPost, string(b), nil))
	if err != nil {
		t.Fatalf("got error %v; expected nil", err)
	}
	if got := out.Headers["Access-Control-Allow-Origin"]; got != "*" {
		t.Errorf("got allowed origin %q; expected *", got)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out.Body), &res); err != nil {
		t.Fatal(err)
	}
	return out.StatusCode, res
}

func activeSubscribers(n int) []types.Subscriber {
	subs := make([]types.Subscriber, n)
	for i := range subs {
		subs[i] = types.Subscriber{
			Email:  fmt.Sprintf("reader%03d@example.com", i),
			Name:   fmt.Sprintf("Reader %d", i),
			Status: types.StatusActive,
		}
	}
	return subs
}

func TestPublishValidation(t *testing.T) {
	testCases := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantError  string
	}{
		{"missing key", map[string]any{"subject": "s", "htmlContent": "<p>x</p>"}, http.StatusUnauthorized, "Unauthorized"},
		{"wrong key", map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": "nope"}, http.StatusUnauthorized, "Unauthorized"},
		{"missing subject", map[string]any{"htmlContent": "<p>x</p>", "apiKey": apiKey}, http.StatusBadRequest, "Missing required fields: subject and htmlContent"},
		{"missing html", map[string]any{"subject": "s", "apiKey": apiKey}, http.StatusBadRequest, "Missing required fields: subject and htmlContent"},
		{"test mode without address", map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": apiKey, "testMode": true}, http.StatusBadRequest, "Test email required in test mode"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(50, activeSubscribers(2)...)
			status, res := f.publish(t, tc.body)
			if status != tc.wantStatus {
				t.Errorf("got status %d; expected %d", status, tc.wantStatus)
			}
			if res["error"] != tc.wantError {
				t.Errorf("got error %v; expected %q", res["error"], tc.wantError)
			}
			if len(f.mailer.Sent) != 0 {
				t.Errorf("got %d emails sent; expected none", len(f.mailer.Sent))
			}
		})
	}
}

func TestPublishInvalidBody(t *testing.T) {
	f := newFixture(50)
	out, err := f.h.Publish(context.Background(), handlertest.Request(http.MethodPost, "{", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d; expected 400", out.StatusCode)
	}
}

func TestPublishRejectsEverythingWithoutConfiguredKey(t *testing.T) {
	f := newFixture(50, activeSubscribers(1)...)
	f.h.apiKey = ""
	status, _ := f.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": ""})
	if status != http.StatusUnauthorized {
		t.Errorf("got status %d; expected 401", status)
	}
}

func TestPublishBearerToken(t *testing.T) {
	f := newFixture(50, activeSubscribers(1)...)
	req := handlertest.Request(http.MethodPost, `{"subject":"s","htmlContent":"<p>x</p>"}`, nil)
	req.Headers["authorization"] = "Bearer " + apiKey

	out, err := f.h.Publish(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("got status %d; expected 200 (body %s)", out.StatusCode, out.Body)
	}
}

func TestPublishTestMode(t *testing.T) {
	f := newFixture(50, activeSubscribers(3)...)
	status, res := f.publish(t, map[string]any{
		"subject":     "Issue 7",
		"htmlContent": "<html><body><p>Hi {{firstName}}</p></body></html>",
		"apiKey":      apiKey,
		"testMode":    true,
		"testEmail":   "Editor@Example.com",
	})

	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}
	want := map[string]any{
		"success": true,
		"message": "Test email sent",
		"stats":   map[string]any{"total": float64(1), "sent": float64(1), "testMode": true},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	if len(f.mailer.Sent) != 1 {
		t.Fatalf("got %d emails; expected 1", len(f.mailer.Sent))
	}
	msg := f.mailer.Sent[0]
	if msg.To != "editor@example.com" || msg.Subject != "[TEST] Issue 7" {
		t.Errorf("got message to %s subject %q", msg.To, msg.Subject)
	}
	if !strings.Contains(msg.HTML, "token=test-token") {
		t.Error("test email footer does not carry the test token")
	}
	if !strings.Contains(msg.HTML, "Hi Friend") {
		t.Error("test email was not personalized")
	}
	if len(f.metrics.Recorded) != 0 || len(f.activity.Sends) != 0 {
		t.Error("test mode must not record metrics or activity")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	f := newFixture(50, types.Subscriber{Email: "gone@example.com", Status: types.StatusUnsubscribed})
	status, res := f.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": apiKey})

	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}
	want := map[string]any{
		"success": true,
		"message": "No active subscribers found",
		"stats":   map[string]any{"total": float64(0), "sent": float64(0)},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if len(f.mailer.Sent) != 0 {
		t.Errorf("got %d emails; expected none", len(f.mailer.Sent))
	}
}

func TestPublishBatches(t *testing.T) {
	testCases := []struct {
		subscribers int
		batchSize   int
		wantPauses  int
	}{
		{1, 50, 0},
		{50, 50, 0},
		{51, 50, 1},
		{120, 50, 2},
		{7, 3, 2},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d subscribers batch %d", tc.subscribers, tc.batchSize), func(t *testing.T) {
			f := newFixture(tc.batchSize, activeSubscribers(tc.subscribers)...)
			status, res := f.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": apiKey})

			if status != http.StatusOK {
				t.Fatalf("got status %d; expected 200", status)
			}
			if len(f.pauses) != tc.wantPauses {
				t.Errorf("got %d pauses; expected %d", len(f.pauses), tc.wantPauses)
			}
			for _, d := range f.pauses {
				if d != time.Second {
					t.Errorf("got pause %v; expected 1s", d)
				}
			}
			if len(f.mailer.Sent) != tc.subscribers {
				t.Errorf("got %d emails; expected %d", len(f.mailer.Sent), tc.subscribers)
			}
			stats := res["stats"].(map[string]any)
			if stats["sent"] != float64(tc.subscribers) || stats["failed"] != float64(0) {
				t.Errorf("unexpected stats %v", stats)
			}
		})
	}
}

func TestPublishPersonalizesAndRecords(t *testing.T) {
	subs := []types.Subscriber{
		{Email: "ada@example.com", Name: "Ada Lovelace", Status: types.StatusActive},
		{Email: "bob@example.com", Status: types.StatusActive, UnsubscribeToken: "stored-token"},
		{Email: "cy@example.com", Name: "Cy", Status: types.StatusActive},
		{Email: "pending@example.com", Status: types.StatusPending},
	}
	f := newFixture(2, subs...)
	f.mailer.FailFor = map[string]error{"cy@example.com": errors.New("MessageRejected")}

	status, res := f.publish(t, map[string]any{
		"subject":     "Issue 8",
		"htmlContent": "<p>Hello {{name}} &amp; welcome</p>",
		"apiKey":      apiKey,
	})
	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}

	want := map[string]any{
		"success": true,
		"message": "Newsletter sent successfully",
		"stats": map[string]any{
			"total":  float64(3),
			"sent":   float64(2),
			"failed": float64(1),
			"errors": []any{map[string]any{"email": "cy@example.com", "error": "MessageRejected"}},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	ada := f.mailer.SentTo("ada@example.com")
	if len(ada) != 1 {
		t.Fatalf("got %d emails to ada; expected 1", len(ada))
	}
	adaToken := token.Unsubscribe("ada@example.com", salt)
	if !strings.Contains(ada[0].HTML, "<p>Hello Ada Lovelace &amp; welcome</p>") {
		t.Errorf("html not personalized: %s", ada[0].HTML)
	}
	if !strings.Contains(ada[0].HTML, "token="+adaToken) {
		t.Error("html footer does not carry the derived token")
	}
	if ada[0].Text != "Hello Ada Lovelace & welcome" {
		t.Errorf("got text %q", ada[0].Text)
	}

	bob := f.mailer.SentTo("bob@example.com")
	if len(bob) != 1 || !strings.Contains(bob[0].HTML, "token=stored-token") {
		t.Error("stored token not used for bob")
	}
	if !strings.Contains(bob[0].HTML, "Hello Subscriber") {
		t.Error("default name not applied for bob")
	}

	if got, _ := f.store.Lookup("ada@example.com"); got.UnsubscribeToken != adaToken {
		t.Errorf("derived token not persisted: got %q", got.UnsubscribeToken)
	}
	if got, _ := f.store.Lookup("cy@example.com"); got.UnsubscribeToken != "" {
		t.Error("token persisted for failed delivery")
	}

	wantMetrics := []handlertest.Metric{
		{Name: "NewslettersSent", Value: 1},
		{Name: "EmailsSentTotal", Value: 2},
		{Name: "EmailsFailed", Value: 1},
	}
	if diff := cmp.Diff(wantMetrics, f.metrics.Recorded); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}

	wantSends := []types.SendStats{{
		Subject:         "Issue 8",
		SubscriberCount: 3,
		SuccessCount:    2,
		FailureCount:    1,
		Timestamp:       "2024-08-01T06:00:00.000Z",
	}}
	if diff := cmp.Diff(wantSends, f.activity.Sends); diff != "" {
		t.Errorf("activity mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishExplicitText(t *testing.T) {
	f := newFixture(50, types.Subscriber{Email: "ada@example.com", Name: "Ada Lovelace", Status: types.StatusActive})
	status, _ := f.publish(t, map[string]any{
		"subject":     "s",
		"htmlContent": "<p>x</p>",
		"textContent": "Dear {{firstName}}, plain text for {{email}}",
		"apiKey":      apiKey,
	})
	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}
	if got := f.mailer.Sent[0].Text; got != "Dear Ada, plain text for ada@example.com" {
		t.Errorf("got text %q", got)
	}
}

func TestPublishStoreFailure(t *testing.T) {
	f := newFixture(50)
	f.store.Err = errors.New("throttled")
	status, res := f.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": apiKey})
	if status != http.StatusInternalServerError {
		t.Errorf("got status %d; expected 500", status)
	}
	if res["error"] != "Failed to publish newsletter" || res["details"] != "throttled" {
		t.Errorf("unexpected body %v", res)
	}
}

func TestPublishTokenPersistFailureIsNotFatal(t *testing.T) {
	f := newFixture(50, activeSubscribers(2)...)
	// The store lists successfully, then fails every token write.
	subs, _ := f.store.ListByStatus(context.Background(), types.StatusActive)
	f.h.store = failingTokenStore{subs: subs}

	status, res := f.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": apiKey})
	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}
	if stats := res["stats"].(map[string]any); stats["sent"] != float64(2) {
		t.Errorf("unexpected stats %v", stats)
	}
}

type failingTokenStore struct {
	subs []types.Subscriber
}

func (s failingTokenStore) ListByStatus(context.Context, types.Status) ([]types.Subscriber, error) {
	return s.subs, nil
}

func (s failingTokenStore) SetUnsubscribeToken(context.Context, string, string) error {
	return errors.New("conditional check failed")
}

func TestPublishCancelledBetweenBatches(t *testing.T) {
	f := newFixture(2, activeSubscribers(5)...)
	f.h.pause = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	status, res := f.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>x</p>", "apiKey": apiKey})
	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}
	stats := res["stats"].(map[string]any)
	if stats["sent"] != float64(2) || stats["failed"] != float64(3) {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("got error %v; expected %v", err, context.Canceled)
	}
	if err := sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("got error %v; expected nil", err)
	}
}

func TestPublishSendsCodeSamplesAsWritten(t *testing.T) {
	f := newFixture(50, types.Subscriber{Email: "ada@example.com", Name: "Ada", Status: types.StatusActive})

	status, _ := f.publish(t, map[string]any{
		"subject":     "Helm tips",
		"htmlContent": "<p>Hi {{firstName}}</p><pre>image: {{ .Values.image.tag }}</pre><code>{{ model_name }}</code>",
		"apiKey":      apiKey,
	})
	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}

	sent := f.mailer.SentTo("ada@example.com")
	if len(sent) != 1 {
		t.Fatalf("got %d emails; expected 1", len(sent))
	}
	want := "<p>Hi Ada</p><pre>image: {{ .Values.image.tag }}</pre><code>{{ model_name }}</code>"
	if !strings.HasPrefix(sent[0].HTML, want) {
		t.Errorf("got html %q; expected prefix %q", sent[0].HTML, want)
	}
	if !strings.Contains(sent[0].Text, "Hi Ada") || !strings.Contains(sent[0].Text, "{{ .Values.image.tag }}") {
		t.Errorf("got text %q", sent[0].Text)
	}
}

func TestPublishFuzzedNames(t *testing.T) {
	f := fuzz.New().NilChance(0)
	subs := activeSubscribers(10)
	for i := range subs {
		f.Fuzz(&subs[i].Name)
	}
	fx := newFixture(4, subs...)

	status, res := fx.publish(t, map[string]any{"subject": "s", "htmlContent": "<p>{{firstName}}</p>", "apiKey": apiKey})
	if status != http.StatusOK {
		t.Fatalf("got status %d; expected 200", status)
	}
	if stats := res["stats"].(map[string]any); stats["sent"] != float64(10) {
		t.Errorf("unexpected stats %v", stats)
	}
}
