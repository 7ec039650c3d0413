package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apphttp "callsync_backend/internal/http"
	"callsync_backend/internal/inbox"
	"callsync_backend/platform/apperr"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/ratelimit"
	"callsync_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	testSecret       = "s3cret"
	callsPath        = "/api/v1/webhooks/calls"
	ringingBody      = `{"event_type":"status","session_id":"CA1","occurred_at":"2025-06-01T09:00:00Z","payload":{"status":"ringing"}}`
	msgUnexpectedErr = "unexpected status %d: %s"
)

type webhookConfig struct{ secret string }

func (c webhookConfig) GetWebhookSigningSecret() string { return c.secret }
func (c webhookConfig) GetWebhookRatePerMinute() int    { return 600 }
func (c webhookConfig) GetPhoneDefaultRegion() string   { return "NL" }

type fakeEnqueuer struct {
	entries []inbox.NewEntry
	seen    map[string]bool
	err     error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, e inbox.NewEntry) (inbox.EnqueueResult, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.entries = append(f.entries, e)
	if f.seen[e.IdempotencyKey] {
		return inbox.Duplicate, nil
	}
	f.seen[e.IdempotencyKey] = true
	return inbox.Accepted, nil
}

func newTestEngine(t *testing.T, enq Enqueuer, secret string, limiter ratelimit.Limiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	m := NewModule(enq, webhookConfig{secret: secret}, "voice", limiter, validator.New(), logger.Discard())
	m.RegisterRoutes(&apphttp.RouterContext{Engine: engine, V1: engine.Group("/api/v1")})
	return engine
}

func post(engine *gin.Engine, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, callsPath, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var ack AckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack.Status
}

func TestSignedEventIsAcceptedWithDerivedKey(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, testSecret, nil)

	rec := post(engine, ringingBody, Sign(testSecret, []byte(ringingBody)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf(msgUnexpectedErr, rec.Code, rec.Body.String())
	}
	if got := decodeAck(t, rec); got != "accepted" {
		t.Fatalf("expected accepted, got %q", got)
	}
	if len(enq.entries) != 1 {
		t.Fatalf("expected one enqueued entry, got %d", len(enq.entries))
	}
	e := enq.entries[0]
	if e.IdempotencyKey != "voice:CA1:ringing:2025-06-01T09:00:00Z" {
		t.Fatalf("unexpected derived key %q", e.IdempotencyKey)
	}
	if e.Source != "webhook" || e.EventType != "status" || e.SessionID != "CA1" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestRedeliveryIsReportedAsDuplicate(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, testSecret, nil)
	sig := Sign(testSecret, []byte(ringingBody))

	_ = post(engine, ringingBody, sig)
	rec := post(engine, ringingBody, sig)
	if rec.Code != http.StatusAccepted {
		t.Fatalf(msgUnexpectedErr, rec.Code, rec.Body.String())
	}
	if got := decodeAck(t, rec); got != "duplicate" {
		t.Fatalf("expected duplicate, got %q", got)
	}
}

func TestSignatureIsRequiredWhenSecretSet(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, testSecret, nil)

	if rec := post(engine, ringingBody, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}
	if rec := post(engine, ringingBody, Sign("other", []byte(ringingBody))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong signature, got %d", rec.Code)
	}
	if rec := post(engine, ringingBody, "sha256=zz"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with malformed signature, got %d", rec.Code)
	}
	if len(enq.entries) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(enq.entries))
	}
}

func TestUnsignedEventsAllowedWithoutSecret(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, "", nil)

	if rec := post(engine, ringingBody, ""); rec.Code != http.StatusAccepted {
		t.Fatalf(msgUnexpectedErr, rec.Code, rec.Body.String())
	}
}

func TestExplicitIdempotencyKeyAndSourceAreKept(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, "", nil)
	body := `{"source":"reconcile_cold","event_type":"recording.completed","session_id":"CA2","occurred_at":"2025-06-01T10:00:00+02:00","payload":{"recording_url":"https://r/1"},"idempotency_key":"evt-42"}`

	if rec := post(engine, body, ""); rec.Code != http.StatusAccepted {
		t.Fatalf(msgUnexpectedErr, rec.Code, rec.Body.String())
	}
	e := enq.entries[0]
	if e.IdempotencyKey != "evt-42" || e.Source != "reconcile_cold" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.OccurredAt.Location().String() != "UTC" || e.OccurredAt.Hour() != 8 {
		t.Fatalf("expected occurred_at normalized to UTC, got %v", e.OccurredAt)
	}
}

func TestUndecodablePayloadStillGetsStableKey(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, "", nil)
	body := `{"event_type":"fax","session_id":"CA3","occurred_at":"2025-06-01T09:00:00Z","payload":{"pages":3}}`

	_ = post(engine, body, "")
	rec := post(engine, body, "")
	if got := decodeAck(t, rec); got != "duplicate" {
		t.Fatalf("expected duplicate on redelivery, got %q", got)
	}
	key := enq.entries[0].IdempotencyKey
	if !strings.HasPrefix(key, "voice:CA3:fax:2025-06-01T09:00:00Z:") {
		t.Fatalf("unexpected fallback key %q", key)
	}
}

func TestValidationErrors(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := newTestEngine(t, enq, "", nil)

	cases := map[string]string{
		"missing session": `{"event_type":"status","occurred_at":"2025-06-01T09:00:00Z","payload":{}}`,
		"missing time":    `{"event_type":"status","session_id":"CA1","payload":{}}`,
		"unknown source":  `{"source":"sms","event_type":"status","session_id":"CA1","occurred_at":"2025-06-01T09:00:00Z"}`,
		"not json":        `event_type=status`,
		"spaced session":  `{"event_type":"status","session_id":"CA 1","occurred_at":"2025-06-01T09:00:00Z"}`,
	}
	for name, body := range cases {
		if rec := post(engine, body, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if len(enq.entries) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(enq.entries))
	}
}

func TestStoreFailureIsServiceUnavailable(t *testing.T) {
	enq := &fakeEnqueuer{err: apperr.Transient("enqueue event", errors.New("db down"))}
	engine := newTestEngine(t, enq, "", nil)

	if rec := post(engine, ringingBody, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	enq := &fakeEnqueuer{}
	limiter := ratelimit.NewMemory(ratelimit.PerMinute{Requests: 1, Burst: 1})
	engine := newTestEngine(t, enq, "", limiter)

	if rec := post(engine, ringingBody, ""); rec.Code != http.StatusAccepted {
		t.Fatalf(msgUnexpectedErr, rec.Code, rec.Body.String())
	}
	rec := post(engine, ringingBody, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
