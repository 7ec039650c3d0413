package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/internal/inbox"
	"callsync_backend/platform/httpkit"
	"callsync_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"
)

// Enqueuer stores an event for the inbox worker. Satisfied by inbox.Service.
type Enqueuer interface {
	Enqueue(ctx context.Context, e inbox.NewEntry) (inbox.EnqueueResult, error)
}

// Envelope is the body of POST /api/v1/webhooks/calls.
type Envelope struct {
	Source         string          `json:"source" validate:"omitempty,oneof=webhook reconcile_hot reconcile_warm reconcile_cold"`
	EventType      string          `json:"event_type" validate:"required,token,max=64"`
	SessionID      string          `json:"session_id" validate:"required,token"`
	OccurredAt     time.Time       `json:"occurred_at" validate:"required"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,token"`
}

// AckResponse is returned as soon as the event is durably stored.
type AckResponse struct {
	Status string `json:"status"`
}

// Handler handles webhook HTTP requests.
type Handler struct {
	inbox    Enqueuer
	val      *validator.Validator
	provider string
}

// NewHandler creates a new webhook handler. provider prefixes derived
// idempotency keys so they match the keys reconciliation synthesizes.
func NewHandler(enq Enqueuer, val *validator.Validator, provider string) *Handler {
	return &Handler{inbox: enq, val: val, provider: provider}
}

// HandleCallEvent stores one provider event and acknowledges it.
// POST /api/v1/webhooks/calls
func (h *Handler) HandleCallEvent(c *gin.Context) {
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(env); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, validator.FieldErrors(err))
		return
	}

	entry := h.toEntry(env)
	res, err := h.inbox.Enqueue(c.Request.Context(), entry)
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusAccepted, AckResponse{Status: string(res)})
}

func (h *Handler) toEntry(env Envelope) inbox.NewEntry {
	source := env.Source
	if source == "" {
		source = string(domain.SourceWebhook)
	}
	key := strings.TrimSpace(env.IdempotencyKey)
	if key == "" {
		key = h.deriveKey(env)
	}
	return inbox.NewEntry{
		IdempotencyKey: key,
		Source:         source,
		EventType:      strings.TrimSpace(env.EventType),
		SessionID:      strings.TrimSpace(env.SessionID),
		OccurredAt:     env.OccurredAt.UTC(),
		Payload:        env.Payload,
	}
}

// deriveKey builds the same key reconciliation would produce for the
// event. Payloads that do not decode still get a stable key from their
// bytes; the worker dead-letters them later.
func (h *Handler) deriveKey(env Envelope) string {
	sessionID := strings.TrimSpace(env.SessionID)
	if p, err := domain.DecodePayload(env.EventType, env.Payload); err == nil {
		return domain.IdempotencyKey(h.provider, sessionID, p, env.OccurredAt)
	}
	sum := sha256.Sum256(env.Payload)
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		h.provider,
		sessionID,
		strings.ToLower(strings.TrimSpace(env.EventType)),
		env.OccurredAt.UTC().Format(time.RFC3339Nano),
		hex.EncodeToString(sum[:8]),
	)
}
