// Package webhook receives provider call events over HTTP and hands them
// to the inbox. This file defines the module that wires route registration.
package webhook

import (
	apphttp "callsync_backend/internal/http"
	"callsync_backend/platform/config"
	"callsync_backend/platform/httpkit"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/ratelimit"
	"callsync_backend/platform/validator"
)

// Module is the webhook module implementing http.Module.
type Module struct {
	handler *Handler
	secret  string
	limiter ratelimit.Limiter
	log     *logger.Logger
}

// NewModule creates the webhook module. limiter may be nil to disable
// per-IP limiting.
func NewModule(enq Enqueuer, cfg config.WebhookConfig, provider string, limiter ratelimit.Limiter, val *validator.Validator, log *logger.Logger) *Module {
	return &Module{
		handler: NewHandler(enq, val, provider),
		secret:  cfg.GetWebhookSigningSecret(),
		limiter: limiter,
		log:     log.WithComponent("webhook"),
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/webhooks")
	if m.limiter != nil {
		group.Use(httpkit.RateLimit(m.limiter, m.log))
	}
	group.Use(SignatureMiddleware(m.secret))
	group.POST("/calls", m.handler.HandleCallEvent)
}

var _ apphttp.Module = (*Module)(nil)
