package inbox

import (
	apphttp "callsync_backend/internal/http"
)

// Module mounts the operator inbox endpoints.
type Module struct {
	handler *Handler
}

// NewModule creates the inbox admin module.
func NewModule(svc *Service) *Module {
	return &Module{handler: NewHandler(svc)}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "inbox"
}

// RegisterRoutes mounts routes under the operator-only admin group.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Admin.Group("/inbox")
	group.GET("/dead-letters", m.handler.HandleDeadLetters)
	group.GET("/stats", m.handler.HandleStats)
	group.POST("/:id/replay", m.handler.HandleReplay)
}

var _ apphttp.Module = (*Module)(nil)
