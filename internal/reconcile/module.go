package reconcile

import (
	apphttp "callsync_backend/internal/http"
)

// Module mounts the operator reconcile endpoints.
type Module struct {
	handler *Handler
}

// NewModule creates the reconcile admin module.
func NewModule(cursors CursorStore) *Module {
	return &Module{handler: NewHandler(cursors)}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "reconcile"
}

// RegisterRoutes mounts routes under the operator-only admin group.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Admin.Group("/reconcile").GET("/cursors", m.handler.HandleListCursors)
}

var _ apphttp.Module = (*Module)(nil)
