// Package calls exposes call snapshots, their history and the live change
// stream over HTTP.
package calls

import (
	apphttp "callsync_backend/internal/http"

	"github.com/gin-gonic/gin"
)

// Module is the calls read module implementing http.Module.
type Module struct {
	handler *Handler
	stream  gin.HandlerFunc
}

// NewModule creates the calls module. stream serves the SSE change feed
// and may be nil when no hub is running.
func NewModule(reader Reader, stream gin.HandlerFunc) *Module {
	return &Module{handler: NewHandler(reader), stream: stream}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "calls"
}

// RegisterRoutes mounts the read API.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/calls")
	if m.stream != nil {
		group.GET("/stream", m.stream)
	}
	group.GET("/:sessionId", m.handler.HandleGet)
	group.GET("/:sessionId/history", m.handler.HandleHistory)
}

var _ apphttp.Module = (*Module)(nil)
