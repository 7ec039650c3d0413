package reconcile

import (
	"callsync_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

// Handler serves the operator view of reconciliation cursors.
type Handler struct {
	cursors CursorStore
}

// NewHandler creates a new reconcile handler.
func NewHandler(cursors CursorStore) *Handler {
	return &Handler{cursors: cursors}
}

// HandleListCursors returns every tier's cursor, including lease holder
// and last error.
// GET /api/v1/admin/reconcile/cursors
func (h *Handler) HandleListCursors(c *gin.Context) {
	cursors, err := h.cursors.List(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	if cursors == nil {
		cursors = []Cursor{}
	}
	httpkit.OK(c, cursors)
}
