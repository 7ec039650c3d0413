package calls

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/internal/calls/repository"
	"callsync_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

const errSessionNotFound = "call session not found"

// Reader is the read side of the calls store.
type Reader interface {
	Get(ctx context.Context, sessionID string) (domain.Snapshot, error)
	History(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error)
}

// HistoryResponse wraps the ordered history of one session.
type HistoryResponse struct {
	SessionID string                 `json:"session_id"`
	Items     []domain.HistoryRecord `json:"items"`
}

// Handler serves snapshots and history.
type Handler struct {
	reader Reader
}

// NewHandler creates a new calls handler.
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// HandleGet returns the current snapshot of a session.
// GET /api/v1/calls/:sessionId
func (h *Handler) HandleGet(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))
	snap, err := h.reader.Get(c.Request.Context(), sessionID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		httpkit.Error(c, http.StatusNotFound, errSessionNotFound, nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, snap)
}

// HandleHistory returns the applied events of a session ordered by
// occurred_at.
// GET /api/v1/calls/:sessionId/history
func (h *Handler) HandleHistory(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))
	items, err := h.reader.History(c.Request.Context(), sessionID)
	if httpkit.HandleError(c, err) {
		return
	}
	if len(items) == 0 {
		if _, err := h.reader.Get(c.Request.Context(), sessionID); errors.Is(err, repository.ErrSnapshotNotFound) {
			httpkit.Error(c, http.StatusNotFound, errSessionNotFound, nil)
			return
		}
		items = []domain.HistoryRecord{}
	}
	httpkit.OK(c, HistoryResponse{SessionID: sessionID, Items: items})
}
