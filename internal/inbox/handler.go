package inbox

import (
	"net/http"
	"strconv"
	"time"

	"callsync_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DeadLettersResponse is one page of dead-lettered entries. NextBefore
// is the received_at to pass as ?before= for the next page.
type DeadLettersResponse struct {
	Items      []Entry    `json:"items"`
	NextBefore *time.Time `json:"next_before,omitempty"`
}

// Handler serves the operator inbox endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new inbox handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// HandleDeadLetters lists dead-lettered entries, newest first.
// GET /api/v1/admin/inbox/dead-letters?limit=&before=
func (h *Handler) HandleDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httpkit.Error(c, http.StatusBadRequest, "invalid before timestamp", nil)
			return
		}
		before = parsed
	}

	items, err := h.svc.DeadLetters(c.Request.Context(), limit, before)
	if httpkit.HandleError(c, err) {
		return
	}
	resp := DeadLettersResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []Entry{}
	}
	if n := len(items); n > 0 {
		next := items[n-1].ReceivedAt
		resp.NextBefore = &next
	}
	httpkit.OK(c, resp)
}

// HandleStats returns entry counts per status.
// GET /api/v1/admin/inbox/stats
func (h *Handler) HandleStats(c *gin.Context) {
	counts, err := h.svc.Stats(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, counts)
}

// HandleReplay returns a dead-lettered entry to the queue.
// POST /api/v1/admin/inbox/:id/replay
func (h *Handler) HandleReplay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid entry ID", nil)
		return
	}
	operator := httpkit.MustGetIdentity(c)
	if operator == nil {
		return
	}

	if httpkit.HandleError(c, h.svc.Replay(c.Request.Context(), id, operator.Subject())) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(StatusReceived)})
}
