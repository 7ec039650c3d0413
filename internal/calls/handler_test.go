package calls

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/internal/calls/repository"
	apphttp "callsync_backend/internal/http"

	"github.com/gin-gonic/gin"
)

type fakeReader struct {
	snaps   map[string]domain.Snapshot
	history map[string][]domain.HistoryRecord
}

func (f fakeReader) Get(_ context.Context, sessionID string) (domain.Snapshot, error) {
	snap, ok := f.snaps[sessionID]
	if !ok {
		return domain.Snapshot{}, repository.ErrSnapshotNotFound
	}
	return snap, nil
}

func (f fakeReader) History(_ context.Context, sessionID string) ([]domain.HistoryRecord, error) {
	return f.history[sessionID], nil
}

func newCallsEngine(reader Reader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	streamed := func(c *gin.Context) { c.String(http.StatusOK, "stream") }
	NewModule(reader, streamed).RegisterRoutes(&apphttp.RouterContext{Engine: engine, V1: engine.Group("/api/v1")})
	return engine
}

func get(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func seededReader() fakeReader {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return fakeReader{
		snaps: map[string]domain.Snapshot{
			"CA1": {SessionID: "CA1", Status: domain.StatusInProgress, LastEventTime: at, Version: 2},
			"CA2": {SessionID: "CA2", Status: domain.StatusRinging, LastEventTime: at, Version: 1},
		},
		history: map[string][]domain.HistoryRecord{
			"CA1": {
				{SessionID: "CA1", IdempotencyKey: "k1", EventType: domain.EventTypeStatus, OccurredAt: at, NewStatus: domain.StatusRinging},
				{SessionID: "CA1", IdempotencyKey: "k2", EventType: domain.EventTypeStatus, OccurredAt: at.Add(5 * time.Second), NewStatus: domain.StatusInProgress},
			},
		},
	}
}

func TestGetSnapshot(t *testing.T) {
	engine := newCallsEngine(seededReader())

	rec := get(engine, "/api/v1/calls/CA1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != domain.StatusInProgress || snap.IsFinal {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if rec := get(engine, "/api/v1/calls/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHistoryListsRecordsInOrder(t *testing.T) {
	engine := newCallsEngine(seededReader())

	rec := get(engine, "/api/v1/calls/CA1/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Items) != 2 || resp.Items[0].IdempotencyKey != "k1" || resp.Items[1].IdempotencyKey != "k2" {
		t.Fatalf("unexpected history %+v", resp.Items)
	}
}

func TestHistoryOfUnknownSessionIsNotFound(t *testing.T) {
	engine := newCallsEngine(seededReader())

	if rec := get(engine, "/api/v1/calls/missing/history"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec := get(engine, "/api/v1/calls/CA2/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for session without history, got %d", rec.Code)
	}
	var resp HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if resp.Items == nil || len(resp.Items) != 0 {
		t.Fatalf("expected empty item list, got %+v", resp.Items)
	}
}

func TestStreamRouteTakesPrecedence(t *testing.T) {
	engine := newCallsEngine(seededReader())

	rec := get(engine, "/api/v1/calls/stream")
	if rec.Body.String() != "stream" {
		t.Fatalf("expected stream handler, got %q", rec.Body.String())
	}
}
