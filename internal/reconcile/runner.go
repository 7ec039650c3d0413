package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/internal/calls/repository"
	"callsync_backend/internal/inbox"
	"callsync_backend/internal/provider"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// maxWarmExtension caps how far back a warm run reaches after missed runs.
	maxWarmExtension = 7 * 24 * time.Hour
	// maxListPages stops a hot or warm listing whose tokens never run out.
	maxListPages = 1000
)

// Enqueuer accepts corrective events. Both inbox.Service and inbox.Store
// satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, e inbox.NewEntry) (inbox.EnqueueResult, error)
}

// Config is fixed at construction.
type Config struct {
	// RequestTimeout bounds each provider call.
	RequestTimeout time.Duration
	// DetailConcurrency bounds parallel detail fetches.
	DetailConcurrency int
	// LeaseTTL bounds how long a crashed run blocks its job.
	LeaseTTL time.Duration
	// WarmMinInterval skips a warm run that follows a success too closely.
	WarmMinInterval time.Duration
	// ScanLimit caps the local sessions read per run.
	ScanLimit int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    15 * time.Second,
		DetailConcurrency: 4,
		LeaseTTL:          30 * time.Minute,
		WarmMinInterval:   5 * time.Minute,
		ScanLimit:         5000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.DetailConcurrency < 1 {
		c.DetailConcurrency = def.DetailConcurrency
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.WarmMinInterval <= 0 {
		c.WarmMinInterval = def.WarmMinInterval
	}
	if c.ScanLimit < 1 {
		c.ScanLimit = def.ScanLimit
	}
	return c
}

// RunReport summarizes one run.
type RunReport struct {
	Job        string    `json:"job"`
	RunID      string    `json:"run_id"`
	Scanned    int       `json:"scanned"`
	Drifted    int       `json:"drifted"`
	Enqueued   int       `json:"enqueued"`
	Duplicates int       `json:"duplicates"`
	Pages      int       `json:"pages,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
	Done       bool      `json:"done,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Runner executes reconciliation for any Scope through one code path:
// list provider truth, diff it against local snapshots and enqueue the
// corrective events.
type Runner struct {
	calls    repository.Store
	inbox    Enqueuer
	provider provider.Provider
	cursors  CursorStore
	cfg      Config
	log      *logger.Logger
	owner    string
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(calls repository.Store, enq Enqueuer, p provider.Provider, cursors CursorStore, cfg Config, log *logger.Logger) *Runner {
	host, _ := os.Hostname()
	if host == "" {
		host = "reconcile"
	}
	return &Runner{
		calls:    calls,
		inbox:    enq,
		provider: p,
		cursors:  cursors,
		cfg:      cfg.withDefaults(),
		log:      log.WithComponent("reconcile"),
		owner:    host,
		now:      time.Now,
	}
}

// Run executes one pass over scope. A failed run records last_error on the
// cursor row and leaves the checkpoint where it was.
func (r *Runner) Run(ctx context.Context, scope Scope) (RunReport, error) {
	runID := uuid.NewString()
	report := RunReport{Job: scope.Job(), RunID: runID, StartedAt: r.now().UTC()}
	owner := r.owner + "/" + runID
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	log := r.log.WithContext(ctx)

	cur, err := r.cursors.Acquire(ctx, scope.Job(), owner, r.cfg.LeaseTTL)
	if err != nil {
		report.FinishedAt = r.now().UTC()
		if errors.Is(err, ErrJobLocked) {
			log.Info("reconcile run skipped, job locked", "job", scope.Job())
			metrics.RecordReconcileRun(scope.Job(), "locked", 0)
		}
		return report, err
	}

	var position json.RawMessage
	switch s := scope.(type) {
	case ActiveScope:
		err = r.runActive(ctx, s, &report)
	case CooldownScope:
		position, err = r.runCooldown(ctx, s, cur, &report)
	case DateRangeScope:
		position, err = r.runDateRange(ctx, s, cur, owner, &report)
	default:
		err = fmt.Errorf("unsupported scope %T", scope)
	}

	report.FinishedAt = r.now().UTC()
	elapsed := report.FinishedAt.Sub(report.StartedAt)
	// The cursor row must be written even when the run's context is done.
	writeCtx := context.WithoutCancel(ctx)

	switch {
	case err != nil:
		if failErr := r.cursors.Fail(writeCtx, scope.Job(), owner, err.Error(), report.FinishedAt); failErr != nil {
			log.DatabaseError("reconcile.fail", failErr)
		}
		metrics.RecordReconcileRun(scope.Job(), "error", elapsed)
	case report.Skipped:
		if relErr := r.cursors.Release(writeCtx, scope.Job(), owner); relErr != nil {
			log.DatabaseError("reconcile.release", relErr)
		}
		metrics.RecordReconcileRun(scope.Job(), "skipped", elapsed)
		log.Info("reconcile run skipped", "job", scope.Job(), "reason", "min_interval")
		return report, nil
	default:
		if err = r.cursors.Complete(writeCtx, scope.Job(), owner, position, report.FinishedAt); err != nil {
			metrics.RecordReconcileRun(scope.Job(), "error", elapsed)
			break
		}
		metrics.RecordReconcileRun(scope.Job(), "ok", elapsed)
	}

	log.ReconcileRun(scope.Job(), report.Scanned, report.Drifted, report.Enqueued, report.Duplicates, err)
	return report, err
}

func (r *Runner) runActive(ctx context.Context, s ActiveScope, report *RunReport) error {
	local, err := r.calls.ListActive(ctx, r.cfg.ScanLimit)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	remote, err := r.listAll(ctx, report, func(token string) provider.Query {
		return provider.ActiveQuery{PageToken: token}
	})
	if err != nil {
		return err
	}
	return r.reconcile(ctx, s, local, remote, report)
}

func (r *Runner) runCooldown(ctx context.Context, s CooldownScope, cur Cursor, report *RunReport) (json.RawMessage, error) {
	now := r.now().UTC()
	if cur.LastSuccessAt != nil && r.cfg.WarmMinInterval > 0 && now.Sub(*cur.LastSuccessAt) < r.cfg.WarmMinInterval {
		report.Skipped = true
		return nil, nil
	}

	window := s.Window
	if window <= 0 {
		window = DefaultCooldown
	}
	since := now.Add(-window)
	if cur.LastSuccessAt != nil && cur.LastSuccessAt.Before(since) {
		since = *cur.LastSuccessAt
		if floor := now.Add(-maxWarmExtension); since.Before(floor) {
			since = floor
		}
	}

	local, err := r.calls.ListFinalizedSince(ctx, since, r.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list finalized sessions: %w", err)
	}
	remote, err := r.listAll(ctx, report, func(token string) provider.Query {
		return provider.EndedQuery{After: since, Before: now, PageToken: token}
	})
	if err != nil {
		return nil, err
	}
	if err := r.reconcile(ctx, s, local, remote, report); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]time.Time{"window_start": since, "window_end": now})
}

func (r *Runner) runDateRange(ctx context.Context, s DateRangeScope, cur Cursor, owner string, report *RunReport) (json.RawMessage, error) {
	s, err := s.Validate()
	if err != nil {
		return nil, err
	}

	pos := ColdPosition{Start: s.Start, End: s.End, PageSize: s.PageSize}
	if prev, ok := decodeColdPosition(cur.Position); ok && !prev.Done &&
		prev.Start.Equal(s.Start) && prev.End.Equal(s.End) && prev.PageToken != "" {
		pos.PageToken = prev.PageToken
		pos.Pages = prev.Pages
		pos.Scanned = prev.Scanned
		r.log.WithContext(ctx).Info("resuming cold reconcile", "page_token", prev.PageToken, "pages_done", prev.Pages)
	}

	for {
		page, err := r.list(ctx, provider.StartedQuery{
			After:     s.Start,
			Before:    s.End,
			PageToken: pos.PageToken,
			PageSize:  s.PageSize,
		})
		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(page.Calls))
		for _, c := range page.Calls {
			ids = append(ids, c.SessionID)
		}
		local, err := r.calls.GetMany(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load snapshots: %w", err)
		}
		snaps := make([]domain.Snapshot, 0, len(local))
		for _, snap := range local {
			snaps = append(snaps, snap)
		}
		if err := r.reconcile(ctx, s, snaps, page.Calls, report); err != nil {
			return nil, err
		}

		pos.Pages++
		pos.Scanned += len(page.Calls)
		report.Pages++
		if page.NextPageToken == "" {
			pos.PageToken = ""
			pos.Done = true
			report.Done = true
			return json.Marshal(pos)
		}

		pos.PageToken = page.NextPageToken
		raw, err := json.Marshal(pos)
		if err != nil {
			return nil, err
		}
		if err := r.cursors.SaveProgress(ctx, s.Job(), owner, raw); err != nil {
			return nil, fmt.Errorf("save cold progress: %w", err)
		}
	}
}

// reconcile diffs the union of local and provider sessions and enqueues
// the corrective events.
func (r *Runner) reconcile(ctx context.Context, scope Scope, local []domain.Snapshot, remote []provider.CallSummary, report *RunReport) error {
	localByID := make(map[string]*domain.Snapshot, len(local))
	for i := range local {
		localByID[local[i].SessionID] = &local[i]
	}
	remoteByID := make(map[string]*provider.CallSummary, len(remote))
	for i := range remote {
		remoteByID[remote[i].SessionID] = &remote[i]
	}

	// Provider sessions missing from the local scan may still exist locally.
	var unknown []string
	for id := range remoteByID {
		if _, ok := localByID[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		found, err := r.calls.GetMany(ctx, unknown)
		if err != nil {
			return fmt.Errorf("load snapshots: %w", err)
		}
		for id, snap := range found {
			localByID[id] = &snap
		}
	}

	ids := make([]string, 0, len(localByID)+len(remoteByID))
	for id := range localByID {
		ids = append(ids, id)
	}
	for id := range remoteByID {
		if _, ok := localByID[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	report.Scanned += len(ids)

	var fetch []string
	for _, id := range ids {
		if needsDetail(localByID[id], remoteByID[id]) {
			fetch = append(fetch, id)
		}
	}

	corrections, err := r.fetchDrift(ctx, scope, localByID, fetch)
	if err != nil {
		return err
	}

	for _, id := range fetch {
		events := corrections[id]
		if len(events) == 0 {
			continue
		}
		report.Drifted++
		metrics.ReconcileDriftTotal.WithLabelValues(scope.Job()).Inc()
		for _, ev := range events {
			entry, err := inbox.EntryFromEvent(ev)
			if err != nil {
				return fmt.Errorf("encode corrective event: %w", err)
			}
			res, err := r.inbox.Enqueue(ctx, entry)
			if err != nil {
				return fmt.Errorf("enqueue corrective event: %w", err)
			}
			if res == inbox.Duplicate {
				report.Duplicates++
				continue
			}
			report.Enqueued++
		}
	}
	return nil
}

// fetchDrift loads provider detail for ids with bounded parallelism. Any
// provider failure other than not-found aborts the whole batch.
func (r *Runner) fetchDrift(ctx context.Context, scope Scope, local map[string]*domain.Snapshot, ids []string) (map[string][]domain.Event, error) {
	out := make(map[string][]domain.Event, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.DetailConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, r.cfg.RequestTimeout)
			defer cancel()

			detail, err := r.provider.Get(callCtx, id)
			if errors.Is(err, provider.ErrCallNotFound) {
				r.log.Debug("session unknown to provider", "session_id", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("get call %s: %w", id, err)
			}

			events := Drift(r.provider.Name(), scope.Source(), local[id], detail)
			mu.Lock()
			out[id] = events
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// listAll follows NextPageToken until the listing is exhausted. Hot and
// warm runs keep no cursor, so the whole listing is diffed in one pass.
func (r *Runner) listAll(ctx context.Context, report *RunReport, query func(token string) provider.Query) ([]provider.CallSummary, error) {
	var (
		all   []provider.CallSummary
		token string
	)
	for pages := 0; pages < maxListPages; pages++ {
		page, err := r.list(ctx, query(token))
		if err != nil {
			return nil, err
		}
		all = append(all, page.Calls...)
		report.Pages++
		if page.NextPageToken == "" {
			return all, nil
		}
		if page.NextPageToken == token {
			return nil, fmt.Errorf("list provider calls: page token %q repeated", token)
		}
		token = page.NextPageToken
	}
	return nil, fmt.Errorf("list provider calls: more than %d pages", maxListPages)
}

func (r *Runner) list(ctx context.Context, q provider.Query) (provider.Page, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	page, err := r.provider.List(callCtx, q)
	if err != nil {
		return provider.Page{}, fmt.Errorf("list provider calls: %w", err)
	}
	return page, nil
}
