// Package providertest provides an in-memory provider seeded with
// authoritative call state.
package providertest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"callsync_backend/internal/provider"
	"callsync_backend/platform/apperr"
)

// Fake is a provider.Provider backed by a map. It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	name     string
	calls    map[string]provider.CallDetail
	listErr  error
	getErr   map[string]error
	listHits int
	getHits  int
	pages    []int
	pageSize int
}

// New returns an empty Fake named name.
func New(name string) *Fake {
	return &Fake{
		name:   name,
		calls:  make(map[string]provider.CallDetail),
		getErr: make(map[string]error),
	}
}

// Put stores or replaces the provider truth for one call.
func (f *Fake) Put(d provider.CallDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[d.SessionID] = d
}

// FailList makes every List call return err. Pass nil to clear.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailGet makes Get for sessionID return err. Pass nil to clear.
func (f *Fake) FailGet(sessionID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.getErr, sessionID)
		return
	}
	f.getErr[sessionID] = err
}

// SetPageSize pages queries that do not ask for a size themselves. Zero
// serves such queries in a single page.
func (f *Fake) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// ListCalls returns how many List calls were made.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listHits
}

// GetCalls returns how many Get calls were made.
func (f *Fake) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getHits
}

// PageSizes returns the number of calls in each paged response served.
func (f *Fake) PageSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pages)
}

func (f *Fake) Name() string {
	return f.name
}

func (f *Fake) List(ctx context.Context, q provider.Query) (provider.Page, error) {
	if err := ctx.Err(); err != nil {
		return provider.Page{}, apperr.Transient("list calls", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHits++
	if f.listErr != nil {
		return provider.Page{}, f.listErr
	}

	var matched []provider.CallSummary
	for _, d := range f.sorted() {
		if matches(d, q) {
			matched = append(matched, d.CallSummary)
		}
	}

	token, size := paging(q)
	if size <= 0 {
		size = f.pageSize
	}
	if size <= 0 {
		return provider.Page{Calls: matched}, nil
	}

	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return provider.Page{}, apperr.Permanent("list calls", fmt.Errorf("bad page token %q", token))
		}
		offset = min(n, len(matched))
	}
	end := min(offset+size, len(matched))
	page := provider.Page{Calls: matched[offset:end]}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	f.pages = append(f.pages, len(page.Calls))
	return page, nil
}

func (f *Fake) Get(ctx context.Context, sessionID string) (provider.CallDetail, error) {
	if err := ctx.Err(); err != nil {
		return provider.CallDetail{}, apperr.Transient("get call", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.getHits++
	if err := f.getErr[sessionID]; err != nil {
		return provider.CallDetail{}, err
	}
	d, ok := f.calls[sessionID]
	if !ok {
		return provider.CallDetail{}, apperr.Wrap(apperr.KindNotFound, "call not found", provider.ErrCallNotFound)
	}
	return d, nil
}

// sorted returns calls ordered by start time then id, the order the real
// API pages in.
func (f *Fake) sorted() []provider.CallDetail {
	out := make([]provider.CallDetail, 0, len(f.calls))
	for _, d := range f.calls {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b provider.CallDetail) int {
		if c := timeOf(a.StartedAt).Compare(timeOf(b.StartedAt)); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

func matches(d provider.CallDetail, q provider.Query) bool {
	switch q := q.(type) {
	case provider.ActiveQuery:
		return !d.Status.IsTerminal()
	case provider.EndedQuery:
		return d.EndedAt != nil && inRange(*d.EndedAt, q.After, q.Before)
	case provider.StartedQuery:
		return d.StartedAt != nil && inRange(*d.StartedAt, q.After, q.Before)
	default:
		return false
	}
}

func paging(q provider.Query) (string, int) {
	switch q := q.(type) {
	case provider.ActiveQuery:
		return q.PageToken, q.PageSize
	case provider.EndedQuery:
		return q.PageToken, q.PageSize
	case provider.StartedQuery:
		return q.PageToken, q.PageSize
	default:
		return "", 0
	}
}

func inRange(t, after, before time.Time) bool {
	return !t.Before(after) && t.Before(before)
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ provider.Provider = (*Fake)(nil)
