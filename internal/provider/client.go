package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callsync_backend/platform/apperr"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"
	"callsync_backend/platform/sanitize"

	"golang.org/x/time/rate"
)

const (
	opList = "list"
	opGet  = "get"

	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// RatePerSec caps outgoing requests; zero disables the limiter.
	RatePerSec float64
	Timeout    time.Duration
}

// Client talks to the provider REST API.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

// NewClient creates a Client. A nil httpClient gets a default with
// cfg.Timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		log:        log.WithComponent("provider_client"),
	}
}

func (c *Client) Name() string {
	return c.name
}

// List fetches one page of session summaries for q.
func (c *Client) List(ctx context.Context, q Query) (Page, error) {
	params := url.Values{}
	switch q := q.(type) {
	case ActiveQuery:
		params.Set("status", "active")
		setPaging(params, q.PageToken, q.PageSize)
	case EndedQuery:
		params.Set("ended_after", q.After.UTC().Format(time.RFC3339))
		params.Set("ended_before", q.Before.UTC().Format(time.RFC3339))
		setPaging(params, q.PageToken, q.PageSize)
	case StartedQuery:
		params.Set("started_after", q.After.UTC().Format(time.RFC3339))
		params.Set("started_before", q.Before.UTC().Format(time.RFC3339))
		setPaging(params, q.PageToken, q.PageSize)
	default:
		return Page{}, apperr.Permanent("list calls", fmt.Errorf("unsupported query %T", q))
	}

	var page Page
	err := c.do(ctx, opList, c.baseURL+"/v1/calls?"+params.Encode(), &page)
	metrics.RecordProviderRequest(opList, err)
	for i := range page.Calls {
		page.Calls[i].normalize()
	}
	return page, err
}

// Get fetches the full detail of one session.
func (c *Client) Get(ctx context.Context, sessionID string) (CallDetail, error) {
	var detail CallDetail
	err := c.do(ctx, opGet, c.baseURL+"/v1/calls/"+url.PathEscape(sessionID), &detail)
	metrics.RecordProviderRequest(opGet, err)
	detail.normalize()
	return detail, err
}

func (c *Client) do(ctx context.Context, op, reqURL string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperr.Transient("wait for provider rate limit", err).WithOp("provider." + op)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return apperr.Permanent("create request", err).WithOp("provider." + op)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("provider request failed", "op", op, "error", err)
		return apperr.Transient("provider request", err).WithOp("provider." + op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// decode below
	case resp.StatusCode == http.StatusNotFound && op == opGet:
		return apperr.Wrap(apperr.KindNotFound, "call not found", ErrCallNotFound).WithOp("provider." + op)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body := readErrorBody(resp.Body)
		c.log.Warn("provider upstream error", "op", op, "status", resp.StatusCode, "body", body)
		return apperr.Transient("provider upstream error",
			fmt.Errorf("status %d: %s", resp.StatusCode, body)).WithOp("provider." + op)
	default:
		body := readErrorBody(resp.Body)
		c.log.Error("provider rejected request", "op", op, "status", resp.StatusCode, "body", body)
		return apperr.Permanent("provider rejected request",
			fmt.Errorf("status %d: %s", resp.StatusCode, body)).WithOp("provider." + op)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// Truncated bodies are retried.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return apperr.Transient("decode provider response", err).WithOp("provider." + op)
		}
		return apperr.Permanent("decode provider response", err).WithOp("provider." + op)
	}
	return nil
}

func setPaging(params url.Values, token string, size int) {
	if size > 0 {
		params.Set("page_size", strconv.Itoa(size))
	}
	if token != "" {
		params.Set("page_token", token)
	}
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return sanitize.Text(string(b))
}

var _ Provider = (*Client)(nil)
