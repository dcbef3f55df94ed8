package ecfr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"ecfr-dashboard/internal/observability/metrics"
	"ecfr-dashboard/internal/resilience/circuitbreaker"
	"ecfr-dashboard/internal/resilience/retry"
)

const (
	agenciesPath    = "/api/admin/v1/agencies.json"
	titlesPath      = "/api/versioner/v1/titles.json"
	versionsPath    = "/api/versioner/v1/versions/title-%d.json"
	dailyCountsPath = "/api/search/v1/counts/daily"
	fullXMLPath     = "/api/versioner/v1/full/%s/title-%d.xml"

	maxJSONBytes  = 64 << 20
	maxErrorBytes = 4096
)

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL   string
	Timeout   time.Duration // bound on each JSON call, retries included
	UserAgent string

	// RatePerSecond limits outbound requests; 0 disables the limiter.
	RatePerSecond float64
	Burst         int

	Retry         retry.Config
	DownloadRetry retry.Config

	// Breaker is the template for the client's three breakers: catalogue
	// calls (agencies, titles, daily counts) use Name, versions lookups
	// "<Name>-versions" and downloads "<Name>-download".
	Breaker circuitbreaker.Config

	// HTTPClient overrides the pooled default client.
	HTTPClient *http.Client
}

// Client talks to the eCFR REST API. It is safe for concurrent use.
type Client struct {
	base          string
	userAgent     string
	timeout       time.Duration
	hc            *http.Client
	limiter       *rate.Limiter
	retry         retry.Config
	versionsRetry retry.Config
	downloadRetry retry.Config

	catalog  *gobreaker.CircuitBreaker
	versions *gobreaker.CircuitBreaker
	download *gobreaker.CircuitBreaker
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ecfr-dashboard/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.DownloadRetry.MaxAttempts == 0 {
		opts.DownloadRetry = retry.DownloadConfig()
	}
	if opts.Breaker.Name == "" {
		opts.Breaker = circuitbreaker.DefaultConfig("ecfr-api")
	}

	// A 503 for one title says nothing about the others: it is neither
	// retried nor counted against the versions breaker.
	versionsRetry := opts.Retry
	versionsRetry.Retryable = func(err error) bool {
		return StatusOf(err) != http.StatusServiceUnavailable && retry.IsRetryable(err)
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		// No client-wide timeout: full-title downloads can run for minutes
		// and are bounded by the caller's context instead.
		hc = &http.Client{Transport: tr}
	}

	return &Client{
		base:          opts.BaseURL,
		userAgent:     opts.UserAgent,
		timeout:       opts.Timeout,
		hc:            hc,
		limiter:       rate.NewLimiter(limit, opts.Burst),
		retry:         opts.Retry,
		versionsRetry: versionsRetry,
		downloadRetry: opts.DownloadRetry,
		catalog:       newBreaker(opts.Breaker, "", isClientError),
		versions:      newBreaker(opts.Breaker, "-versions", isTitleCondition),
		download:      newBreaker(opts.Breaker, "-download", isClientError),
	}
}

func newBreaker(cfg circuitbreaker.Config, suffix string, healthy func(error) bool) *gobreaker.CircuitBreaker {
	cfg.Name += suffix
	cfg.IsSuccessful = func(err error) bool {
		return healthy(err) || errors.Is(err, context.Canceled)
	}
	cfg.OnStateChange = func(name string, _, to gobreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(cfg.Name, int(gobreaker.StateClosed))
	return circuitbreaker.New(cfg)
}

// Breakers returns the catalogue, versions and download breakers in that
// order.
func (c *Client) Breakers() []*gobreaker.CircuitBreaker {
	return []*gobreaker.CircuitBreaker{c.catalog, c.versions, c.download}
}

// AgenciesJSON returns the admin agencies feed exactly as served.
func (c *Client) AgenciesJSON(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, c.catalog, c.retry, "agencies", c.base+agenciesPath)
}

// GetAgencies returns the top-level agencies (children nested).
func (c *Client) GetAgencies(ctx context.Context) ([]Agency, error) {
	raw, err := c.AgenciesJSON(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeAgencies(raw)
}

// TitlesJSON returns the versioner titles list exactly as served.
func (c *Client) TitlesJSON(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, c.catalog, c.retry, "titles", c.base+titlesPath)
}

func (c *Client) GetTitles(ctx context.Context) ([]Title, error) {
	raw, err := c.TitlesJSON(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeTitles(raw)
}

// VersionsQuery bounds a content-versions lookup by issue date. Empty
// fields are not sent.
type VersionsQuery struct {
	IssuedOnOrAfter  string
	IssuedOnOrBefore string
}

// VersionsJSON returns the content versions of a title.
func (c *Client) VersionsJSON(ctx context.Context, title int, q VersionsQuery) (json.RawMessage, error) {
	u := c.base + fmt.Sprintf(versionsPath, title)
	params := url.Values{}
	if q.IssuedOnOrAfter != "" {
		params.Set("issue_date[gte]", q.IssuedOnOrAfter)
	}
	if q.IssuedOnOrBefore != "" {
		params.Set("issue_date[lte]", q.IssuedOnOrBefore)
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.getJSON(ctx, c.versions, c.versionsRetry, "versions", u)
}

// CountsQuery selects daily change counts for one agency.
type CountsQuery struct {
	AgencySlug     string
	ModifiedAfter  string
	ModifiedBefore string
}

// DailyCountsJSON returns the search service's daily change counts.
func (c *Client) DailyCountsJSON(ctx context.Context, q CountsQuery) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("agency_slugs[]", q.AgencySlug)
	if q.ModifiedAfter != "" {
		params.Set("last_modified_after", q.ModifiedAfter)
	}
	if q.ModifiedBefore != "" {
		params.Set("last_modified_before", q.ModifiedBefore)
	}
	return c.getJSON(ctx, c.catalog, c.retry, "daily_counts", c.base+dailyCountsPath+"?"+params.Encode())
}

// GetFullTitleXMLStream opens the full XML of a title as of date. The
// caller must close the returned reader.
func (c *Client) GetFullTitleXMLStream(ctx context.Context, date string, title int) (io.ReadCloser, error) {
	u := c.base + fmt.Sprintf(fullXMLPath, url.PathEscape(date), title)
	var body io.ReadCloser
	err := retry.WithBackoff(ctx, c.downloadRetry, func() error {
		return c.attempt(ctx, c.download, "full_xml", u, "application/xml", func(res *http.Response) error {
			body = res.Body
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, cb *gobreaker.CircuitBreaker, rc retry.Config, op, u string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out json.RawMessage
	err := retry.WithBackoff(ctx, rc, func() error {
		return c.attempt(ctx, cb, op, u, "application/json", func(res *http.Response) error {
			defer res.Body.Close()
			b, err := io.ReadAll(io.LimitReader(res.Body, maxJSONBytes+1))
			if err != nil {
				return err
			}
			if len(b) > maxJSONBytes {
				return fmt.Errorf("%s: response exceeds %d bytes", op, maxJSONBytes)
			}
			if !json.Valid(b) {
				return fmt.Errorf("%s: response is not valid JSON", op)
			}
			out = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// attempt performs a single request through the limiter and the breaker.
// consume owns the response body on 200.
func (c *Client) attempt(ctx context.Context, cb *gobreaker.CircuitBreaker, op, u, accept string, consume func(*http.Response) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", c.userAgent)
		res, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
			_ = res.Body.Close()
			return nil, &StatusError{Op: op, URL: u, StatusCode: res.StatusCode, Body: b}
		}
		return nil, consume(res)
	})
	metrics.RecordUpstream(op, outcome(err), time.Since(start))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	}
	if code := StatusOf(err); code != 0 {
		return strconv.Itoa(code)
	}
	return "error"
}

// DecodeAgencies parses an admin agencies payload.
func DecodeAgencies(raw []byte) ([]Agency, error) {
	var resp struct {
		Agencies []Agency `json:"agencies"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode agencies: %w", err)
	}
	return resp.Agencies, nil
}

// DecodeTitles parses a versioner titles payload.
func DecodeTitles(raw []byte) ([]Title, error) {
	var resp struct {
		Titles []Title `json:"titles"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode titles: %w", err)
	}
	return resp.Titles, nil
}
