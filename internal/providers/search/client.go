package search

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/tracing"
)

// Operation names exposed by a search resource
const (
	OpSearch  = "search"
	OpExtract = "extract"
)

const (
	defaultSearchPath  = "/search"
	defaultExtractPath = "/extract"
	defaultHealthPath  = "/health"
	defaultMaxResults  = 5
	requestTimeout     = 30 * time.Second
	userAgent          = "bizchat-gateway/1.0"
)

// Options configures the search connector
type Options struct {
	Tracer *tracing.TracingService
	// Transport overrides the pooled transport, mainly for tests
	Transport http.RoundTripper
}

// Client talks to an HTTP web-search provider. Calls go through a retrying
// client; probes use a separate client without retries so the monitor's
// retry policy is the only one applied to them.
type Client struct {
	name    string
	api     *resty.Client
	probe   *resty.Client
	limiter *rate.Limiter

	searchPath  string
	extractPath string
	healthPath  string
}

// NewConnector returns the registry connector for search resources. The
// connector probes the provider once before handing out the connection.
func NewConnector(opts Options) registry.Connector {
	return func(ctx context.Context, d config.ResourceDescriptor) (registry.Connection, error) {
		client, err := NewClient(d, opts)
		if err != nil {
			return nil, err
		}
		if err := client.Probe(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

// NewClient builds a client from a descriptor without touching the network
func NewClient(d config.ResourceDescriptor, opts Options) (*Client, error) {
	retries, err := intSetting(d, "retry_count", 2)
	if err != nil {
		return nil, err
	}
	rps, err := floatSetting(d, "rate_limit_rps", 0)
	if err != nil {
		return nil, err
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Transport != nil {
		retryClient.HTTPClient.Transport = opts.Transport
	}

	api := resty.NewWithClient(opts.Tracer.InstrumentHTTPClient(retryClient.StandardClient()))
	probe := resty.NewWithClient(opts.Tracer.InstrumentHTTPClient(&http.Client{
		Transport: retryClient.HTTPClient.Transport,
	}))

	base := strings.TrimRight(d.Endpoint, "/")
	for _, c := range []*resty.Client{api, probe} {
		c.SetBaseURL(base).
			SetHeader("User-Agent", userAgent).
			SetHeader("Accept", "application/json")
		if key := d.Credential("api_key"); key != "" {
			c.SetAuthToken(key)
		}
	}
	api.SetTimeout(requestTimeout)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}

	return &Client{
		name:        d.Name,
		api:         api,
		probe:       probe,
		limiter:     limiter,
		searchPath:  d.Setting("search_path", defaultSearchPath),
		extractPath: d.Setting("extract_path", defaultExtractPath),
		healthPath:  d.Setting("health_path", defaultHealthPath),
	}, nil
}

// Operations implements registry.Connection
func (c *Client) Operations() map[string]registry.Operation {
	return map[string]registry.Operation{
		OpSearch:  c.searchOperation,
		OpExtract: c.extractOperation,
	}
}

// Probe issues a GET against the health path. Any 2xx answer within the
// context deadline is healthy.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.probe.R().SetContext(ctx).Get(c.healthPath)
	if err != nil {
		return errors.NewExternalError(c.name, "health check failed").WithCause(err)
	}
	if !resp.IsSuccess() {
		return errors.NewExternalError(c.name, fmt.Sprintf("health check returned status %d", resp.StatusCode()))
	}
	return nil
}

// Close releases idle transport connections
func (c *Client) Close() error {
	c.api.GetClient().CloseIdleConnections()
	c.probe.GetClient().CloseIdleConnections()
	return nil
}

// Search runs a web search
func (c *Client) Search(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.NewValidationError("query is required")
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}

	var out Response
	if err := c.post(ctx, c.searchPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extract fetches the readable content of the given URLs
func (c *Client) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	if len(req.URLs) == 0 {
		return nil, errors.NewValidationError("at least one url is required")
	}

	var out ExtractResponse
	if err := c.post(ctx, c.extractPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(path)
	if err != nil {
		return errors.NewExternalError(c.name, "request failed").WithCause(err)
	}
	if !resp.IsSuccess() {
		return errors.NewExternalError(c.name, fmt.Sprintf("%s returned status %d", path, resp.StatusCode())).
			WithDetail("body", truncate(resp.String(), 256))
	}
	return nil
}

func (c *Client) searchOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	req, err := requestFromArgs(args)
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, req)
}

func (c *Client) extractOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	urls, err := stringSlice(args["urls"])
	if err != nil {
		return nil, errors.NewValidationError("urls must be a list of strings")
	}
	return c.Extract(ctx, ExtractRequest{URLs: urls, SessionID: stringArg(args, registry.ArgSessionID)})
}

func intSetting(d config.ResourceDescriptor, key string, fallback int) (int, error) {
	raw := d.Setting(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewConfigurationError(fmt.Sprintf("resource %q setting %s must be a non-negative integer", d.Name, key))
	}
	return n, nil
}

func floatSetting(d config.ResourceDescriptor, key string, fallback float64) (float64, error) {
	raw := d.Setting(key, "")
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 0, errors.NewConfigurationError(fmt.Sprintf("resource %q setting %s must be a non-negative number", d.Name, key))
	}
	return f, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
