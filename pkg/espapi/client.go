package espapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"espctl/pkg/telemetry"
)

const (
	// DefaultTimeout bounds every call except carve downloads.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryMax caps transport retries.
	DefaultRetryMax = 5

	apiPath    = "/esp-ui/services/api/v1"
	streamPort = "5000"
	streamPath = "/distributed/result"

	tokenHeader = "x-access-token"
)

// Config describes how to reach and authenticate against an ESP server.
type Config struct {
	Domain   string
	Username string
	Password string

	// BaseURL and StreamURL override the URLs derived from Domain.
	BaseURL   string
	StreamURL string

	Insecure bool
	Timeout  time.Duration
	RetryMax int

	Logger  logrus.FieldLogger
	Metrics *telemetry.Metrics
}

// Client is an authenticated ESP session. The token is fetched once by NewClient and never
// refreshed.
type Client struct {
	baseURL   string
	basePath  string
	streamURL string
	insecure  bool
	timeout   time.Duration
	token     string

	http     *retryablehttp.Client
	download *retryablehttp.Client
	logger   logrus.FieldLogger
}

type noRetryKey struct{}

// WithoutRetry marks ctx so requests made with it are attempted exactly once.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// NewClient validates cfg, builds the HTTP transports and logs in.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("espapi: you must supply a username and password")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	streamURL := strings.TrimSpace(cfg.StreamURL)
	domain := strings.TrimSpace(cfg.Domain)
	if baseURL == "" {
		if domain == "" {
			return nil, errors.New("espapi: domain is required")
		}
		baseURL = "https://" + domain + apiPath
	}
	if streamURL == "" {
		if domain == "" {
			return nil, errors.New("espapi: domain is required for the result stream")
		}
		streamURL = "wss://" + hostOnly(domain) + ":" + streamPort + streamPath
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("espapi: parse base url: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	c := &Client{
		baseURL:   baseURL,
		basePath:  parsed.Path,
		streamURL: streamURL,
		insecure:  cfg.Insecure,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
	c.http = c.newHTTPClient(cfg, cfg.Timeout)
	c.download = c.newHTTPClient(cfg, 0)

	if err := c.login(ctx, cfg.Username, cfg.Password); err != nil {
		return nil, err
	}
	return c, nil
}

func hostOnly(domain string) string {
	if h, _, ok := strings.Cut(domain, ":"); ok && !strings.Contains(domain, "]") {
		return h
	}
	return domain
}

func (c *Client) newHTTPClient(cfg Config, timeout time.Duration) *retryablehttp.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // ESP ships a self-signed certificate

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = leveledLogger{log: c.logger}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if retryDisabled(ctx) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	metrics := cfg.Metrics
	rc.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if resp == nil || resp.Request == nil {
			return
		}
		metrics.APIRequest(c.endpoint(resp.Request.URL.Path), resp.StatusCode)
	}
	return rc
}

// endpoint turns a request path into a low-cardinality metric label.
func (c *Client) endpoint(path string) string {
	path = strings.TrimPrefix(path, c.basePath)
	switch {
	case strings.HasPrefix(path, "/carves/download/"):
		return "/carves/download"
	case strings.HasPrefix(path, "/hosts/"):
		switch path {
		case "/hosts/count", "/hosts/recent_activity", "/hosts/recent_activity/count":
			return path
		}
		return "/hosts/{id}"
	}
	return path
}

func (c *Client) login(ctx context.Context, username, password string) error {
	payload := map[string]string{"username": username, "password": password}

	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Token   string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/login", payload, &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("espapi: login: %w", err)
	}
	if out.Status == "failure" || strings.TrimSpace(out.Token) == "" {
		return ErrUnauthorized
	}
	c.token = out.Token
	return nil
}

// call performs one JSON request against the REST API and decodes a 200 body into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, c.http, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *retryablehttp.Client, method, path string, body any) (*http.Response, error) {
	var payload any
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("espapi: marshal %s: %w", path, err)
		}
		payload = encoded
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("espapi: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// Hosts lists hosts matching filter.
func (c *Client) Hosts(ctx context.Context, filter HostFilter) ([]Host, error) {
	var env envelope[listing[Host]]
	if err := c.call(ctx, http.MethodPost, "/hosts", filter, &env); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	data, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return data.Results, nil
}

// HostCounts returns the online/offline distribution per platform.
func (c *Client) HostCounts(ctx context.Context) (HostCounts, error) {
	var env envelope[HostCounts]
	if err := c.call(ctx, http.MethodGet, "/hosts/count", nil, &env); err != nil {
		return nil, fmt.Errorf("host counts: %w", err)
	}
	data, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("host counts: %w", err)
	}
	return data, nil
}

// Host fetches one host by identifier.
func (c *Client) Host(ctx context.Context, hostIdentifier string) (Host, error) {
	var env envelope[Host]
	if err := c.call(ctx, http.MethodGet, "/hosts/"+url.PathEscape(hostIdentifier), nil, &env); err != nil {
		return Host{}, fmt.Errorf("get host %s: %w", hostIdentifier, err)
	}
	data, err := env.payload()
	if err != nil {
		return Host{}, fmt.Errorf("get host %s: %w", hostIdentifier, err)
	}
	return data, nil
}

// Packs lists every query pack.
func (c *Client) Packs(ctx context.Context) ([]Pack, error) {
	var env envelope[listing[Pack]]
	if err := c.call(ctx, http.MethodPost, "/packs", struct{}{}, &env); err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	data, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	return data.Results, nil
}

// SubmitQuery posts a distributed query. It is never retried: a retried POST could schedule the
// query twice.
func (c *Client) SubmitQuery(ctx context.Context, sql string, tags, hostIdentifiers []string) (QuerySubmission, error) {
	payload := map[string]string{
		"query": sql,
		"nodes": strings.Join(hostIdentifiers, ","),
		"tags":  strings.Join(tags, ","),
	}
	var out QuerySubmission
	if err := c.call(WithoutRetry(ctx), http.MethodPost, "/distributed/add", payload, &out); err != nil {
		return QuerySubmission{}, fmt.Errorf("submit query: %w", err)
	}
	return out, nil
}

// RecentActivity returns one page of scheduled query results for a host.
func (c *Client) RecentActivity(ctx context.Context, q ActivityQuery) (ActivityPage, error) {
	var env envelope[ActivityPage]
	if err := c.call(ctx, http.MethodPost, "/hosts/recent_activity", q, &env); err != nil {
		return ActivityPage{}, fmt.Errorf("recent activity %s: %w", q.QueryName, err)
	}
	data, err := env.payload()
	if err != nil {
		return ActivityPage{}, fmt.Errorf("recent activity %s: %w", q.QueryName, err)
	}
	return data, nil
}

// RecentActivityCount returns per-query result counts for a host.
func (c *Client) RecentActivityCount(ctx context.Context, hostIdentifier string) ([]QueryCount, error) {
	var env envelope[[]QueryCount]
	payload := map[string]string{"host_identifier": hostIdentifier}
	if err := c.call(ctx, http.MethodPost, "/hosts/recent_activity/count", payload, &env); err != nil {
		return nil, fmt.Errorf("recent activity count: %w", err)
	}
	data, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("recent activity count: %w", err)
	}
	return data, nil
}

// Carves lists the carve sessions of a host.
func (c *Client) Carves(ctx context.Context, hostIdentifier string) ([]Carve, error) {
	var env envelope[listing[Carve]]
	payload := map[string]string{"host_identifier": hostIdentifier}
	if err := c.call(ctx, http.MethodPost, "/carves", payload, &env); err != nil {
		return nil, fmt.Errorf("list carves: %w", err)
	}
	data, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("list carves: %w", err)
	}
	return data.Results, nil
}

// CarveStatus reports whether the carve produced by queryID on the host is ready for download.
// A response without an archive field, or a ready archive without a session id, is
// ErrMalformedResponse.
func (c *Client) CarveStatus(ctx context.Context, hostIdentifier, queryID string) (CarveSession, error) {
	var env envelope[carveStatus]
	payload := map[string]string{"host_identifier": hostIdentifier, "query_id": queryID}
	if err := c.call(ctx, http.MethodPost, "/carves/query", payload, &env); err != nil {
		return CarveSession{}, fmt.Errorf("carve status: %w", err)
	}
	data, err := env.payload()
	if err != nil {
		return CarveSession{}, fmt.Errorf("carve status: %w", err)
	}

	ready, present := archiveReady(data.Archive)
	if !present {
		return CarveSession{}, fmt.Errorf("carve status: %w: archive field missing", ErrMalformedResponse)
	}
	if ready && strings.TrimSpace(data.SessionID) == "" {
		return CarveSession{}, fmt.Errorf("carve status: %w: session_id missing", ErrMalformedResponse)
	}
	return CarveSession{SessionID: data.SessionID, QueryID: queryID, Ready: ready}, nil
}

// DownloadCarve streams the archive of a carve session. The caller closes the reader. Downloads
// have no client timeout; bound them with ctx.
func (c *Client) DownloadCarve(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, c.download, http.MethodGet, "/carves/download/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("download carve %s: %w", sessionID, err)
	}
	return resp.Body, nil
}

// leveledLogger adapts a logrus logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log logrus.FieldLogger
}

func (l leveledLogger) entry(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.log.WithFields(fields)
}

// Per-attempt failures are warnings; the final error reaches the caller.
func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

