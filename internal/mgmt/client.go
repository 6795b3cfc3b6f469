// Package mgmt is a client for the ECS management REST API. It lists
// namespaces and buckets for the collector's catalog and serves billing and
// bucket descriptor records as a record source.
package mgmt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/retry"
	"github.com/ecsmeta/ecsmeta/internal/source"
)

const (
	// AuthTokenHeader carries the session token issued by /login.
	AuthTokenHeader = "X-SDS-AUTH-TOKEN"

	// DefaultPort is the management API port.
	DefaultPort = 4443

	// BillingSizeUnit is the unit billing sizes are requested in.
	BillingSizeUnit = "KB"

	pathLogin      = "/login"
	pathLogout     = "/logout"
	pathNamespaces = "/object/namespaces"
	pathBuckets    = "/object/bucket"
)

var (
	// ErrNoHosts is returned when the client is configured without hosts.
	ErrNoHosts = errors.New("mgmt: no hosts configured")

	// ErrUnauthorized is returned when login fails or a fresh token is refused.
	ErrUnauthorized = fmt.Errorf("mgmt: unauthorized: %w", source.ErrAccessDenied)

	// ErrClosed is returned when operating on a closed client.
	ErrClosed = errors.New("mgmt: client closed")

	// ErrRejected is returned for client errors the API will not accept on retry.
	ErrRejected = errors.New("mgmt: request rejected")
)

// APIError describes a failed management API call.
type APIError struct {
	Op         string
	Path       string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mgmt: %s %s: status %d: %v", e.Op, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mgmt: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Config configures a Client.
type Config struct {
	// Hosts are management endpoints, tried round-robin. A host given as a
	// URL is used as is; a bare host name gets https and Port.
	Hosts              []string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool

	// RequestsPerSecond limits calls across all hosts. Zero disables limiting.
	RequestsPerSecond float64
	Timeout           time.Duration
	// PageSize is the bucket listing page size.
	PageSize int
	Retry    retry.Policy
	Logger   *logging.Logger

	// HTTPClient overrides the client built from the settings above.
	HTTPClient *http.Client
}

// Client is a management API client. It logs in lazily and reuses the
// session token until the API refuses it. Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	next    atomic.Uint64

	mu     sync.RWMutex
	token  string
	closed bool
}

// New creates a new Client. No request is made until the first call.
func New(cfg Config) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, ErrNoHosts
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Once
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // self-signed management certificates are common
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(map[string]any{"component": "mgmt"}),
	}, nil
}

func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// baseURL returns the next host in round-robin order.
func (c *Client) baseURL() string {
	n := c.next.Add(1) - 1
	host := c.cfg.Hosts[n%uint64(len(c.cfg.Hosts))]
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host + ":" + strconv.Itoa(c.cfg.Port)
}

// Login authenticates with basic auth and caches the session token.
func (c *Client) Login(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.login(ctx)
	return err
}

func (c *Client) login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+pathLogin, nil)
	if err != nil {
		return "", &APIError{Op: "Login", Path: pathLogin, Err: err}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &APIError{Op: "Login", Path: pathLogin, Err: err}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Op: "Login", Path: pathLogin, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode)}
	}
	token := resp.Header.Get(AuthTokenHeader)
	if token == "" {
		return "", &APIError{Op: "Login", Path: pathLogin, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Debug("logged in to management API")
	return token, nil
}

// authToken returns the cached token, logging in if there is none.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	return c.login(ctx)
}

// invalidate drops token if it is still the cached one.
func (c *Client) invalidate(token string) {
	c.mu.Lock()
	if c.token == token {
		c.token = ""
	}
	c.mu.Unlock()
}

// Logout releases the session token, if any.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+pathLogout, nil)
	if err != nil {
		return &APIError{Op: "Logout", Path: pathLogout, Err: err}
	}
	req.Header.Set(AuthTokenHeader, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: "Logout", Path: pathLogout, Err: err}
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: "Logout", Path: pathLogout, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode)}
	}
	return nil
}

// Close logs out and closes the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Logout(ctx)
}

// get issues an authenticated GET and decodes the JSON response into out.
// A refused token triggers one fresh login per call.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	relogged := false
	return retry.DoNotify(ctx, c.cfg.Retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		token, err := c.authToken(ctx)
		if err != nil {
			return classify(err)
		}

		body, err := c.do(ctx, op, path, query, token)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && !relogged {
			relogged = true
			c.invalidate(token)
			if token, err = c.login(ctx); err != nil {
				return classify(err)
			}
			body, err = c.do(ctx, op, path, query, token)
		}
		if err != nil {
			return classify(err)
		}
		return retry.Permanent(decodeJSON(body, out))
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warnf("management call failed, retrying", map[string]any{
			"op":             op,
			"attempt":        attempt,
			"wait":           wait.String(),
			logging.KeyError: err.Error(),
		})
	})
}

func (c *Client) do(ctx context.Context, op, path string, query url.Values, token string) ([]byte, error) {
	u := c.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &APIError{Op: op, Path: path, Err: err}
	}
	req.Header.Set(AuthTokenHeader, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Op: op, Path: path, Err: err}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, Path: path, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: op, Path: path, StatusCode: resp.StatusCode, Err: err}
	}
	return body, nil
}

// statusError maps a response status onto the source sentinel errors so
// the collector can tell transient failures from permanent ones.
func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return source.ErrAccessDenied
	case code == http.StatusNotFound:
		return source.ErrNamespaceNotFound
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return source.ErrThrottled
	case code >= 400 && code < 500:
		return ErrRejected
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrClosed), errors.Is(err, ErrRejected):
		return retry.Permanent(err)
	case !source.IsTransient(err):
		return retry.Permanent(err)
	}
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// ListNamespaces returns the names of every namespace.
func (c *Client) ListNamespaces(ctx context.Context) ([]string, error) {
	var out namespaceList
	if err := c.get(ctx, "ListNamespaces", pathNamespaces, nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.Namespaces))
	for _, ns := range out.Namespaces {
		name := ns.Name
		if name == "" {
			name = ns.ID
		}
		names = append(names, name)
	}
	return names, nil
}

// ListBucketsPage returns one page of a namespace's buckets and the marker
// of the next page, empty when the listing is exhausted.
func (c *Client) ListBucketsPage(ctx context.Context, namespace, marker string) ([]records.Bucket, string, error) {
	query := url.Values{
		"namespace": {namespace},
		"limit":     {strconv.Itoa(c.cfg.PageSize)},
	}
	if marker != "" {
		query.Set("marker", marker)
	}

	var out bucketList
	if err := c.get(ctx, "ListBuckets", pathBuckets, query, &out); err != nil {
		return nil, "", err
	}
	buckets := make([]records.Bucket, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		buckets = append(buckets, b.toBucket(namespace))
	}
	return buckets, nextMarker(out.NextMarker, marker), nil
}

// ListBuckets returns every bucket of a namespace.
func (c *Client) ListBuckets(ctx context.Context, namespace string) ([]records.Bucket, error) {
	var (
		all    []records.Bucket
		marker string
	)
	for {
		page, next, err := c.ListBucketsPage(ctx, namespace, marker)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		marker = next
	}
}

// BillingPage is one page of a namespace's billing report. The namespace
// summary is only present on the first page.
type BillingPage struct {
	Namespace  *records.NamespaceBillingRecord
	Buckets    []records.BucketBillingRecord
	NextMarker string
}

// NamespaceBillingPage returns one page of a namespace's billing report
// with per-bucket detail. Sizes are in BillingSizeUnit.
func (c *Client) NamespaceBillingPage(ctx context.Context, namespace, marker string) (BillingPage, error) {
	path := "/object/billing/namespace/" + url.PathEscape(namespace) + "/info"
	query := url.Values{
		"include_bucket_detail": {"true"},
		"sizeunit":              {BillingSizeUnit},
	}
	if marker != "" {
		query.Set("marker", marker)
	}

	var out namespaceBilling
	if err := c.get(ctx, "NamespaceBilling", path, query, &out); err != nil {
		return BillingPage{}, err
	}

	page := BillingPage{NextMarker: nextMarker(out.NextMarker, marker)}
	if marker == "" {
		ns := out.Namespace
		if ns == "" {
			ns = namespace
		}
		page.Namespace = &records.NamespaceBillingRecord{
			Namespace:     ns,
			TotalSize:     int64(out.TotalSize),
			TotalSizeUnit: out.TotalSizeUnit,
			TotalObjects:  int64(out.TotalObjects),
		}
	}
	for _, b := range out.Buckets {
		ns := b.Namespace
		if ns == "" {
			ns = namespace
		}
		page.Buckets = append(page.Buckets, records.BucketBillingRecord{
			Bucket:        records.BucketKey{Namespace: ns, Bucket: b.Name},
			VPoolID:       b.VPoolID,
			TotalSize:     int64(b.TotalSize),
			TotalSizeUnit: b.TotalSizeUnit,
			TotalObjects:  int64(b.TotalObjects),
		})
	}
	return page, nil
}

// nextMarker guards against an API echoing the marker it was given, which
// would otherwise page forever.
func nextMarker(next, current string) string {
	if next == current {
		return ""
	}
	return next
}
