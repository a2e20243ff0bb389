package driver

import (
	"bytes"
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

	"golang.org/x/time/rate"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
)

const maxResponseBytes = 8 << 20

// HTTPConfig tunes the outbound pod manager client.
type HTTPConfig struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	RequestsPerSecond  float64
	Burst              int
	UserAgent          string
	// Transport overrides the HTTP transport, used by tests.
	Transport http.RoundTripper
}

// ErrorNormalizer converts a non-2xx, non-401 response into a driver error.
type ErrorNormalizer func(status int, body []byte) error

// Response is a completed upstream exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient is the shared outbound client used by every driver.
type HTTPClient struct {
	kind      Kind
	base      *url.URL
	client    *http.Client
	username  string
	password  string
	userAgent string
	limiter   *rate.Limiter
	normalize ErrorNormalizer
}

// NewHTTPClient builds a client bound to one pod manager base URL.
func NewHTTPClient(kind Kind, baseURL string, cfg HTTPConfig, username, password string, normalize ErrorNormalizer) (*HTTPClient, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apierr.BadRequest("invalid pod manager url %q", baseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for lab fabrics
		}
		transport = base
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if normalize == nil {
		normalize = func(status int, body []byte) error {
			return apierr.Internal("pod manager returned status %d", status)
		}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "chamicore-valence"
	}

	return &HTTPClient{
		kind:      kind,
		base:      parsed,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		username:  username,
		password:  password,
		userAgent: userAgent,
		limiter:   limiter,
		normalize: normalize,
	}, nil
}

// BaseURL returns the pod manager base URL.
func (c *HTTPClient) BaseURL() string {
	return c.base.String()
}

// Resolve turns a path or absolute URL into an absolute URL on the pod manager.
func (c *HTTPClient) Resolve(ref string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", apierr.BadRequest("invalid resource reference %q", ref)
	}
	return c.base.ResolveReference(parsed).String(), nil
}

// Get issues a GET and decodes the JSON body into out when non-nil.
func (c *HTTPClient) Get(ctx context.Context, ref string, out any) (*Response, error) {
	return c.Do(ctx, http.MethodGet, ref, nil, out)
}

// Post issues a POST with a JSON body.
func (c *HTTPClient) Post(ctx context.Context, ref string, body, out any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, ref, body, out)
}

// Put issues a PUT with a JSON body.
func (c *HTTPClient) Put(ctx context.Context, ref string, body, out any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, ref, body, out)
}

// Patch issues a PATCH with a JSON body.
func (c *HTTPClient) Patch(ctx context.Context, ref string, body, out any) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, ref, body, out)
}

// Delete issues a DELETE.
func (c *HTTPClient) Delete(ctx context.Context, ref string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, ref, nil, nil)
}

// Do performs one request. Transport failures become ServiceUnavailable, 401
// becomes AuthorizationFailure, and other non-2xx statuses go through the
// variant's normalizer.
func (c *HTTPClient) Do(ctx context.Context, method, ref string, body, out any) (*Response, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, apierr.Internal("encoding %s %s body: %v", method, ref, marshalErr)
		}
		reader = bytes.NewReader(encoded)
	}

	if c.limiter != nil {
		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return nil, apierr.ServiceUnavailable("pod manager %s request budget exhausted: %v", c.base.Host, waitErr).WithCause(waitErr)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apierr.Internal("building %s %s: %v", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(method, "transport_error", start)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, apierr.ServiceUnavailable("request to %s canceled", c.base.Host).WithCause(err)
		}
		return nil, apierr.ServiceUnavailable("cannot reach pod manager at %s: %v", c.base.Host, err).WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.observe(method, "transport_error", start)
		return nil, apierr.ServiceUnavailable("reading response from %s: %v", c.base.Host, err).WithCause(err)
	}
	c.observe(method, statusClass(resp.StatusCode), start)

	result := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}
	if resp.StatusCode == http.StatusUnauthorized {
		return result, apierr.AuthorizationFailure("pod manager at %s rejected the configured credentials", c.base.Host)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, c.normalize(resp.StatusCode, payload)
	}

	if out != nil && len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return result, apierr.ServiceUnavailable("decoding %s %s response: %v", method, ref, err).WithCause(err)
		}
	}
	return result, nil
}

func (c *HTTPClient) observe(method, outcome string, start time.Time) {
	metrics.DriverRequestDuration.WithLabelValues(string(c.kind), method, outcome).Observe(time.Since(start).Seconds())
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
