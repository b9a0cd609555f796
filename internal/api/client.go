package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n0madic/go-trafficdesk/internal/auth"
	"github.com/n0madic/go-trafficdesk/internal/sanitize"
)

const (
	// DefaultTimeout bounds a single call when Options.Timeout is unset.
	DefaultTimeout = 15 * time.Second
	// DefaultSignInRoute is where an expired session is sent.
	DefaultSignInRoute = "/login"

	maxResponseBytes = 32 * 1024 * 1024
)

// Options configures a Client. It is copied by NewClient and never mutated
// afterwards.
type Options struct {
	// Origin is the absolute origin relative targets resolve against.
	Origin      string
	BaseAddress string
	Timeout     time.Duration
	Sanitizer   *sanitize.Sanitizer
	// Credentials supplies the bearer token. nil sends unauthenticated requests.
	Credentials auth.Store
	// Navigate is called with SignInRoute after a 401 cleared the credentials.
	Navigate    func(route string)
	SignInRoute string
	HTTPClient  *http.Client
	UserAgent   string
	Verbose     bool
}

// Request is what call sites hand to Do.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is JSON-encoded when non-nil.
	Body any
}

// Client makes requests to the traffic backend. Every request passes the
// sanitizer exactly once, immediately before dispatch.
type Client struct {
	opts   Options
	origin *url.URL
	http   *http.Client

	// mu serializes session expiry; signedOut is set once a 401 has been
	// handled and reset when a stored token is attached again.
	mu        sync.Mutex
	signedOut bool
}

// NewClient validates opts and fills defaults.
func NewClient(opts Options) (*Client, error) {
	origin, err := url.Parse(strings.TrimSpace(opts.Origin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", opts.Origin, err)
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: must be an absolute http(s) URL", opts.Origin)
	}
	origin.Path, origin.RawPath, origin.RawQuery, origin.Fragment = "", "", "", ""

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New(sanitize.Options{SameOrigin: true})
	}
	if opts.SignInRoute == "" {
		opts.SignInRoute = DefaultSignInRoute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{opts: opts, origin: origin, http: hc}, nil
}

// HTTPClient returns the transport used for dispatch.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Timeout returns the per-call bound.
func (c *Client) Timeout() time.Duration { return c.opts.Timeout }

// Sanitizer returns the sanitizer every request passes through.
func (c *Client) Sanitizer() *sanitize.Sanitizer { return c.opts.Sanitizer }

// URL returns the sanitized absolute URL for path, for collaborators that
// dispatch on their own transport (the OAuth2 token exchange).
func (c *Client) URL(path string, query url.Values) (string, error) {
	call, err := c.resolve(sanitize.Descriptor{
		Method:      http.MethodGet,
		BaseAddress: c.opts.BaseAddress,
		Path:        path,
		Query:       query,
	})
	if err != nil {
		return "", err
	}
	return call.url, nil
}

type preparedCall struct {
	desc     sanitize.Descriptor
	rewrites []sanitize.Rewrite
	url      string
}

func (c *Client) resolve(d sanitize.Descriptor) (*preparedCall, error) {
	safe, rewrites := c.opts.Sanitizer.Inspect(d)
	target := safe.Target()
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("unable to build request target %q: %w", target, err)
	}
	return &preparedCall{
		desc:     safe,
		rewrites: rewrites,
		url:      c.origin.ResolveReference(ref).String(),
	}, nil
}

func (c *Client) prepare(ctx context.Context, req *Request) (*http.Request, *preparedCall, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	call, err := c.resolve(sanitize.Descriptor{
		Method:      method,
		BaseAddress: c.opts.BaseAddress,
		Path:        req.Path,
		Query:       req.Query,
		Header:      req.Header,
	})
	if err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, call.url, body)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range call.desc.Header {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("X-Request-ID") == "" {
		httpReq.Header.Set("X-Request-ID", uuid.NewString())
	}
	if c.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	c.attachCredentials(httpReq)

	return httpReq, call, nil
}

// attachCredentials adds the stored bearer token unless the caller already
// set an Authorization header.
func (c *Client) attachCredentials(r *http.Request) {
	if c.opts.Credentials == nil || r.Header.Get("Authorization") != "" {
		return
	}
	tok, err := c.opts.Credentials.Token()
	if err != nil {
		return
	}
	tok.SetAuthHeader(r)
	c.mu.Lock()
	c.signedOut = false
	c.mu.Unlock()
}

// Do sends req and decodes a JSON response into out. out may be nil, a
// *json.RawMessage, or any value encoding/json can decode into.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, call, err := c.prepare(ctx, req)
	if err != nil {
		return err
	}
	reqID := httpReq.Header.Get("X-Request-ID")

	if c.opts.Verbose {
		slog.Info("api.request",
			"method", httpReq.Method,
			"url", call.url,
			"query_params", len(call.desc.Query),
			"rewrites", len(call.rewrites),
			"authenticated", httpReq.Header.Get("Authorization") != "",
			"request_id", reqID,
		)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.transportError(ctx, httpReq.Method, call, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.transportError(ctx, httpReq.Method, call, err)
	}

	if c.opts.Verbose {
		slog.Info("api.response",
			"method", httpReq.Method,
			"url", call.url,
			"status", resp.StatusCode,
			"bytes", len(body),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"request_id", reqID,
		)
	}

	if resp.StatusCode >= 400 {
		serr := &StatusError{
			Method:     httpReq.Method,
			URL:        call.url,
			StatusCode: resp.StatusCode,
			Body:       body,
			Header:     resp.Header,
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.expireSession()
		}
		return serr
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", httpReq.Method, call.url, err)
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, method string, call *preparedCall, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return fmt.Errorf("%s %s: %w", method, call.url, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Method: method, URL: call.url, Timeout: c.opts.Timeout, Err: err}
	}

	nerr := &NetworkError{Method: method, URL: call.url, Err: err, Rewrites: call.rewrites}
	for _, r := range call.rewrites {
		if r.Rule == sanitize.RuleInternalHost || r.Rule == sanitize.RuleSafetyNet {
			nerr.MalformedAddress = true
			break
		}
	}
	slog.Warn("api.network.unreachable",
		"method", method,
		"url", call.url,
		"malformed_address", nerr.MalformedAddress,
		"error", err,
	)
	return nerr
}

// expireSession clears stored credentials and sends the user to sign in.
// Concurrent 401s for the same session navigate once.
func (c *Client) expireSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Credentials != nil {
		if _, err := c.opts.Credentials.Token(); errors.Is(err, auth.ErrNoCredentials) && c.signedOut {
			return
		}
		if err := c.opts.Credentials.Clear(); err != nil {
			slog.Error("unable to clear stored credentials", "error", err)
		}
	} else if c.signedOut {
		return
	}
	c.signedOut = true

	slog.Warn("api.session.expired", "sign_in_route", c.opts.SignInRoute)
	if c.opts.Navigate != nil {
		c.opts.Navigate(c.opts.SignInRoute)
	}
}

// Get issues a GET for path with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Patch sends body as JSON.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path}, out)
}
