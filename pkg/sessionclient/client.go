// Package sessionclient manages an authenticated session against the
// FarmEasy API: it rebuilds state from the httpOnly cookies on load,
// refreshes the access token proactively and reactively, and coalesces
// concurrent refresh attempts into a single request.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/farmeasy/farmeasy/internal/tokens"
)

const (
	loginPath   = "/api/users/login"
	logoutPath  = "/api/users/logout"
	refreshPath = "/api/auth/refresh"
	verifyPath  = "/api/auth/verify"

	accessCookieName = "accessToken"
)

var (
	// ErrUnauthenticated is returned when the session cannot be
	// established or a request is rejected after the one refresh retry.
	ErrUnauthenticated = errors.New("sessionclient: unauthenticated")
	// ErrInvalidInput flags a login response missing a role or carrying
	// an already-expired access token.
	ErrInvalidInput = errors.New("sessionclient: invalid input")
)

// State is the session lifecycle: Unknown on construction, Verifying
// while the initial verify call is in flight, then Authenticated or
// Unauthenticated.
type State int

const (
	StateUnknown State = iota
	StateVerifying
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Identity is the sanitized user snapshot the server returns.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// Client holds the session. The access token lives only in memory (and
// in the cookie jar); nothing is persisted locally.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	checkEvery time.Duration

	mu          sync.Mutex
	state       State
	identity    *Identity
	accessToken string

	refreshGroup singleflight.Group

	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Client)

// WithCheckInterval overrides the proactive expiry-check interval
// (default 5 minutes).
func WithCheckInterval(d time.Duration) Option {
	return func(c *Client) { c.checkEvery = d }
}

// WithHTTPClient replaces the underlying HTTP client. A cookie jar is
// attached if the given client has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("sessionclient: bad base url: %w", err)
	}

	c := &Client{
		baseURL:    u,
		checkEvery: 5 * time.Minute,
		state:      StateUnknown,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("sessionclient: cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}

	go c.watch()
	return c, nil
}

// Close stops the background expiry watcher. In-flight requests are not
// interrupted: a refresh already dispatched completes server-side.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity snapshot, nil unless Authenticated.
func (c *Client) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	cp := *c.identity
	return &cp
}

// Load rebuilds session state from the cookie jar by calling the verify
// endpoint. It is the single suspension point at startup; callers await
// it before rendering protected views.
func (c *Client) Load(ctx context.Context) error {
	c.setState(StateVerifying)

	identity, err := c.fetchIdentity(ctx, http.MethodGet, verifyPath, nil)
	if err != nil {
		c.clearSession()
		return err
	}

	c.adoptSession(identity)
	return nil
}

// Login authenticates and establishes a session. The response identity
// must carry a role and the issued access token must not already be
// expired by a local (unverified) decode; either defect is InvalidInput.
func (c *Client) Login(ctx context.Context, email, password, userType string) (*Identity, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
		"userType": userType,
	}
	identity, err := c.fetchIdentity(ctx, http.MethodPost, loginPath, body)
	if err != nil {
		c.clearSession()
		return nil, err
	}

	if identity.Role == "" {
		c.clearSession()
		return nil, fmt.Errorf("%w: identity has no role", ErrInvalidInput)
	}
	if token := c.cookieToken(); token != "" && tokens.LocalExpired(token, time.Now()) {
		c.clearSession()
		return nil, fmt.Errorf("%w: access token already expired", ErrInvalidInput)
	}

	c.adoptSession(identity)
	return identity, nil
}

// Logout notifies the server best-effort, then unconditionally clears
// local state. A network partition never strands the client in a
// falsely-authenticated state.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, logoutPath, nil)
	if err == nil {
		if resp, doErr := c.httpClient.Do(req); doErr == nil {
			resp.Body.Close()
		} else {
			err = doErr
		}
	}
	c.clearSession()
	return err
}

// Do sends the request, attaching the session. On a 401 from any
// endpoint other than the refresh endpoint itself, it refreshes once
// (coalesced with any concurrent attempt) and retries the original
// request a single time before surfacing the failure.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.attachToken(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.URL.Path == refreshPath {
		return resp, nil
	}

	// One refresh-and-retry. Refresh failure is terminal for the
	// session; the caller gets the original rejection.
	if refreshErr := c.refresh(req.Context()); refreshErr != nil {
		c.clearSession()
		return resp, nil
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return resp, nil
	}
	resp.Body.Close()

	c.attachToken(retry)
	return c.httpClient.Do(retry)
}

// refresh calls the refresh endpoint through a single-flight group so
// the ticker and any number of retrying requests trigger at most one
// network call.
func (c *Client) refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		// The call is shared between coalesced waiters; one caller
		// going away must not cancel it for the rest, and a rotation
		// already dispatched completes server-side regardless.
		identity, err := c.fetchIdentity(context.WithoutCancel(ctx), http.MethodPost, refreshPath, nil)
		if err != nil {
			return nil, err
		}
		c.adoptSession(identity)
		return nil, nil
	})
	return err
}

// watch periodically decodes the access token expiry locally and
// refreshes proactively. A failed refresh forces logout.
func (c *Client) watch() {
	ticker := time.NewTicker(c.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			authenticated := c.state == StateAuthenticated
			token := c.accessToken
			c.mu.Unlock()

			if !authenticated || !tokens.LocalExpired(token, time.Now()) {
				continue
			}
			if err := c.refresh(context.Background()); err != nil {
				c.clearSession()
			}
		}
	}
}

func (c *Client) fetchIdentity(ctx context.Context, method, path string, body interface{}) (*Identity, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sessionclient: %s returned %d", path, resp.StatusCode)
	}

	var env dataEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("sessionclient: decode response: %w", err)
	}
	var identity Identity
	if err := json.Unmarshal(env.Data, &identity); err != nil {
		return nil, fmt.Errorf("sessionclient: decode identity: %w", err)
	}
	return &identity, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) attachToken(req *http.Request) {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	if token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// cookieToken reads the access token the server set in the jar. The jar
// stands in for the browser's httpOnly store; the in-memory copy is used
// for header auth and local expiry checks.
func (c *Client) cookieToken() string {
	for _, cookie := range c.httpClient.Jar.Cookies(c.baseURL) {
		if cookie.Name == accessCookieName {
			return cookie.Value
		}
	}
	return ""
}

func (c *Client) adoptSession(identity *Identity) {
	token := c.cookieToken()
	c.mu.Lock()
	c.state = StateAuthenticated
	c.identity = identity
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.state = StateUnauthenticated
	c.identity = nil
	c.accessToken = ""
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("sessionclient: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}
