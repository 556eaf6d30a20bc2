// Package api implements the Owlet cloud session: the multi-step login
// handshake, transparent token refresh, and the authenticated device
// endpoints. Token persistence is left to the caller; operations hand back
// a token snapshot whenever the stored triple changed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// expiryMargin is subtracted from the vendor-reported token lifetime so the
// session refreshes before the vendor actually rejects it.
const expiryMargin = 60 * time.Second

// Tokens is a snapshot of the session token triple. The zero value means no
// tokens are held. AccessToken and Expiry are always set together.
type Tokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// Client owns one Owlet cloud session. Token state is guarded by a mutex so
// the discovery fan-out can issue requests concurrently; callers who care
// about the ordering of operations and token snapshots still serialise
// calls themselves.
type Client struct {
	region   Region
	user     string
	password string
	conf     regionConfig

	http *http.Client
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	tokens   Tokens
	observed Tokens // last snapshot handed to the caller
}

// NewClient creates a session client for the given region. Either
// username/password or a prior token triple must be supplied before
// Authenticate can succeed. A nil httpClient falls back to
// http.DefaultClient; request timeouts are the caller's concern.
func NewClient(region Region, user, password string, prior *Tokens, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	conf, ok := regions[region]
	if !ok {
		return nil, fmt.Errorf("api: unsupported region %q: %w", region, ErrAuth)
	}

	c := &Client{
		region:   region,
		user:     user,
		password: password,
		conf:     conf,
		http:     httpClient,
		log:      log,
		now:      time.Now,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if prior != nil {
		c.tokens = *prior
		c.observed = *prior
	}
	return c, nil
}

// Region returns the region this client was constructed for.
func (c *Client) Region() Region {
	return c.region
}

// Authenticate brings the session to a valid state. With no stored tokens it
// performs the password grant first, then runs the refresh handshake when
// the access token is absent or expired. It returns a token snapshot when
// the triple changed, nil when the session was already valid.
func (c *Client) Authenticate(ctx context.Context) (*Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}
	return c.snapshotIfChanged(), nil
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.tokens.AccessToken == "" && c.tokens.RefreshToken == "" {
		if c.user == "" || c.password == "" {
			return fmt.Errorf("api: no credentials and no stored tokens: %w", ErrAuth)
		}
		if err := c.verifyPassword(ctx); err != nil {
			return err
		}
	}
	if c.tokens.AccessToken == "" || !c.now().Before(c.tokens.Expiry) {
		return c.refreshTokens(ctx)
	}
	return nil
}

// verifyPassword is the password grant against the identity endpoint. On
// success only the refresh token is stored; the access token comes out of
// the refresh handshake.
func (c *Client) verifyPassword(ctx context.Context) error {
	form := url.Values{
		"email":             {c.user},
		"password":          {c.password},
		"returnSecureToken": {"true"},
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	hdr.Set("X-Android-Package", androidPackage)
	hdr.Set("X-Android-Cert", androidCert)

	status, body, err := c.send(ctx, http.MethodPost, identityURL+"?key="+c.conf.apiKey, hdr, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("api: verify password: %w: %v", ErrConnection, err)
	}
	if status != http.StatusOK {
		code := vendorErrorCode(body)
		switch {
		case strings.HasPrefix(code, "INVALID_LOGIN_CREDENTIALS"):
			return fmt.Errorf("api: verify password: %w", ErrCredentials)
		case strings.HasPrefix(code, "TOO_MANY_ATTEMPTS_TRY_LATER"):
			return fmt.Errorf("api: verify password: too many attempts: %w", ErrAuth)
		default:
			return fmt.Errorf("api: verify password: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
		}
	}

	var out struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.RefreshToken == "" {
		return fmt.Errorf("api: verify password: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}

	c.tokens.RefreshToken = out.RefreshToken
	c.log.Debug("password verified", "region", c.region)
	return nil
}

// refreshTokens runs the three-step refresh handshake: refresh token to ID
// token, ID token to mini token, mini token to access token.
func (c *Client) refreshTokens(ctx context.Context) error {
	if c.tokens.RefreshToken == "" {
		return fmt.Errorf("api: no refresh token: %w", ErrAuth)
	}

	form := url.Values{
		"grantType":    {"refresh_token"},
		"refreshToken": {c.tokens.RefreshToken},
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.send(ctx, http.MethodPost, refreshURL+"?key="+c.conf.apiKey, hdr, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("api: refresh: %w: %v", ErrConnection, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("api: refresh token rejected: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}

	var out struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.IDToken == "" {
		return fmt.Errorf("api: refresh: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}
	if out.RefreshToken != "" {
		c.tokens.RefreshToken = out.RefreshToken
	}

	mini, err := c.miniToken(ctx, out.IDToken)
	if err != nil {
		return err
	}
	return c.signIn(ctx, mini)
}

func (c *Client) miniToken(ctx context.Context, idToken string) (string, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", idToken)

	status, body, err := c.send(ctx, http.MethodGet, c.conf.miniURL, hdr, nil)
	if err != nil {
		return "", fmt.Errorf("api: mini token: %w: %v", ErrConnection, err)
	}
	switch {
	case status == http.StatusUnauthorized:
		return "", fmt.Errorf("api: mini token: id token rejected: %w", ErrAuth)
	case status != http.StatusOK:
		return "", fmt.Errorf("api: mini token: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}

	var out struct {
		MiniToken string `json:"mini_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.MiniToken == "" {
		return "", fmt.Errorf("api: mini token: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}
	return out.MiniToken, nil
}

func (c *Client) signIn(ctx context.Context, miniToken string) error {
	payload := map[string]string{
		"app_id":     c.conf.appID,
		"app_secret": c.conf.appSecret,
		"provider":   "owl_id",
		"token":      miniToken,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("api: sign in: encode: %w", err)
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")

	status, body, err := c.send(ctx, http.MethodPost, c.conf.signinURL, hdr, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("api: sign in: %w: %v", ErrConnection, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("api: sign in: mini token rejected: %w", ErrAuth)
	case http.StatusNotFound:
		return fmt.Errorf("api: sign in: endpoint not found: %w", ErrAuth)
	default:
		return fmt.Errorf("api: sign in: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return fmt.Errorf("api: sign in: %w: %w", ErrAuth, &VendorError{Status: status, Body: string(body)})
	}

	c.tokens.AccessToken = out.AccessToken
	c.tokens.Expiry = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - expiryMargin)
	if out.RefreshToken != "" {
		c.tokens.RefreshToken = out.RefreshToken
	}
	c.log.Info("session established", "region", c.region, "expiry", c.tokens.Expiry)
	return nil
}

// Validate probes the vendor API with the stored access token and repairs
// the session once if the token has been rejected. It returns a token
// snapshot when the triple changed since the caller last observed it.
func (c *Client) Validate(ctx context.Context) (*Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(ctx); err != nil {
		return nil, err
	}
	return c.snapshotIfChanged(), nil
}

func (c *Client) validate(ctx context.Context) error {
	if c.tokens.AccessToken == "" || !c.now().Before(c.tokens.Expiry) {
		return c.authenticate(ctx)
	}

	status, _, err := c.send(ctx, http.MethodGet, c.conf.baseURL+"/devices.json", c.authHeader(), nil)
	if err != nil {
		return fmt.Errorf("api: validate: %w: %v", ErrConnection, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.log.Info("access token rejected, reauthenticating")
		c.tokens.AccessToken = ""
		c.tokens.Expiry = time.Time{}
		return c.authenticate(ctx)
	}
	return nil
}

// Request issues an authenticated call against the device API. The session
// is validated first, so the token is fresh before any substantive call.
// Non-2xx responses and transport failures surface as ErrConnection.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	c.mu.Lock()
	err := c.validate(ctx)
	hdr := c.authHeader()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: %s %s: encode body: %w", method, path, err)
		}
		hdr.Set("Content-Type", "application/json")
		rdr = bytes.NewReader(data)
	}

	status, respBody, err := c.send(ctx, method, c.conf.baseURL+path, hdr, rdr)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w: %v", method, path, ErrConnection, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("api: %s %s: status %d: %w", method, path, status, ErrConnection)
	}
	return json.RawMessage(respBody), nil
}

func (c *Client) authHeader() http.Header {
	hdr := http.Header{}
	hdr.Set("Authorization", "auth_token "+c.tokens.AccessToken)
	return hdr
}

// snapshot is snapshotIfChanged under the token lock, for callers outside
// an already-locked operation.
func (c *Client) snapshot() *Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotIfChanged()
}

// snapshotIfChanged compares the token triple against the last snapshot
// handed out and returns a copy only when they differ, so callers persist
// tokens exactly when they changed. The comparison and the reset happen
// together; there is no separate changed flag to race against. Callers
// hold mu.
func (c *Client) snapshotIfChanged() *Tokens {
	if c.tokens == c.observed {
		return nil
	}
	c.observed = c.tokens
	cp := c.tokens
	return &cp
}

func (c *Client) send(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// vendorErrorCode extracts the "<CODE>: ..." message the identity endpoint
// wraps its errors in.
func vendorErrorCode(body []byte) string {
	var out struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return ""
	}
	return out.Error.Message
}
