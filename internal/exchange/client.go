// Package exchange talks to the resource API that holds the client secret:
// it trades an authorization code for tokens and drives refresh, revocation
// and the profile call. Tokens it receives are persisted in the session store.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wadahiro/pkcelens/internal/idtoken"
	"github.com/wadahiro/pkcelens/internal/protocol"
	"github.com/wadahiro/pkcelens/internal/session"
)

const DefaultTimeout = 15 * time.Second

// Options configures a Client.
type Options struct {
	// APIBaseURL is the resource API root, e.g. https://api.example.com/api.
	APIBaseURL string
	ClientID   string
	// Issuer, when set, must equal the iss claim of returned ID tokens.
	Issuer  string
	Locale  string
	Timeout time.Duration
	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Clock     clockwork.Clock
}

// Client performs the resource API calls for console sessions.
type Client struct {
	store      session.Store
	httpClient *http.Client
	baseURL    string
	clientID   string
	issuer     string
	locale     string
	timeout    time.Duration
	clock      clockwork.Clock
}

func New(store session.Store, opts Options) (*Client, error) {
	if store == nil {
		return nil, errors.New("exchange: session store is required")
	}
	if strings.TrimSpace(opts.APIBaseURL) == "" {
		return nil, errors.New("exchange: api_base_url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if !SupportedLocale(opts.Locale) {
		opts.Locale = DefaultLocale
	}
	return &Client{
		store: store,
		httpClient: &http.Client{
			Transport: newCapturingTransport(opts.Transport),
			Timeout:   opts.Timeout,
		},
		baseURL:  strings.TrimRight(opts.APIBaseURL, "/"),
		clientID: opts.ClientID,
		issuer:   opts.Issuer,
		locale:   opts.Locale,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
	}, nil
}

// Locale is the catalog locale used for error messages.
func (c *Client) Locale() string { return c.locale }

// apiResponse is a decoded JSON object body.
type apiResponse struct {
	status int
	header http.Header
	fields map[string]json.RawMessage
}

func (r *apiResponse) ok() bool { return r.status >= 200 && r.status < 300 }

// str returns the first of keys holding a JSON string.
func (r *apiResponse) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := r.fields[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func (r *apiResponse) boolean(key string) bool {
	var b bool
	if raw, ok := r.fields[key]; ok {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}

func (r *apiResponse) number(key string) int64 {
	var n json.Number
	if raw, ok := r.fields[key]; ok {
		if json.Unmarshal(raw, &n) == nil {
			v, _ := n.Int64()
			return v
		}
	}
	return 0
}

func (r *apiResponse) raw(keys ...string) json.RawMessage {
	for _, k := range keys {
		if raw, ok := r.fields[k]; ok && string(raw) != "null" {
			return raw
		}
	}
	return nil
}

// call sends a JSON request and decodes a JSON object response. Transport
// failures and non-object bodies come back as *ExchangeError with Transport set.
func (c *Client) call(ctx context.Context, method, path, bearer string, body any) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExchangeError{
			Code:      CodeTransport,
			Message:   protocol.ErrorText(err),
			Transport: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{Code: CodeTransport, Message: "read response", Status: resp.StatusCode, Transport: true, Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("response body is not a JSON object")
		}
		return nil, &ExchangeError{
			Code:      CodeTransport,
			Message:   fmt.Sprintf("%s returned a non-JSON response", protocol.StatusLine(resp.StatusCode)),
			Status:    resp.StatusCode,
			Transport: true,
			Err:       err,
		}
	}
	return &apiResponse{status: resp.StatusCode, header: resp.Header, fields: fields}, nil
}

// failure maps a non-2xx response body to an ExchangeError.
func (c *Client) failure(r *apiResponse, fallbackMessage string) *ExchangeError {
	code := r.str("error")
	raw := r.str("message")
	if r.boolean("idpError") {
		if code == "" {
			code = CodeUnknown
		}
		return &ExchangeError{Code: code, Message: providerMessage(c.locale, code, raw), Status: r.status, IdP: true}
	}
	if code == "" {
		// Bearer challenges carry the error in WWW-Authenticate.
		if ch := protocol.ParseBearerChallenge(r.header.Get("WWW-Authenticate")); ch.Error != "" {
			code = ch.Error
			if raw == "" {
				raw = ch.Description
			}
		}
	}
	if code == "" {
		code = CodeUnknown
	}
	if raw == "" {
		raw = fallbackMessage
	}
	return &ExchangeError{Code: code, Message: raw, Status: r.status}
}

// Exchange trades code for tokens. A returned ID token is validated against
// the stored nonce before anything is persisted; on success the tokens are
// stored and the security material is cleared.
func (c *Client) Exchange(ctx context.Context, sid, code, state, verifier string) (*session.TokenSet, error) {
	slog.Info("Exchanging authorization code", "sid", sid, "code", protocol.Redact(code), "code_verifier", protocol.Redact(verifier))

	r, err := c.call(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"code":          code,
		"state":         state,
		"code_verifier": verifier,
	})
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, c.failure(r, defaultFailureMessage)
	}

	tokens := &session.TokenSet{
		AccessToken:  r.str("accessToken", "access_token"),
		IDToken:      r.str("id_token", "idToken"),
		RefreshToken: r.str("refreshToken", "refresh_token"),
		TokenType:    r.str("token_type", "tokenType"),
		ExpiresIn:    r.number("expires_in"),
		Scope:        r.str("scope"),
		UserInfo:     r.raw("userInfo", "user_info"),
	}

	if tokens.IDToken != "" {
		m, err := c.store.GetSecurityMaterial(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("load security material: %w", err)
		}
		want := idtoken.Expectations{ClientID: c.clientID, Issuer: c.issuer, Now: c.clock.Now()}
		if m != nil {
			want.Nonce = m.Nonce
		}
		if _, err := idtoken.ValidateRaw(tokens.IDToken, want); err != nil {
			slog.Warn("ID token validation failed", "sid", sid, "error", err)
			return nil, &ExchangeError{
				Code:    CodeIDTokenInvalid,
				Message: "ID Token validation failed (" + err.Error() + ")",
				Status:  r.status,
				Err:     err,
			}
		}
	}

	stored, err := c.store.GetTokenSet(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if stored == nil {
		stored = &session.TokenSet{}
	}
	if err := c.store.SetTokenSet(ctx, sid, stored.Merge(tokens)); err != nil {
		return nil, fmt.Errorf("store tokens: %w", err)
	}
	if err := c.store.ClearSecurityMaterial(ctx, sid); err != nil {
		return nil, fmt.Errorf("clear security material: %w", err)
	}

	slog.Info("Token exchange succeeded", "sid", sid,
		"access_token", tokens.AccessToken != "",
		"id_token", tokens.IDToken != "",
		"refresh_token", tokens.RefreshToken != "")
	return tokens, nil
}

// RefreshResult compares the access token before and after a refresh.
type RefreshResult struct {
	OldAccessToken string
	AccessToken    string
	RefreshToken   string
	// Rotated is set when the API returned a new refresh token.
	Rotated bool
}

// Refresh obtains a new access token. An empty refreshToken uses the stored one.
func (c *Client) Refresh(ctx context.Context, sid, refreshToken string) (*RefreshResult, error) {
	stored, err := c.store.GetTokenSet(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if stored == nil {
		stored = &session.TokenSet{}
	}
	if refreshToken == "" {
		refreshToken = stored.RefreshToken
	}
	if refreshToken == "" {
		return nil, c.notLoggedIn()
	}

	r, err := c.call(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	access := r.str("accessToken", "access_token")
	if !r.ok() || r.boolean("idpError") || access == "" {
		e := c.failure(r, defaultRefreshMessage)
		if e.Code == CodeUnknown && r.ok() {
			e.Code = CodeRefreshFailed
		}
		return nil, e
	}

	res := &RefreshResult{OldAccessToken: stored.AccessToken, AccessToken: access, RefreshToken: refreshToken}
	stored.AccessToken = access
	if rotated := r.str("refreshToken", "refresh_token"); rotated != "" {
		stored.RefreshToken = rotated
		res.RefreshToken = rotated
		res.Rotated = rotated != refreshToken
	}
	if err := c.store.SetTokenSet(ctx, sid, stored); err != nil {
		return nil, fmt.Errorf("store tokens: %w", err)
	}
	slog.Info("Access token refreshed", "sid", sid, "rotated", res.Rotated)
	return res, nil
}

// Revoke revokes the stored refresh token. On success only the refresh token
// is removed from the store.
func (c *Client) Revoke(ctx context.Context, sid string) error {
	stored, err := c.store.GetTokenSet(ctx, sid)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	if stored == nil || stored.AccessToken == "" || stored.RefreshToken == "" {
		return c.notLoggedIn()
	}

	r, err := c.call(ctx, http.MethodPost, "/auth/revoke", stored.AccessToken, map[string]string{"refresh_token": stored.RefreshToken})
	if err != nil {
		return err
	}
	if !r.boolean("success") {
		e := c.failure(r, defaultRevokeMessage)
		if e.Code == CodeUnknown {
			e.Code = CodeRevokeFailed
		}
		return e
	}

	stored.RefreshToken = ""
	if err := c.store.SetTokenSet(ctx, sid, stored); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	slog.Info("Refresh token revoked", "sid", sid)
	return nil
}

// ProfileResult is the users/me response.
type ProfileResult struct {
	Status  int
	Success bool
	Data    json.RawMessage
}

// Profile calls users/me with the stored access token.
func (c *Client) Profile(ctx context.Context, sid string) (*ProfileResult, error) {
	stored, err := c.store.GetTokenSet(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if stored == nil || stored.AccessToken == "" {
		return nil, c.notLoggedIn()
	}
	r, err := c.call(ctx, http.MethodGet, "/users/me", stored.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	return &ProfileResult{Status: r.status, Success: r.boolean("success"), Data: r.raw("data")}, nil
}

// Logout forgets the session's tokens and any pending security material.
func (c *Client) Logout(ctx context.Context, sid string) error {
	if err := c.store.ClearTokenSet(ctx, sid); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	if err := c.store.ClearSecurityMaterial(ctx, sid); err != nil {
		return fmt.Errorf("clear security material: %w", err)
	}
	slog.Info("Session logged out", "sid", sid)
	return nil
}

func (c *Client) notLoggedIn() *ExchangeError {
	return &ExchangeError{Code: CodeNotLoggedIn, Message: defaultNotLoggedMessage}
}
