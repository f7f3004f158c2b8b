package console

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wadahiro/pkcelens/internal/authorize"
	"github.com/wadahiro/pkcelens/internal/callback"
	"github.com/wadahiro/pkcelens/internal/config"
	"github.com/wadahiro/pkcelens/internal/exchange"
	"github.com/wadahiro/pkcelens/internal/notify"
	"github.com/wadahiro/pkcelens/internal/pkce"
	"github.com/wadahiro/pkcelens/internal/session"
	"github.com/wadahiro/pkcelens/internal/ui"
)

const (
	testOrigin = "http://console.test"
	testSID    = "6f1c2a52-9d8e-4e43-8a2b-3c1d2e4f5a6b"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeAPI is the resource API behind the console.
type fakeAPI struct {
	mu    sync.Mutex
	paths []string
	login func(w http.ResponseWriter, body map[string]string)
	other func(w http.ResponseWriter, r *http.Request, body map[string]string)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()
	if r.URL.Path == "/api/auth/login" && f.login != nil {
		f.login(w, body)
		return
	}
	if f.other != nil {
		f.other(w, r, body)
		return
	}
	http.NotFound(w, r)
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type env struct {
	h      *Handler
	router http.Handler
	store  *session.MemoryStore
	hub    *notify.Hub
	clock  *clockwork.FakeClock
	api    *fakeAPI
}

func newEnv(t *testing.T, mutate func(c *config.Config)) *env {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	enforce := true
	cfg := &config.Config{
		BaseURL: testOrigin,
		Origin:  testOrigin,
		Client: config.ClientConfig{
			APIBaseURL:            srv.URL + "/api",
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			ClientID:              "pkcelens",
			RedirectURI:           testOrigin + "/login/callback",
			Scope:                 "openid profile",
			ResponseType:          "code",
			Locale:                "en",
			EnforceState:          &enforce,
			CodeTTL:               config.Duration{Duration: 300 * time.Second},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewFakeClockAt(testNow)
	store := session.NewMemoryStore(clock, 0)
	ex, err := exchange.New(store, exchange.Options{
		APIBaseURL: cfg.Client.APIBaseURL,
		ClientID:   cfg.Client.ClientID,
		Locale:     cfg.Client.Locale,
		Timeout:    2 * time.Second,
		Clock:      clock,
	})
	require.NoError(t, err)
	hub, err := notify.NewHub(testOrigin, 8)
	require.NoError(t, err)
	renderer, err := ui.NewRenderer()
	require.NoError(t, err)

	h, err := NewHandler(Options{
		Config: cfg,
		Client: authorize.ClientConfig{
			AuthorizationEndpoint: cfg.Client.AuthorizationEndpoint,
			ClientID:              cfg.Client.ClientID,
			RedirectURI:           cfg.Client.RedirectURI,
			Scope:                 cfg.Client.Scope,
			ResponseType:          cfg.Client.ResponseType,
		},
		Store:     store,
		Exchanger: ex,
		Hub:       hub,
		Renderer:  renderer,
		Clock:     clock,
	})
	require.NoError(t, err)
	return &env{h: h, router: h.Routes(), store: store, hub: hub, clock: clock, api: api}
}

func (e *env) do(t *testing.T, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testSID})
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) authorize(t *testing.T) (*pkce.Material, url.Values) {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/login/authorize", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	m, err := e.store.GetSecurityMaterial(context.Background(), testSID)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m, loc.Query()
}

func (e *env) message(t *testing.T) notify.Message {
	t.Helper()
	sub, err := e.hub.Subscribe(testSID)
	require.NoError(t, err)
	defer sub.Close()
	select {
	case env := <-sub.C:
		return env.Message
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
		return notify.Message{}
	}
}

func idToken(t *testing.T, nonce string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "https://idp.example.com",
		"sub":   "user-1",
		"aud":   "pkcelens",
		"nonce": nonce,
		"iat":   testNow.Add(-time.Minute).Unix(),
		"exp":   testNow.Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSessionCookieIssued(t *testing.T) {
	e := newEnv(t, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
}

func TestSessionCookieLaxOverHTTPS(t *testing.T) {
	e := newEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
}

func TestCrossSitePostRefused(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.SetTokenSet(ctx, testSID, &session.TokenSet{AccessToken: "A", RefreshToken: "R"}))

	for _, path := range []string{"/logout", "/revoke", "/login/regenerate", "/clear", "/login/callback/exchange"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(""))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", "https://attacker.example")
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testSID})
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	tokens, err := e.store.GetTokenSet(ctx, testSID)
	require.NoError(t, err)
	assert.Equal(t, "A", tokens.AccessToken)
	assert.Empty(t, e.api.calls())

	// The console's own pages still post.
	req := httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testSID})
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestAuthorizeRedirect(t *testing.T) {
	e := newEnv(t, nil)
	m, q := e.authorize(t)

	assert.Equal(t, "pkcelens", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testOrigin+"/login/callback", q.Get("redirect_uri"))
	assert.Equal(t, m.State, q.Get("state"))
	assert.Equal(t, m.Nonce, q.Get("nonce"))
	assert.Equal(t, m.CodeChallenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.True(t, m.Sent(), "material is marked as sent")

	results := e.h.history.Get(testSID)
	require.Len(t, results, 1)
	assert.Equal(t, EntryAuthorize, results[0].Type)
}

func TestAuthorizeReplacesSentMaterial(t *testing.T) {
	e := newEnv(t, nil)
	first, _ := e.authorize(t)
	second, q := e.authorize(t)

	assert.NotEqual(t, first.State, second.State)
	assert.NotEqual(t, first.CodeVerifier, second.CodeVerifier)
	assert.Equal(t, second.State, q.Get("state"))
}

func TestAuthorizeReusesUnsentMaterial(t *testing.T) {
	e := newEnv(t, nil)
	m, err := pkce.Generate()
	require.NoError(t, err)
	m.CreatedAt = testNow
	require.NoError(t, e.store.SetSecurityMaterial(context.Background(), testSID, m))

	got, q := e.authorize(t)
	assert.Equal(t, m.State, got.State)
	assert.Equal(t, m.State, q.Get("state"))
}

func TestPopupBlocked(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/login/popup-blocked", url.Values{})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	results := e.h.history.Get(testSID)
	require.Len(t, results, 1)
	assert.Equal(t, EntryPopupBlocked, results[0].Type)
	assert.Equal(t, "popup_blocked", results[0].ErrorCode)
}

func TestCallbackExchangeSuccess(t *testing.T) {
	e := newEnv(t, nil)
	m, _ := e.authorize(t)
	var got map[string]string
	e.api.login = func(w http.ResponseWriter, body map[string]string) {
		got = body
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  "A",
			"id_token":     idToken(t, m.Nonce),
			"refreshToken": "R",
		})
	}

	rec := e.do(t, http.MethodGet, "/login/callback?code=C&state="+m.State, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AwaitingExchange")
	assert.Empty(t, e.api.calls(), "nothing is exchanged before the trigger")

	rec = e.do(t, http.MethodPost, "/login/callback/exchange", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"code": "C", "state": m.State, "code_verifier": m.CodeVerifier}, got)
	assert.Contains(t, rec.Body.String(), "postMessage")

	tokens, err := e.store.GetTokenSet(context.Background(), testSID)
	require.NoError(t, err)
	assert.Equal(t, "A", tokens.AccessToken)
	assert.Equal(t, "R", tokens.RefreshToken)

	assert.True(t, e.message(t).IsSuccess())

	results := e.h.history.Get(testSID)
	require.NotEmpty(t, results)
	assert.Equal(t, EntryLogin, results[0].Type)
	assert.NotNil(t, results[0].Exchange)
	assert.Equal(t, "code=C&state="+m.State, results[0].AuthResponseRaw)

	rec = e.do(t, http.MethodPost, "/login/callback/exchange", url.Values{})
	assert.Equal(t, http.StatusConflict, rec.Code, "a code is exchanged once")
	assert.Len(t, e.api.calls(), 1)
}

func TestCallbackAutoExchange(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Client.AutoExchange = true })
	m, _ := e.authorize(t)
	e.api.login = func(w http.ResponseWriter, body map[string]string) {
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "A", "id_token": idToken(t, m.Nonce)})
	}

	rec := e.do(t, http.MethodGet, "/login/callback?code=C&state="+m.State, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "setTimeout(function () { window.close(); }, 2000)")
	assert.Len(t, e.api.calls(), 1)
}

func TestCallbackAutoExchangeSkipsMismatchedState(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Client.AutoExchange = true
		advisory := false
		c.Client.EnforceState = &advisory
	})
	e.authorize(t)

	rec := e.do(t, http.MethodGet, "/login/callback?code=C&state=forged", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.api.calls())
	assert.Equal(t, callback.StateAwaitingExchange, e.h.attempts.get(testSID).receiver.State())
	assert.Empty(t, e.h.history.Get(testSID))
}

func TestCallbackStateMismatch(t *testing.T) {
	e := newEnv(t, nil)
	e.authorize(t)

	e.do(t, http.MethodGet, "/login/callback?code=C&state=forged", nil)
	rec := e.do(t, http.MethodPost, "/login/callback/exchange", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, e.api.calls(), "a mismatched state never reaches the API")
	msg := e.message(t)
	assert.False(t, msg.IsSuccess())
	assert.Equal(t, "state_mismatch", msg.Error)

	results := e.h.history.Get(testSID)
	assert.Equal(t, EntryError, results[0].Type)
	assert.Equal(t, "state_mismatch", results[0].ErrorCode)
}

func TestCallbackStateMismatchAdvisory(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		off := false
		c.Client.EnforceState = &off
	})
	m, _ := e.authorize(t)
	e.api.login = func(w http.ResponseWriter, body map[string]string) {
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "A", "id_token": idToken(t, m.Nonce)})
	}

	e.do(t, http.MethodGet, "/login/callback?code=C&state=forged", nil)
	rec := e.do(t, http.MethodPost, "/login/callback/exchange", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Len(t, e.api.calls(), 1)
	results := e.h.history.Get(testSID)
	assert.Equal(t, EntryLogin, results[0].Type)
	assert.NotEmpty(t, results[0].Warnings)
}

func TestCallbackProviderError(t *testing.T) {
	e := newEnv(t, nil)
	e.authorize(t)

	rec := e.do(t, http.MethodGet, "/login/callback?error=access_denied&error_description=User+cancelled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "User cancelled")

	msg := e.message(t)
	assert.Equal(t, "access_denied", msg.Error)
	assert.Equal(t, "User cancelled", msg.Message)

	results := e.h.history.Get(testSID)
	assert.Equal(t, EntryError, results[0].Type)
	assert.Equal(t, "access_denied", results[0].ErrorCode)

	rec = e.do(t, http.MethodPost, "/login/callback/exchange", url.Values{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExchangeWithoutCallback(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/login/callback/exchange", url.Values{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEventsSingleSubscriber(t *testing.T) {
	e := newEnv(t, nil)
	sub, err := e.hub.Subscribe(testSID)
	require.NoError(t, err)
	defer sub.Close()

	rec := e.do(t, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEventsStreamsNotification(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.hub.Notify(testSID, testOrigin, notify.Error("access_denied", "denied")))

	srv := httptest.NewServer(e.router)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testSID})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var data string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			data = line
			break
		}
	}
	assert.JSONEq(t, `{"type":"oauth_error","error":"access_denied","message":"denied"}`, data)
}

func TestLogout(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.SetTokenSet(ctx, testSID, &session.TokenSet{AccessToken: "A", RefreshToken: "R"}))

	rec := e.do(t, http.MethodPost, "/logout", url.Values{})
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	tokens, err := e.store.GetTokenSet(ctx, testSID)
	require.NoError(t, err)
	assert.True(t, tokens.Empty())
	assert.Equal(t, EntryLogout, e.h.history.Get(testSID)[0].Type)
}

func TestRevoke(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.SetTokenSet(ctx, testSID, &session.TokenSet{AccessToken: "A", RefreshToken: "R"}))
	e.api.other = func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		assert.Equal(t, "/api/auth/revoke", r.URL.Path)
		assert.Equal(t, "Bearer A", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}

	rec := e.do(t, http.MethodPost, "/revoke", url.Values{})
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	tokens, err := e.store.GetTokenSet(ctx, testSID)
	require.NoError(t, err)
	assert.Equal(t, "A", tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken)

	entry := e.h.history.Get(testSID)[0]
	assert.Equal(t, EntryRevoke, entry.Type)
	require.NotNil(t, entry.Exchange)
	assert.Equal(t, http.StatusOK, entry.Exchange.StatusCode)
}

func TestRefresh(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.SetTokenSet(ctx, testSID, &session.TokenSet{AccessToken: "A1", RefreshToken: "R1"}))
	e.api.other = func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		assert.Equal(t, "/api/auth/refresh", r.URL.Path)
		assert.Equal(t, "R1", body["refresh_token"])
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "A2", "refreshToken": "R2"})
	}

	rec := e.do(t, http.MethodPost, "/refresh", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "A2")

	tokens, err := e.store.GetTokenSet(ctx, testSID)
	require.NoError(t, err)
	assert.Equal(t, "A2", tokens.AccessToken)
	assert.Equal(t, "R2", tokens.RefreshToken)
	assert.Equal(t, EntryRefresh, e.h.history.Get(testSID)[0].Type)
}

func TestRefreshFailure(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.SetTokenSet(ctx, testSID, &session.TokenSet{AccessToken: "A1", RefreshToken: "R1"}))
	e.api.other = func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_grant", "message": "expired"})
	}

	rec := e.do(t, http.MethodPost, "/refresh", url.Values{})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")

	tokens, err := e.store.GetTokenSet(ctx, testSID)
	require.NoError(t, err)
	assert.Equal(t, "A1", tokens.AccessToken)
}

func TestCallbackPath(t *testing.T) {
	tests := []struct {
		redirectURI string
		basePath    string
		want        string
	}{
		{"http://console.test/login/callback", "", "/login/callback"},
		{"http://console.test/app/cb", "/app", "/cb"},
		{"http://other.test/elsewhere/cb", "/app", defaultCallbackPath},
		{"http://console.test/", "", defaultCallbackPath},
	}
	for _, tt := range tests {
		t.Run(tt.redirectURI, func(t *testing.T) {
			assert.Equal(t, tt.want, callbackPath(tt.redirectURI, tt.basePath))
		})
	}
}
