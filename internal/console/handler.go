// Package console serves the login console, the popup callback page and the
// session, refresh and event endpoints around the authorization handshake.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wadahiro/pkcelens/internal/authorize"
	"github.com/wadahiro/pkcelens/internal/config"
	"github.com/wadahiro/pkcelens/internal/exchange"
	"github.com/wadahiro/pkcelens/internal/notify"
	"github.com/wadahiro/pkcelens/internal/pkce"
	"github.com/wadahiro/pkcelens/internal/session"
	"github.com/wadahiro/pkcelens/internal/ui"
)

// SessionCookie carries the console session id.
const SessionCookie = "pkcelens_sid"

const defaultCallbackPath = "/login/callback"

// Options wires a Handler.
type Options struct {
	Config    *config.Config
	Client    authorize.ClientConfig
	Store     session.Store
	Exchanger *exchange.Client
	Hub       *notify.Hub
	Renderer  *ui.Renderer
	Clock     clockwork.Clock
	// KeySet verifies ID token signatures for display; nil skips verification.
	KeySet  gooidc.KeySet
	JWKSRaw json.RawMessage
	// Discovery is the provider metadata when an issuer was configured.
	Discovery *authorize.Discovered
}

// Handler is the console handler set.
type Handler struct {
	cfg          *config.Config
	client       authorize.ClientConfig
	store        session.Store
	exchanger    *exchange.Client
	hub          *notify.Hub
	renderer     *ui.Renderer
	clock        clockwork.Clock
	keySet       gooidc.KeySet
	jwksRaw      json.RawMessage
	discovery    *authorize.Discovered
	history      *HistoryStore
	attempts     *attemptStore
	basePath     string
	callbackPath string
	crossOrigin  *http.CrossOriginProtection
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Config == nil || opts.Store == nil || opts.Exchanger == nil || opts.Hub == nil || opts.Renderer == nil {
		return nil, errors.New("console: config, store, exchanger, hub and renderer are required")
	}
	if err := opts.Client.Validate(); err != nil {
		return nil, fmt.Errorf("console: client: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	origin, err := notify.NormalizeOrigin(opts.Config.Origin)
	if err != nil {
		return nil, fmt.Errorf("console: origin: %w", err)
	}
	// Behind a proxy the Host header may not match the public origin.
	crossOrigin := http.NewCrossOriginProtection()
	if err := crossOrigin.AddTrustedOrigin(origin); err != nil {
		return nil, fmt.Errorf("console: origin: %w", err)
	}
	h := &Handler{
		cfg:          opts.Config,
		client:       opts.Client,
		store:        opts.Store,
		exchanger:    opts.Exchanger,
		hub:          opts.Hub,
		renderer:     opts.Renderer,
		clock:        opts.Clock,
		keySet:       opts.KeySet,
		jwksRaw:      opts.JWKSRaw,
		discovery:    opts.Discovery,
		history:      NewHistoryStore(),
		attempts:     newAttemptStore(),
		basePath:     opts.Config.BasePath,
		callbackPath: callbackPath(opts.Client.RedirectURI, opts.Config.BasePath),
		crossOrigin:  crossOrigin,
	}
	return h, nil
}

// callbackPath derives the callback route from the redirect URI. Redirect URIs
// outside the console fall back to the default route.
func callbackPath(redirectURI, basePath string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" {
		return defaultCallbackPath
	}
	p := u.Path
	if basePath != "" {
		if !strings.HasPrefix(p, basePath+"/") {
			return defaultCallbackPath
		}
		p = strings.TrimPrefix(p, basePath)
	}
	if p == "/" {
		return defaultCallbackPath
	}
	return p
}

// Routes returns the console router, to be mounted at the base path.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.withSession)
	// POST routes change session state; cross-site form posts are refused.
	r.Use(h.crossOrigin.Handler)

	r.Get("/", h.handleIndex)
	r.Get("/login/authorize", h.handleAuthorize)
	r.Post("/login/popup-blocked", h.handlePopupBlocked)
	r.Post("/login/regenerate", h.handleRegenerate)
	r.Get(h.callbackPath, h.handleCallback)
	r.Post(h.callbackPath+"/exchange", h.handleExchange)
	r.Get("/events", h.handleEvents)
	r.Get("/session", h.handleSession)
	r.Get("/refresh", h.handleRefreshPage)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/revoke", h.handleRevoke)
	r.Post("/logout", h.handleLogout)
	r.Post("/clear", h.handleClear)
	return r
}

type sidKey struct{}

// withSession makes sure every request carries a console session id.
func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, perr := uuid.Parse(c.Value); perr == nil {
				sid = c.Value
			}
		}
		if sid == "" {
			sid = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sid,
				Path:     h.cookiePath(),
				HttpOnly: true,
				Secure:   isHTTPS(r),
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sidKey{}, sid)))
	})
}

func sidFrom(ctx context.Context) string {
	sid, _ := ctx.Value(sidKey{}).(string)
	return sid
}

func (h *Handler) cookiePath() string {
	if h.basePath == "" {
		return "/"
	}
	return h.basePath + "/"
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (h *Handler) redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.basePath+"/", http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, status int, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := h.renderer.Render(w, page, data); err != nil {
		slog.Error("Failed to render page", "page", page, "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.render(w, status, "error", ErrorData{
		Page:    h.pageData(r.Context(), sidFrom(r.Context())),
		Code:    code,
		Message: message,
	})
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)

	m, err := h.store.GetSecurityMaterial(ctx, sid)
	if err != nil {
		slog.Error("Failed to load security material", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	tokens, err := h.store.GetTokenSet(ctx, sid)
	if err != nil {
		slog.Error("Failed to load tokens", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	data := IndexData{
		Page:            h.pageData(ctx, sid),
		ConfigRows:      h.configRows(),
		Material:        materialView(m),
		PopupName:       authorize.DefaultPopup.Name,
		PopupWidth:      authorize.DefaultPopup.Width,
		PopupHeight:     authorize.DefaultPopup.Height,
		PopupFeatures:   authorize.DefaultPopup.FeatureString(),
		HasTokens:       !tokens.Empty(),
		HasRefreshToken: tokens != nil && tokens.RefreshToken != "",
	}
	for i, entry := range h.history.Get(sid) {
		data.Results = append(data.Results, buildResultView(i, entry))
	}
	h.render(w, http.StatusOK, "index", data)
}

// redirectLauncher records the authorization URL; the handler then sends the
// popup there.
type redirectLauncher struct {
	target string
}

type popupWindow string

func (p popupWindow) Name() string { return string(p) }

func (l *redirectLauncher) Launch(_ context.Context, authURL string, features authorize.PopupFeatures) (authorize.Window, error) {
	l.target = authURL
	return popupWindow(features.Name), nil
}

// handleAuthorize runs in the popup. Unsent material is reused; material that
// already went out in a request is replaced.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)

	m, err := h.store.GetSecurityMaterial(ctx, sid)
	if err != nil {
		slog.Error("Failed to load security material", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if m == nil || m.Sent() || m.Validate() != nil {
		if m, err = h.newMaterial(); err != nil {
			slog.Error("Failed to generate security material", "error", err)
			h.renderError(w, r, http.StatusInternalServerError, "random_source_unavailable", err.Error())
			return
		}
	}

	launcher := &redirectLauncher{}
	_, authURL, err := authorize.Open(ctx, launcher, h.client, m)
	if err != nil {
		slog.Error("Failed to build authorization request", "sid", sid, "error", err)
		h.history.Add(sid, ResultEntry{
			Type:         EntryError,
			Timestamp:    h.clock.Now(),
			ErrorCode:    "invalid_client_config",
			ErrorMessage: err.Error(),
		})
		h.renderError(w, r, http.StatusInternalServerError, "invalid_client_config", err.Error())
		return
	}

	m.SentAt = h.clock.Now()
	if err := h.store.SetSecurityMaterial(ctx, sid, m); err != nil {
		slog.Error("Failed to store security material", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	h.attempts.setAuthURL(sid, authURL)
	h.history.Add(sid, ResultEntry{
		Type:           EntryAuthorize,
		Timestamp:      m.SentAt,
		AuthRequestURL: authURL,
	})
	slog.Info("Sending authorization request", "sid", sid, "endpoint", h.client.AuthorizationEndpoint)
	http.Redirect(w, r, launcher.target, http.StatusFound)
}

func (h *Handler) newMaterial() (*pkce.Material, error) {
	m, err := pkce.Generate()
	if err != nil {
		return nil, err
	}
	m.CreatedAt = h.clock.Now()
	return m, nil
}

// handlePopupBlocked is posted by the console page when window.open returned
// null. Material is left as is so the retry sends the same values.
func (h *Handler) handlePopupBlocked(w http.ResponseWriter, r *http.Request) {
	sid := sidFrom(r.Context())
	slog.Warn("Login popup blocked", "sid", sid)
	h.history.Add(sid, ResultEntry{
		Type:         EntryPopupBlocked,
		Timestamp:    h.clock.Now(),
		ErrorCode:    "popup_blocked",
		ErrorMessage: authorize.ErrPopupBlocked.Error(),
		ErrorDetail:  "Allow popups for this site and open the login popup again.",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)
	m, err := h.newMaterial()
	if err != nil {
		slog.Error("Failed to generate security material", "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "random_source_unavailable", err.Error())
		return
	}
	if err := h.store.SetSecurityMaterial(ctx, sid, m); err != nil {
		slog.Error("Failed to store security material", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	h.attempts.delete(sid)
	h.history.Add(sid, ResultEntry{Type: EntryRegenerate, Timestamp: m.CreatedAt})
	h.redirectHome(w, r)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, capture := exchange.WithCapture(r.Context())
	sid := sidFrom(ctx)

	err := h.exchanger.Revoke(ctx, sid)
	entry := ResultEntry{Type: EntryRevoke, Timestamp: h.clock.Now(), Exchange: captured(capture)}
	if err != nil {
		slog.Warn("Revoke failed", "sid", sid, "error", err)
		entry.Type = EntryError
		entry.ErrorCode, entry.ErrorMessage = errorCodeMessage(err)
		entry.ErrorDetail = "Revoke refresh token failed"
	}
	h.history.Add(sid, entry)
	h.redirectHome(w, r)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)
	if err := h.exchanger.Logout(ctx, sid); err != nil {
		slog.Error("Logout failed", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	h.attempts.delete(sid)
	h.history.Add(sid, ResultEntry{Type: EntryLogout, Timestamp: h.clock.Now()})
	h.redirectHome(w, r)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	h.history.Delete(sidFrom(r.Context()))
	h.redirectHome(w, r)
}

// captured returns c when a round trip was recorded.
func captured(c *exchange.Capture) *exchange.Capture {
	if c == nil || c.Method == "" {
		return nil
	}
	return c
}

// errorCodeMessage splits err into the code and message shown to the user.
func errorCodeMessage(err error) (string, string) {
	var ee *exchange.ExchangeError
	if errors.As(err, &ee) {
		return ee.Code, ee.Message
	}
	return exchange.CodeUnknown, err.Error()
}
