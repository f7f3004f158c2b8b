package console

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wadahiro/pkcelens/internal/callback"
	"github.com/wadahiro/pkcelens/internal/idtoken"
	"github.com/wadahiro/pkcelens/internal/notify"
	"github.com/wadahiro/pkcelens/internal/pkce"
	"github.com/wadahiro/pkcelens/internal/protocol"
	"github.com/wadahiro/pkcelens/internal/session"
)

// PageData is shared by every page.
type PageData struct {
	BasePath    string
	Origin      string
	Status      string // "connected" or "disconnected"
	StatusLabel string
}

type IndexData struct {
	Page            PageData
	ConfigRows      []protocol.KeyValue
	Material        *MaterialView
	PopupName       string
	PopupWidth      int
	PopupHeight     int
	PopupFeatures   string
	HasTokens       bool
	HasRefreshToken bool
	Results         []ResultView
}

type MaterialView struct {
	State         string
	Nonce         string
	CodeVerifier  string
	CodeChallenge string
	Method        string
	CreatedAt     string
	Sent          bool
}

type ResultView struct {
	ID                 string
	Type               string
	Timestamp          string
	Dot                string
	ErrorCode          string
	ErrorMessage       string
	Detail             string
	Warnings           []string
	AuthRequestURL     string
	AuthRequestParams  []protocol.KeyValue
	AuthResponseParams []protocol.KeyValue
	ExchangeRequest    string
	ExchangeLine       string
	ExchangeHeaders    string
	ExchangeBody       string
	Claims             []protocol.KeyValue
}

type CallbackData struct {
	Page             PageData
	State            callback.State
	MissingCode      bool
	ProviderError    *callback.ProviderError
	Code             string
	ReturnedState    string
	StoredState      string
	StateValid       bool
	RemainingSeconds int
	Countdown        string
	CanExchange      bool
	ExchangeAction   string
	Verifier         string
	VerifierEditable bool
	Warnings         []string
	Finished         bool
	Success          bool
	ErrorCode        string
	ErrorMessage     string
	TokenRows        []protocol.KeyValue
	Claims           []protocol.KeyValue
	Script           template.JS
	AutoClose        bool
}

type LifetimeView struct {
	ExpiresAt string
	Remaining string
	Elapsed   string // CSS width, e.g. "42%"
	Expired   bool
}

type TokenView struct {
	Raw       string
	Header    string
	Payload   string
	Claims    []protocol.KeyValue
	Lifetime  *LifetimeView
	Signature []protocol.KeyValue
}

type ProfileView struct {
	Status  int
	Success bool
	Data    string
}

type SessionData struct {
	Page         PageData
	LoggedIn     bool
	TokenRows    []protocol.KeyValue
	IDToken      *TokenView
	AccessToken  *TokenView
	Profile      *ProfileView
	ProfileError string
	UserInfo     string
}

type RefreshData struct {
	Page         PageData
	RefreshToken string
	Old          *TokenView
	New          *TokenView
	Done         bool
	Rotated      bool
	ErrorCode    string
	ErrorMessage string
}

type ErrorData struct {
	Page    PageData
	Code    string
	Message string
}

func (h *Handler) pageData(ctx context.Context, sid string) PageData {
	p := PageData{
		BasePath:    h.basePath,
		Origin:      h.cfg.Origin,
		Status:      "disconnected",
		StatusLabel: "No Session",
	}
	if tokens, err := h.store.GetTokenSet(ctx, sid); err == nil && !tokens.Empty() {
		p.Status = "connected"
		p.StatusLabel = "Active Session"
	}
	return p
}

func (h *Handler) configRows() []protocol.KeyValue {
	c := h.cfg.Client
	rows := []protocol.KeyValue{
		{Key: "authorization_endpoint", Value: h.client.AuthorizationEndpoint},
		{Key: "client_id", Value: h.client.ClientID},
		{Key: "redirect_uri", Value: h.client.RedirectURI},
		{Key: "scope", Value: h.client.Scope},
		{Key: "response_type", Value: h.client.ResponseType},
		{Key: "api_base_url", Value: c.APIBaseURL},
		{Key: "enforce_state", Value: strconv.FormatBool(c.StateEnforced())},
		{Key: "auto_exchange", Value: strconv.FormatBool(c.AutoExchange)},
		{Key: "code_ttl", Value: c.CodeTTL.String()},
		{Key: "locale", Value: h.exchanger.Locale()},
	}
	if c.Issuer != "" {
		rows = append(rows, protocol.KeyValue{Key: "issuer", Value: c.Issuer})
	}
	if h.discovery != nil && h.discovery.JWKSURI != "" {
		rows = append(rows, protocol.KeyValue{Key: "jwks_uri", Value: h.discovery.JWKSURI})
	}
	for _, k := range protocol.SortedKeys(h.client.ExtraParams) {
		rows = append(rows, protocol.KeyValue{Key: k + " (extra)", Value: h.client.ExtraParams[k]})
	}
	return rows
}

func materialView(m *pkce.Material) *MaterialView {
	if m == nil {
		return nil
	}
	return &MaterialView{
		State:         m.State,
		Nonce:         m.Nonce,
		CodeVerifier:  m.CodeVerifier,
		CodeChallenge: m.CodeChallenge,
		Method:        m.CodeChallengeMethod,
		CreatedAt:     protocol.FormatTimestamp(m.CreatedAt),
		Sent:          m.Sent(),
	}
}

// buildResultView converts a ResultEntry to template display data.
func buildResultView(index int, entry ResultEntry) ResultView {
	v := ResultView{
		ID:           fmt.Sprintf("result-%d", index),
		Type:         entry.Type,
		Timestamp:    protocol.FormatTimestamp(entry.Timestamp),
		ErrorCode:    entry.ErrorCode,
		ErrorMessage: entry.ErrorMessage,
		Detail:       entry.ErrorDetail,
		Warnings:     entry.Warnings,
	}
	switch entry.Type {
	case EntryLogin:
		v.Dot = "login"
	case EntryError, EntryPopupBlocked:
		v.Dot = "error"
	case EntryRefresh:
		v.Dot = "refresh"
	case EntryLogout, EntryRevoke:
		v.Dot = "logout"
	default:
		v.Dot = "info"
	}

	if entry.AuthRequestURL != "" {
		v.AuthRequestURL = entry.AuthRequestURL
		v.AuthRequestParams = protocol.QueryRows(entry.AuthRequestURL)
	}
	if entry.AuthResponseRaw != "" {
		v.AuthResponseParams = protocol.QueryRows(entry.AuthResponseRaw)
	}
	if c := entry.Exchange; c != nil {
		v.ExchangeRequest = c.Method + " " + c.URL
		v.ExchangeLine = protocol.StatusLine(c.StatusCode)
		v.ExchangeHeaders = protocol.HeaderText(c.Headers)
		if protocol.IsJSON(c.Headers.Get("Content-Type")) {
			v.ExchangeBody = protocol.PrettyJSON(json.RawMessage(c.Body))
		} else {
			v.ExchangeBody = string(c.Body)
		}
	}
	if entry.IDTokenRaw != "" {
		if claims, err := idtoken.Decode(entry.IDTokenRaw); err == nil {
			v.Claims = claimRows(claims)
		}
	}
	return v
}

func claimRows(claims map[string]any) []protocol.KeyValue {
	rows := make([]protocol.KeyValue, 0, len(claims))
	for _, k := range protocol.SortedKeys(claims) {
		rows = append(rows, protocol.KeyValue{Key: k, Value: protocol.FormatClaimValue(k, claims[k])})
	}
	return rows
}

func (h *Handler) callbackView(ctx context.Context, sid string, a *attempt) CallbackData {
	snap := a.receiver.Snapshot()
	d := CallbackData{
		Page:             h.pageData(ctx, sid),
		State:            snap.State,
		MissingCode:      snap.State == callback.StateMissingCode,
		ProviderError:    snap.ProviderError,
		Code:             snap.Code,
		ReturnedState:    snap.ReturnedState,
		StateValid:       snap.StateValid,
		RemainingSeconds: int(snap.Remaining.Seconds()),
		Countdown:        protocol.FormatCountdown(snap.Remaining),
		CanExchange:      snap.State == callback.StateAwaitingExchange,
		ExchangeAction:   h.basePath + h.callbackPath + "/exchange",
		Verifier:         snap.Verifier,
		VerifierEditable: h.cfg.Client.AllowVerifierOverride,
		Warnings:         snap.Warnings,
		Finished:         snap.State == callback.StateExchanged,
		Success:          snap.Success,
		StoredState:      a.storedState,
	}
	if d.Finished && !snap.Success && snap.Err != nil {
		d.ErrorCode, d.ErrorMessage = errorCodeMessage(snap.Err)
	}
	if snap.Tokens != nil {
		d.TokenRows = tokenRows(snap.Tokens)
		if snap.Tokens.IDToken != "" {
			if claims, err := idtoken.Decode(snap.Tokens.IDToken); err == nil {
				d.Claims = claimRows(claims)
			}
		}
	}
	if msg := a.takeMessage(); msg != nil {
		script, err := notify.Script(h.cfg.Origin, *msg)
		if err != nil {
			slog.Error("Failed to build opener script", "error", err)
		} else {
			d.Script = script
		}
		d.AutoClose = msg.IsSuccess() && h.cfg.Client.AutoExchange
	}
	return d
}

// tokenRows lists the non-empty stored fields. Values are shown in full.
func tokenRows(t *session.TokenSet) []protocol.KeyValue {
	var rows []protocol.KeyValue
	add := func(k, v string) {
		if v != "" {
			rows = append(rows, protocol.KeyValue{Key: k, Value: v})
		}
	}
	add("access_token", t.AccessToken)
	add("id_token", t.IDToken)
	add("refresh_token", t.RefreshToken)
	add("token_type", t.TokenType)
	if t.ExpiresIn > 0 {
		add("expires_in", strconv.FormatInt(t.ExpiresIn, 10))
	}
	add("scope", t.Scope)
	return rows
}

// tokenView decodes raw for display. Opaque tokens only carry Raw.
func (h *Handler) tokenView(ctx context.Context, raw string, isIDToken bool) *TokenView {
	v := &TokenView{Raw: raw}
	claims, err := idtoken.Decode(raw)
	if err != nil {
		return v
	}
	v.Header, v.Payload, _ = idtoken.Pretty(raw)
	v.Claims = claimRows(claims)
	if l, ok := idtoken.LifetimeOf(claims, h.clock.Now()); ok {
		v.Lifetime = &LifetimeView{
			ExpiresAt: protocol.FormatTimestamp(l.ExpiresAt),
			Remaining: protocol.FormatCountdown(l.Remaining),
			Elapsed:   fmt.Sprintf("%.0f%%", l.ElapsedPercent),
			Expired:   l.Expired,
		}
	}
	if isIDToken {
		v.Signature = signatureRows(idtoken.InspectSignature(ctx, raw, h.jwksRaw, h.keySet))
	}
	return v
}

func signatureRows(info *idtoken.SignatureInfo) []protocol.KeyValue {
	if info == nil {
		return nil
	}
	var rows []protocol.KeyValue
	pairs := []struct{ label, value string }{
		{"Algorithm (alg)", info.Algorithm},
		{"Key ID (kid)", info.KeyID},
		{"Key Type (kty)", info.KeyType},
		{"Use (use)", info.KeyUse},
		{"Key Algorithm", info.KeyAlg},
	}
	for _, p := range pairs {
		if p.value != "" {
			rows = append(rows, protocol.KeyValue{Key: p.label, Value: p.value})
		}
	}
	switch {
	case !info.Checked:
		rows = append(rows, protocol.KeyValue{Key: "Verified", Value: "not checked"})
	case info.Verified:
		rows = append(rows, protocol.KeyValue{Key: "Verified", Value: "yes"})
	default:
		rows = append(rows, protocol.KeyValue{Key: "Verified", Value: "no: " + strings.TrimSpace(info.VerifyError)})
	}
	return rows
}
