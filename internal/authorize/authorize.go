// Package authorize builds the authorization-endpoint URL for one attempt and
// describes the login popup it is opened in.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/wadahiro/pkcelens/internal/pkce"
)

// ErrPopupBlocked is returned when the host refused to create the login window.
var ErrPopupBlocked = errors.New("popup blocked")

// reservedParams are always set from ClientConfig and material.
var reservedParams = map[string]bool{
	"client_id":             true,
	"redirect_uri":          true,
	"scope":                 true,
	"response_type":         true,
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// ClientConfig is the client side of the authorization request.
type ClientConfig struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURI           string
	Scope                 string
	ResponseType          string
	// ExtraParams are appended but never replace the fixed parameters.
	ExtraParams map[string]string
}

// Validate reports the first missing required field.
func (c ClientConfig) Validate() error {
	fields := []struct{ name, value string }{
		{"authorization_endpoint", c.AuthorizationEndpoint},
		{"client_id", c.ClientID},
		{"redirect_uri", c.RedirectURI},
		{"scope", c.Scope},
		{"response_type", c.ResponseType},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}
	if _, err := url.Parse(c.AuthorizationEndpoint); err != nil {
		return fmt.Errorf("authorization_endpoint: %w", err)
	}
	return nil
}

// BuildURL returns the authorization URL carrying client_id, redirect_uri,
// scope, response_type, state, nonce, code_challenge and code_challenge_method.
func BuildURL(cfg ClientConfig, m *pkce.Material) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if m == nil {
		return "", errors.New("security material is required")
	}

	oc := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationEndpoint},
	}

	var opts []oauth2.AuthCodeOption
	for k, v := range cfg.ExtraParams {
		if reservedParams[k] {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	// Fixed parameters go last so they win over anything above.
	opts = append(opts,
		oauth2.SetAuthURLParam("scope", cfg.Scope),
		oauth2.SetAuthURLParam("response_type", cfg.ResponseType),
		oauth2.SetAuthURLParam("nonce", m.Nonce),
		oauth2.SetAuthURLParam("code_challenge", m.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", m.CodeChallengeMethod),
	)
	return oc.AuthCodeURL(m.State, opts...), nil
}

// PopupFeatures sizes the login dialog window.
type PopupFeatures struct {
	Name   string
	Width  int
	Height int
}

// DefaultPopup is a 900x700 dialog.
var DefaultPopup = PopupFeatures{Name: "pkcelens_oauth", Width: 900, Height: 700}

// FeatureString renders the window.open features string. The page appends
// left and top from the screen size.
func (f PopupFeatures) FeatureString() string {
	return fmt.Sprintf("toolbar=no,location=no,status=no,menubar=no,scrollbars=yes,resizable=yes,width=%d,height=%d", f.Width, f.Height)
}

// Window is a handle to an opened login window.
type Window interface {
	Name() string
}

// Launcher opens a URL in a new top-level browsing context.
type Launcher interface {
	Launch(ctx context.Context, authURL string, features PopupFeatures) (Window, error)
}

// Open builds the authorization URL and launches it. Material is only read;
// after ErrPopupBlocked the same material can be used for a retry.
func Open(ctx context.Context, l Launcher, cfg ClientConfig, m *pkce.Material) (Window, string, error) {
	authURL, err := BuildURL(cfg, m)
	if err != nil {
		return nil, "", err
	}
	w, err := l.Launch(ctx, authURL, DefaultPopup)
	if err != nil {
		return nil, authURL, err
	}
	if w == nil {
		return nil, authURL, ErrPopupBlocked
	}
	return w, authURL, nil
}
