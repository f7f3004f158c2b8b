package authorize

import (
	"context"
	"fmt"
	"log/slog"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// Discovered holds the provider metadata the console needs.
type Discovered struct {
	AuthorizationEndpoint string
	JWKSURI               string
	Issuer                string
	// Raw is the provider's discovery document.
	Raw map[string]any
}

// Discover fetches {issuer}/.well-known/openid-configuration. Pass the HTTP
// client through ctx with oauth2.HTTPClient / gooidc.ClientContext.
func Discover(ctx context.Context, issuer string) (*Discovered, error) {
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err != nil {
		slog.Warn("Could not extract provider claims", "issuer", issuer, "error", err)
	}
	var raw map[string]any
	_ = provider.Claims(&raw)
	return &Discovered{
		AuthorizationEndpoint: provider.Endpoint().AuthURL,
		JWKSURI:               claims.JWKSURI,
		Issuer:                issuer,
		Raw:                   raw,
	}, nil
}
