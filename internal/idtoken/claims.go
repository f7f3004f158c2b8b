// Package idtoken decodes JWT payloads and checks the ID token claims a
// public client can verify on its own: nonce, expiry, audience and issuer.
package idtoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned for anything that is not a three-segment JWT with
// JSON header and payload.
var ErrMalformed = errors.New("malformed JWT")

// Claims is a decoded JWT payload. Numbers decode as json.Number.
type Claims map[string]any

var parser = jwt.NewParser(jwt.WithJSONNumber())

// parseUnverified splits raw and decodes its header and payload. A missing
// or unknown alg only matters for verification, so it is not an error here.
func parseUnverified(raw string) (map[string]any, jwt.MapClaims, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, nil, fmt.Errorf("%w: expected 3 segments", ErrMalformed)
	}
	claims := jwt.MapClaims{}
	tok, _, err := parser.ParseUnverified(raw, claims)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tok.Header, claims, nil
}

// Decode returns the payload claims of raw without checking its signature.
func Decode(raw string) (Claims, error) {
	_, claims, err := parseUnverified(raw)
	if err != nil {
		return nil, err
	}
	return Claims(claims), nil
}

// Header returns the decoded JOSE header of raw.
func Header(raw string) (map[string]any, error) {
	header, _, err := parseUnverified(raw)
	return header, err
}

// Pretty returns the header and payload of raw as indented JSON.
func Pretty(raw string) (header, payload string, err error) {
	h, claims, err := parseUnverified(raw)
	if err != nil {
		return "", "", err
	}
	hb, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", "", err
	}
	pb, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return "", "", err
	}
	return string(hb), string(pb), nil
}

func (c Claims) str(name string) string {
	s, _ := c[name].(string)
	return s
}

func (c Claims) Nonce() string   { return c.str("nonce") }
func (c Claims) Subject() string { return c.str("sub") }
func (c Claims) Email() string   { return c.str("email") }
func (c Claims) Issuer() string  { return c.str("iss") }

// Audience returns aud as a list; a single string audience becomes one entry.
func (c Claims) Audience() []string {
	aud, err := jwt.MapClaims(c).GetAudience()
	if err != nil {
		return nil
	}
	return aud
}

// ExpiresAt returns exp, or the zero time when absent or unparseable.
func (c Claims) ExpiresAt() time.Time {
	return c.numericDate(jwt.MapClaims(c).GetExpirationTime)
}

// IssuedAt returns iat, or the zero time when absent or unparseable.
func (c Claims) IssuedAt() time.Time {
	return c.numericDate(jwt.MapClaims(c).GetIssuedAt)
}

func (c Claims) numericDate(get func() (*jwt.NumericDate, error)) time.Time {
	d, err := get()
	if err != nil || d == nil {
		return time.Time{}
	}
	return d.Time
}
