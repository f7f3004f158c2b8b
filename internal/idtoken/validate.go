package idtoken

import (
	"fmt"
	"slices"
	"time"
)

// Expectations are the values an ID token must match. Empty ClientID or
// Issuer disables that check; Nonce is always required.
type Expectations struct {
	Nonce    string
	ClientID string
	Issuer   string
	Now      time.Time
}

// ValidationError names the claim check that failed.
type ValidationError struct {
	Claim  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("id token %s check failed: %s", e.Claim, e.Reason)
}

// Validate checks nonce, expiry, audience and issuer in that order and
// returns the first failure as a *ValidationError.
func Validate(c Claims, want Expectations) error {
	if want.Nonce == "" || c.Nonce() != want.Nonce {
		return &ValidationError{Claim: "nonce", Reason: "nonce does not match the stored nonce"}
	}

	exp := c.ExpiresAt()
	if exp.IsZero() {
		return &ValidationError{Claim: "exp", Reason: "exp claim missing"}
	}
	if !exp.After(want.Now) {
		return &ValidationError{Claim: "exp", Reason: fmt.Sprintf("token expired at %s", exp.UTC().Format(time.RFC3339))}
	}

	if want.ClientID != "" && !slices.Contains(c.Audience(), want.ClientID) {
		return &ValidationError{Claim: "aud", Reason: fmt.Sprintf("audience %v does not include %q", c.Audience(), want.ClientID)}
	}

	if want.Issuer != "" && c.Issuer() != want.Issuer {
		return &ValidationError{Claim: "iss", Reason: fmt.Sprintf("issuer %q, want %q", c.Issuer(), want.Issuer)}
	}
	return nil
}

// ValidateRaw decodes raw and validates it.
func ValidateRaw(raw string, want Expectations) (Claims, error) {
	c, err := Decode(raw)
	if err != nil {
		return nil, &ValidationError{Claim: "format", Reason: err.Error()}
	}
	return c, Validate(c, want)
}

// Lifetime describes where a token stands in its validity window.
type Lifetime struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	Remaining time.Duration
	// ElapsedPercent grows from 0 at iat to 100 at exp.
	ElapsedPercent float64
	Expired        bool
}

// LifetimeOf reports the validity window of c at now. ok is false when the
// token carries no exp.
func LifetimeOf(c Claims, now time.Time) (l Lifetime, ok bool) {
	l.ExpiresAt = c.ExpiresAt()
	if l.ExpiresAt.IsZero() {
		return l, false
	}
	l.IssuedAt = c.IssuedAt()
	l.Remaining = l.ExpiresAt.Sub(now)
	if l.Remaining <= 0 {
		l.Remaining = 0
		l.Expired = true
		l.ElapsedPercent = 100
		return l, true
	}
	if !l.IssuedAt.IsZero() {
		total := l.ExpiresAt.Sub(l.IssuedAt)
		if total > 0 {
			l.ElapsedPercent = float64(total-l.Remaining) / float64(total) * 100
		}
	}
	return l, true
}
