// Package pkce generates the per-attempt security material of an
// authorization code flow: state, nonce and the PKCE verifier/challenge pair.
package pkce

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/wadahiro/pkcelens/internal/protocol"
)

// MethodS256 is the only challenge method this client sends.
const MethodS256 = "S256"

const (
	stateBytes    = 32
	nonceBytes    = 32
	verifierBytes = 64

	minVerifierLen = 43
	maxVerifierLen = 128
)

// Material is one authorization attempt's anti-CSRF, anti-replay and PKCE values.
type Material struct {
	State               string    `json:"state"`
	Nonce               string    `json:"nonce"`
	CodeVerifier        string    `json:"code_verifier"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt           time.Time `json:"created_at"`
	// SentAt is set once the material went out in an authorization request.
	SentAt time.Time `json:"sent_at,omitzero"`
}

// Sent reports whether the material was already used in an authorization request.
func (m *Material) Sent() bool {
	return !m.SentAt.IsZero()
}

// Generate draws fresh state, nonce and code_verifier from crypto/rand and
// derives the S256 code_challenge.
func Generate() (*Material, error) {
	state, err := protocol.RandomHex(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := protocol.RandomHex(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	verifier, err := protocol.RandomHex(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate code_verifier: %w", err)
	}
	return &Material{
		State:               state,
		Nonce:               nonce,
		CodeVerifier:        verifier,
		CodeChallenge:       Challenge(verifier),
		CodeChallengeMethod: MethodS256,
		CreatedAt:           time.Now(),
	}, nil
}

// Challenge returns base64url_no_pad(SHA256(verifier)).
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Validate checks the shape of persisted material before it is trusted again.
func (m *Material) Validate() error {
	if len(m.State) < 32 || !isHex(m.State) {
		return errors.New("state must be at least 16 random bytes, hex-encoded")
	}
	if len(m.Nonce) < 32 || !isHex(m.Nonce) {
		return errors.New("nonce must be at least 16 random bytes, hex-encoded")
	}
	if n := len(m.CodeVerifier); n < minVerifierLen || n > maxVerifierLen {
		return fmt.Errorf("code_verifier length %d outside %d..%d", n, minVerifierLen, maxVerifierLen)
	}
	if m.CodeChallengeMethod != MethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", m.CodeChallengeMethod)
	}
	if m.CodeChallenge != Challenge(m.CodeVerifier) {
		return errors.New("code_challenge does not match code_verifier")
	}
	return nil
}

func isHex(s string) bool {
	return strings.Trim(s, "0123456789abcdef") == ""
}
