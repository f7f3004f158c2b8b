package idtoken

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
)

// SignatureInfo holds JWT signature details for display.
type SignatureInfo struct {
	Algorithm   string // JWT header alg (e.g. "RS256")
	KeyID       string // JWT header kid
	KeyType     string // JWKS kty (e.g. "RSA")
	KeyUse      string // JWKS use (e.g. "sig")
	KeyAlg      string // JWKS alg
	Checked     bool   // a key set was available
	Verified    bool
	VerifyError string
}

// KeyInfo holds structured metadata for a single JWKS key.
type KeyInfo struct {
	Kid string
	Kty string
	Alg string
	Use string
}

// InspectSignature extracts header and key metadata of raw. When keys is
// non-nil the signature is verified against it. Verification is informational;
// Validate does not depend on it.
func InspectSignature(ctx context.Context, raw string, jwksRaw json.RawMessage, keys gooidc.KeySet) *SignatureInfo {
	header, err := Header(raw)
	if err != nil {
		return nil
	}
	alg, _ := header["alg"].(string)
	if alg == "" {
		return nil
	}
	kid, _ := header["kid"].(string)
	info := &SignatureInfo{Algorithm: alg, KeyID: kid}

	if kid != "" {
		for _, k := range ParseJWKS(jwksRaw) {
			if k.Kid == kid {
				info.KeyType = k.Kty
				info.KeyUse = k.Use
				info.KeyAlg = k.Alg
				break
			}
		}
	}

	if keys != nil {
		info.Checked = true
		if _, err := keys.VerifySignature(ctx, raw); err != nil {
			info.VerifyError = err.Error()
		} else {
			info.Verified = true
		}
	}
	return info
}

// ParseJWKS extracts key metadata from raw JWKS JSON.
func ParseJWKS(jwksRaw json.RawMessage) []KeyInfo {
	if len(jwksRaw) == 0 {
		return nil
	}
	var set jose.JSONWebKeySet
	if json.Unmarshal(jwksRaw, &set) != nil {
		return nil
	}
	var result []KeyInfo
	for _, k := range set.Keys {
		result = append(result, KeyInfo{
			Kid: k.KeyID,
			Kty: keyType(k),
			Alg: k.Algorithm,
			Use: k.Use,
		})
	}
	return result
}

func keyType(k jose.JSONWebKey) string {
	switch k.Key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return "RSA"
	case *ecdsa.PublicKey, *ecdsa.PrivateKey:
		return "EC"
	case ed25519.PublicKey, ed25519.PrivateKey:
		return "OKP"
	case []byte:
		return "oct"
	default:
		return ""
	}
}

// FetchJWKS downloads the raw key set document for display.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("jwks response is not JSON")
	}
	return json.RawMessage(body), nil
}
