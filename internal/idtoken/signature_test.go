package idtoken

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rsaFixture(t *testing.T) (*rsa.PrivateKey, json.RawMessage) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "key-1",
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	return key, raw
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-1"})
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestParseJWKS(t *testing.T) {
	_, jwks := rsaFixture(t)
	keys := ParseJWKS(jwks)
	require.Len(t, keys, 1)
	assert.Equal(t, KeyInfo{Kid: "key-1", Kty: "RSA", Alg: "RS256", Use: "sig"}, keys[0])

	assert.Nil(t, ParseJWKS(nil))
	assert.Nil(t, ParseJWKS(json.RawMessage("not json")))
}

func TestInspectSignature(t *testing.T) {
	key, jwks := rsaFixture(t)
	raw := signRS256(t, key, "key-1")
	ctx := context.Background()

	t.Run("metadata only", func(t *testing.T) {
		info := InspectSignature(ctx, raw, jwks, nil)
		require.NotNil(t, info)
		assert.Equal(t, "RS256", info.Algorithm)
		assert.Equal(t, "key-1", info.KeyID)
		assert.Equal(t, "RSA", info.KeyType)
		assert.Equal(t, "sig", info.KeyUse)
		assert.False(t, info.Checked)
	})

	t.Run("verified against key set", func(t *testing.T) {
		keys := &gooidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
		info := InspectSignature(ctx, raw, jwks, keys)
		require.NotNil(t, info)
		assert.True(t, info.Checked)
		assert.True(t, info.Verified, info.VerifyError)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := rsaFixture(t)
		keys := &gooidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&other.PublicKey}}
		info := InspectSignature(ctx, raw, jwks, keys)
		require.NotNil(t, info)
		assert.False(t, info.Verified)
		assert.NotEmpty(t, info.VerifyError)
	})

	t.Run("not a jwt", func(t *testing.T) {
		assert.Nil(t, InspectSignature(ctx, "opaque-token", nil, nil))
	})
}

func TestFetchJWKS(t *testing.T) {
	_, jwks := rsaFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jwks" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	got, err := FetchJWKS(context.Background(), srv.Client(), srv.URL+"/jwks")
	require.NoError(t, err)
	assert.JSONEq(t, string(jwks), string(got))

	_, err = FetchJWKS(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}
