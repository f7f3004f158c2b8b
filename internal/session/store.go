package session

import (
	"context"
	"encoding/json"

	"github.com/wadahiro/pkcelens/internal/pkce"
)

// TokenSet holds the tokens issued for a console session. Fields are persisted
// individually; an empty field means "not issued".
type TokenSet struct {
	AccessToken  string          `json:"access_token,omitempty"`
	IDToken      string          `json:"id_token,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	TokenType    string          `json:"token_type,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	UserInfo     json.RawMessage `json:"user_infor,omitempty"`
}

// Empty reports whether no token is held.
func (t *TokenSet) Empty() bool {
	return t == nil || (t.AccessToken == "" && t.IDToken == "" && t.RefreshToken == "")
}

// Merge overwrites the fields of t that are set in update and returns t.
func (t *TokenSet) Merge(update *TokenSet) *TokenSet {
	if update == nil {
		return t
	}
	if update.AccessToken != "" {
		t.AccessToken = update.AccessToken
	}
	if update.IDToken != "" {
		t.IDToken = update.IDToken
	}
	if update.RefreshToken != "" {
		t.RefreshToken = update.RefreshToken
	}
	if update.TokenType != "" {
		t.TokenType = update.TokenType
	}
	if update.ExpiresIn != 0 {
		t.ExpiresIn = update.ExpiresIn
	}
	if update.Scope != "" {
		t.Scope = update.Scope
	}
	if len(update.UserInfo) > 0 {
		t.UserInfo = update.UserInfo
	}
	return t
}

// Store persists attempt-scoped security material and durable tokens per
// console session id. Getters return nil, nil when nothing is stored.
type Store interface {
	GetSecurityMaterial(ctx context.Context, sid string) (*pkce.Material, error)
	SetSecurityMaterial(ctx context.Context, sid string, m *pkce.Material) error
	ClearSecurityMaterial(ctx context.Context, sid string) error

	GetTokenSet(ctx context.Context, sid string) (*TokenSet, error)
	SetTokenSet(ctx context.Context, sid string, tokens *TokenSet) error
	ClearTokenSet(ctx context.Context, sid string) error
}
