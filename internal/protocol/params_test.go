package protocol

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryRows(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []KeyValue
	}{
		{name: "empty", input: "", want: nil},
		{
			name:  "authorization request URL",
			input: "https://idp.example.com/auth?scope=openid+profile&client_id=pkcelens&code_challenge_method=S256",
			want: []KeyValue{
				{Key: "client_id", Value: "pkcelens"},
				{Key: "code_challenge_method", Value: "S256"},
				{Key: "scope", Value: "openid profile"},
			},
		},
		{
			name:  "callback query",
			input: "state=xyz&code=abc123",
			want: []KeyValue{
				{Key: "code", Value: "abc123"},
				{Key: "state", Value: "xyz"},
			},
		},
		{
			name:  "leading question mark",
			input: "?code=abc123",
			want:  []KeyValue{{Key: "code", Value: "abc123"}},
		},
		{
			name:  "relative callback path with query",
			input: "/login/callback?error=access_denied&error_description=User+cancelled",
			want: []KeyValue{
				{Key: "error", Value: "access_denied"},
				{Key: "error_description", Value: "User cancelled"},
			},
		},
		{
			name:  "fragment parameters",
			input: "https://console.test/login/callback?state=s1#code=c1",
			want: []KeyValue{
				{Key: "code", Value: "c1"},
				{Key: "state", Value: "s1"},
			},
		},
		{
			name:  "encoded redirect uri",
			input: "redirect_uri=http%3A%2F%2Flocalhost%3A3001%2Flogin%2Fcallback",
			want:  []KeyValue{{Key: "redirect_uri", Value: "http://localhost:3001/login/callback"}},
		},
		{name: "URL without parameters", input: "https://idp.example.com/auth", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QueryRows(tt.input))
		})
	}
}

func TestValueRowsKeepsRepeatedValues(t *testing.T) {
	rows := ValueRows(url.Values{"b": {"2"}, "a": {"x", "y"}})
	assert.Equal(t, []KeyValue{{Key: "a", Value: "x"}, {Key: "a", Value: "y"}, {Key: "b", Value: "2"}}, rows)
	assert.Nil(t, ValueRows(nil))
}
