package notify

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "https://console.example.com"

func TestMessageJSON(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"success", Success(), `{"type":"oauth_success"}`},
		{"error", Error("invalid_grant", "expired"), `{"type":"oauth_error","error":"invalid_grant","message":"expired"}`},
		{"error empty message", Error("access_denied", ""), `{"type":"oauth_error","error":"access_denied","message":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNormalizeOrigin(t *testing.T) {
	got, err := NormalizeOrigin("HTTPS://Console.Example.com:8443/login/callback?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://console.example.com:8443", got)

	for _, bad := range []string{"", "*", "null", "/relative", "console.example.com"} {
		_, err := NormalizeOrigin(bad)
		assert.True(t, errors.Is(err, ErrInvalidOrigin), bad)
	}
}

func TestReceiverDropsForeignOrigin(t *testing.T) {
	var got []Message
	r, err := NewReceiver(origin, func(m Message) { got = append(got, m) })
	require.NoError(t, err)

	assert.False(t, r.Receive(Envelope{Origin: "https://evil.example.com", Message: Success()}))
	assert.False(t, r.Receive(Envelope{Origin: "*", Message: Success()}))
	assert.False(t, r.Receive(Envelope{Origin: origin, Message: Message{Type: "other"}}))
	assert.Empty(t, got)

	assert.True(t, r.Receive(Envelope{Origin: origin + "/", Message: Error("access_denied", "denied")}))
	require.Len(t, got, 1)
	assert.Equal(t, "access_denied", got[0].Error)
}

func TestScript(t *testing.T) {
	js, err := Script(origin+"/login", Error("x", "</script><b>"))
	require.NoError(t, err)
	s := string(js)
	assert.Contains(t, s, `postMessage(`)
	assert.Contains(t, s, `"https://console.example.com")`)
	assert.NotContains(t, s, "</script>")
	assert.NotContains(t, s, `"*"`)

	_, err = Script("*", Success())
	assert.Error(t, err)
}

func TestHubSingleConsumer(t *testing.T) {
	h, err := NewHub(origin, 2)
	require.NoError(t, err)

	s, err := h.Subscribe("sid")
	require.NoError(t, err)
	_, err = h.Subscribe("sid")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	// Another session is independent.
	other, err := h.Subscribe("other")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, h.Notify("sid", origin, Success()))
	select {
	case env := <-s.C:
		assert.True(t, env.Message.IsSuccess())
		assert.Equal(t, origin, env.Origin)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	select {
	case m := <-other.C:
		t.Fatalf("unexpected message %v", m)
	default:
	}

	s.Close()
	s2, err := h.Subscribe("sid")
	require.NoError(t, err)
	s2.Close()
}

func TestHubRefusesOrigins(t *testing.T) {
	h, err := NewHub(origin, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Notify("sid", "*", Success()), ErrInvalidOrigin)
	assert.ErrorIs(t, h.Notify("sid", "", Success()), ErrInvalidOrigin)
	assert.ErrorIs(t, h.Notify("sid", "https://evil.example.com", Success()), ErrForeignOrigin)
}

func TestHubQueuesAndNeverBlocks(t *testing.T) {
	h, err := NewHub(origin, 2)
	require.NoError(t, err)

	// No subscriber yet: kept until one arrives.
	require.NoError(t, h.Notify("sid", origin, Error("a", "1")))
	s, err := h.Subscribe("sid")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "a", (<-s.C).Message.Error)

	for _, code := range []string{"b", "c", "d"} {
		require.NoError(t, h.Notify("sid", origin, Error(code, "")))
	}
	var codes []string
	for len(s.C) > 0 {
		codes = append(codes, (<-s.C).Message.Error)
	}
	assert.Equal(t, "c,d", strings.Join(codes, ","))
}
