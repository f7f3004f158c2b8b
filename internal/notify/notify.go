// Package notify carries the result of an authorization attempt from the login
// popup back to the window that opened it. Delivery is always restricted to
// one explicit origin.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"sync"
)

const (
	TypeSuccess = "oauth_success"
	TypeError   = "oauth_error"
)

var (
	ErrAlreadySubscribed = errors.New("notify: session already has a subscriber")
	ErrInvalidOrigin     = errors.New("notify: target origin must be an explicit origin")
	ErrForeignOrigin     = errors.New("notify: origin does not match")
)

// Message is the payload posted to the opener.
type Message struct {
	Type    string `json:"type"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func Success() Message {
	return Message{Type: TypeSuccess}
}

func Error(code, message string) Message {
	return Message{Type: TypeError, Error: code, Message: message}
}

func (m Message) IsSuccess() bool { return m.Type == TypeSuccess }

// MarshalJSON keeps error and message present on error messages even when empty.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Type == TypeError {
		return json.Marshal(struct {
			Type    string `json:"type"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}{m.Type, m.Error, m.Message})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{m.Type})
}

// Envelope is a message together with the origin of its sender.
type Envelope struct {
	Origin  string
	Message Message
}

// NormalizeOrigin reduces a URL to scheme://host[:port]. Wildcards and opaque
// origins are rejected.
func NormalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" || raw == "null" {
		return "", ErrInvalidOrigin
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// Receiver accepts envelopes from its own origin only.
type Receiver struct {
	origin string
	handle func(Message)
}

func NewReceiver(origin string, handle func(Message)) (*Receiver, error) {
	o, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	return &Receiver{origin: o, handle: handle}, nil
}

// Receive dispatches env and reports whether it was accepted. Envelopes from any
// other origin are dropped before the payload is looked at.
func (r *Receiver) Receive(env Envelope) bool {
	o, err := NormalizeOrigin(env.Origin)
	if err != nil || o != r.origin {
		return false
	}
	switch env.Message.Type {
	case TypeSuccess, TypeError:
	default:
		return false
	}
	if r.handle != nil {
		r.handle(env.Message)
	}
	return true
}

// Script renders the callback page snippet that posts msg to the opener,
// targeted at origin.
func Script(origin string, msg Message) (template.JS, error) {
	o, err := NormalizeOrigin(origin)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	target, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	// json.Marshal escapes <, > and & so the result is safe inside <script>.
	return template.JS(fmt.Sprintf(
		"if (window.opener && !window.opener.closed) { window.opener.postMessage(%s, %s); }",
		payload, target)), nil
}

// Hub delivers messages to at most one subscriber per console session.
// Messages published with no subscriber are kept until one arrives.
type Hub struct {
	mu     sync.Mutex
	origin string
	size   int
	subs   map[string]*Subscription
	queued map[string][]Envelope
}

// Subscription is the receiving end held by the opener.
type Subscription struct {
	hub *Hub
	sid string
	C   <-chan Envelope
	ch  chan Envelope
}

// NewHub creates a hub for the console origin. buffer bounds the per-session
// backlog.
func NewHub(origin string, buffer int) (*Hub, error) {
	o, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{
		origin: o,
		size:   buffer,
		subs:   make(map[string]*Subscription),
		queued: make(map[string][]Envelope),
	}, nil
}

// Subscribe registers the single consumer for sid.
func (h *Hub) Subscribe(sid string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sid]; ok {
		return nil, ErrAlreadySubscribed
	}
	ch := make(chan Envelope, h.size)
	for _, m := range h.queued[sid] {
		ch <- m
	}
	delete(h.queued, sid)
	s := &Subscription{hub: h, sid: sid, C: ch, ch: ch}
	h.subs[sid] = s
	return s, nil
}

// Close releases the subscription so another consumer can attach.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[s.sid] == s {
		delete(h.subs, s.sid)
	}
}

// Notify posts msg for sid. targetOrigin must equal the hub's origin; a
// wildcard or empty target is refused. It never blocks: when the consumer is
// behind, the oldest backlog entry is dropped.
func (h *Hub) Notify(sid, targetOrigin string, msg Message) error {
	o, err := NormalizeOrigin(targetOrigin)
	if err != nil {
		return err
	}
	if o != h.origin {
		return fmt.Errorf("%w: %s", ErrForeignOrigin, o)
	}

	env := Envelope{Origin: o, Message: msg}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[sid]
	if !ok {
		q := append(h.queued[sid], env)
		if len(q) > h.size {
			q = q[len(q)-h.size:]
		}
		h.queued[sid] = q
		return nil
	}
	for {
		select {
		case s.ch <- env:
			return nil
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
