// Package callback models the login popup's view of the provider redirect:
// it parses the callback query, checks state against the stored material and
// runs the code exchange at most once.
package callback

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wadahiro/pkcelens/internal/exchange"
	"github.com/wadahiro/pkcelens/internal/notify"
	"github.com/wadahiro/pkcelens/internal/pkce"
	"github.com/wadahiro/pkcelens/internal/protocol"
	"github.com/wadahiro/pkcelens/internal/session"
)

// DefaultCodeTTL is how long a received code is considered usable.
const DefaultCodeTTL = 300 * time.Second

const defaultProviderMessage = "Authorization failed"

var (
	ErrInvalidTransition  = errors.New("invalid callback state transition")
	ErrExchangeInFlight   = errors.New("code exchange already in progress")
	ErrAlreadyExchanged   = errors.New("code exchange already finished")
	ErrCodeExpiredLocally = errors.New("authorization code window elapsed")
	ErrStateMismatch      = errors.New("returned state does not match the stored state")
	ErrMissingCode        = errors.New("callback carries no authorization code")
)

// State is the receiver's position in the callback lifecycle.
type State string

const (
	StateErrorFromProvider State = "ErrorFromProvider"
	StateMissingCode       State = "MissingCode"
	StateAwaitingExchange  State = "AwaitingExchange"
	StateExchanging        State = "Exchanging"
	StateExchanged         State = "Exchanged"
)

var transitions = map[State][]State{
	StateAwaitingExchange: {StateExchanging, StateExchanged},
	StateExchanging:       {StateExchanged},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProviderError is an error the provider returned in the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
}

// Exchanger trades an authorization code for tokens.
type Exchanger interface {
	Exchange(ctx context.Context, sid, code, state, verifier string) (*session.TokenSet, error)
}

// Options controls receiver policy.
type Options struct {
	SID   string
	Clock clockwork.Clock
	// CodeTTL defaults to DefaultCodeTTL.
	CodeTTL time.Duration
	// EnforceState blocks the exchange on a state mismatch. When false the
	// mismatch is only reported as a warning.
	EnforceState          bool
	AllowVerifierOverride bool
	Locale                string
	// Notify receives exactly one message per terminal outcome.
	Notify func(notify.Message)
}

// Receiver is the state machine of one callback page load.
type Receiver struct {
	mu sync.Mutex

	opts     Options
	clock    clockwork.Clock
	loadedAt time.Time

	code        string
	state       string
	stateValid  bool
	providerErr *ProviderError
	stored      *pkce.Material

	current  State
	success  bool
	err      error
	tokens   *session.TokenSet
	warnings []string
	notified bool
}

// NewReceiver parses the callback query. A provider error is reported to the
// opener immediately.
func NewReceiver(query url.Values, stored *pkce.Material, opts Options) *Receiver {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	r := &Receiver{
		opts:     opts,
		clock:    opts.Clock,
		loadedAt: opts.Clock.Now(),
		code:     query.Get("code"),
		state:    query.Get("state"),
		stored:   stored,
	}

	if code := query.Get("error"); code != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = defaultProviderMessage
		}
		r.providerErr = &ProviderError{Code: code, Description: desc}
		r.current = StateErrorFromProvider
		r.err = r.providerErr
		slog.Warn("Provider returned an error", "sid", opts.SID, "error", code, "error_description", desc)
		r.emit(notify.Error(code, desc))
		return r
	}
	if r.code == "" {
		r.current = StateMissingCode
		r.err = ErrMissingCode
		return r
	}

	r.current = StateAwaitingExchange
	r.stateValid = stored != nil && r.state != "" &&
		subtle.ConstantTimeCompare([]byte(r.state), []byte(stored.State)) == 1
	if !r.stateValid {
		slog.Warn("Callback state does not match", "sid", opts.SID, "state", protocol.Redact(r.state))
	}
	return r
}

func (r *Receiver) transition(to State) error {
	if !canTransition(r.current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.current, to)
	}
	r.current = to
	return nil
}

func (r *Receiver) emit(msg notify.Message) {
	if r.notified {
		return
	}
	r.notified = true
	if r.opts.Notify != nil {
		r.opts.Notify(msg)
	}
}

func (r *Receiver) describe(code string) string {
	msg, _ := exchange.Describe(r.opts.Locale, code)
	return msg
}

// finishLocked moves to Exchanged and notifies the opener.
func (r *Receiver) finishLocked(tokens *session.TokenSet, err error) {
	if terr := r.transition(StateExchanged); terr != nil {
		slog.Error("Unexpected callback transition", "sid", r.opts.SID, "error", terr)
		return
	}
	r.success = err == nil
	r.tokens = tokens
	r.err = err
	if err == nil {
		r.emit(notify.Success())
		return
	}
	r.emit(failureMessage(err))
}

func failureMessage(err error) notify.Message {
	var ee *exchange.ExchangeError
	if errors.As(err, &ee) {
		return notify.Error(ee.Code, ee.Message)
	}
	return notify.Error(exchange.CodeUnknown, protocol.ErrorText(err))
}

// Trigger runs the exchange. verifierOverride replaces the stored verifier
// only when the policy allows it.
func (r *Receiver) Trigger(ctx context.Context, ex Exchanger, verifierOverride string) (*session.TokenSet, error) {
	r.mu.Lock()
	switch r.current {
	case StateExchanging:
		r.mu.Unlock()
		return nil, ErrExchangeInFlight
	case StateExchanged:
		r.mu.Unlock()
		return nil, ErrAlreadyExchanged
	case StateAwaitingExchange:
	default:
		err := fmt.Errorf("%w: cannot exchange from %s", ErrInvalidTransition, r.current)
		r.mu.Unlock()
		return nil, err
	}

	if r.clock.Since(r.loadedAt) >= r.opts.CodeTTL {
		err := &exchange.ExchangeError{Code: exchange.CodeExpiredLocally, Message: r.describe(exchange.CodeExpiredLocally), Err: ErrCodeExpiredLocally}
		r.finishLocked(nil, err)
		r.mu.Unlock()
		return nil, err
	}

	if !r.stateValid {
		if r.opts.EnforceState {
			err := &exchange.ExchangeError{Code: "state_mismatch", Message: r.describe("state_mismatch"), Err: ErrStateMismatch}
			r.finishLocked(nil, err)
			r.mu.Unlock()
			return nil, err
		}
		r.warnings = append(r.warnings, "state does not match the stored state; exchanging anyway")
	}

	verifier := ""
	if r.stored != nil {
		verifier = r.stored.CodeVerifier
	}
	if r.opts.AllowVerifierOverride && verifierOverride != "" {
		verifier = verifierOverride
	}

	if err := r.transition(StateExchanging); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	code, state, sid := r.code, r.state, r.opts.SID
	r.mu.Unlock()

	tokens, err := ex.Exchange(ctx, sid, code, state, verifier)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(tokens, err)
	return tokens, err
}

// Remaining is the unused part of the code window, never negative.
func (r *Receiver) Remaining() time.Duration {
	left := r.opts.CodeTTL - r.clock.Since(r.loadedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Snapshot is a consistent view of the receiver for rendering.
type Snapshot struct {
	State         State
	Success       bool
	Code          string
	ReturnedState string
	StateValid    bool
	ProviderError *ProviderError
	Verifier      string
	Remaining     time.Duration
	LoadedAt      time.Time
	Tokens        *session.TokenSet
	Err           error
	Warnings      []string
}

func (r *Receiver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		State:         r.current,
		Success:       r.success,
		Code:          r.code,
		ReturnedState: r.state,
		StateValid:    r.stateValid,
		ProviderError: r.providerErr,
		Remaining:     r.Remaining(),
		LoadedAt:      r.loadedAt,
		Tokens:        r.tokens,
		Err:           r.err,
		Warnings:      append([]string(nil), r.warnings...),
	}
	if r.stored != nil {
		s.Verifier = r.stored.CodeVerifier
	}
	return s
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Terminal reports whether no further transition is possible.
func (r *Receiver) Terminal() bool {
	return len(transitions[r.State()]) == 0
}
