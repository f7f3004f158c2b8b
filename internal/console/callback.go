package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wadahiro/pkcelens/internal/callback"
	"github.com/wadahiro/pkcelens/internal/exchange"
	"github.com/wadahiro/pkcelens/internal/notify"
)

// handleCallback is the redirect target of the provider, rendered in the popup.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)

	stored, err := h.store.GetSecurityMaterial(ctx, sid)
	if err != nil {
		slog.Error("Failed to load security material", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	now := h.clock.Now()
	h.attempts.prune(now.Add(-2 * h.cfg.Client.CodeTTL.Duration))

	a := &attempt{
		query:     r.URL.RawQuery,
		authURL:   h.attempts.authURL(sid),
		createdAt: now,
	}
	if stored != nil {
		a.storedState = stored.State
	}
	a.receiver = callback.NewReceiver(r.URL.Query(), stored, callback.Options{
		SID:                   sid,
		Clock:                 h.clock,
		CodeTTL:               h.cfg.Client.CodeTTL.Duration,
		EnforceState:          h.cfg.Client.StateEnforced(),
		AllowVerifierOverride: h.cfg.Client.AllowVerifierOverride,
		Locale:                h.exchanger.Locale(),
		Notify: func(msg notify.Message) {
			a.setMessage(msg)
			h.deliver(sid, msg)
		},
	})
	h.attempts.put(sid, a)

	snap := a.receiver.Snapshot()
	switch snap.State {
	case callback.StateErrorFromProvider:
		h.history.Add(sid, ResultEntry{
			Type:            EntryError,
			Timestamp:       now,
			AuthRequestURL:  a.authURL,
			AuthResponseRaw: a.query,
			ErrorCode:       snap.ProviderError.Code,
			ErrorMessage:    snap.ProviderError.Description,
			ErrorDetail:     "Authorization failed at the provider",
		})
	case callback.StateMissingCode:
		slog.Warn("Callback without code", "sid", sid)
	case callback.StateAwaitingExchange:
		// A mismatched state always waits for a manual exchange.
		if h.cfg.Client.AutoExchange && snap.StateValid {
			_ = h.runExchange(ctx, sid, a, "")
		}
	}

	h.render(w, http.StatusOK, "callback", h.callbackView(ctx, sid, a))
}

// handleExchange triggers the exchange of the pending callback attempt.
func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)

	a := h.attempts.get(sid)
	if a == nil {
		h.renderError(w, r, http.StatusConflict, "no_pending_callback", "There is no callback waiting for a code exchange. Start a new login.")
		return
	}

	if a.receiver.Terminal() {
		slog.Info("Exchange refused", "sid", sid, "state", a.receiver.State())
		h.render(w, http.StatusConflict, "callback", h.callbackView(ctx, sid, a))
		return
	}

	status := http.StatusOK
	if err := h.runExchange(ctx, sid, a, r.PostFormValue("code_verifier")); err != nil {
		if errors.Is(err, callback.ErrExchangeInFlight) || errors.Is(err, callback.ErrAlreadyExchanged) || errors.Is(err, callback.ErrInvalidTransition) {
			status = http.StatusConflict
		}
	}
	h.render(w, status, "callback", h.callbackView(ctx, sid, a))
}

// runExchange triggers the receiver and records the outcome. Refused triggers
// are returned without a history entry.
func (h *Handler) runExchange(ctx context.Context, sid string, a *attempt, verifierOverride string) error {
	ctx, capture := exchange.WithCapture(ctx)
	tokens, err := a.receiver.Trigger(ctx, h.exchanger, verifierOverride)
	if errors.Is(err, callback.ErrExchangeInFlight) || errors.Is(err, callback.ErrAlreadyExchanged) || errors.Is(err, callback.ErrInvalidTransition) {
		slog.Info("Exchange refused", "sid", sid, "reason", err)
		return err
	}

	snap := a.receiver.Snapshot()
	entry := ResultEntry{
		Type:            EntryLogin,
		Timestamp:       h.clock.Now(),
		AuthRequestURL:  a.authURL,
		AuthResponseRaw: a.query,
		Exchange:        captured(capture),
		Warnings:        snap.Warnings,
	}
	if err != nil {
		entry.Type = EntryError
		entry.ErrorCode, entry.ErrorMessage = errorCodeMessage(err)
		entry.ErrorDetail = "Token exchange failed"
		slog.Warn("Token exchange failed", "sid", sid, "code", entry.ErrorCode, "error", err)
	} else if tokens != nil {
		entry.IDTokenRaw = tokens.IDToken
	}
	h.history.Add(sid, entry)
	return err
}

// deliver posts msg to the opener's event stream.
func (h *Handler) deliver(sid string, msg notify.Message) {
	if err := h.hub.Notify(sid, h.cfg.Origin, msg); err != nil {
		slog.Error("Failed to notify opener", "sid", sid, "error", err)
	}
}
