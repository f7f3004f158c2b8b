package console

import (
	"log/slog"
	"net/http"

	"github.com/wadahiro/pkcelens/internal/exchange"
	"github.com/wadahiro/pkcelens/internal/protocol"
)

// handleSession shows the stored tokens, their decoded claims and the
// users/me response.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)

	tokens, err := h.store.GetTokenSet(ctx, sid)
	if err != nil {
		slog.Error("Failed to load tokens", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	data := SessionData{Page: h.pageData(ctx, sid)}
	if !tokens.Empty() {
		data.LoggedIn = true
		data.TokenRows = tokenRows(tokens)
		data.UserInfo = protocol.PrettyJSON(tokens.UserInfo)
		if tokens.IDToken != "" {
			data.IDToken = h.tokenView(ctx, tokens.IDToken, true)
		}
		if tokens.AccessToken != "" {
			data.AccessToken = h.tokenView(ctx, tokens.AccessToken, false)
			if res, err := h.exchanger.Profile(ctx, sid); err != nil {
				_, msg := errorCodeMessage(err)
				data.ProfileError = msg
			} else {
				data.Profile = &ProfileView{Status: res.Status, Success: res.Success, Data: protocol.PrettyJSON(res.Data)}
			}
		}
	}
	h.render(w, http.StatusOK, "session", data)
}

func (h *Handler) handleRefreshPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)

	tokens, err := h.store.GetTokenSet(ctx, sid)
	if err != nil {
		slog.Error("Failed to load tokens", "sid", sid, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	data := RefreshData{Page: h.pageData(ctx, sid)}
	if tokens != nil {
		data.RefreshToken = tokens.RefreshToken
		if tokens.AccessToken != "" {
			data.Old = h.tokenView(ctx, tokens.AccessToken, false)
		}
	}
	h.render(w, http.StatusOK, "refresh", data)
}

// handleRefresh refreshes the access token. An empty form value uses the
// stored refresh token.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := sidFrom(ctx)
	submitted := r.PostFormValue("refresh_token")

	ctx, capture := exchange.WithCapture(ctx)
	res, err := h.exchanger.Refresh(ctx, sid, submitted)

	entry := ResultEntry{Type: EntryRefresh, Timestamp: h.clock.Now(), Exchange: captured(capture)}
	data := RefreshData{Page: h.pageData(ctx, sid), RefreshToken: submitted}
	status := http.StatusOK
	if err != nil {
		slog.Warn("Token refresh failed", "sid", sid, "error", err)
		data.ErrorCode, data.ErrorMessage = errorCodeMessage(err)
		entry.Type = EntryError
		entry.ErrorCode, entry.ErrorMessage = data.ErrorCode, data.ErrorMessage
		entry.ErrorDetail = "Token refresh failed"
		status = http.StatusBadGateway
		if stored, serr := h.store.GetTokenSet(ctx, sid); serr == nil && stored != nil && stored.AccessToken != "" {
			data.Old = h.tokenView(ctx, stored.AccessToken, false)
		}
	} else {
		data.Done = true
		data.Rotated = res.Rotated
		data.RefreshToken = res.RefreshToken
		if res.OldAccessToken != "" {
			data.Old = h.tokenView(ctx, res.OldAccessToken, false)
		}
		data.New = h.tokenView(ctx, res.AccessToken, false)
	}
	h.history.Add(sid, entry)
	h.render(w, status, "refresh", data)
}
