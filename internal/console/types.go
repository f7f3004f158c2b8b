package console

import (
	"time"

	"github.com/wadahiro/pkcelens/internal/exchange"
)

// Result entry types.
const (
	EntryAuthorize    = "Authorize"
	EntryPopupBlocked = "PopupBlocked"
	EntryLogin        = "Login"
	EntryError        = "Error"
	EntryRefresh      = "Refresh"
	EntryRevoke       = "Revoke"
	EntryLogout       = "Logout"
	EntryRegenerate   = "New attempt"
)

// ResultEntry holds data from a single console event.
type ResultEntry struct {
	Type      string
	Timestamp time.Time

	AuthRequestURL  string // Authorize/Login/Error
	AuthResponseRaw string // callback query, Login/Error

	// Resource API round trip (Login/Error/Refresh/Revoke)
	Exchange *exchange.Capture

	IDTokenRaw string
	Warnings   []string

	// Error fields
	ErrorCode    string
	ErrorMessage string
	ErrorDetail  string
}

// History holds the console events of one browser session, newest first.
type History struct {
	Results []ResultEntry
}
