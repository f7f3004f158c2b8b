package exchange

import (
	"fmt"
	"maps"
	"slices"
)

// Error codes produced on the client side.
const (
	CodeTransport           = "token_exchange_failed"
	CodeIDTokenInvalid      = "id_token_validation_failed"
	CodeNotLoggedIn         = "not_logged_in"
	CodeUnknown             = "unknown_error"
	CodeExpiredLocally      = "code_expired_locally"
	CodeRefreshFailed       = "token_refresh_failed"
	CodeRevokeFailed        = "token_revoke_failed"
	defaultFailureMessage   = "Token exchange failed"
	defaultRefreshMessage   = "Unknown error"
	defaultRevokeMessage    = "Something went wrong."
	defaultNotLoggedMessage = "Sign in first."
)

// ExchangeError is a failed call to the resource API, with the code and the
// message shown to the user.
type ExchangeError struct {
	Code    string
	Message string
	// Status is the HTTP status, 0 when no response was received.
	Status int
	// Transport is set when the response never arrived or was not JSON.
	Transport bool
	// IdP is set when the API tagged the error as coming from the provider.
	IdP bool
	Err error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

var catalogs = map[string]map[string]string{
	"en": {
		"unsupported_grant_type":   "This sign-in method is not supported. Please use a valid sign-in.",
		"invalid_client":           "Client credentials are invalid. Please contact support.",
		"invalid_grant":            "The authorization code has expired, is invalid or was already used. Please sign in again.",
		"invalid_request":          "The authorization request is invalid or missing required information.",
		"access_denied":            "Authentication was denied. Please try again.",
		"server_error":             "The authentication system is having trouble. Please try again later.",
		"network_error":            "Cannot reach the server. Please check your network connection.",
		"invalid_client_id":        "Client ID is invalid. Please check the application configuration.",
		"invalid_client_secret":    "Client Secret is invalid. Please check the application configuration.",
		"code_not_found":           "The authorization code does not exist. Please sign in again.",
		"code_already_used":        "The authorization code was already used. Please sign in again.",
		"code_expired":             "The authorization code has expired. Please sign in again.",
		CodeExpiredLocally:         "The authorization code is older than its lifetime and was not sent. Please sign in again.",
		"client_id_mismatch":       "Client ID does not match the authorization code.",
		"redirect_uri_mismatch":    "Redirect URI does not match. Please contact support.",
		"state_mismatch":           "State is invalid. Please try signing in again.",
		"invalid_refresh_token":    "Refresh token is invalid, expired or does not match client_id.",
		"refresh_token_is_revoked": "Refresh token has been revoked.",
		"refresh_token_expired":    "Refresh token has expired.",
		"no_code_verifier_found":   "code_verifier is missing for an authorization code that requires PKCE.",
		"unsupported_method":       "Only the S256 challenge method is supported.",
		"invalid_code_verifier":    "code_verifier does not match the stored code_challenge.",
		CodeUnknown:                "An unknown error occurred. Please try again.",
	},
	"vi": {
		"unsupported_grant_type":   "Phương thức xác thực không được hỗ trợ. Vui lòng sử dụng đăng nhập hợp lệ.",
		"invalid_client":           "Thông tin Client không hợp lệ. Vui lòng liên hệ bộ phận hỗ trợ.",
		"invalid_grant":            "Mã xác thực đã hết hạn, không hợp lệ hoặc đã được sử dụng. Vui lòng đăng nhập lại.",
		"invalid_request":          "Yêu cầu xác thực không hợp lệ hoặc thiếu thông tin cần thiết.",
		"access_denied":            "Xác thực bị từ chối. Vui lòng thử lại.",
		"server_error":             "Hệ thống xác thực đang gặp sự cố. Vui lòng thử lại sau.",
		"network_error":            "Không thể kết nối đến máy chủ. Vui lòng kiểm tra kết nối mạng.",
		"invalid_client_id":        "Client ID không hợp lệ. Vui lòng kiểm tra cấu hình ứng dụng.",
		"invalid_client_secret":    "Client Secret không hợp lệ. Vui lòng kiểm tra cấu hình ứng dụng.",
		"code_not_found":           "Authorization Code không tồn tại. Vui lòng đăng nhập lại.",
		"code_already_used":        "Authorization Code đã được sử dụng. Vui lòng đăng nhập lại.",
		"code_expired":             "Authorization Code đã hết hạn. Vui lòng đăng nhập lại.",
		CodeExpiredLocally:         "Authorization Code đã quá thời hạn nên không được gửi đi. Vui lòng đăng nhập lại.",
		"client_id_mismatch":       "Client ID không khớp với mã xác thực.",
		"redirect_uri_mismatch":    "Redirect uri không khớp. Vui lòng liên hệ hỗ trợ.",
		"state_mismatch":           "State không hợp lệ. Vui lòng thử đăng nhập lại.",
		"invalid_refresh_token":    "Refresh token không hợp lệ hoặc đã hết hạn hoặc không khớp client_id",
		"refresh_token_is_revoked": "Refresh token đã bị revoke",
		"refresh_token_expired":    "Refresh token đã hết hạn",
		"no_code_verifier_found":   "Thiếu code_verifier cho authorization code yêu cầu PKCE",
		"unsupported_method":       "Chỉ hỗ trợ challenge method S256",
		"invalid_code_verifier":    "code_verifier không khớp với code_challenge đã lưu",
		CodeUnknown:                "Đã xảy ra lỗi không xác định. Vui lòng thử lại.",
	},
}

// DefaultLocale is used for unknown locales.
const DefaultLocale = "en"

// Locales lists the supported catalog locales in order.
func Locales() []string {
	return slices.Sorted(maps.Keys(catalogs))
}

// SupportedLocale reports whether a catalog exists for locale.
func SupportedLocale(locale string) bool {
	_, ok := catalogs[locale]
	return ok
}

// Describe returns the catalog message for code.
func Describe(locale, code string) (string, bool) {
	cat, ok := catalogs[locale]
	if !ok {
		cat = catalogs[DefaultLocale]
	}
	msg, ok := cat[code]
	return msg, ok
}

// providerMessage resolves the message of an IdP-tagged error: the catalog
// entry, else the raw message, else the unknown_error entry.
func providerMessage(locale, code, raw string) string {
	if msg, ok := Describe(locale, code); ok {
		return msg
	}
	if raw != "" {
		return raw
	}
	msg, _ := Describe(locale, CodeUnknown)
	return msg
}
