package errors

import "strings"

// OAuth2Error represents a standardized OAuth 2.0 error
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

// Error renders "error[ - description][ (uri)]".
func (e *OAuth2Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Description != "" {
		b.WriteString(" - ")
		b.WriteString(e.Description)
	}
	if e.URI != "" {
		b.WriteString(" (")
		b.WriteString(e.URI)
		b.WriteString(")")
	}
	return b.String()
}

// Standard OAuth2 error codes a client can receive
const (
	InvalidRequest         = "invalid_request"
	UnauthorizedClient     = "unauthorized_client"
	AccessDenied           = "access_denied"
	UnsupportedGrantType   = "unsupported_grant_type"
	InvalidScope           = "invalid_scope"
	InvalidClient          = "invalid_client"
	InvalidGrant           = "invalid_grant"
	ServerError            = "server_error"
	TemporarilyUnavailable = "temporarily_unavailable"
)

// OAuth2ErrorFromJSON extracts an OAuth2Error from a decoded response body.
// It returns nil when the body carries no "error" string.
func OAuth2ErrorFromJSON(body map[string]any) *OAuth2Error {
	code, _ := body["error"].(string)
	if code == "" {
		return nil
	}
	desc, _ := body["error_description"].(string)
	uri, _ := body["error_uri"].(string)
	return &OAuth2Error{Code: code, Description: desc, URI: uri}
}
