package token

import (
	"fmt"
	"time"

	herrors "go.pilab.hu/hoomi/errors"
)

// Information is the server's view of an access token, as reported by the
// token introspection endpoint.
type Information struct {
	// Token carries the latest known scopes and expiration.
	Token                       *AccessToken
	ApplicationID               string
	Issued                      time.Time
	UserID                      string // empty when the token is not bound to a user
	IssuedToAuthenticatedClient bool
}

// Timestamp layouts tried in order. The primary layout carries a zone and an
// optional fractional second; the fallback has neither and is read as UTC.
var (
	primaryLayouts = []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05.999999999Z0700",
	}
	fallbackLayout = "2006-01-02T15:04:05.999999999"
)

// ParseTime parses an introspection timestamp. Formats other than the primary and
// fallback layouts are rejected with a ProtocolError.
func ParseTime(field, value string) (time.Time, error) {
	for _, layout := range primaryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	t, err := time.ParseInLocation(fallbackLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, &herrors.ProtocolError{Field: field, Msg: fmt.Sprintf("unrecognized timestamp %q", value), Err: err}
	}
	return t, nil
}

// InformationFromJSON builds Information from a decoded introspection response:
// {token, application_id, issued, expires, issued_to_authenticated_client, user_id, scopes[]}.
func InformationFromJSON(body map[string]any) (*Information, error) {
	tokenString, err := requireString(body, "token")
	if err != nil {
		return nil, err
	}
	applicationID, err := requireString(body, "application_id")
	if err != nil {
		return nil, err
	}
	issuedRaw, err := requireString(body, "issued")
	if err != nil {
		return nil, err
	}
	issued, err := ParseTime("issued", issuedRaw)
	if err != nil {
		return nil, err
	}
	expiresRaw, err := requireString(body, "expires")
	if err != nil {
		return nil, err
	}
	expires, err := ParseTime("expires", expiresRaw)
	if err != nil {
		return nil, err
	}

	rawScopes, ok := body["scopes"].([]any)
	if !ok {
		return nil, herrors.NewProtocolError("scopes", "missing or not an array")
	}
	scopes := make([]string, 0, len(rawScopes))
	for _, s := range rawScopes {
		str, ok := s.(string)
		if !ok {
			return nil, herrors.NewProtocolError("scopes", "non-string entry")
		}
		scopes = append(scopes, str)
	}

	userID, _ := body["user_id"].(string)
	authenticated, _ := body["issued_to_authenticated_client"].(bool)

	return &Information{
		Token:                       NewWithDetails(tokenString, scopes, &expires),
		ApplicationID:               applicationID,
		Issued:                      issued,
		UserID:                      userID,
		IssuedToAuthenticatedClient: authenticated,
	}, nil
}

func requireString(body map[string]any, field string) (string, error) {
	v, ok := body[field].(string)
	if !ok || v == "" {
		return "", herrors.NewProtocolError(field, "missing")
	}
	return v, nil
}
