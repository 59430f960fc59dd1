// Package token models Hoomi access tokens and the server's view of them.
package token

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	herrors "go.pilab.hu/hoomi/errors"
	"golang.org/x/oauth2"
)

// AccessToken is an immutable Hoomi access token.
//
// Scopes and expiration may be unknown even for a valid token: a nil KnownScopes
// or KnownExpiration means "not known", not "none".
type AccessToken struct {
	tokenString     string
	knownScopes     []string
	knownExpiration *time.Time
}

// New creates an AccessToken with nothing known besides the token string.
func New(tokenString string) *AccessToken {
	return &AccessToken{tokenString: tokenString}
}

// NewWithDetails creates an AccessToken with known scopes and expiration.
// A nil scopes slice or expiration marks the value as unknown.
func NewWithDetails(tokenString string, scopes []string, expiration *time.Time) *AccessToken {
	t := &AccessToken{tokenString: tokenString}
	if scopes != nil {
		t.knownScopes = slices.Clone(scopes)
	}
	if expiration != nil {
		exp := *expiration
		t.knownExpiration = &exp
	}
	return t
}

// TokenString is the bearer value sent with requests.
func (t *AccessToken) TokenString() string {
	return t.tokenString
}

// KnownScopes returns a copy of the scopes known to be granted, or nil when unknown.
// Users may revoke access to these scopes at any time.
func (t *AccessToken) KnownScopes() []string {
	if t.knownScopes == nil {
		return nil
	}
	return slices.Clone(t.knownScopes)
}

// KnownExpiration returns the known expiration, or nil when unknown.
// The token may become invalid before this time.
func (t *AccessToken) KnownExpiration() *time.Time {
	if t.knownExpiration == nil {
		return nil
	}
	exp := *t.knownExpiration
	return &exp
}

// HasScope reports whether scope is among the known scopes.
func (t *AccessToken) HasScope(scope string) bool {
	return slices.Contains(t.knownScopes, scope)
}

// Expired reports whether the known expiration is at or before now.
// Tokens with unknown expiration are never reported expired.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.knownExpiration != nil && !now.Before(*t.knownExpiration)
}

// Equal compares token string, scopes and expiration (millisecond precision,
// which is what the persisted form keeps).
func (t *AccessToken) Equal(o *AccessToken) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.tokenString != o.tokenString {
		return false
	}
	if (t.knownScopes == nil) != (o.knownScopes == nil) || !slices.Equal(t.knownScopes, o.knownScopes) {
		return false
	}
	if (t.knownExpiration == nil) != (o.knownExpiration == nil) {
		return false
	}
	return t.knownExpiration == nil || t.knownExpiration.UnixMilli() == o.knownExpiration.UnixMilli()
}

// OAuth2 converts the token for use with golang.org/x/oauth2 HTTP clients.
func (t *AccessToken) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{AccessToken: t.tokenString, TokenType: "Bearer"}
	if t.knownExpiration != nil {
		tok.Expiry = *t.knownExpiration
	}
	return tok
}

// ParseScope splits a space separated scope string. An empty string yields an empty,
// non-nil slice: the server told us the scopes, there just are none.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if fields == nil {
		return []string{}
	}
	return fields
}

// JoinScopes is the inverse of ParseScope.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

type record struct {
	TokenString     string    `json:"tokenString"`
	KnownScopes     *[]string `json:"knownScopes,omitempty"`
	KnownExpiration *int64    `json:"knownExpiration,omitempty"`
}

// MarshalJSON encodes the compact persistence record. Unknown scopes and
// expiration are omitted; a known-empty scope list is kept as [].
func (t *AccessToken) MarshalJSON() ([]byte, error) {
	rec := record{TokenString: t.tokenString}
	if t.knownScopes != nil {
		scopes := t.knownScopes
		rec.KnownScopes = &scopes
	}
	if t.knownExpiration != nil {
		ms := t.knownExpiration.UnixMilli()
		rec.KnownExpiration = &ms
	}
	return json.Marshal(rec)
}

// UnmarshalJSON decodes the compact persistence record.
func (t *AccessToken) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return &herrors.ProtocolError{Field: "token", Msg: "malformed token record", Err: err}
	}
	if rec.TokenString == "" {
		return herrors.NewProtocolError("tokenString", "missing")
	}
	*t = AccessToken{tokenString: rec.TokenString}
	if rec.KnownScopes != nil {
		t.knownScopes = *rec.KnownScopes
		if t.knownScopes == nil {
			t.knownScopes = []string{}
		}
	}
	if rec.KnownExpiration != nil {
		exp := time.UnixMilli(*rec.KnownExpiration)
		t.knownExpiration = &exp
	}
	return nil
}

// Serialize returns the persisted form of t.
func Serialize(t *AccessToken) ([]byte, error) {
	return json.Marshal(t)
}

// Deserialize parses a persisted token. Empty input yields a nil token.
func Deserialize(data []byte) (*AccessToken, error) {
	if len(data) == 0 {
		return nil, nil
	}
	t := new(AccessToken)
	if err := t.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return t, nil
}
