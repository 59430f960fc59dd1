// Package client models the OAuth2 client credential the Hoomi server issues
// to an installation of an application.
package client

import (
	"encoding/json"
	"time"

	herrors "go.pilab.hu/hoomi/errors"
)

const (
	// DefaultExpiresIn is assumed when the server omits expires_in.
	DefaultExpiresIn = time.Hour

	// ExpirySafetyMargin is subtracted from the server supplied lifetime so a
	// credential is replaced well before the server stops accepting it.
	ExpirySafetyMargin = time.Hour
)

// Credential is a provisioned client id and optional secret.
//
// A credential without a secret is the result of anonymous provisioning; one
// with a secret was provisioned for an authenticated app install.
type Credential struct {
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
}

// NewCredential computes the expiration from the server supplied lifetime.
// Pass DefaultExpiresIn when the server omitted expires_in.
func NewCredential(clientID, clientSecret string, expiresIn time.Duration, now time.Time) *Credential {
	return &Credential{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		ExpiresAt:    now.Add(expiresIn - ExpirySafetyMargin),
	}
}

// Fresh reports whether the credential may still be used at now.
func (c *Credential) Fresh(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// HasSecret reports whether the credential was issued with a client secret.
func (c *Credential) HasSecret() bool {
	return c != nil && c.ClientSecret != ""
}

//nolint:tagliatelle
type record struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Expires      int64  `json:"expires"`
}

// MarshalJSON encodes the persisted credential record. Expiration is stored in
// unix milliseconds.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Expires:      c.ExpiresAt.UnixMilli(),
	})
}

// UnmarshalJSON decodes the persisted credential record.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return &herrors.ProtocolError{Field: "client", Msg: "malformed credential record", Err: err}
	}
	if rec.ClientID == "" {
		return herrors.NewProtocolError("client_id", "missing")
	}
	*c = Credential{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		ExpiresAt:    time.UnixMilli(rec.Expires),
	}
	return nil
}

// Decode parses a persisted credential record.
func Decode(data []byte) (*Credential, error) {
	c := new(Credential)
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return c, nil
}
