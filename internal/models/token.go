package models

import "time"

// TokenState holds the persisted OAuth2 credentials.
type TokenState struct {
	ExpiresAt    time.Time
	AccessToken  string
	RefreshToken string
}

// HasAccessToken reports whether an access token is stored.
func (t TokenState) HasAccessToken() bool {
	return t.AccessToken != ""
}

// IsValid checks if the access token is present and unexpired at now,
// keeping a small buffer before expiry.
func (t TokenState) IsValid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Add(TokenExpiryBuffer).Before(t.ExpiresAt)
}

// TokenExpiryBuffer is subtracted from token lifetimes so a token is never
// handed out moments before it expires.
const TokenExpiryBuffer = 10 * time.Second

// Credentials are the OAuth client credentials used for token exchange.
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri,omitempty"`
}

// Complete reports whether both client id and secret are set.
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}
