// Package auth manages the OAuth2 token lifecycle for the reporting API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
)

const (
	// AnalyticsReadonlyScope is the only scope the sync engine requests.
	AnalyticsReadonlyScope = "https://www.googleapis.com/auth/analytics.readonly"

	googleRevokeURL = "https://oauth2.googleapis.com/revoke"
	oobRedirectURI  = "urn:ietf:wg:oauth:2.0:oob"
)

// Store persists the token state.
type Store interface {
	LoadTokens(ctx context.Context) (models.TokenState, error)
	SaveTokens(ctx context.Context, state models.TokenState) error
	ClearTokens(ctx context.Context) error
}

// CredentialSource supplies the current OAuth client credentials.
type CredentialSource interface {
	Credentials() models.Credentials
}

// StaticCredentials is a CredentialSource that never changes.
type StaticCredentials models.Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials() models.Credentials {
	return models.Credentials(s)
}

// Config holds configuration for the token store.
type Config struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Endpoint   oauth2.Endpoint
	RevokeURL  string
	Scopes     []string
}

// DefaultConfig returns the Google endpoints and the analytics scope.
func DefaultConfig() Config {
	return Config{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Now:        time.Now,
		Endpoint:   google.Endpoint,
		RevokeURL:  googleRevokeURL,
		Scopes:     []string{AnalyticsReadonlyScope},
	}
}

// TokenStore hands out valid bearer tokens, refreshing them when needed.
type TokenStore struct {
	store       Store
	credentials CredentialSource
	config      Config
}

// NewTokenStore creates a token store. Zero fields of config take their
// default values.
func NewTokenStore(store Store, credentials CredentialSource, config Config) *TokenStore {
	defaults := DefaultConfig()
	if config.HTTPClient == nil {
		config.HTTPClient = defaults.HTTPClient
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Endpoint.TokenURL == "" {
		config.Endpoint = defaults.Endpoint
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaults.RevokeURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = defaults.Scopes
	}
	return &TokenStore{store: store, credentials: credentials, config: config}
}

// IsAuthenticated reports whether an access token is stored, valid or not.
func (s *TokenStore) IsAuthenticated(ctx context.Context) (bool, error) {
	state, err := s.store.LoadTokens(ctx)
	if err != nil {
		return false, err
	}
	return state.HasAccessToken(), nil
}

// Token returns a valid access token. An expired token is exchanged for a
// new one using the refresh token; the failure is returned as an
// *AuthError and is not retried here.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	state, err := s.store.LoadTokens(ctx)
	if err != nil {
		return "", err
	}

	if state.IsValid(s.config.Now()) {
		return state.AccessToken, nil
	}

	if state.RefreshToken == "" {
		if state.HasAccessToken() {
			return "", &AuthError{Op: "token", Detail: "access token expired and no refresh token is stored"}
		}
		return "", &AuthError{Op: "token", Err: ErrNotAuthenticated}
	}

	conf, err := s.oauthConfig()
	if err != nil {
		return "", err
	}

	src := conf.TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: state.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", providerError("refresh", err)
	}

	if err := s.persist(ctx, tok, state.RefreshToken); err != nil {
		return "", err
	}

	logger.Info("access token refreshed", "expires_at", tok.Expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}

// AuthCodeURL returns the URL the operator visits to grant offline access.
func (s *TokenStore) AuthCodeURL(state string) (string, error) {
	conf, err := s.oauthConfig()
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens and stores all three
// token fields.
func (s *TokenStore) Exchange(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return &AuthError{Op: "exchange", Detail: "authorization code is empty"}
	}

	conf, err := s.oauthConfig()
	if err != nil {
		return err
	}

	tok, err := conf.Exchange(s.clientContext(ctx), code)
	if err != nil {
		return providerError("exchange", err)
	}
	if tok.RefreshToken == "" {
		logger.Warn("authorization grant returned no refresh token; access will lapse when the token expires")
	}

	if err := s.persist(ctx, tok, ""); err != nil {
		return err
	}
	logger.Info("authorization code exchanged", "expires_at", tok.Expiry.Format(time.RFC3339))
	return nil
}

// Revoke clears every stored token. A best-effort remote revocation is
// attempted afterwards; its failure is only logged.
func (s *TokenStore) Revoke(ctx context.Context) error {
	state, loadErr := s.store.LoadTokens(ctx)

	if err := s.store.ClearTokens(ctx); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}

	if loadErr != nil {
		logger.Warn("skipping remote token revocation", "error", loadErr)
		return nil
	}

	token := state.RefreshToken
	if token == "" {
		token = state.AccessToken
	}
	if token == "" {
		return nil
	}

	if err := s.revokeRemote(ctx, token); err != nil {
		logger.Warn("remote token revocation failed", "error", err)
	}
	return nil
}

func (s *TokenStore) revokeRemote(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke request failed (status %d)", resp.StatusCode)
	}
	return nil
}

func (s *TokenStore) persist(ctx context.Context, tok *oauth2.Token, fallbackRefresh string) error {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = s.config.Now().Add(time.Hour)
	}
	return s.store.SaveTokens(ctx, models.TokenState{
		AccessToken:  tok.AccessToken,
		ExpiresAt:    expiry,
		RefreshToken: refresh,
	})
}

func (s *TokenStore) oauthConfig() (*oauth2.Config, error) {
	var creds models.Credentials
	if s.credentials != nil {
		creds = s.credentials.Credentials()
	}
	if !creds.Complete() {
		return nil, &AuthError{Op: "configure", Detail: "client id and secret are not configured"}
	}

	redirect := creds.RedirectURI
	if redirect == "" {
		redirect = oobRedirectURI
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       s.config.Scopes,
		Endpoint:     s.config.Endpoint,
	}, nil
}

// clientContext makes the oauth2 package use the configured HTTP client.
func (s *TokenStore) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.config.HTTPClient)
}

// providerError converts an oauth2 failure into an *AuthError carrying the
// provider's error code and description.
func providerError(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &AuthError{Op: op, Err: err}
	}

	authErr := &AuthError{Op: op, Detail: re.ErrorCode}
	if re.ErrorDescription != "" {
		authErr.Detail += ": " + re.ErrorDescription
	}
	if authErr.Detail == "" {
		authErr.Detail = strings.TrimSpace(string(re.Body))
	}
	if re.Response != nil {
		authErr.StatusCode = re.Response.StatusCode
	}
	return authErr
}
