package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/j-veylop/analytics-counter/internal/db"
	"github.com/j-veylop/analytics-counter/internal/models"
)

// MockRoundTripper implements http.RoundTripper for testing.
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// memStore is an in-memory Store.
type memStore struct {
	state   models.TokenState
	loadErr error
	saves   int
	cleared bool
}

func (m *memStore) LoadTokens(context.Context) (models.TokenState, error) {
	return m.state, m.loadErr
}

func (m *memStore) SaveTokens(_ context.Context, state models.TokenState) error {
	m.saves++
	m.state = state
	return nil
}

func (m *memStore) ClearTokens(context.Context) error {
	m.cleared = true
	m.state = models.TokenState{}
	return nil
}

var testCreds = StaticCredentials{ClientID: "cid", ClientSecret: "csecret"}

func newTestStore(store Store, rt http.RoundTripper) *TokenStore {
	return NewTokenStore(store, testCreds, Config{
		HTTPClient: &http.Client{Transport: rt},
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://auth.example.com/auth",
			TokenURL:  "https://auth.example.com/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RevokeURL: "https://auth.example.com/revoke",
	})
}

func failingTransport(t *testing.T) http.RoundTripper {
	return &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			t.Errorf("unexpected request to %s", req.URL)
			return nil, errors.New("unexpected request")
		},
	}
}

func TestIsAuthenticated(t *testing.T) {
	tests := []struct {
		name  string
		state models.TokenState
		want  bool
	}{
		{"Empty", models.TokenState{}, false},
		{"RefreshOnly", models.TokenState{RefreshToken: "r"}, false},
		{"ExpiredAccess", models.TokenState{AccessToken: "a", ExpiresAt: time.Now().Add(-time.Hour)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(&memStore{state: tt.state}, nil)
			got, err := s.IsAuthenticated(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsAuthenticated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToken_Valid(t *testing.T) {
	store := &memStore{state: models.TokenState{
		AccessToken:  "cached",
		ExpiresAt:    time.Now().Add(time.Hour),
		RefreshToken: "r",
	}}
	s := newTestStore(store, failingTransport(t))

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok != "cached" {
		t.Errorf("Token() = %q, want cached", tok)
	}
	if store.saves != 0 {
		t.Errorf("valid token should not be persisted again")
	}
}

func TestToken_NotAuthenticated(t *testing.T) {
	s := newTestStore(&memStore{}, failingTransport(t))

	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Token() error = %v, want ErrNotAuthenticated", err)
	}
	if !NeedsReauth(err) {
		t.Error("NeedsReauth() should be true")
	}
}

func TestToken_ExpiredWithoutRefresh(t *testing.T) {
	s := newTestStore(&memStore{state: models.TokenState{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}}, failingTransport(t))

	_, err := s.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Token() error = %v, want *AuthError", err)
	}
	if errors.Is(err, ErrNotAuthenticated) {
		t.Error("an expired token is not the unauthenticated state")
	}
}

func TestToken_Refresh(t *testing.T) {
	store := &memStore{state: models.TokenState{
		AccessToken:  "old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		RefreshToken: "refresh-1",
	}}

	var form url.Values
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			if req.URL.String() != "https://auth.example.com/token" {
				t.Errorf("unexpected URL %s", req.URL)
			}
			body, _ := io.ReadAll(req.Body)
			form, _ = url.ParseQuery(string(body))
			return jsonResponse(200, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`), nil
		},
	}
	s := newTestStore(store, rt)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("Token() = %q, want fresh", tok)
	}

	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "refresh-1" {
		t.Errorf("unexpected token request form: %v", form)
	}
	if form.Get("client_id") != "cid" {
		t.Errorf("client_id = %q, want cid", form.Get("client_id"))
	}

	if store.state.AccessToken != "fresh" {
		t.Errorf("stored access token = %q, want fresh", store.state.AccessToken)
	}
	if store.state.RefreshToken != "refresh-1" {
		t.Errorf("refresh token should be kept, got %q", store.state.RefreshToken)
	}
	if time.Until(store.state.ExpiresAt) < 50*time.Minute {
		t.Errorf("ExpiresAt = %v, want about an hour ahead", store.state.ExpiresAt)
	}
}

func TestToken_RefreshRejected(t *testing.T) {
	store := &memStore{state: models.TokenState{RefreshToken: "revoked"}}
	calls := 0
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(400, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`), nil
		},
	}
	s := newTestStore(store, rt)

	_, err := s.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Token() error = %v, want *AuthError", err)
	}
	if !strings.Contains(authErr.Detail, "invalid_grant") || !strings.Contains(authErr.Detail, "revoked") {
		t.Errorf("Detail = %q, want provider detail", authErr.Detail)
	}
	if authErr.StatusCode != 400 {
		t.Errorf("StatusCode = %d, want 400", authErr.StatusCode)
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls)
	}
	if store.saves != 0 {
		t.Error("failed refresh must not change stored tokens")
	}
}

func TestToken_NetworkError(t *testing.T) {
	store := &memStore{state: models.TokenState{RefreshToken: "r"}}
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	s := newTestStore(store, rt)

	if _, err := s.Token(context.Background()); !NeedsReauth(err) {
		t.Errorf("Token() error = %v, want *AuthError", err)
	}
}

func TestToken_MissingCredentials(t *testing.T) {
	store := &memStore{state: models.TokenState{RefreshToken: "r"}}
	s := NewTokenStore(store, StaticCredentials{ClientID: "only-id"}, Config{
		HTTPClient: &http.Client{Transport: failingTransport(t)},
	})

	if _, err := s.Token(context.Background()); !NeedsReauth(err) {
		t.Errorf("Token() error = %v, want *AuthError", err)
	}
}

func TestToken_StoreError(t *testing.T) {
	s := newTestStore(&memStore{loadErr: errors.New("database is locked")}, nil)

	_, err := s.Token(context.Background())
	if err == nil {
		t.Fatal("Token() should fail")
	}
	if NeedsReauth(err) {
		t.Error("storage failures are not auth errors")
	}
}

func TestAuthCodeURL(t *testing.T) {
	s := newTestStore(&memStore{}, nil)

	raw, err := s.AuthCodeURL("xyz")
	if err != nil {
		t.Fatalf("AuthCodeURL() failed: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	checks := map[string]string{
		"client_id":     "cid",
		"state":         "xyz",
		"access_type":   "offline",
		"prompt":        "consent",
		"response_type": "code",
		"scope":         AnalyticsReadonlyScope,
		"redirect_uri":  oobRedirectURI,
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestExchange(t *testing.T) {
	store := &memStore{}
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			form, _ := url.ParseQuery(string(body))
			if form.Get("grant_type") != "authorization_code" || form.Get("code") != "the-code" {
				t.Errorf("unexpected form: %v", form)
			}
			return jsonResponse(200, `{"access_token":"a1","refresh_token":"r1","token_type":"Bearer","expires_in":3600}`), nil
		},
	}
	s := newTestStore(store, rt)

	if err := s.Exchange(context.Background(), " the-code \n"); err != nil {
		t.Fatalf("Exchange() failed: %v", err)
	}
	if store.state.AccessToken != "a1" || store.state.RefreshToken != "r1" || store.state.ExpiresAt.IsZero() {
		t.Errorf("stored state = %+v", store.state)
	}

	if err := s.Exchange(context.Background(), "  "); !NeedsReauth(err) {
		t.Errorf("Exchange(empty) error = %v, want *AuthError", err)
	}
}

func TestRevoke(t *testing.T) {
	tests := []struct {
		name      string
		transport http.RoundTripper
	}{
		{
			name: "RemoteOK",
			transport: &MockRoundTripper{
				RoundTripFunc: func(req *http.Request) (*http.Response, error) {
					return jsonResponse(200, `{}`), nil
				},
			},
		},
		{
			name: "RemoteRejects",
			transport: &MockRoundTripper{
				RoundTripFunc: func(req *http.Request) (*http.Response, error) {
					return jsonResponse(400, `{"error":"invalid_token"}`), nil
				},
			},
		},
		{
			name: "RemoteUnreachable",
			transport: &MockRoundTripper{
				RoundTripFunc: func(req *http.Request) (*http.Response, error) {
					return nil, errors.New("no route to host")
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{state: models.TokenState{
				AccessToken:  "a",
				ExpiresAt:    time.Now().Add(time.Hour),
				RefreshToken: "r",
			}}
			s := newTestStore(store, tt.transport)

			if err := s.Revoke(context.Background()); err != nil {
				t.Fatalf("Revoke() failed: %v", err)
			}
			if !store.cleared {
				t.Error("tokens were not cleared")
			}
			if ok, _ := s.IsAuthenticated(context.Background()); ok {
				t.Error("IsAuthenticated() should be false after revoke")
			}
		})
	}
}

func TestRevoke_PersistedStore(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	ctx := context.Background()

	if err := database.SaveTokens(ctx, models.TokenState{
		AccessToken:  "a",
		ExpiresAt:    time.Now().Add(time.Hour),
		RefreshToken: "r",
	}); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(database, &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("offline")
		},
	})

	if ok, _ := s.IsAuthenticated(ctx); !ok {
		t.Fatal("expected stored token")
	}
	if err := s.Revoke(ctx); err != nil {
		t.Fatal(err)
	}

	state, err := database.LoadTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state != (models.TokenState{}) {
		t.Errorf("state after revoke = %+v, want empty", state)
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{Op: "refresh", StatusCode: 401, Detail: "invalid_client"}
	if got := err.Error(); got != "auth refresh (status 401): invalid_client" {
		t.Errorf("Error() = %q", got)
	}
}
