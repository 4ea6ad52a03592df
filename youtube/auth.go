package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	// Tokens are refreshed proactively when the recorded expiry is this
	// close, so an upload never starts with a token about to die mid-flight.
	tokenExpiryLeeway = 60 * time.Second
)

// AuthError marks a failed token refresh. It is fatal for the operation that
// triggered it, a bad refresh token can't be retried into a good one.
type AuthError struct {
	Err error
}

// Error ...
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Err)
}

// Unwrap ...
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credentials is the OAuth state of one connected channel.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	Expiry       time.Time
}

// TokenSource hands out valid access tokens, refreshing them against the
// provider's token endpoint when needed. Safe for concurrent use.
type TokenSource struct {
	httpClient *retryablehttp.Client
	tokenURL   string
	logger     log.Logger

	mu    sync.Mutex
	creds Credentials
}

// NewTokenSource ...
func NewTokenSource(creds Credentials, logger log.Logger) *TokenSource {
	return &TokenSource{
		httpClient: retryhttp.NewClient(logger),
		tokenURL:   defaultTokenURL,
		logger:     logger,
		creds:      creds,
	}
}

// Token returns a valid access token, refreshing first if the stored one
// expires within the leeway window.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.AccessToken != "" && time.Now().Add(tokenExpiryLeeway).Before(s.creds.Expiry) {
		return s.creds.AccessToken, nil
	}

	s.logger.Debugf("Access token expired or expiring, refreshing")
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	return s.creds.AccessToken, nil
}

// ForceRefresh discards the current access token and fetches a new one.
// Used when the provider rejected a token that looked valid locally.
func (s *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	return s.creds.AccessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *TokenSource) refresh(ctx context.Context) error {
	if s.creds.RefreshToken == "" {
		return &AuthError{Err: fmt.Errorf("no refresh token stored")}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.creds.RefreshToken},
		"client_id":     {s.creds.ClientID},
		"client_secret": {s.creds.ClientSecret},
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &AuthError{Err: err}
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &AuthError{Err: fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, body)}
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return &AuthError{Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if token.AccessToken == "" {
		return &AuthError{Err: fmt.Errorf("token endpoint returned no access token")}
	}

	s.creds.AccessToken = token.AccessToken
	s.creds.Expiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	// The provider may rotate the refresh token, keep the newest one
	if token.RefreshToken != "" {
		s.creds.RefreshToken = token.RefreshToken
	}
	return nil
}

func (s *TokenSource) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		s.logger.Printf(err.Error())
	}
}
