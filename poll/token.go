// Package poll implements the scheduled polling connector and the OAuth2
// client-credentials token client it authenticates with.
package poll

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// tokenExpirySafetyMargin is subtracted from the issuer-reported expires_in
// so a token is refreshed before it actually lapses.
const tokenExpirySafetyMargin = 60 * time.Second

// CredentialStore is the collaborator the token client depends on for secret
// decryption and token caching.
type CredentialStore interface {
	GetToken(key string) (string, bool)
	CacheToken(key, token string, ttl time.Duration)
	DecryptSecret(ciphertext string) (string, error)
}

// TokenClient acquires, caches, and refreshes bearer tokens for outbound
// polling via the OAuth2 client-credentials grant. Concurrent callers during
// a cache miss may race to refresh; duplicate refreshes are tolerated and
// the cache write is last-write-wins.
type TokenClient struct {
	tokenURL        string
	clientID        string
	encryptedSecret string
	scopes          []string
	credentials     CredentialStore
	httpClient      *http.Client
	logger          *zap.SugaredLogger
}

// NewTokenClient creates a token client for one client identity.
func NewTokenClient(tokenURL, clientID, encryptedSecret string, scopes []string, credentials CredentialStore, logger *zap.SugaredLogger) *TokenClient {
	return &TokenClient{
		tokenURL:        tokenURL,
		clientID:        clientID,
		encryptedSecret: encryptedSecret,
		scopes:          scopes,
		credentials:     credentials,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// FetchToken returns a valid bearer token for this client identity. A cached
// unexpired token is returned without any network call; on a miss the client
// secret is decrypted and exchanged at the token endpoint, and the result is
// cached with an expiry of expires_in minus the safety margin.
func (tc *TokenClient) FetchToken(ctx context.Context) (string, error) {
	if token, ok := tc.credentials.GetToken(tc.clientID); ok {
		return token, nil
	}

	secret, err := tc.credentials.DecryptSecret(tc.encryptedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt client secret: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", tc.clientID)
	form.Set("client_secret", secret)
	if len(tc.scopes) > 0 {
		form.Set("scope", strings.Join(tc.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", &core.TransportError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &core.AuthenticationError{Reason: fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &core.TransportError{Op: "token exchange", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access_token")
	}
	metrics.TokenExchanges.Inc()

	ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySafetyMargin
	if ttl > 0 {
		tc.credentials.CacheToken(tc.clientID, tr.AccessToken, ttl)
	} else {
		tc.logger.Warnf("Token for %s expires in %ds, not caching", tc.clientID, tr.ExpiresIn)
	}
	return tr.AccessToken, nil
}
