// Package codex implements the OAuth2 Authorization-Code flow with PKCE
// for ChatGPT/Codex accounts: authorization URL building, the local
// callback listener, token exchange and refresh, and the token lifecycle
// guard used before quota calls.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/account"
)

// ProviderConfig holds the static OAuth endpoints and client identity.
type ProviderConfig struct {
	ClientID    string
	AuthURL     string
	TokenURL    string
	RedirectURI string
	Scope       string
	Audience    string
}

// DefaultProviderConfig returns the stock ChatGPT/Codex OAuth configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ClientID:    "app_EMoamEEZ73f0CkXaXp7hrann",
		AuthURL:     "https://auth.openai.com/oauth/authorize",
		TokenURL:    "https://auth.openai.com/oauth/token",
		RedirectURI: "http://localhost:1455/auth/callback",
		Scope:       "openid profile email offline_access",
		Audience:    "https://api.openai.com/v1",
	}
}

// CodexAuth handles the Codex OAuth2 authentication flow.
type CodexAuth struct {
	httpClient *http.Client
	cfg        ProviderConfig
	now        func() time.Time
}

// NewCodexAuth creates a new Codex authentication service. A nil client
// falls back to a default with a request timeout.
func NewCodexAuth(httpClient *http.Client, cfg ProviderConfig) *CodexAuth {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CodexAuth{
		httpClient: httpClient,
		cfg:        cfg,
		now:        time.Now,
	}
}

// GenerateAuthURL creates the OAuth authorization URL with PKCE. The mapping
// from (challenge, state) to URL is deterministic.
func (o *CodexAuth) GenerateAuthURL(pkceCodes *PKCECodes) (string, error) {
	if pkceCodes == nil {
		return "", fmt.Errorf("PKCE codes are required")
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {o.cfg.ClientID},
		"redirect_uri":          {o.cfg.RedirectURI},
		"scope":                 {o.cfg.Scope},
		"audience":              {o.cfg.Audience},
		"code_challenge":        {pkceCodes.CodeChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {pkceCodes.State},
	}

	return fmt.Sprintf("%s?%s", o.cfg.AuthURL, params.Encode()), nil
}

// tokenResponse represents the response structure from the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCodeForTokens exchanges an authorization code for a token pair.
// A non-2xx response yields ErrTokenExchangeFailed carrying the provider's
// status and body.
func (o *CodexAuth) ExchangeCodeForTokens(ctx context.Context, code string, pkceCodes *PKCECodes) (account.TokenPair, error) {
	if code == "" {
		return account.TokenPair{}, fmt.Errorf("authorization code is required")
	}
	if pkceCodes == nil {
		return account.TokenPair{}, fmt.Errorf("PKCE codes are required for token exchange")
	}

	values := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {o.cfg.ClientID},
		"code":          {code},
		"redirect_uri":  {o.cfg.RedirectURI},
		"code_verifier": {pkceCodes.CodeVerifier},
	}

	tokenResp, err := o.postTokenEndpoint(ctx, values, ErrTokenExchangeFailed)
	if err != nil {
		return account.TokenPair{}, err
	}

	return o.tokenPairFromResponse(tokenResp, ""), nil
}

// RefreshTokens obtains a new token pair using a refresh token. If the
// provider omits a new refresh token, the prior one is retained — providers
// may not rotate it on every refresh.
func (o *CodexAuth) RefreshTokens(ctx context.Context, refreshToken string) (account.TokenPair, error) {
	if refreshToken == "" {
		return account.TokenPair{}, fmt.Errorf("refresh token is required")
	}

	values := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {o.cfg.ClientID},
		"refresh_token": {refreshToken},
	}

	tokenResp, err := o.postTokenEndpoint(ctx, values, ErrTokenRefreshFailed)
	if err != nil {
		return account.TokenPair{}, err
	}

	return o.tokenPairFromResponse(tokenResp, refreshToken), nil
}

func (o *CodexAuth) postTokenEndpoint(ctx context.Context, values url.Values, failure *FlowError) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, NewFlowError(failure, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debugf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, newEndpointError(failure, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access_token")
	}

	return &tokenResp, nil
}

// tokenPairFromResponse maps a token endpoint response onto a TokenPair.
// A missing expires_in means the token never expires.
func (o *CodexAuth) tokenPairFromResponse(resp *tokenResponse, priorRefreshToken string) account.TokenPair {
	pair := account.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		TokenType:    resp.TokenType,
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = priorRefreshToken
	}
	if resp.ExpiresIn > 0 {
		pair.ExpiresAt = o.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return pair
}
