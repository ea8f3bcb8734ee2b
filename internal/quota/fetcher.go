// Package quota fetches per-account usage from the provider's usage
// endpoint and maps it into the canonical snapshot shape consumed by the
// rotation engine.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/account"
	"github.com/quotaswitch/quotaswitch/internal/auth/codex"
)

// DefaultUsageURL is the stock usage endpoint for ChatGPT/Codex accounts.
const DefaultUsageURL = "https://chatgpt.com/backend-api/wham/usage"

// accountHeader multiplexes between workspaces that share one credential.
const accountHeader = "ChatGPT-Account-Id"

// FetchError reports a non-2xx response from the usage endpoint. It is
// terminal for the fetch; retry policy lives in the caller's periodic loop.
type FetchError struct {
	Status int
}

// Error returns a string representation of the fetch error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("quota_fetch_failed: usage request returned status %d", e.Status)
}

// Fetcher retrieves usage snapshots, refreshing access tokens first when
// they are about to expire.
type Fetcher struct {
	httpClient *http.Client
	auth       *codex.CodexAuth
	usageURL   string
}

// NewFetcher creates a quota fetcher. A nil client falls back to a default
// with a request timeout.
func NewFetcher(httpClient *http.Client, auth *codex.CodexAuth, usageURL string) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if usageURL == "" {
		usageURL = DefaultUsageURL
	}
	return &Fetcher{
		httpClient: httpClient,
		auth:       auth,
		usageURL:   usageURL,
	}
}

// Fetch ensures a live access token for the account, issues one usage
// request, and maps the response into a snapshot. The returned token pair
// reflects any refresh that happened on the way; the caller persists it
// onto the account along with the snapshot.
func (f *Fetcher) Fetch(ctx context.Context, acct *account.Account) (*account.QuotaSnapshot, account.TokenPair, error) {
	tokens, err := f.auth.EnsureFresh(ctx, acct.Tokens)
	if err != nil {
		return nil, acct.Tokens, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.usageURL, nil)
	if err != nil {
		return nil, tokens, fmt.Errorf("failed to create usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/json")
	if v := strings.TrimSpace(acct.ProviderAccountID); v != "" {
		req.Header.Set(accountHeader, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, tokens, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debugf("usage request for account %s returned status %d", acct.ID, resp.StatusCode)
		return nil, tokens, &FetchError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, tokens, fmt.Errorf("failed to read usage response: %w", err)
	}

	var raw usageResponse
	if err = json.Unmarshal(body, &raw); err != nil {
		return nil, tokens, fmt.Errorf("failed to parse usage response: %w", err)
	}

	return mapSnapshot(&raw), tokens, nil
}
