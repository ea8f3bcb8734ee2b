package codex

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/account"
)

// expirySafetyMargin widens the expiry check to tolerate clock skew and
// in-flight request latency.
const expirySafetyMargin = 60 * time.Second

// IsExpired reports whether an access token is stale at the given instant.
// A zero ExpiresAt means the token never expires. The check is monotonic in
// time: once true for some instant it stays true for every later one.
func IsExpired(tokens account.TokenPair, now time.Time) bool {
	if tokens.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(tokens.ExpiresAt.Add(-expirySafetyMargin))
}

// EnsureFresh returns a token pair that is safe to use for an API call,
// refreshing first when the current pair is stale and a refresh token is
// available. The caller is responsible for persisting a refreshed pair onto
// its account.
//
// An expired pair with no refresh token is returned as-is: there is no
// recovery path, and downstream calls will surface the provider's
// authentication failure.
func (o *CodexAuth) EnsureFresh(ctx context.Context, tokens account.TokenPair) (account.TokenPair, error) {
	if !IsExpired(tokens, o.now()) {
		return tokens, nil
	}

	if tokens.RefreshToken == "" {
		log.Debug("access token expired with no refresh token; returning stale pair")
		return tokens, nil
	}

	refreshed, err := o.RefreshTokens(ctx, tokens.RefreshToken)
	if err != nil {
		return account.TokenPair{}, err
	}
	return refreshed, nil
}
