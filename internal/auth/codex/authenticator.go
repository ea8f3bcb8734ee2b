package codex

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/account"
	"github.com/quotaswitch/quotaswitch/internal/browser"
)

// LoginOptions adjusts a single login attempt.
type LoginOptions struct {
	// NoBrowser suppresses opening the system browser; the URL is printed
	// instead.
	NoBrowser bool
	// CallbackTimeout overrides the default wait for the provider redirect.
	CallbackTimeout time.Duration
}

// Authenticator runs the complete browser-based login flow and produces a
// ready account record. Only one login attempt may run at a time: the
// callback listener owns a fixed local port for the duration of the flow.
type Authenticator struct {
	auth         *CodexAuth
	callbackPort int
	now          func() time.Time
}

// NewAuthenticator constructs an authenticator around an auth service. The
// callback port is derived from the provider config's redirect URI by
// convention and passed explicitly here.
func NewAuthenticator(auth *CodexAuth, callbackPort int) *Authenticator {
	return &Authenticator{
		auth:         auth,
		callbackPort: callbackPort,
		now:          time.Now,
	}
}

// NewDefaultAuthenticator constructs an authenticator with the stock
// provider configuration and callback port.
func NewDefaultAuthenticator(httpClient *http.Client) *Authenticator {
	return NewAuthenticator(NewCodexAuth(httpClient, DefaultProviderConfig()), 1455)
}

// Login walks the Authorization-Code+PKCE flow end to end: PKCE material,
// callback listener, browser round trip, state validation, code exchange,
// and identity extraction. The returned account is not yet persisted; that
// is the caller's job.
func (a *Authenticator) Login(ctx context.Context, opts *LoginOptions) (*account.Account, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &LoginOptions{}
	}

	pkceCodes, err := GeneratePKCECodes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE codes: %w", err)
	}

	server := NewOAuthServer(a.callbackPort, pkceCodes.State)
	if err = server.Start(); err != nil {
		return nil, err
	}
	defer func() {
		_ = server.Stop(context.Background())
	}()

	authURL, err := a.auth.GenerateAuthURL(pkceCodes)
	if err != nil {
		return nil, err
	}

	if opts.NoBrowser || !browser.IsAvailable() {
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	} else if err = browser.OpenURL(authURL); err != nil {
		log.Warnf("failed to open browser automatically: %v", err)
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	}

	log.Debug("waiting for authorization callback")
	result, err := server.WaitForCallback(ctx, opts.CallbackTimeout)
	if err != nil {
		return nil, err
	}

	tokens, err := a.auth.ExchangeCodeForTokens(ctx, result.Code, pkceCodes)
	if err != nil {
		return nil, err
	}

	return a.buildAccount(tokens), nil
}

// buildAccount assembles a new account record from a fresh token pair. The
// id is taken from the id_token when present so that re-login replaces the
// same account instead of duplicating it.
func (a *Authenticator) buildAccount(tokens account.TokenPair) *account.Account {
	identity := DecodeIdentity(tokens.IDToken)

	id := identity.Email
	if id == "" {
		id = identity.ProviderAccountID
	}
	if id == "" {
		id = uuid.NewString()
	}

	displayName := identity.DisplayName
	if displayName == "" {
		displayName = identity.Email
	}

	return &account.Account{
		ID:                id,
		DisplayName:       displayName,
		Email:             identity.Email,
		Tokens:            tokens,
		ProviderAccountID: identity.ProviderAccountID,
		CreatedAt:         a.now().UTC(),
	}
}
