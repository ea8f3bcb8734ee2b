package codex

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCECodes holds the verifier/challenge pair and the anti-CSRF state token
// for one login attempt. Created fresh per attempt and never persisted.
type PKCECodes struct {
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
	State         string `json:"state"`
}

// GeneratePKCECodes generates a PKCE verifier, its S256 challenge, and an
// independent state token. It fails only when the random source is
// unavailable, in which case login cannot proceed.
func GeneratePKCECodes() (*PKCECodes, error) {
	codeVerifier, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	state, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}

	return &PKCECodes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: CodeChallengeS256(codeVerifier),
		State:         state,
	}, nil
}

// CodeChallengeS256 derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func CodeChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
