package codex

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// Identity holds display attributes decoded from an id_token. The claims
// are used for labeling only and are never validated.
type Identity struct {
	Email             string
	DisplayName       string
	ProviderAccountID string
}

// DecodeIdentity extracts email, display name, and the ChatGPT account id
// from an id_token payload. Any malformed input yields an empty identity.
func DecodeIdentity(idToken string) Identity {
	payload := decodeJWTPayload(idToken)
	if payload == nil {
		return Identity{}
	}

	return Identity{
		Email:             strings.TrimSpace(gjson.GetBytes(payload, "email").String()),
		DisplayName:       strings.TrimSpace(gjson.GetBytes(payload, "name").String()),
		ProviderAccountID: strings.TrimSpace(gjson.GetBytes(payload, `https://api\.openai\.com/auth.chatgpt_account_id`).String()),
	}
}

// decodeJWTPayload base64url-decodes the middle segment of a JWT without
// verifying its signature.
func decodeJWTPayload(token string) []byte {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad the segment; retry with standard padding rules.
		decoded, err = base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil
		}
	}
	if !gjson.ValidBytes(decoded) {
		return nil
	}
	return decoded
}
