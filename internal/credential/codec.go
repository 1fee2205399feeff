// Package credential parses and authenticates the payload presented at the
// gate: either a bare alphanumeric token or a JSON object carrying a token
// plus a keyed-hash signature.
package credential

import (
	"encoding/json"
	"errors"
	"strings"
)

// Credential is the decoded (token, signature?) pair. A missing signature is
// not an error: callers decide whether unverified tokens are acceptable.
type Credential struct {
	Token     string            `json:"token"`
	Signature string            `json:"signature,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Verified reports whether the credential carries a signature to check.
func (c Credential) Verified() bool {
	return c.Signature != ""
}

var ErrMalformed = errors.New("malformed credential payload")

// Decode parses a raw scanned string. Payloads starting with '{' must be a
// structured JSON object with a token; anything else is treated as a bare
// token, trimmed and case-normalized, with no signature.
func Decode(raw string) (Credential, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Credential{}, ErrMalformed
	}

	if strings.HasPrefix(trimmed, "{") {
		var cred Credential
		if err := json.Unmarshal([]byte(trimmed), &cred); err != nil {
			return Credential{}, ErrMalformed
		}
		cred.Token = strings.ToLower(strings.TrimSpace(cred.Token))
		if cred.Token == "" {
			return Credential{}, ErrMalformed
		}
		return cred, nil
	}

	return Credential{Token: strings.ToLower(trimmed)}, nil
}
