package credential

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
)

// Verifier proves a token was issued by the trusted authority.
type Verifier interface {
	Verify(ctx context.Context, token, signature string) bool
}

// LocalVerifier holds the issuing secret on-device. Only acceptable when the
// device is fully trusted hardware; handheld scanners should use the remote
// verifier instead.
type LocalVerifier struct {
	secret []byte
}

func NewLocalVerifier(secret string) *LocalVerifier {
	return &LocalVerifier{secret: []byte(secret)}
}

// Sign computes the keyed hash of a token, hex-encoded. Used at issuance.
func (v *LocalVerifier) Sign(token string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the HMAC of the token and compares it to the supplied
// signature in constant time. Signatures may be hex- or base64-encoded.
func (v *LocalVerifier) Verify(_ context.Context, token, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(token))
	expected := mac.Sum(nil)

	if raw, err := hex.DecodeString(signature); err == nil {
		return hmac.Equal(expected, raw)
	}
	if raw, err := base64.StdEncoding.DecodeString(signature); err == nil {
		return hmac.Equal(expected, raw)
	}
	if raw, err := base64.URLEncoding.DecodeString(signature); err == nil {
		return hmac.Equal(expected, raw)
	}
	return false
}

// RemoteVerifier delegates verification to the ledger so the secret never
// leaves the trusted authority. Any transport failure is treated as invalid
// (fail-closed), never as valid.
type RemoteVerifier struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewRemoteVerifier(baseURL string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteVerifier{BaseURL: baseURL, HTTPClient: client}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token, signature string) bool {
	payload, err := json.Marshal(map[string]string{
		"token":     token,
		"signature": signature,
	})
	if err != nil {
		return false
	}

	url := fmt.Sprintf("%s/credential/verify", v.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		// Fail closed: no network, no admission on signature trust.
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Valid
}
