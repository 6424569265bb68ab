package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

const (
	appJWTLifetime = 9 * time.Minute
	appJWTBackdate = time.Minute

	// tokenRefreshSkew re-mints installation tokens well before GitHub
	// expires them so in-flight downloads never race the expiry.
	tokenRefreshSkew = 5 * time.Minute
)

// ParsePrivateKey decodes the base64-encoded PEM App private key as
// configured in FG_GITHUB_PRIVATE_KEY_B64. PKCS#1 and PKCS#8 are accepted.
func ParsePrivateKey(b64 string) (*rsa.PrivateKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("private key is not valid base64: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM-encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an RSA key")
	}
	return key, nil
}

// appJWT mints the short-lived RS256 token GitHub requires on App
// endpoints. Issued-at is backdated a minute to tolerate clock skew.
func (c *Client) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(c.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return signed, nil
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t installationToken) fresh(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresAt.Add(-tokenRefreshSkew))
}

// installationToken returns a cached token for the installation, minting
// a new one when the cache is empty or close to expiry.
func (c *Client) installationToken(ctx context.Context, installationID int64) (string, error) {
	c.tokenMu.Lock()
	cached := c.tokens[installationID]
	c.tokenMu.Unlock()
	if cached.fresh(time.Now()) {
		return cached.Token, nil
	}

	appJWT, err := c.appJWT(time.Now())
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeNetwork, "failed to mint installation token", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return "", apperrors.Newf(apperrors.CodeAuthentication, "installation %d rejected token request (status %d)", installationID, resp.StatusCode)
	default:
		return "", apperrors.Newf(apperrors.CodeNetwork, "installation token request failed (status %d)", resp.StatusCode)
	}

	var minted installationToken
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return "", apperrors.Wrap(apperrors.CodeNetwork, "failed to decode installation token", err)
	}

	c.tokenMu.Lock()
	c.tokens[installationID] = minted
	c.tokenMu.Unlock()
	return minted.Token, nil
}

// evictToken drops a cached installation token after a 401 so the next
// request re-mints.
func (c *Client) evictToken(installationID int64) {
	c.tokenMu.Lock()
	delete(c.tokens, installationID)
	c.tokenMu.Unlock()
}
