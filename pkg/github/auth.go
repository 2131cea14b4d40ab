package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// authFunc produces the Authorization header value for one request,
// refreshing credentials when needed.
type authFunc func(ctx context.Context) (string, error)

// installationTokenSlack is how long before expiry an installation token
// is refreshed.
const installationTokenSlack = 2 * time.Minute

// newAuth picks the authentication mode from the config: a personal
// access token, or a GitHub App (RS256 JWT exchanged for an installation
// token scoped to the repository owner).
func newAuth(cfg Config, baseURL, owner string) (authFunc, error) {
	if cfg.AppID != "" {
		return newAppAuth(cfg, baseURL, owner)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("no GitHub credentials: set a token or App ID and key")
	}
	header := "token " + token
	return func(context.Context) (string, error) { return header, nil }, nil
}

// appAuth holds GitHub App state: the private key for minting JWTs and
// the cached installation token.
type appAuth struct {
	expiry  time.Time
	client  *http.Client
	key     *rsa.PrivateKey
	now     func() time.Time
	appID   string
	owner   string
	baseURL string
	token   string
}

func newAppAuth(cfg Config, baseURL, owner string) (authFunc, error) {
	key, err := parsePrivateKey(cfg.AppKey)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	a := &appAuth{
		client:  &http.Client{Timeout: timeout},
		key:     key,
		now:     time.Now,
		appID:   cfg.AppID,
		owner:   owner,
		baseURL: baseURL,
	}
	return a.header, nil
}

// header returns the Authorization value, exchanging a fresh JWT for an
// installation token when the cached one is close to expiring.
func (a *appAuth) header(ctx context.Context) (string, error) {
	if a.token != "" && a.now().Before(a.expiry.Add(-installationTokenSlack)) {
		return "token " + a.token, nil
	}

	appJWT, err := a.generateJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}

	installID, err := a.findInstallation(ctx, appJWT)
	if err != nil {
		return "", err
	}

	token, expiry, err := a.createInstallationToken(ctx, appJWT, installID)
	if err != nil {
		return "", err
	}

	a.token = token
	a.expiry = expiry
	slog.Info("obtained GitHub App installation token", "owner", a.owner, "expires", expiry.Format(time.RFC3339))
	return "token " + a.token, nil
}

// generateJWT mints a short-lived RS256 JWT for App authentication.
// GitHub App JWTs expire after 10 minutes at most.
func (a *appAuth) generateJWT() (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": a.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

// findInstallation locates the App installation for the repository owner.
func (a *appAuth) findInstallation(ctx context.Context, appJWT string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/app/installations", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptJSON)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to list App installations: %w", err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to list App installations (status %d)", resp.StatusCode)
	}

	var installations []struct {
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&installations); err != nil {
		return 0, fmt.Errorf("failed to decode App installations: %w", err)
	}

	for _, inst := range installations {
		if strings.EqualFold(inst.Account.Login, a.owner) {
			return inst.ID, nil
		}
	}
	return 0, fmt.Errorf("no App installation found for %s", a.owner)
}

// createInstallationToken exchanges the JWT for an installation token.
func (a *appAuth) createInstallationToken(ctx context.Context, appJWT string, installID int64) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptJSON)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create installation token: %w", err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("failed to create installation token (status %d)", resp.StatusCode)
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode installation token: %w", err)
	}
	if result.Token == "" {
		return "", time.Time{}, errors.New("empty installation token in response")
	}
	return result.Token, result.ExpiresAt, nil
}

// parsePrivateKey parses a PEM RSA private key in PKCS1 or PKCS8 form.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	if !bytes.Contains(pemBytes, []byte("PRIVATE KEY")) {
		return nil, errors.New("App key does not look like a PEM private key")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}
