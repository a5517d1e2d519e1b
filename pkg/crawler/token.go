package crawler

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"
)

// TokenSourceFunc returns a token source for one code host installation
type TokenSourceFunc func(ctx context.Context, installationID int64) oauth2.TokenSource

// AppAuth issues installation access tokens for a GitHub App
type AppAuth struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewAppAuth parses the app's PEM private key
func NewAppAuth(appID int64, privateKeyPEM []byte, baseURL string, client *http.Client) (*AppAuth, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AppAuth{
		appID:   appID,
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}, nil
}

// TokenSource returns an oauth2.TokenSource minting installation tokens
func (a *AppAuth) TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource {
	return &appTokenSource{ctx: ctx, auth: a, installationID: installationID}
}

type appTokenSource struct {
	ctx            context.Context
	auth           *AppAuth
	installationID int64
}

func (s *appTokenSource) Token() (*oauth2.Token, error) {
	return s.auth.installationToken(s.ctx, s.installationID)
}

// appJWT signs the short-lived RS256 token that authenticates as the app itself
func (a *AppAuth) appJWT() (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	now := a.now()
	claims := jwt.Claims{
		Issuer: strconv.FormatInt(a.appID, 10),
		// backdated to tolerate clock drift on the code host
		IssuedAt: jwt.NewNumericDate(now.Add(-60 * time.Second)),
		Expiry:   jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign app token: %w", err)
	}
	return raw, nil
}

func (a *AppAuth) installationToken(ctx context.Context, installationID int64) (*oauth2.Token, error) {
	appToken, err := a.appJWT()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appToken)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{Endpoint: "installation_token", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode installation token: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("installation %d returned an empty token", installationID)
	}

	return &oauth2.Token{AccessToken: out.Token, TokenType: "Bearer", Expiry: out.ExpiresAt}, nil
}

func parseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
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
