package registry

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v55/github"
)

// AppMinter implements TokenMinter against the GitHub App API: it signs
// a short-lived app JWT with the App's private key and exchanges it for
// an installation token scoped to one installation.
type AppMinter struct {
	appID int64
	key   *rsa.PrivateKey

	// newClient is swappable so tests can point at a local server.
	newClient func(bearer string) *github.Client
}

func NewAppMinter(appID int64, privateKeyPEM []byte) (*AppMinter, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &AppMinter{
		appID: appID,
		key:   key,
		newClient: func(bearer string) *github.Client {
			return github.NewClient(nil).WithAuthToken(bearer)
		},
	}, nil
}

func (m *AppMinter) MintInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	bearer, err := m.appJWT()
	if err != nil {
		return "", time.Time{}, err
	}
	client := m.newClient(bearer)
	tok, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create installation token for %d: %w", installationID, err)
	}
	return tok.GetToken(), tok.GetExpiresAt().Time, nil
}

// appJWT signs the app-level bearer. GitHub caps validity at ten
// minutes; the minute of backdating absorbs clock drift.
func (m *AppMinter) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", m.appID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}
