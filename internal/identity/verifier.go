package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified subject of a bearer token.
type Claims struct {
	Subject  string
	Username string
	Email    string
}

// Verifier validates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
	Username        string `json:"username,omitempty"`
	Email           string `json:"email,omitempty"`
}

// JWTVerifier checks RS256 session tokens against a static public key.
type JWTVerifier struct {
	parser  *jwt.Parser
	key     any
	parties []string
}

// NewJWTVerifier parses publicKeyPEM. Escaped "\n" sequences from env files
// are accepted. When authorizedParties is non-empty, a token's azp claim
// must be one of them.
func NewJWTVerifier(publicKeyPEM string, authorizedParties []string) (*JWTVerifier, error) {
	pem := strings.ReplaceAll(strings.TrimSpace(publicKeyPEM), `\n`, "\n")
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &JWTVerifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
		key:     key,
		parties: authorizedParties,
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	var claims sessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if len(v.parties) > 0 && claims.AuthorizedParty != "" && !slices.Contains(v.parties, claims.AuthorizedParty) {
		return nil, fmt.Errorf("unauthorized party %q", claims.AuthorizedParty)
	}
	return &Claims{Subject: claims.Subject, Username: claims.Username, Email: claims.Email}, nil
}

// DevTokenPrefix marks development tokens accepted by DevVerifier.
const DevTokenPrefix = "dev:"

// DevVerifier accepts "dev:<user id>" tokens without any signature check.
// The server wires it only when APP_ENV=development and no signing key is set.
type DevVerifier struct{}

func (DevVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	id, ok := strings.CutPrefix(token, DevTokenPrefix)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, errors.New("malformed development token")
	}
	return &Claims{Subject: strings.TrimSpace(id)}, nil
}
