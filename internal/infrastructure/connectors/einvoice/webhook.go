package einvoice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator verifies the registry's notification bearer token,
// an HS256 JWT signed with the shared webhook secret
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates an authenticator over the shared secret
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate implements sync.WebhookAuthenticator
func (a *JWTAuthenticator) Authenticate(headers map[string][]string, body []byte) error {
	if len(a.secret) == 0 {
		return errors.New("einvoice: webhook secret not configured")
	}
	values := headers["Authorization"]
	if len(values) == 0 {
		return errors.New("einvoice: missing authorization header")
	}
	raw, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return errors.New("einvoice: authorization is not a bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("einvoice: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("einvoice: token rejected: %w", err)
	}
	if !token.Valid {
		return errors.New("einvoice: token invalid")
	}
	return nil
}

// IssueToken mints a short-lived token; used by tests and the demo mode
func (a *JWTAuthenticator) IssueToken(ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss": "einvoice-registry",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

var _ sync.WebhookAuthenticator = (*JWTAuthenticator)(nil)
