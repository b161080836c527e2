package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/flowdeploy-go/pkg/config"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Manager issues and verifies HS256 session tokens.
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// Claims identify a session. OrganizationID is the organization the session
// is scoped to.
type Claims struct {
	jwt.RegisteredClaims
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	OrganizationID string `json:"organizationId"`
}

func NewManager(cfg config.JWTConfig) (*Manager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("jwt secret key is required")
	}
	expiry := time.Duration(cfg.ExpiryHours) * time.Hour
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &Manager{
		secret: []byte(cfg.SecretKey),
		issuer: cfg.Issuer,
		expiry: expiry,
		now:    time.Now,
	}, nil
}

func (m *Manager) GenerateToken(userID, username, organizationID string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.expiry)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
		UserID:         userID,
		Username:       username,
		OrganizationID: organizationID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RemainingTTL is how long the token stays valid, used to size the
// revocation entry on logout.
func (m *Manager) RemainingTTL(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return m.expiry
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	if ttl < 0 {
		return 0
	}
	return ttl
}
