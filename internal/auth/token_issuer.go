package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errInvalidTokenTTL      = errors.New("token ttl must be positive")
	errInvalidSubjectClaim  = errors.New("subject claim must be a positive user id")
)

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionClaims identify the painter a bearer token was issued to.
type SessionClaims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 session tokens whose subject is the user id.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}, nil
}

// IssueUserToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueUserToken(_ context.Context, userID int64, username string) (string, int64, error) {
	if userID <= 0 {
		return "", 0, errInvalidSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := SessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed, unexpired and addressed to this API, and returns the user id.
func (i *TokenIssuer) ValidateToken(tokenString string) (int64, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return 0, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errInvalidSubjectClaim
	}
	return userID, nil
}
