package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWTService issues and validates API bearer tokens. The token subject is
// the registry user a caller builds images for.
type JWTService struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

type Claims struct {
	jwt.RegisteredClaims
}

// User returns the registry user the token was issued to
func (c *Claims) User() string {
	return c.Subject
}

// NewJWTService creates a new JWT service
func NewJWTService(secret string, logger *zap.Logger) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		issuer: "stackyn-builder",
		logger: logger,
	}
}

// GenerateToken generates a token for user valid for ttl
func (s *JWTService) GenerateToken(user string, ttl time.Duration) (string, error) {
	if user == "" {
		return "", errors.New("token subject is required")
	}
	now := time.Now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates a token and returns its claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
