package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"portal-realtime/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 tokens issued by the portal and returns the
// subject as the user id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return "", domain.ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("parse token: %w", errors.Join(domain.ErrUnauthorized, err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims: %w", domain.ErrUnauthorized)
	}

	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		// Older portal tokens carry user_id instead of sub.
		if legacy, ok := claims["user_id"].(string); ok && legacy != "" {
			return legacy, nil
		}
		return "", fmt.Errorf("token has no subject: %w", domain.ErrUnauthorized)
	}
	return userID, nil
}

// Sign issues a token for userID. Only development tooling and tests use it.
func (v *JWTVerifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
