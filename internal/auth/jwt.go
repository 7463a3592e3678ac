package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lalith-99/yapstream/internal/models"
)

const issuer = "yapstream"

// Identity is who a token speaks for. The chat core only ever reads it.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`

	// Admin callers may delete protected rooms.
	Admin bool `json:"admin,omitempty"`
}

// Participant is the identity as the chat core sees it. A blank display
// name falls back to the email's local part, then "User".
func (id Identity) Participant() models.Participant {
	return models.Participant{
		ID:          id.UserID,
		DisplayName: models.DisplayNameFor(id.DisplayName, "", id.Email),
	}
}

// Claims is the payload inside every token: the identity plus the
// standard expiry and issuer fields.
type Claims struct {
	Identity
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for id that expires after ttl.
//
// The token carries the whole Identity, so the auth middleware can build
// the caller's participant without a profile lookup on every request.
//
// Why HS256?
//   - One process signs and the same processes verify, so a shared secret
//     (JWT_SECRET) is all that is needed. No key pair to distribute.
//   - HMAC verification is cheap enough to run on every websocket upgrade.
func GenerateToken(id Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Identity: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the signature and expiry and returns the claims.
// Only HMAC-signed tokens are accepted.
//
// The key func rejects any other algorithm before the secret is handed
// out. Without that check a token with "alg": "none", or one signed with
// an RSA public key posing as an HMAC secret, could pass verification.
// Tokens from another issuer fail too, as do tokens with no user id.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user_id")
	}
	return claims, nil
}
