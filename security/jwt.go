// Package security issues and validates the HS256 tokens used by the
// HTTP API and the realtime channel.
package security

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// adminClaim marks tokens allowed to call the admin endpoints.
const adminClaim = "admin"

// Claims is the validated identity carried by a token.
type Claims struct {
	UserID uint
	Admin  bool
}

type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// GenerateToken signs a token for the user. The subject is the decimal
// user id.
func (j *JWTService) GenerateToken(userID uint, admin bool, expiration time.Duration) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(strconv.FormatUint(uint64(userID), 10)).
		Issuer("lirevox").
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Claim(adminClaim, admin).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a token and extracts the claims.
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKey(jwa.HS256, j.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	userID, err := strconv.ParseUint(token.Subject(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("token subject is not a user id: %w", err)
	}

	claims := &Claims{UserID: uint(userID)}
	if v, ok := token.Get(adminClaim); ok {
		if admin, ok := v.(bool); ok {
			claims.Admin = admin
		}
	}
	return claims, nil
}
