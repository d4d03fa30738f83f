// Package auth implements issuing and verifying the HS256 tokens clients
// present on the WebSocket upgrade. The fleet shares one signing secret; the
// uid claim is a decimal string carrying the 64-bit user id.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims holds the custom JWT claims embedded in every token.
// Standard claims (exp, iat, iss, sub) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UID is the user id as a decimal string. Kept as a string on the wire
	// so JavaScript clients never lose precision on 64-bit ids.
	UID string `json:"uid"`
}

// TokenManager signs and verifies HS256 tokens with a shared secret.
type TokenManager struct {
	secret    []byte
	issuer    string
	expiresIn time.Duration
}

// NewTokenManager creates a TokenManager. expiresIn bounds the lifetime of
// issued tokens; verification enforces whatever exp the token carries.
func NewTokenManager(secret, issuer string, expiresIn time.Duration) *TokenManager {
	return &TokenManager{
		secret:    []byte(secret),
		issuer:    issuer,
		expiresIn: expiresIn,
	}
}

// Issue creates a signed token for uid.
func (m *TokenManager) Issue(uid int64) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(uid, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiresIn)),
			ID:        uuid.NewString(),
		},
		UID: strconv.FormatInt(uid, 10),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a token string and returns the authenticated
// uid. Returns ErrTokenExpired, ErrTokenInvalid or ErrUIDInvalid; callers
// distinguish them with errors.Is.
func (m *TokenManager) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything other than HMAC — prevents the "alg:none"
			// and RSA/HMAC confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrTokenExpired
		}
		return 0, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, ErrTokenInvalid
	}

	uid, err := strconv.ParseInt(claims.UID, 10, 64)
	if err != nil || uid == 0 {
		return 0, ErrUIDInvalid
	}
	return uid, nil
}
