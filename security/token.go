package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLifetime is the maximum validity of a device token.
const TokenLifetime = 24 * time.Hour

// ErrInvalidToken wraps every token verification failure.
var ErrInvalidToken = errors.New("invalid device token")

// DeviceClaims are the claims carried by a device token.
type DeviceClaims struct {
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// IssueDeviceToken signs a token for deviceID valid for TokenLifetime.
func (g *Gate) IssueDeviceToken(deviceID string, key []byte) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("device id is required")
	}
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}

	now := g.clock.Now()
	claims := DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// VerifyDeviceToken checks an HS256 device token. Every failure is returned
// as an error wrapping ErrInvalidToken.
func (g *Gate) VerifyDeviceToken(token string, key []byte) (*DeviceClaims, error) {
	if token == "" || len(key) == 0 {
		return nil, fmt.Errorf("%w: missing token or key", ErrInvalidToken)
	}

	parsed, err := jwt.ParseWithClaims(
		token,
		&DeviceClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
		jwt.WithTimeFunc(g.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*DeviceClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: no device id", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: no issue time", ErrInvalidToken)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > TokenLifetime {
		return nil, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, TokenLifetime)
	}

	return claims, nil
}

// SignPayload returns the hex HMAC-SHA256 of payload.
func SignPayload(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a hex HMAC-SHA256 signature in constant time.
func VerifySignature(payload []byte, signature string, secret []byte) bool {
	if signature == "" || len(secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SecretsEqual compares two shared secrets in constant time.
func SecretsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}
