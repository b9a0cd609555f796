package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseJWTClaims decodes the payload of a JWT access token. The signature is
// not checked; the backend is the only party that verifies tokens.
func ParseJWTClaims(token string) (map[string]any, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, ErrInvalidJWT
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidJWT, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidJWT, err)
	}
	return claims, nil
}

// ExpiryFromJWT returns the "exp" claim of a JWT access token, or the zero
// time when the token is opaque or carries no expiry.
func ExpiryFromJWT(token string) time.Time {
	claims, err := ParseJWTClaims(token)
	if err != nil {
		return time.Time{}
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0)
}

// ClaimString returns a string claim, or "" when absent.
func ClaimString(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	v, _ := claims[key].(string)
	return v
}
