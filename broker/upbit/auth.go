// Package upbit implements the exchange transport against the Upbit
// spot REST and websocket APIs.
package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credentials holds the API key pair. Loaded from the environment, never
// from the config file.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Valid reports whether both halves of the key pair are present.
func (c Credentials) Valid() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// token builds the per-request bearer token Upbit expects: an HS256 JWT
// carrying the access key, a fresh uuid nonce, and, when the request
// has parameters, a SHA512 hash of the raw query string.
func (c Credentials) token(rawQuery string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.AccessKey,
		"nonce":      uuid.NewString(),
	}
	if rawQuery != "" {
		sum := sha512.Sum512([]byte(rawQuery))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return signed, nil
}
