package soa

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const tokenBytes = 32

// NewToken returns a 256-bit random capability encoded as unpadded base64url.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("soa: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// wellFormedToken rejects obvious garbage before touching the database.
func wellFormedToken(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(tokenBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil
}

// SignURL builds the client-facing link for token.
func SignURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/sign/" + url.PathEscape(token)
}
