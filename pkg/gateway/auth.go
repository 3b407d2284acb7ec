package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts closes a connection after this many bad signatures.
const maxAuthAttempts = 3

// AuthHandler runs the HMAC challenge-response handshake. A client proves it
// knows the shared token by signing the challenge with HMAC-SHA256.
type AuthHandler struct {
	sharedSecret []byte
}

// NewAuthHandler creates a handler for sharedSecret.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: []byte(sharedSecret)}
}

// GenerateChallenge returns 32 random bytes, hex encoded.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the signature a client sends for challenge.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(string(a.sharedSecret), challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Authenticate checks a client's response against its pending challenge and
// updates the client's auth state.
func (a *AuthHandler) Authenticate(client *Client, signature string) AuthResult {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}
	if !a.VerifySignature(client.challenge, signature) {
		client.authAttempts++
		if client.authAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	client.authenticated = true
	client.authAttempts = 0
	client.challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}
