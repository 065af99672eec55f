package server

import (
	"strings"

	"github.com/google/go-github/v57/github"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	SignaturePrefix = "sha256="
)

// VerifySignature checks a GitHub X-Hub-Signature-256 value against payload.
// The legacy SHA-1 header is not accepted.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	if len(signature) == len(SignaturePrefix) {
		return false
	}

	// Constant-time comparison happens inside ValidateSignature.
	return github.ValidateSignature(signature, payload, []byte(secret)) == nil
}
