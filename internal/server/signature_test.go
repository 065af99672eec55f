package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

const testSecret = "k3J9-xQ2m_Lp8vR4tZ7wN1cB6yH0dF5s"

func makeTestSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/master"}`)

	if !VerifySignature(payload, makeTestSignature(payload, testSecret), testSecret) {
		t.Error("Expected valid signature to be accepted")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/master"}`)
	signature := makeTestSignature(payload, "wrong-secret-at-least-32-chars-long-x")

	if VerifySignature(payload, signature, testSecret) {
		t.Error("Expected invalid signature to be rejected")
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/master"}`)
	signature := makeTestSignature(payload, testSecret)

	if VerifySignature([]byte(`{"ref":"refs/heads/evil"}`), signature, testSecret) {
		t.Error("Expected signature over different payload to be rejected")
	}
}

func TestVerifySignature_EmptySecret(t *testing.T) {
	payload := []byte(`{}`)
	if VerifySignature(payload, makeTestSignature(payload, ""), "") {
		t.Error("Expected empty secret to reject everything")
	}
}

func TestVerifySignature_Malformed(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/master"}`)

	sha1MAC := hmac.New(sha1.New, []byte(testSecret))
	sha1MAC.Write(payload)

	testCases := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"no prefix", "abc123def456"},
		{"legacy sha1", "sha1=" + hex.EncodeToString(sha1MAC.Sum(nil))},
		{"no equals", "sha256abc123def456"},
		{"empty after prefix", "sha256="},
		{"not hex", "sha256=zzzz"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if VerifySignature(payload, tc.signature, testSecret) {
				t.Errorf("Expected malformed signature %q to be rejected", tc.signature)
			}
		})
	}
}
