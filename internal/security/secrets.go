package security

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the shortest webhook secret accepted. GitHub signs
	// with HMAC-SHA256, so 32 bytes matches the key size.
	MinSecretLength = 32

	// MinEntropy is the Shannon entropy, in bits per byte, a secret must reach.
	MinEntropy = 3.5
)

// ErrWeakSecret is wrapped by every ValidateSecret failure.
var ErrWeakSecret = errors.New("weak webhook secret")

// placeholderMarkers appear in secrets copied from sample configs or docs
// instead of being generated.
var placeholderMarkers = []string{
	"ovabuilder",
	"avalon",
	"webhook-secret",
	"webhook_secret",
	"changeme",
	"example",
	"password",
	"your-secret",
	"xxxxxxxx",
}

// ValidateSecret rejects webhook secrets that are short, look like a sample
// value, or are too repetitive to be random.
func ValidateSecret(secret string) error {
	if n := len(secret); n < MinSecretLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrWeakSecret, n, MinSecretLength)
	}

	lower := strings.ToLower(secret)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: contains %q, looks like a sample value", ErrWeakSecret, marker)
		}
	}

	if e := calculateEntropy(secret); e < MinEntropy {
		return fmt.Errorf("%w: entropy %.2f bits/byte, need %.2f (generate one with `openssl rand -hex 32`)",
			ErrWeakSecret, e, MinEntropy)
	}

	return nil
}

// calculateEntropy returns the Shannon entropy of s in bits per byte.
func calculateEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}

	total := float64(len(s))
	var bits float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		bits -= p * math.Log2(p)
	}
	return bits
}
