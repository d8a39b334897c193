package ingestauth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashKey returns the bcrypt hash of an API key, in the form stored under
// auth.api_key_hashes.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("api key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// KeySet matches presented API keys against a list of bcrypt hashes.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet builds a KeySet. Empty entries are skipped.
func NewKeySet(hashes []string) *KeySet {
	ks := &KeySet{}
	for _, h := range hashes {
		if h != "" {
			ks.hashes = append(ks.hashes, []byte(h))
		}
	}
	return ks
}

// Len returns the number of configured hashes.
func (k *KeySet) Len() int { return len(k.hashes) }

// Match reports whether key matches any configured hash.
func (k *KeySet) Match(key string) bool {
	if key == "" {
		return false
	}
	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return true
		}
	}
	return false
}
