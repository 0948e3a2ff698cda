package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/quantmind-br/reposheet-go/internal/utils"
)

// GenerateKey generates a cache key from a URL. The key is a SHA256 hash
// of the canonical URL so equivalent spellings share one entry.
func GenerateKey(rawURL string) string {
	canonical, err := utils.CanonicalURL(rawURL)
	if err != nil {
		canonical = rawURL
	}
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}
