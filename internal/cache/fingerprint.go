package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/iago/lesson-pipeline/internal/domain"
)

// Signature hashes normalized parts into a stable hex key.
func Signature(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, normalize(part))
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "||")))
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies a cacheable generation result.
func Fingerprint(topicID, interest, style string, modality domain.Modality) string {
	if normalize(style) == "" {
		style = domain.DefaultStyle
	}
	return Signature(topicID, interest, style, string(modality))
}

func normalize(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
