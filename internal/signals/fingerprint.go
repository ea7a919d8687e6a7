package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives an opaque device identifier from request metadata.
// Identical inputs always yield the same value; surrounding whitespace and
// case in the language header are ignored.
func Fingerprint(userAgent, acceptLanguage string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(userAgent)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(acceptLanguage))))
	return hex.EncodeToString(h.Sum(nil))
}
