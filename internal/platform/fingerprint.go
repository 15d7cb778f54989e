package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// The canonical fingerprint form is the SHA-256 of the DER-encoded
// certificate as lowercase hex with no separators. Clients send fingerprints
// in several historical shapes ("sha256 Fingerprint=AB:CD:...", colon
// separated, percent-encoded, upper case); NormalizeFingerprint folds all of
// them into the canonical form.

const fingerprintHexLen = sha256.Size * 2

// Fingerprint computes the canonical fingerprint of DER-encoded bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips any recognised prefix, percent-decoding,
// colons, and whitespace, and lowercases the rest. It is idempotent. The
// result is not guaranteed to be a full fingerprint; callers resolve prefixes
// and names through the store.
func NormalizeFingerprint(id string) string {
	s := strings.TrimSpace(id)
	if decoded, err := url.QueryUnescape(s); err == nil {
		s = decoded
	}
	// Strip a "sha256 Fingerprint=" style prefix, case-insensitively.
	if i := strings.Index(strings.ToLower(s), "fingerprint="); i >= 0 {
		s = s[i+len("fingerprint="):]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	return strings.ToLower(s)
}

// IsFullFingerprint reports whether s is a complete canonical fingerprint.
func IsFullFingerprint(s string) bool {
	return len(s) == fingerprintHexLen && isHex(s)
}

// IsFingerprintPrefix reports whether s could be a fingerprint prefix of
// useful length. Shorter prefixes are treated as names.
func IsFingerprintPrefix(s string) bool {
	return len(s) >= 8 && len(s) <= fingerprintHexLen && isHex(s)
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return len(s) > 0
}
