package platform

import (
	"net"
	"strings"
)

// ValidateDomain checks an RFC 1123 hostname, allowing one leading wildcard
// label. IP literals are accepted as SAN IP entries elsewhere, not here.
func ValidateDomain(domain string) bool {
	domain = strings.TrimSpace(domain)
	if domain == "" || len(domain) > 253 {
		return false
	}
	domain = strings.TrimPrefix(domain, "*.")
	if domain == "" || net.ParseIP(domain) != nil {
		return false
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

// ValidateIP checks an IPv4 or IPv6 literal.
func ValidateIP(ip string) bool {
	return net.ParseIP(strings.TrimSpace(ip)) != nil
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
