package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDomain(t *testing.T) {
	valid := []string{
		"example.com",
		"sub.example.com",
		"*.example.com",
		"a-b.example.io",
		"localhost",
		"xn--nxasmq6b.example",
	}
	for _, d := range valid {
		assert.True(t, ValidateDomain(d), d)
	}

	invalid := []string{
		"",
		" ",
		"*.",
		"-bad.example.com",
		"bad-.example.com",
		"exa mple.com",
		"under_score.example.com",
		"192.168.1.1",
		"*.*.example.com",
	}
	for _, d := range invalid {
		assert.False(t, ValidateDomain(d), d)
	}
}

func TestValidateIP(t *testing.T) {
	assert.True(t, ValidateIP("192.168.1.1"))
	assert.True(t, ValidateIP("::1"))
	assert.False(t, ValidateIP("not-an-ip"))
	assert.False(t, ValidateIP("999.1.1.1"))
}
