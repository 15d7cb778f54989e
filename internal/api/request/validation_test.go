package request

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeInto(t *testing.T, body any, v any) error {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	r := httptest.NewRequest("POST", "/", &buf)
	return Decode(r, v)
}

func TestDecode_CreateCertificate(t *testing.T) {
	var req CreateCertificate
	err := decodeInto(t, map[string]any{
		"name":    "web-cert",
		"domains": []string{"example.com", "*.example.com"},
		"ips":     []string{"10.0.0.1"},
	}, &req)
	require.NoError(t, err)
	assert.Equal(t, "web-cert", req.Name)
}

func TestDecode_RejectsBadDomain(t *testing.T) {
	var req CreateCertificate
	err := decodeInto(t, map[string]any{
		"name":    "web-cert",
		"domains": []string{"not a domain!"},
	}, &req)
	assert.Error(t, err)
}

func TestDecode_NameOptional(t *testing.T) {
	var req CreateCertificate
	err := decodeInto(t, map[string]any{"domains": []string{"example.com"}}, &req)
	require.NoError(t, err)
	assert.Empty(t, req.Name)
}

func TestDecode_KeyTypeAndSize(t *testing.T) {
	var req CreateCertificate
	err := decodeInto(t, map[string]any{
		"domains": []string{"example.test"},
		"keyType": "rsa",
		"keySize": 2048,
	}, &req)
	require.NoError(t, err)
	assert.Equal(t, "rsa", req.KeyType)
	assert.Equal(t, 2048, req.KeySize)
}

func TestDecode_UpdateDomainsFieldNames(t *testing.T) {
	var req UpdateDomains
	err := decodeInto(t, map[string]any{
		"addDomains":    []string{"www.example.test"},
		"removeDomains": []string{},
	}, &req)
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.test"}, req.Add)
	assert.Empty(t, req.Remove)
}

func TestDecode_RejectsBadChallengeType(t *testing.T) {
	var req UpdateConfig
	err := decodeInto(t, map[string]any{"challengeType": "carrier-pigeon"}, &req)
	assert.Error(t, err)
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/", bytes.NewBufferString("{nope"))
	var req CreateCertificate
	assert.Error(t, Decode(r, &req))
}

func TestUpdateConfig_DefaultsChallengeType(t *testing.T) {
	cfg := UpdateConfig{}.Config()
	assert.Equal(t, "none", string(cfg.ChallengeType))
}

func TestRequireID(t *testing.T) {
	_, err := RequireID("")
	assert.Error(t, err)
	id, err := RequireID("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}
