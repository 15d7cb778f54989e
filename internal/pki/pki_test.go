package pki

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certmgr/internal/model"
)

func TestCreateSelfSigned_Standard(t *testing.T) {
	certPEM, keyPEM, err := CreateSelfSigned(CertParams{
		CommonName:   "example.test",
		CertType:     model.CertTypeStandard,
		Domains:      []string{"example.test", "www.example.test"},
		IPs:          []string{"192.0.2.10"},
		ValidityDays: 365,
		Key:          KeySpec{Algorithm: model.KeyAlgorithmECDSA, Curve: "P-256"},
	}, nil)
	require.NoError(t, err)

	cert, err := ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	key, err := ParsePrivateKeyPEM(keyPEM, nil)
	require.NoError(t, err)

	assert.True(t, KeyMatches(cert, key))
	assert.False(t, cert.IsCA)
	assert.ElementsMatch(t, []string{"example.test", "www.example.test"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "192.0.2.10", cert.IPAddresses[0].String())
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), cert.NotAfter, time.Hour)
}

func TestCreateSelfSigned_RootCA(t *testing.T) {
	certPEM, _, err := CreateSelfSigned(CertParams{
		CommonName:   "Test Root CA",
		CertType:     model.CertTypeRootCA,
		ValidityDays: 3650,
		Key:          KeySpec{Algorithm: model.KeyAlgorithmRSA, Bits: 2048},
	}, nil)
	require.NoError(t, err)

	cert, err := ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)

	rec := &model.Certificate{}
	Describe(cert, rec)
	assert.Equal(t, model.CertTypeRootCA, rec.CertType)
	assert.Equal(t, model.KeyAlgorithmRSA, rec.KeyAlgorithm)
	assert.Equal(t, 2048, rec.KeyLength)
}

func TestCreateSelfSigned_InvalidIP(t *testing.T) {
	_, _, err := CreateSelfSigned(CertParams{
		CommonName: "bad",
		IPs:        []string{"not-an-ip"},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidDomain, model.KindOf(err))
}

func TestSignCSR_WithCA(t *testing.T) {
	caPEM, caKeyPEM, err := CreateSelfSigned(CertParams{
		CommonName:   "Test Root CA",
		CertType:     model.CertTypeRootCA,
		ValidityDays: 3650,
	}, nil)
	require.NoError(t, err)
	caCert, err := ParseCertificatePEM(caPEM)
	require.NoError(t, err)
	caKey, err := ParsePrivateKeyPEM(caKeyPEM, nil)
	require.NoError(t, err)

	leafKey, err := GenerateKey(DefaultKeySpec())
	require.NoError(t, err)
	csr, err := CreateCSR(CertParams{
		CommonName: "leaf.example.test",
		Domains:    []string{"leaf.example.test"},
	}, leafKey)
	require.NoError(t, err)

	certPEM, err := SignCSR(csr, caCert, caKey, 90, model.CertTypeStandard)
	require.NoError(t, err)

	cert, err := ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.Equal(t, caCert.Subject.String(), cert.Issuer.String())
	assert.True(t, KeyMatches(cert, leafKey))
	assert.Contains(t, cert.DNSNames, "leaf.example.test")
	assert.NoError(t, cert.CheckSignatureFrom(caCert))
}

func TestSignCSR_ValidityCappedAtCAExpiry(t *testing.T) {
	caPEM, caKeyPEM, err := CreateSelfSigned(CertParams{
		CommonName:   "Short CA",
		CertType:     model.CertTypeRootCA,
		ValidityDays: 10,
	}, nil)
	require.NoError(t, err)
	caCert, _ := ParseCertificatePEM(caPEM)
	caKey, _ := ParsePrivateKeyPEM(caKeyPEM, nil)

	leafKey, err := GenerateKey(DefaultKeySpec())
	require.NoError(t, err)
	csr, err := CreateCSR(CertParams{CommonName: "x.test", Domains: []string{"x.test"}}, leafKey)
	require.NoError(t, err)

	certPEM, err := SignCSR(csr, caCert, caKey, 365, model.CertTypeStandard)
	require.NoError(t, err)
	cert, err := ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.False(t, cert.NotAfter.After(caCert.NotAfter))
}

// ---------- Encrypted keys ----------

func TestEncodeKeyPEM_EncryptedRoundTrip(t *testing.T) {
	key, err := GenerateKey(KeySpec{Algorithm: model.KeyAlgorithmECDSA, Curve: "P-256"})
	require.NoError(t, err)

	pemBytes, err := EncodeKeyPEM(key, []byte("s3cret"))
	require.NoError(t, err)
	assert.True(t, IsEncryptedKeyPEM(pemBytes))

	got, err := ParsePrivateKeyPEM(pemBytes, []byte("s3cret"))
	require.NoError(t, err)
	assert.True(t, got.Public().(*ecdsa.PublicKey).Equal(key.Public()))
}

func TestParsePrivateKeyPEM_EncryptedWithoutPassphrase(t *testing.T) {
	key, err := GenerateKey(DefaultKeySpec())
	require.NoError(t, err)
	pemBytes, err := EncodeKeyPEM(key, []byte("s3cret"))
	require.NoError(t, err)

	_, err = ParsePrivateKeyPEM(pemBytes, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindPassphraseRequired, model.KindOf(err))
}

func TestParsePrivateKeyPEM_WrongPassphrase(t *testing.T) {
	key, err := GenerateKey(DefaultKeySpec())
	require.NoError(t, err)
	pemBytes, err := EncodeKeyPEM(key, []byte("s3cret"))
	require.NoError(t, err)

	_, err = ParsePrivateKeyPEM(pemBytes, []byte("wrong"))
	require.Error(t, err)
	assert.Equal(t, model.KindCrypto, model.KindOf(err))
}

func TestIsEncryptedKeyPEM_Plain(t *testing.T) {
	key, err := GenerateKey(DefaultKeySpec())
	require.NoError(t, err)
	pemBytes, err := EncodeKeyPEM(key, nil)
	require.NoError(t, err)
	assert.False(t, IsEncryptedKeyPEM(pemBytes))
}

func TestKeyMatches_Mismatch(t *testing.T) {
	certPEM, _, err := CreateSelfSigned(CertParams{CommonName: "a.test", Domains: []string{"a.test"}}, nil)
	require.NoError(t, err)
	cert, err := ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	other, err := GenerateKey(DefaultKeySpec())
	require.NoError(t, err)
	assert.False(t, KeyMatches(cert, other))
}

func TestGenerateKey_UnsupportedRSASize(t *testing.T) {
	_, err := GenerateKey(KeySpec{Algorithm: model.KeyAlgorithmRSA, Bits: 1024})
	assert.Error(t, err)
}
