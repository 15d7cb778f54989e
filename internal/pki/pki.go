// Package pki is the crypto driver: it issues CSRs, signs with local CAs,
// parses certificate metadata, and verifies key/cert pairing. It is the only
// package that handles plaintext private key bytes, and it never logs them.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/edvin/certmgr/internal/model"
)

// KeySpec selects a private key algorithm and strength.
type KeySpec struct {
	Algorithm model.KeyAlgorithm
	// Bits applies to RSA keys (2048, 3072, 4096).
	Bits int
	// Curve applies to ECDSA keys ("P-256", "P-384", "P-521").
	Curve string
}

// DefaultKeySpec is used when a request carries no key parameters.
func DefaultKeySpec() KeySpec {
	return KeySpec{Algorithm: model.KeyAlgorithmECDSA, Curve: "P-256"}
}

// CertParams describes a certificate to create or sign.
type CertParams struct {
	CommonName   string
	Organization string
	CertType     model.CertType
	Domains      []string
	IPs          []string
	ValidityDays int
	Key          KeySpec
}

// GenerateKey creates a fresh private key for the spec.
func GenerateKey(spec KeySpec) (crypto.Signer, error) {
	switch spec.Algorithm {
	case model.KeyAlgorithmRSA:
		bits := spec.Bits
		if bits == 0 {
			bits = 2048
		}
		switch bits {
		case 2048, 3072, 4096:
		default:
			return nil, model.E(model.KindCrypto, "unsupported RSA key size %d", bits)
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "generate RSA key")
		}
		return key, nil
	case model.KeyAlgorithmECDSA, "":
		curve, err := curveByName(spec.Curve)
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "generate ECDSA key")
		}
		return key, nil
	default:
		return nil, model.E(model.KindCrypto, "unsupported key algorithm %q", spec.Algorithm)
	}
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "", "P-256", "p256":
		return elliptic.P256(), nil
	case "P-384", "p384":
		return elliptic.P384(), nil
	case "P-521", "p521":
		return elliptic.P521(), nil
	default:
		return nil, model.E(model.KindCrypto, "unsupported ECDSA curve %q", name)
	}
}

// KeySpecOf reports the algorithm and strength of a public key.
func KeySpecOf(pub crypto.PublicKey) (model.KeyAlgorithm, int) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return model.KeyAlgorithmRSA, k.N.BitLen()
	case *ecdsa.PublicKey:
		return model.KeyAlgorithmECDSA, k.Curve.Params().BitSize
	default:
		return "", 0
	}
}

// ParseCertificatePEM parses the first CERTIFICATE block, falling back to raw
// DER input.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, model.Wrap(model.KindCrypto, err, "parse certificate")
			}
			return cert, nil
		}
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "no certificate found in input")
	}
	return cert, nil
}

// ParseCertificateFile reads and parses a certificate from disk.
func ParseCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "read certificate %s", path)
	}
	return ParseCertificatePEM(data)
}

// Describe fills the metadata fields of a record from a parsed certificate.
// Identity, paths, and config are left untouched.
func Describe(cert *x509.Certificate, rec *model.Certificate) {
	rec.Subject = cert.Subject.String()
	rec.Issuer = cert.Issuer.String()
	rec.Serial = serialHex(cert.SerialNumber)
	rec.ValidFrom = cert.NotBefore
	rec.ValidTo = cert.NotAfter
	rec.SANs.Domains = append([]string(nil), cert.DNSNames...)
	rec.SANs.IPs = nil
	for _, ip := range cert.IPAddresses {
		rec.SANs.IPs = append(rec.SANs.IPs, ip.String())
	}
	rec.KeyAlgorithm, rec.KeyLength = KeySpecOf(cert.PublicKey)
	rec.CertType = classify(cert)
}

func classify(cert *x509.Certificate) model.CertType {
	if !cert.IsCA {
		return model.CertTypeStandard
	}
	if cert.Subject.String() == cert.Issuer.String() {
		return model.CertTypeRootCA
	}
	return model.CertTypeIntermediateCA
}

func serialHex(n *big.Int) string {
	b := n.Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	return hex.EncodeToString(b)
}

// newSerial draws a random 128-bit certificate serial.
func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "generate serial")
	}
	return serial, nil
}

func buildTemplate(params CertParams) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	days := params.ValidityDays
	if days <= 0 {
		days = 365
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: params.CommonName,
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(time.Duration(days) * 24 * time.Hour),
		BasicConstraintsValid: true,
	}
	if params.Organization != "" {
		tmpl.Subject.Organization = []string{params.Organization}
	}
	tmpl.DNSNames = append([]string(nil), params.Domains...)
	for _, raw := range params.IPs {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, model.E(model.KindInvalidDomain, "invalid IP address %q", raw)
		}
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	}

	switch params.CertType {
	case model.CertTypeRootCA:
		tmpl.IsCA = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case model.CertTypeIntermediateCA:
		tmpl.IsCA = true
		tmpl.MaxPathLen = 0
		tmpl.MaxPathLenZero = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	default:
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	return tmpl, nil
}

// CreateSelfSigned generates a key and a self-signed certificate. A non-empty
// passphrase encrypts the returned key PEM.
func CreateSelfSigned(params CertParams, passphrase []byte) (certPEM, keyPEM []byte, err error) {
	signer, err := GenerateKey(params.Key)
	if err != nil {
		return nil, nil, err
	}
	certPEM, err = SelfSignWithKey(params, signer)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = EncodeKeyPEM(signer, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// SelfSignWithKey issues a self-signed certificate over an existing key.
func SelfSignWithKey(params CertParams, signer crypto.Signer) ([]byte, error) {
	tmpl, err := buildTemplate(params)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "create self-signed certificate")
	}
	return EncodeCertPEM(der), nil
}

// CreateCSR builds a PEM-encoded certificate request for the params over the
// given key.
func CreateCSR(params CertParams, signer crypto.Signer) ([]byte, error) {
	req := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: params.CommonName},
	}
	if params.Organization != "" {
		req.Subject.Organization = []string{params.Organization}
	}
	req.DNSNames = append([]string(nil), params.Domains...)
	for _, raw := range params.IPs {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, model.E(model.KindInvalidDomain, "invalid IP address %q", raw)
		}
		req.IPAddresses = append(req.IPAddresses, ip)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, req, signer)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "create CSR")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// SignCSR signs a PEM-encoded CSR with the CA's key. The SAN set and subject
// are taken from the CSR; the certificate profile from certType.
func SignCSR(csrPEM []byte, caCert *x509.Certificate, caKey crypto.Signer, validityDays int, certType model.CertType) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, model.E(model.KindCrypto, "input is not a PEM certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "parse CSR")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "CSR signature check failed")
	}

	tmpl, err := buildTemplate(CertParams{
		CommonName:   csr.Subject.CommonName,
		CertType:     certType,
		ValidityDays: validityDays,
	})
	if err != nil {
		return nil, err
	}
	tmpl.Subject = csr.Subject
	tmpl.DNSNames = csr.DNSNames
	tmpl.IPAddresses = csr.IPAddresses
	if tmpl.NotAfter.After(caCert.NotAfter) {
		tmpl.NotAfter = caCert.NotAfter
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "sign CSR")
	}
	return EncodeCertPEM(der), nil
}

// EncodeCertPEM wraps DER bytes in a CERTIFICATE block.
func EncodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
