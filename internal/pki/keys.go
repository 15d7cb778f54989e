package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/youmark/pkcs8"

	"github.com/edvin/certmgr/internal/model"
)

// IsEncryptedKeyPEM reports whether the PEM data holds an encrypted private
// key. Both PKCS#8 encrypted blocks and legacy RFC 1423 headers count.
func IsEncryptedKeyPEM(data []byte) bool {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return false
		}
		if block.Type == "ENCRYPTED PRIVATE KEY" {
			return true
		}
		if _, ok := block.Headers["DEK-Info"]; ok {
			return true
		}
		if isKeyBlock(block.Type) {
			return false
		}
	}
}

func isKeyBlock(t string) bool {
	switch t {
	case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY", "ENCRYPTED PRIVATE KEY":
		return true
	}
	return false
}

// ParsePrivateKeyPEM loads a private key from PEM data. Encrypted PKCS#8
// blocks require a passphrase; an empty passphrase against an encrypted key
// yields PassphraseRequired.
func ParsePrivateKeyPEM(data, passphrase []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, model.E(model.KindCrypto, "no private key found in input")
		}
		if !isKeyBlock(block.Type) {
			continue
		}
		return parseKeyBlock(block, passphrase)
	}
}

func parseKeyBlock(block *pem.Block, passphrase []byte) (crypto.Signer, error) {
	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if len(passphrase) == 0 {
			return nil, model.E(model.KindPassphraseRequired, "private key is encrypted")
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "decrypt private key")
		}
		return asSigner(key)
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "parse RSA private key")
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "parse EC private key")
		}
		return key, nil
	default: // "PRIVATE KEY"
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "parse private key")
		}
		return asSigner(key)
	}
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case crypto.Signer:
		return k, nil
	default:
		return nil, model.E(model.KindCrypto, "unsupported private key type %T", key)
	}
}

// LoadPrivateKeyFile reads and parses a key file.
func LoadPrivateKeyFile(path string, passphrase []byte) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "read key %s", path)
	}
	return ParsePrivateKeyPEM(data, passphrase)
}

// EncodeKeyPEM serializes a private key as PKCS#8 PEM. A non-empty
// passphrase produces an encrypted block.
func EncodeKeyPEM(signer crypto.Signer, passphrase []byte) ([]byte, error) {
	if len(passphrase) > 0 {
		der, err := pkcs8.MarshalPrivateKey(signer, passphrase, nil)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "encrypt private key")
		}
		return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// KeyMatches reports whether the certificate's public key pairs with the
// private key.
func KeyMatches(cert *x509.Certificate, signer crypto.Signer) bool {
	if cert == nil || signer == nil {
		return false
	}
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := cert.PublicKey.(equaler)
	if !ok {
		return false
	}
	return pub.Equal(signer.Public())
}
