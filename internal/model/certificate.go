package model

import (
	"time"
)

// CertType classifies a certificate record.
type CertType string

const (
	CertTypeRootCA         CertType = "rootCA"
	CertTypeIntermediateCA CertType = "intermediateCA"
	CertTypeStandard       CertType = "standard"
)

// IsCA reports whether the type is a signing authority.
func (t CertType) IsCA() bool {
	return t == CertTypeRootCA || t == CertTypeIntermediateCA
}

// KeyAlgorithm identifies the private key family of a record.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA   KeyAlgorithm = "rsa"
	KeyAlgorithmECDSA KeyAlgorithm = "ecdsa"
)

// ChallengeType selects the ACME validation method for a record.
type ChallengeType string

const (
	ChallengeHTTP       ChallengeType = "http"
	ChallengeDNS        ChallengeType = "dns"
	ChallengeStandalone ChallengeType = "standalone"
	ChallengeNone       ChallengeType = "none"
)

// SubjectAltNames holds the SAN sets of a certificate.
type SubjectAltNames struct {
	Domains []string `json:"domains"`
	IPs     []string `json:"ips"`
}

// Certificate is the primary entity: one live certificate plus its
// configuration and version history. The fingerprint is the SHA-256 of the
// DER-encoded certificate in lowercase hex and is the stable identity of the
// record outside of a renewal.
type Certificate struct {
	Fingerprint       string          `json:"fingerprint"`
	Name              string          `json:"name"`
	CertType          CertType        `json:"certType"`
	Subject           string          `json:"subject"`
	Issuer            string          `json:"issuer"`
	Serial            string          `json:"serial"`
	SANs              SubjectAltNames `json:"sans"`
	ValidFrom         time.Time       `json:"validFrom"`
	ValidTo           time.Time       `json:"validTo"`
	CertPath          string          `json:"certPath"`
	KeyPath           string          `json:"keyPath,omitempty"`
	ChainPath         string          `json:"chainPath,omitempty"`
	KeyAlgorithm      KeyAlgorithm    `json:"keyAlgorithm,omitempty"`
	KeyLength         int             `json:"keyLength,omitempty"`
	IssuerFingerprint string          `json:"issuerFingerprint,omitempty"`
	Config            CertConfig      `json:"config"`
	PreviousVersions  []BackupVersion `json:"previousVersions"`
	NeedsPassphrase   bool            `json:"needsPassphrase"`

	// ParseError is set on records created from files the crypto driver could
	// not parse. Such records appear in listings but support no operation
	// except delete.
	ParseError string `json:"parseError,omitempty"`
}

// IsErrorRecord reports whether this record was created from an unparseable file.
func (c *Certificate) IsErrorRecord() bool {
	return c.ParseError != ""
}

// ExpiresWithin reports whether the record crosses its renewal threshold at
// the given instant.
func (c *Certificate) ExpiresWithin(now time.Time, days int) bool {
	return !now.Add(time.Duration(days) * 24 * time.Hour).Before(c.ValidTo)
}

// BackupVersion is one immutable snapshot of a prior live record, moved aside
// by a successful renewal. PreviousVersions is ordered most recent first.
type BackupVersion struct {
	Fingerprint    string    `json:"fingerprint"`
	ValidFrom      time.Time `json:"validFrom"`
	ValidTo        time.Time `json:"validTo"`
	RenewedAt      time.Time `json:"renewedAt"`
	BackupCertPath string    `json:"backupCertPath"`
	BackupKeyPath  string    `json:"backupKeyPath,omitempty"`
}

// CertConfig is the per-record renewal and deployment configuration.
type CertConfig struct {
	AutoRenew             bool           `json:"autoRenew"`
	RenewDaysBeforeExpiry int            `json:"renewDaysBeforeExpiry"`
	SignWithCA            bool           `json:"signWithCA"`
	CAFingerprint         string         `json:"caFingerprint,omitempty"`
	ChallengeType         ChallengeType  `json:"challengeType"`
	DeployActions         []DeployAction `json:"deployActions"`
}
