package request

import "github.com/edvin/certmgr/internal/model"

// CreateCertificate requests issuance of a new record. Name is optional when
// at least one domain is given; the first domain becomes the record name.
type CreateCertificate struct {
	Name         string   `json:"name" validate:"omitempty,recordname"`
	CertType     string   `json:"certType" validate:"omitempty,oneof=rootCA intermediateCA standard"`
	Domains      []string `json:"domains" validate:"dive,domain"`
	IPs          []string `json:"ips" validate:"dive,ip"`
	KeyType      string   `json:"keyType" validate:"omitempty,oneof=rsa ecdsa"`
	KeySize      int      `json:"keySize"`
	ValidityDays int      `json:"validityDays" validate:"omitempty,min=1,max=7300"`

	SignWithCA    bool   `json:"signWithCA"`
	CAFingerprint string `json:"caFingerprint"`
	ChallengeType string `json:"challengeType" validate:"omitempty,oneof=http dns standalone none"`

	// Passphrase encrypts the new private key at rest (CA records).
	Passphrase string `json:"passphrase"`

	AutoRenew             *bool `json:"autoRenew"`
	RenewDaysBeforeExpiry int   `json:"renewDaysBeforeExpiry" validate:"omitempty,min=1,max=90"`
}

// UploadCertificate imports existing PEM material.
type UploadCertificate struct {
	Name     string `json:"name" validate:"required,recordname"`
	CertPEM  string `json:"certPem" validate:"required"`
	KeyPEM   string `json:"keyPem"`
	ChainPEM string `json:"chainPem"`
	// Passphrase unlocks an encrypted uploaded key for the pairing check.
	Passphrase string `json:"passphrase"`
}

// UpdateConfig replaces a record's renewal and deployment configuration.
type UpdateConfig struct {
	AutoRenew             bool                 `json:"autoRenew"`
	RenewDaysBeforeExpiry int                  `json:"renewDaysBeforeExpiry" validate:"omitempty,min=1,max=90"`
	SignWithCA            bool                 `json:"signWithCA"`
	CAFingerprint         string               `json:"caFingerprint"`
	ChallengeType         string               `json:"challengeType" validate:"omitempty,oneof=http dns standalone none"`
	DeployActions         []model.DeployAction `json:"deployActions"`
}

// Config converts the request into the model form.
func (u UpdateConfig) Config() model.CertConfig {
	challenge := model.ChallengeType(u.ChallengeType)
	if challenge == "" {
		challenge = model.ChallengeNone
	}
	return model.CertConfig{
		AutoRenew:             u.AutoRenew,
		RenewDaysBeforeExpiry: u.RenewDaysBeforeExpiry,
		SignWithCA:            u.SignWithCA,
		CAFingerprint:         u.CAFingerprint,
		ChallengeType:         challenge,
		DeployActions:         u.DeployActions,
	}
}

// UpdateDomains stages SAN changes and triggers an immediate renewal.
type UpdateDomains struct {
	Add    []string `json:"addDomains" validate:"dive,domain"`
	Remove []string `json:"removeDomains"`
}

// SetPassphrase stores a CA passphrase in the vault.
type SetPassphrase struct {
	Passphrase string `json:"passphrase" validate:"required"`
	// Persist seals the passphrase to disk instead of keeping it in memory.
	Persist bool `json:"persist"`
}

// RestoreBackup reverts a record to one of its previous versions.
type RestoreBackup struct {
	Fingerprint string `json:"fingerprint" validate:"required"`
}
