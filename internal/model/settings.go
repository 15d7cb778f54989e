package model

// ValidityPeriods holds the default validity in days for each certificate
// type issued by the local signing path.
type ValidityPeriods struct {
	RootCA         int `json:"rootCA"`
	IntermediateCA int `json:"intermediateCA"`
	Standard       int `json:"standard"`
}

// Days returns the validity period for the given type.
func (v ValidityPeriods) Days(t CertType) int {
	switch t {
	case CertTypeRootCA:
		return v.RootCA
	case CertTypeIntermediateCA:
		return v.IntermediateCA
	default:
		return v.Standard
	}
}

// ACMEServer is one configured ACME directory endpoint.
type ACMEServer struct {
	Name         string `json:"name"`
	DirectoryURL string `json:"directoryUrl"`
	Email        string `json:"email"`
}

// HTTPSSettings configures the admin TLS listener.
type HTTPSSettings struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	CertPath string `json:"certPath,omitempty"`
	KeyPath  string `json:"keyPath,omitempty"`
}

// Settings is the mutable global configuration singleton, persisted as JSON
// inside the store root and served via /api/settings.
type Settings struct {
	RenewDaysBeforeExpiry    int             `json:"renewDaysBeforeExpiry"`
	AutoRenewByDefault       bool            `json:"autoRenewByDefault"`
	CAValidityPeriod         ValidityPeriods `json:"caValidityPeriod"`
	BackupRetentionDays      int             `json:"backupRetentionDays"`
	EnableCertificateBackups bool            `json:"enableCertificateBackups"`
	HTTPS                    HTTPSSettings   `json:"https"`
	ACMEServers              []ACMEServer    `json:"acmeServers"`
	SchedulerCron            string          `json:"schedulerCron"`
	SchedulerEnabled         bool            `json:"schedulerEnabled"`
	LogLevel                 string          `json:"logLevel"`
}

// DefaultSettings returns the settings applied to a fresh store.
func DefaultSettings() Settings {
	return Settings{
		RenewDaysBeforeExpiry: 30,
		AutoRenewByDefault:    true,
		CAValidityPeriod: ValidityPeriods{
			RootCA:         3650,
			IntermediateCA: 1825,
			Standard:       365,
		},
		BackupRetentionDays:      90,
		EnableCertificateBackups: true,
		ACMEServers: []ACMEServer{
			{Name: "letsencrypt", DirectoryURL: "https://acme-v02.api.letsencrypt.org/directory"},
		},
		SchedulerCron:    "0 3 * * *",
		SchedulerEnabled: true,
		LogLevel:         "info",
	}
}

// ResolveRenewDays returns the per-record threshold, falling back to the
// global default when the record carries none.
func (s Settings) ResolveRenewDays(cfg CertConfig) int {
	if cfg.RenewDaysBeforeExpiry >= 1 && cfg.RenewDaysBeforeExpiry <= 90 {
		return cfg.RenewDaysBeforeExpiry
	}
	return s.RenewDaysBeforeExpiry
}
