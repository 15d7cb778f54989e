package store

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/platform"
)

// Discover scans dir for loose *.crt and *.pem files not yet in the index
// and imports them, pairing each with a *.key file whose public key matches.
// Unparseable files become error records that list but support only delete.
// Returns the number of records imported.
func (s *Store) Discover(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, model.Wrap(model.KindIO, err, "read discovery directory %s", dir)
	}

	var keyFiles []string
	var certFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".crt", ".pem":
			certFiles = append(certFiles, filepath.Join(dir, e.Name()))
		case ".key":
			keyFiles = append(keyFiles, filepath.Join(dir, e.Name()))
		}
	}

	imported := 0
	for _, path := range certFiles {
		n, err := s.importFile(path, keyFiles)
		if err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("import failed")
			continue
		}
		imported += n
	}
	return imported, nil
}

// importFile imports one discovered certificate file. Returns 1 when a new
// record (including an error record) was created.
func (s *Store) importFile(path string, keyFiles []string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, model.Wrap(model.KindIO, err, "read %s", path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	cert, parseErr := pki.ParseCertificatePEM(data)
	if parseErr != nil {
		return s.importErrorRecord(name, path, data, parseErr)
	}

	fp := platform.Fingerprint(cert.Raw)
	s.mu.RLock()
	_, known := s.byFP[fp]
	nameTaken := false
	for _, rec := range s.byFP {
		if rec.Name == name {
			nameTaken = true
		}
	}
	s.mu.RUnlock()
	if known {
		return 0, nil
	}
	if nameTaken {
		name = name + "-" + fp[:8]
	}

	material := Material{CertPEM: data}
	if keyPEM := matchKey(cert, path, keyFiles); keyPEM != nil {
		material.KeyPEM = keyPEM
	}

	settings := s.Settings()
	_, err = s.PutNew(material, NewRecordMeta{
		Name: name,
		Config: model.CertConfig{
			AutoRenew:             settings.AutoRenewByDefault,
			RenewDaysBeforeExpiry: settings.RenewDaysBeforeExpiry,
			ChallengeType:         model.ChallengeNone,
		},
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("name", name).Str("fingerprint", fp).Msg("imported certificate")
	return 1, nil
}

// matchKey returns the PEM bytes of the first candidate key file pairing
// with the certificate. Encrypted keys match by file basename only, since
// their public key is not readable without a passphrase.
func matchKey(cert *x509.Certificate, certPath string, keyFiles []string) []byte {
	base := strings.TrimSuffix(filepath.Base(certPath), filepath.Ext(certPath))
	for _, kf := range keyFiles {
		data, err := os.ReadFile(kf)
		if err != nil {
			continue
		}
		if pki.IsEncryptedKeyPEM(data) {
			if strings.TrimSuffix(filepath.Base(kf), filepath.Ext(kf)) == base {
				return data
			}
			continue
		}
		signer, err := pki.ParsePrivateKeyPEM(data, nil)
		if err != nil {
			continue
		}
		if pki.KeyMatches(cert, signer) {
			return data
		}
	}
	return nil
}

// importErrorRecord registers an unparseable file so the operator can see
// and delete it. The fingerprint is the hash of the raw bytes.
func (s *Store) importErrorRecord(name, path string, data []byte, parseErr error) (int, error) {
	fp := platform.Fingerprint(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.byFP[fp]; known {
		return 0, nil
	}
	for _, rec := range s.byFP {
		if rec.Name == name {
			name = name + "-" + fp[:8]
			break
		}
	}

	dir := s.uniqueLiveDirLocked(name)
	rec := &model.Certificate{
		Fingerprint: fp,
		Name:        name,
		CertPath:    filepath.Join(dir, certFile),
		ParseError:  parseErr.Error(),
	}
	if err := s.commitNewDirLocked(dir, Material{CertPEM: data}, rec); err != nil {
		return 0, err
	}
	s.logger.Warn().Str("file", path).Str("name", name).Msg("imported unparseable certificate as error record")
	return 1, nil
}
