// Package store is the durable certificate inventory: per-record live
// directories, versioned backups, and a rebuildable fingerprint index, all
// under a single root directory.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/platform"
)

const (
	certsDir   = "certs"
	backupsDir = "backups"
	stagingDir = "staging"
	indexFile  = "index.json"
)

// Store owns the on-disk representation. Writers are serialized per record by
// the renewal engine; the store's own mutex protects the in-memory view.
type Store struct {
	root   string
	logger zerolog.Logger
	mirror Mirror

	mu       sync.RWMutex
	byFP     map[string]*model.Certificate
	dirs     map[string]string // fingerprint -> live dir, absolute
	settings model.Settings
}

// Option configures a Store at open time.
type Option func(*Store)

// WithMirror attaches an off-site backup mirror. Mirror failures are logged
// and never fail a commit.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// Open prepares the root directory, clears abandoned staging directories,
// and loads every record from disk. The index file is rewritten from the
// scan, so a corrupt or missing index heals on startup.
func Open(root string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		logger: logger.With().Str("component", "store").Logger(),
		byFP:   make(map[string]*model.Certificate),
		dirs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{certsDir, backupsDir, stagingDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, model.Wrap(model.KindIO, err, "create %s directory", dir)
		}
	}

	// A staging entry can only be left behind by a crash mid-commit. The
	// live directory is still intact in that case, so dropping the staging
	// material is always safe.
	staging := filepath.Join(root, stagingDir)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "read staging directory")
	}
	for _, e := range entries {
		s.logger.Warn().Str("dir", e.Name()).Msg("removing abandoned staging directory")
		if err := os.RemoveAll(filepath.Join(staging, e.Name())); err != nil {
			return nil, model.Wrap(model.KindIO, err, "remove staging entry %s", e.Name())
		}
	}

	if err := s.healFromBackups(); err != nil {
		return nil, err
	}

	if err := s.loadSettings(); err != nil {
		return nil, err
	}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// healFromBackups recovers records lost to a crash inside the replace commit:
// after the live directory moved into its backup slot but before the staged
// successor took its place. The newest slot of any record with no live
// directory is promoted back to live.
func (s *Store) healFromBackups() error {
	base := filepath.Join(s.root, backupsDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return model.Wrap(model.KindIO, err, "scan backups directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		liveDir := filepath.Join(s.root, certsDir, e.Name())
		if _, err := os.Stat(liveDir); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return model.Wrap(model.KindIO, err, "stat live directory %s", e.Name())
		}

		slots, err := os.ReadDir(filepath.Join(base, e.Name()))
		if err != nil {
			return model.Wrap(model.KindIO, err, "scan backup slots of %s", e.Name())
		}
		// Slot names are UTC timestamps, so lexical order is age order.
		newest := ""
		for _, slot := range slots {
			if slot.IsDir() && slot.Name() > newest {
				newest = slot.Name()
			}
		}
		if newest == "" {
			continue
		}

		s.logger.Warn().Str("record", e.Name()).Str("slot", newest).
			Msg("live directory missing, promoting newest backup slot")
		if err := os.Rename(filepath.Join(base, e.Name(), newest), liveDir); err != nil {
			return model.Wrap(model.KindIO, err, "promote backup slot of %s", e.Name())
		}
		if err := fsyncDir(filepath.Join(s.root, certsDir)); err != nil {
			return model.Wrap(model.KindIO, err, "sync certs directory")
		}
	}
	return nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// rebuild scans certs/ and reconstructs the in-memory view and the index
// file from the metadata on disk.
func (s *Store) rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byFP = make(map[string]*model.Certificate)
	s.dirs = make(map[string]string)

	base := filepath.Join(s.root, certsDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return model.Wrap(model.KindIO, err, "scan certs directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		rec, err := readRecordDir(dir)
		if err != nil {
			s.logger.Error().Err(err).Str("dir", e.Name()).Msg("skipping unreadable record directory")
			continue
		}
		s.byFP[rec.Fingerprint] = rec
		s.dirs[rec.Fingerprint] = dir
	}
	return s.writeIndexLocked()
}

// readRecordDir loads metadata.json and verifies the fingerprint against the
// certificate on disk. Error records skip verification; their fingerprint is
// the hash of the raw file.
func readRecordDir(dir string) (*model.Certificate, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "read metadata")
	}
	var rec model.Certificate
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, model.Wrap(model.KindIO, err, "parse metadata")
	}
	if rec.IsErrorRecord() {
		return &rec, nil
	}
	cert, err := pki.ParseCertificateFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, err
	}
	fp := platform.Fingerprint(cert.Raw)
	if fp != rec.Fingerprint {
		// Metadata lags the certificate; trust the bytes on disk.
		rec.Fingerprint = fp
		pki.Describe(cert, &rec)
	}
	return &rec, nil
}

func (s *Store) writeIndexLocked() error {
	index := struct {
		Records map[string]string `json:"records"`
	}{Records: make(map[string]string, len(s.dirs))}
	for fp, dir := range s.dirs {
		rel, err := filepath.Rel(s.root, dir)
		if err != nil {
			rel = dir
		}
		index.Records[fp] = rel
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return model.Wrap(model.KindIO, err, "encode index")
	}
	if err := writeFileAtomic(filepath.Join(s.root, indexFile), data, 0o600); err != nil {
		return model.Wrap(model.KindIO, err, "write index")
	}
	return nil
}

// List returns every record, error records included, sorted by name.
func (s *Store) List() []*model.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Certificate, 0, len(s.byFP))
	for _, rec := range s.byFP {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get resolves id (fingerprint, unique prefix, or name) to a record.
func (s *Store) Get(id string) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.resolveLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// resolveLocked implements the resolution order: exact fingerprint, unique
// prefix of at least 8 hex chars, then exact name.
func (s *Store) resolveLocked(id string) (*model.Certificate, error) {
	norm := platform.NormalizeFingerprint(id)
	if rec, ok := s.byFP[norm]; ok {
		return rec, nil
	}
	if platform.IsFingerprintPrefix(norm) {
		var matches []*model.Certificate
		for fp, rec := range s.byFP {
			if strings.HasPrefix(fp, norm) {
				matches = append(matches, rec)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		default:
			if len(matches) > 1 {
				return nil, model.E(model.KindAmbiguous, "fingerprint prefix %q matches %d records", norm, len(matches))
			}
		}
	}
	name := strings.TrimSpace(id)
	for _, rec := range s.byFP {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, model.E(model.KindNotFound, "no record matches %q", id)
}

// NewRecordMeta carries the operator-facing attributes of a new record.
type NewRecordMeta struct {
	Name   string
	Config model.CertConfig
	// IssuerFingerprint is the optional weak back-link to the signing CA.
	IssuerFingerprint string
	// Passphrase unlocks an encrypted key for the pairing check. It is not
	// retained.
	Passphrase []byte
}

// PutNew writes material into a fresh live directory and registers the
// record. Fingerprint and name collisions are conflicts.
func (s *Store) PutNew(material Material, meta NewRecordMeta) (*model.Certificate, error) {
	cert, err := pki.ParseCertificatePEM(material.CertPEM)
	if err != nil {
		return nil, err
	}
	fp := platform.Fingerprint(cert.Raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byFP[fp]; ok {
		return nil, model.E(model.KindConflict, "certificate %s already exists", fp)
	}
	for _, rec := range s.byFP {
		if rec.Name == meta.Name {
			return nil, model.E(model.KindConflict, "name %q already in use", meta.Name)
		}
	}

	dir := s.uniqueLiveDirLocked(meta.Name)
	rec := &model.Certificate{
		Fingerprint:       fp,
		Name:              meta.Name,
		Config:            meta.Config,
		IssuerFingerprint: meta.IssuerFingerprint,
		CertPath:          filepath.Join(dir, certFile),
	}
	pki.Describe(cert, rec)

	if len(material.KeyPEM) > 0 {
		rec.NeedsPassphrase = pki.IsEncryptedKeyPEM(material.KeyPEM)
		if rec.NeedsPassphrase && len(meta.Passphrase) == 0 {
			// Pairing is checked lazily once a passphrase is available.
			rec.KeyPath = filepath.Join(dir, keyFile)
		} else {
			signer, err := pki.ParsePrivateKeyPEM(material.KeyPEM, meta.Passphrase)
			if err != nil || !pki.KeyMatches(cert, signer) {
				s.logger.Warn().Str("name", meta.Name).Msg("dropping key that does not pair with certificate")
				material.KeyPEM = nil
				rec.NeedsPassphrase = false
			} else {
				rec.KeyPath = filepath.Join(dir, keyFile)
			}
		}
	}
	if len(material.ChainPEM) > 0 {
		rec.ChainPath = filepath.Join(dir, chainFile)
	}

	if err := s.commitNewDirLocked(dir, material, rec); err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// commitNewDirLocked stages material plus metadata and renames the staging
// directory into certs/.
func (s *Store) commitNewDirLocked(liveDir string, material Material, rec *model.Certificate) error {
	staging := filepath.Join(s.root, stagingDir, platform.NewID())
	if err := writeMaterialDir(staging, material, rec); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, liveDir); err != nil {
		os.RemoveAll(staging)
		return model.Wrap(model.KindIO, err, "activate record directory")
	}
	if err := fsyncDir(filepath.Dir(liveDir)); err != nil {
		return model.Wrap(model.KindIO, err, "sync certs directory")
	}
	s.byFP[rec.Fingerprint] = rec
	s.dirs[rec.Fingerprint] = liveDir
	return s.writeIndexLocked()
}

// writeMaterialDir creates dir and writes the material plus metadata.json,
// fsyncing everything.
func writeMaterialDir(dir string, material Material, rec *model.Certificate) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return model.Wrap(model.KindIO, err, "create directory %s", dir)
	}
	if err := writeFileSync(filepath.Join(dir, certFile), material.CertPEM, 0o600); err != nil {
		return model.Wrap(model.KindIO, err, "write certificate")
	}
	if len(material.KeyPEM) > 0 {
		if err := writeFileSync(filepath.Join(dir, keyFile), material.KeyPEM, 0o600); err != nil {
			return model.Wrap(model.KindIO, err, "write key")
		}
	}
	if len(material.ChainPEM) > 0 {
		if err := writeFileSync(filepath.Join(dir, chainFile), material.ChainPEM, 0o600); err != nil {
			return model.Wrap(model.KindIO, err, "write chain")
		}
	}
	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return model.Wrap(model.KindIO, err, "encode metadata")
	}
	if err := writeFileSync(filepath.Join(dir, metaFile), meta, 0o600); err != nil {
		return model.Wrap(model.KindIO, err, "write metadata")
	}
	return fsyncTree(dir)
}

// uniqueLiveDirLocked picks a directory name derived from the record name.
func (s *Store) uniqueLiveDirLocked(name string) string {
	base := sanitizeDirName(name)
	dir := filepath.Join(s.root, certsDir, base)
	for i := 2; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return dir
		}
		dir = filepath.Join(s.root, certsDir, base+"-"+itoa(i))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func sanitizeDirName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
	if s == "" {
		s = "record"
	}
	return s
}

// UpdateConfig replaces the renewal and deployment configuration of a record.
func (s *Store) UpdateConfig(id string, cfg model.CertConfig) (*model.Certificate, error) {
	for _, a := range cfg.DeployActions {
		if err := a.Validate(); err != nil {
			return nil, model.Wrap(model.KindInvalidDomain, err, "invalid deploy action")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.resolveLocked(id)
	if err != nil {
		return nil, err
	}
	if rec.IsErrorRecord() {
		return nil, model.E(model.KindConflict, "record %s is an error record", rec.Name)
	}
	rec.Config = cfg
	if err := s.writeMetadataLocked(rec); err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// writeMetadataLocked rewrites metadata.json for a record atomically.
func (s *Store) writeMetadataLocked(rec *model.Certificate) error {
	dir, ok := s.dirs[rec.Fingerprint]
	if !ok {
		return model.E(model.KindNotFound, "no directory for %s", rec.Fingerprint)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return model.Wrap(model.KindIO, err, "encode metadata")
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), data, 0o600); err != nil {
		return model.Wrap(model.KindIO, err, "write metadata")
	}
	return nil
}

// Delete removes the live material and every backup of a record. Deleted
// fingerprints do not reappear.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.resolveLocked(id)
	if err != nil {
		return err
	}
	dir := s.dirs[rec.Fingerprint]
	if err := os.RemoveAll(dir); err != nil {
		return model.Wrap(model.KindIO, err, "remove live directory")
	}
	backups := filepath.Join(s.root, backupsDir, filepath.Base(dir))
	if err := os.RemoveAll(backups); err != nil {
		return model.Wrap(model.KindIO, err, "remove backups")
	}
	delete(s.byFP, rec.Fingerprint)
	delete(s.dirs, rec.Fingerprint)
	return s.writeIndexLocked()
}

// ReadMaterial loads the live PEM files of a record.
func (s *Store) ReadMaterial(id string) (Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.resolveLocked(id)
	if err != nil {
		return Material{}, err
	}
	return readMaterial(s.dirs[rec.Fingerprint], rec)
}

func readMaterial(dir string, rec *model.Certificate) (Material, error) {
	var m Material
	var err error
	m.CertPEM, err = os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return Material{}, model.Wrap(model.KindIO, err, "read certificate")
	}
	if rec.KeyPath != "" {
		m.KeyPEM, err = os.ReadFile(filepath.Join(dir, keyFile))
		if err != nil {
			return Material{}, model.Wrap(model.KindIO, err, "read key")
		}
	}
	if rec.ChainPath != "" {
		if data, err := os.ReadFile(filepath.Join(dir, chainFile)); err == nil {
			m.ChainPEM = data
		}
	}
	return m, nil
}

func cloneRecord(rec *model.Certificate) *model.Certificate {
	c := *rec
	c.SANs.Domains = append([]string(nil), rec.SANs.Domains...)
	c.SANs.IPs = append([]string(nil), rec.SANs.IPs...)
	c.PreviousVersions = append([]model.BackupVersion(nil), rec.PreviousVersions...)
	c.Config.DeployActions = append([]model.DeployAction(nil), rec.Config.DeployActions...)
	return &c
}
