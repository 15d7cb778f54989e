package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/platform"
)

const backupSlotFormat = "20060102T150405.000Z"

// ReplaceLive atomically swaps the live material of a record. The prior live
// version becomes the newest backup slot (previous_versions[0]) unless
// backups are disabled. The commit protocol is crash-safe: a failure before
// the final rename leaves the old version live, and a crash between renames
// is healed at startup from the backup slot.
func (s *Store) ReplaceLive(ctx context.Context, id string, material Material, renewedAt time.Time) (*model.Certificate, *model.BackupVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, model.Wrap(model.KindCancelled, err, "replace cancelled")
	}

	cert, err := pki.ParseCertificatePEM(material.CertPEM)
	if err != nil {
		return nil, nil, err
	}
	newFP := platform.Fingerprint(cert.Raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.resolveLocked(id)
	if err != nil {
		return nil, nil, err
	}
	if old.IsErrorRecord() {
		return nil, nil, model.E(model.KindConflict, "cannot renew error record %s", old.Name)
	}
	if _, taken := s.byFP[newFP]; taken && newFP != old.Fingerprint {
		return nil, nil, model.E(model.KindConflict, "fingerprint %s already live", newFP)
	}

	liveDir := s.dirs[old.Fingerprint]
	slotName := renewedAt.UTC().Format(backupSlotFormat)
	backupDir := filepath.Join(s.root, backupsDir, filepath.Base(liveDir), slotName)

	slot := model.BackupVersion{
		Fingerprint:    old.Fingerprint,
		ValidFrom:      old.ValidFrom,
		ValidTo:        old.ValidTo,
		RenewedAt:      renewedAt,
		BackupCertPath: filepath.Join(backupDir, certFile),
	}
	if old.KeyPath != "" {
		slot.BackupKeyPath = filepath.Join(backupDir, keyFile)
	}

	// Build the successor record before touching disk.
	next := cloneRecord(old)
	next.Fingerprint = newFP
	pki.Describe(cert, next)
	next.CertPath = filepath.Join(liveDir, certFile)
	next.KeyPath = ""
	next.ChainPath = ""
	if len(material.KeyPEM) > 0 {
		next.KeyPath = filepath.Join(liveDir, keyFile)
		next.NeedsPassphrase = pki.IsEncryptedKeyPEM(material.KeyPEM)
	} else {
		next.NeedsPassphrase = false
	}
	if len(material.ChainPEM) > 0 {
		next.ChainPath = filepath.Join(liveDir, chainFile)
	}
	keepBackup := s.settings.EnableCertificateBackups
	if keepBackup {
		next.PreviousVersions = append([]model.BackupVersion{slot}, next.PreviousVersions...)
	}

	// 1. Stage the new material, fsynced.
	staging := filepath.Join(s.root, stagingDir, platform.NewID())
	if err := writeMaterialDir(staging, material, next); err != nil {
		os.RemoveAll(staging)
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		os.RemoveAll(staging)
		return nil, nil, model.Wrap(model.KindCancelled, err, "replace cancelled")
	}

	// 2. Move the current live directory aside into the backup slot.
	if err := os.MkdirAll(filepath.Dir(backupDir), 0o700); err != nil {
		os.RemoveAll(staging)
		return nil, nil, model.Wrap(model.KindIO, err, "create backup directory")
	}
	if err := os.Rename(liveDir, backupDir); err != nil {
		os.RemoveAll(staging)
		return nil, nil, model.Wrap(model.KindIO, err, "move live to backup")
	}

	// 3. Rename staging into place; roll the backup move back on failure.
	if err := os.Rename(staging, liveDir); err != nil {
		if rbErr := os.Rename(backupDir, liveDir); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("record", old.Name).Msg("rollback of backup move failed; index rebuild will recover")
		}
		os.RemoveAll(staging)
		return nil, nil, model.Wrap(model.KindIO, err, "activate staged material")
	}

	// 4. Index and parent directory metadata.
	if err := fsyncDir(filepath.Dir(liveDir)); err != nil {
		return nil, nil, model.Wrap(model.KindIO, err, "sync certs directory")
	}
	if err := fsyncDir(filepath.Dir(backupDir)); err != nil {
		return nil, nil, model.Wrap(model.KindIO, err, "sync backup directory")
	}
	delete(s.byFP, old.Fingerprint)
	delete(s.dirs, old.Fingerprint)
	s.byFP[next.Fingerprint] = next
	s.dirs[next.Fingerprint] = liveDir
	if err := s.writeIndexLocked(); err != nil {
		return nil, nil, err
	}

	if !keepBackup {
		if err := os.RemoveAll(backupDir); err != nil {
			s.logger.Warn().Err(err).Msg("remove transient backup slot")
		}
	} else {
		// 5. Retention pruning, then best-effort mirroring.
		s.pruneRecordBackupsLocked(next, filepath.Base(liveDir))
		if s.mirror != nil {
			s.mirrorBackupSlot(backupDir)
		}
	}

	var slotOut *model.BackupVersion
	if keepBackup {
		slotOut = &slot
	}
	return cloneRecord(next), slotOut, nil
}

// pruneRecordBackupsLocked drops backup slots older than the retention
// window and keeps PreviousVersions in step.
func (s *Store) pruneRecordBackupsLocked(rec *model.Certificate, dirBase string) {
	days := s.settings.BackupRetentionDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	kept := rec.PreviousVersions[:0]
	for _, v := range rec.PreviousVersions {
		if v.RenewedAt.Before(cutoff) {
			slotDir := filepath.Join(s.root, backupsDir, dirBase, v.RenewedAt.UTC().Format(backupSlotFormat))
			if err := os.RemoveAll(slotDir); err != nil {
				s.logger.Warn().Err(err).Str("slot", slotDir).Msg("prune backup slot")
			}
			continue
		}
		kept = append(kept, v)
	}
	rec.PreviousVersions = kept
	if err := s.writeMetadataLocked(rec); err != nil {
		s.logger.Warn().Err(err).Str("record", rec.Name).Msg("persist pruned metadata")
	}
}

// Backups lists the version history of a record, most recent first.
func (s *Store) Backups(id string) ([]model.BackupVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.resolveLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]model.BackupVersion(nil), rec.PreviousVersions...), nil
}

// Restore re-activates a backup slot identified by its fingerprint. The
// current live version rolls into a fresh backup slot; the restored slot's
// files stay in place.
func (s *Store) Restore(ctx context.Context, id, backupFingerprint string) (*model.Certificate, error) {
	want := platform.NormalizeFingerprint(backupFingerprint)

	s.mu.RLock()
	rec, err := s.resolveLocked(id)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	var slot *model.BackupVersion
	for i := range rec.PreviousVersions {
		if rec.PreviousVersions[i].Fingerprint == want {
			slot = &rec.PreviousVersions[i]
			break
		}
	}
	s.mu.RUnlock()
	if slot == nil {
		return nil, model.E(model.KindNotFound, "no backup %q for record %s", backupFingerprint, rec.Name)
	}

	var m Material
	m.CertPEM, err = os.ReadFile(slot.BackupCertPath)
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "read backup certificate")
	}
	if slot.BackupKeyPath != "" {
		m.KeyPEM, err = os.ReadFile(slot.BackupKeyPath)
		if err != nil {
			return nil, model.Wrap(model.KindIO, err, "read backup key")
		}
	}
	if data, err := os.ReadFile(filepath.Join(filepath.Dir(slot.BackupCertPath), chainFile)); err == nil {
		m.ChainPEM = data
	}

	restored, _, err := s.ReplaceLive(ctx, rec.Fingerprint, m, time.Now())
	return restored, err
}
