package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/edvin/certmgr/internal/model"
)

const settingsFile = "settings.json"

func (s *Store) loadSettings() error {
	path := filepath.Join(s.root, settingsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.settings = model.DefaultSettings()
		return s.saveSettingsLocked()
	}
	if err != nil {
		return model.Wrap(model.KindIO, err, "read settings")
	}
	settings := model.DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return model.Wrap(model.KindIO, err, "parse settings")
	}
	s.settings = settings
	return nil
}

func (s *Store) saveSettingsLocked() error {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return model.Wrap(model.KindIO, err, "encode settings")
	}
	if err := writeFileAtomic(filepath.Join(s.root, settingsFile), data, 0o600); err != nil {
		return model.Wrap(model.KindIO, err, "write settings")
	}
	return nil
}

// Settings returns the current global settings.
func (s *Store) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetSettings validates and persists new global settings.
func (s *Store) SetSettings(settings model.Settings) error {
	if settings.RenewDaysBeforeExpiry < 1 || settings.RenewDaysBeforeExpiry > 90 {
		return model.E(model.KindInvalidDomain, "renewDaysBeforeExpiry must be within 1..90")
	}
	if settings.BackupRetentionDays < 0 {
		return model.E(model.KindInvalidDomain, "backupRetentionDays must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.saveSettingsLocked()
}
