// Package vault custodies CA private-key passphrases. Entries are either
// memory-only (gone at process exit) or persistent, sealed at rest with
// ChaCha20-Poly1305 under a key derived from the process master secret.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/platform"
)

const vaultFile = "vault.json"

type persistedEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultState struct {
	Salt    string                    `json:"salt"`
	Entries map[string]persistedEntry `json:"entries"`
}

// Vault stores passphrases keyed by record fingerprint. Writes are
// serialized; reads are concurrent.
type Vault struct {
	mu   sync.RWMutex
	mem  map[string][]byte
	path string
	// key is nil when no master secret was configured; persistent entries
	// are then rejected.
	key   []byte
	state vaultState
}

// Open loads the persistent vault file under root, deriving the sealing key
// from masterSecret. An empty masterSecret yields a memory-only vault.
func Open(root, masterSecret string) (*Vault, error) {
	v := &Vault{
		mem:  make(map[string][]byte),
		path: filepath.Join(root, vaultFile),
		state: vaultState{
			Entries: make(map[string]persistedEntry),
		},
	}

	data, err := os.ReadFile(v.path)
	switch {
	case os.IsNotExist(err):
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "generate vault salt")
		}
		v.state.Salt = base64.StdEncoding.EncodeToString(salt)
	case err != nil:
		return nil, model.Wrap(model.KindIO, err, "read vault file")
	default:
		if err := json.Unmarshal(data, &v.state); err != nil {
			return nil, model.Wrap(model.KindIO, err, "parse vault file")
		}
		if v.state.Entries == nil {
			v.state.Entries = make(map[string]persistedEntry)
		}
	}

	if masterSecret != "" {
		salt, err := base64.StdEncoding.DecodeString(v.state.Salt)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "decode vault salt")
		}
		key, err := scrypt.Key([]byte(masterSecret), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
		if err != nil {
			return nil, model.Wrap(model.KindCrypto, err, "derive vault key")
		}
		v.key = key
	}
	return v, nil
}

// Has reports whether a passphrase is available for the fingerprint, in
// memory or at rest.
func (v *Vault) Has(id string) bool {
	fp := platform.NormalizeFingerprint(id)
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.mem[fp]; ok {
		return true
	}
	_, ok := v.state.Entries[fp]
	return ok
}

// Get returns the passphrase for the fingerprint. Absence and decryption
// failure are indistinguishable: both are NotFound.
func (v *Vault) Get(id string) ([]byte, error) {
	fp := platform.NormalizeFingerprint(id)
	v.mu.RLock()
	defer v.mu.RUnlock()

	if secret, ok := v.mem[fp]; ok {
		return append([]byte(nil), secret...), nil
	}
	entry, ok := v.state.Entries[fp]
	if !ok || v.key == nil {
		return nil, model.E(model.KindNotFound, "no passphrase for %s", fp)
	}
	plaintext, err := v.open(entry, fp)
	if err != nil {
		return nil, model.E(model.KindNotFound, "no passphrase for %s", fp)
	}
	return plaintext, nil
}

// Set stores a passphrase. With persist, the entry is sealed to disk and
// survives restarts; otherwise it lives in memory only.
func (v *Vault) Set(id string, secret []byte, persist bool) error {
	fp := platform.NormalizeFingerprint(id)
	v.mu.Lock()
	defer v.mu.Unlock()

	if !persist {
		v.mem[fp] = append([]byte(nil), secret...)
		return nil
	}
	if v.key == nil {
		return model.E(model.KindCrypto, "persistent vault entries require a master secret")
	}
	entry, err := v.seal(secret, fp)
	if err != nil {
		return err
	}
	v.state.Entries[fp] = entry
	delete(v.mem, fp)
	return v.saveLocked()
}

// Delete forgets the passphrase everywhere.
func (v *Vault) Delete(id string) error {
	fp := platform.NormalizeFingerprint(id)
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.mem, fp)
	if _, ok := v.state.Entries[fp]; ok {
		delete(v.state.Entries, fp)
		return v.saveLocked()
	}
	return nil
}

// Rekey moves an entry from an old fingerprint to its successor after a
// renewal. Persistent entries are resealed since the ciphertext is bound to
// the fingerprint.
func (v *Vault) Rekey(oldID, newID string) error {
	oldFP := platform.NormalizeFingerprint(oldID)
	newFP := platform.NormalizeFingerprint(newID)
	if oldFP == newFP {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if secret, ok := v.mem[oldFP]; ok {
		v.mem[newFP] = secret
		delete(v.mem, oldFP)
	}
	entry, ok := v.state.Entries[oldFP]
	if !ok {
		return nil
	}
	if v.key == nil {
		delete(v.state.Entries, oldFP)
		return v.saveLocked()
	}
	secret, err := v.open(entry, oldFP)
	if err != nil {
		// Undecryptable entries cannot be carried forward.
		delete(v.state.Entries, oldFP)
		return v.saveLocked()
	}
	resealed, err := v.seal(secret, newFP)
	if err != nil {
		return err
	}
	delete(v.state.Entries, oldFP)
	v.state.Entries[newFP] = resealed
	return v.saveLocked()
}

func (v *Vault) seal(secret []byte, fp string) (persistedEntry, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return persistedEntry{}, model.Wrap(model.KindCrypto, err, "init cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return persistedEntry{}, model.Wrap(model.KindCrypto, err, "generate nonce")
	}
	ciphertext := aead.Seal(nil, nonce, secret, []byte(fp))
	return persistedEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (v *Vault) open(entry persistedEntry, fp string) ([]byte, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, []byte(fp))
}

func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(&v.state, "", "  ")
	if err != nil {
		return model.Wrap(model.KindIO, err, "encode vault")
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(tmp)
		return model.Wrap(model.KindIO, err, "write vault")
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return model.Wrap(model.KindIO, err, "activate vault file")
	}
	return nil
}
