package engine

import (
	"sync"
	"time"
)

// RemapGracePeriod is how long a renewed-away fingerprint still resolves to
// its successor. Clients holding the old fingerprint across a renewal use
// this window to migrate.
const RemapGracePeriod = time.Minute

type remapEntry struct {
	newFingerprint string
	expires        time.Time
}

// fingerprintRemap maps old fingerprints to their successors for a bounded
// grace period after renewal.
type fingerprintRemap struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]remapEntry
}

func newFingerprintRemap(ttl time.Duration) *fingerprintRemap {
	return &fingerprintRemap{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]remapEntry),
	}
}

func (r *fingerprintRemap) record(oldFP, newFP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expires := r.now().Add(r.ttl)
	r.entries[oldFP] = remapEntry{newFingerprint: newFP, expires: expires}
	// Chains collapse: anything that pointed at oldFP now points at newFP.
	for fp, e := range r.entries {
		if e.newFingerprint == oldFP {
			r.entries[fp] = remapEntry{newFingerprint: newFP, expires: expires}
		}
	}
}

func (r *fingerprintRemap) lookup(oldFP string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for fp, e := range r.entries {
		if now.After(e.expires) {
			delete(r.entries, fp)
		}
	}
	e, ok := r.entries[oldFP]
	if !ok {
		return "", false
	}
	return e.newFingerprint, true
}
