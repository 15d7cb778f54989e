package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/model"
)

type fakeLister struct {
	mu      sync.Mutex
	records []*model.Certificate
}

func (f *fakeLister) List() []*model.Certificate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Certificate(nil), f.records...)
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeEnqueuer) Enqueue(id string, _ engine.Trigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeEnqueuer) queued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func writeCert(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))
	return path
}

func newTestWatcher(t *testing.T, lister *fakeLister, enq *fakeEnqueuer) *Watcher {
	t.Helper()
	w, err := New(zerolog.Nop(), lister, enq, WithDebounce(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcher_QueuesRenewalOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeCert(t, dir, "cert.pem")
	lister := &fakeLister{records: []*model.Certificate{{Fingerprint: "fp1", CertPath: path}}}
	enq := &fakeEnqueuer{}
	newTestWatcher(t, lister, enq)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))

	require.Eventually(t, func() bool {
		return len(enq.queued()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"fp1"}, enq.queued())
}

func TestWatcher_DebounceCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	path := writeCert(t, dir, "cert.pem")
	lister := &fakeLister{records: []*model.Certificate{{Fingerprint: "fp1", CertPath: path}}}
	enq := &fakeEnqueuer{}
	newTestWatcher(t, lister, enq)

	// Several writes inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(enq.queued()) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, enq.queued(), 1)
}

func TestWatcher_ResyncDropsRemovedRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeCert(t, dir, "cert.pem")
	lister := &fakeLister{records: []*model.Certificate{{Fingerprint: "fp1", CertPath: path}}}
	enq := &fakeEnqueuer{}
	w := newTestWatcher(t, lister, enq)

	lister.mu.Lock()
	lister.records = nil
	lister.mu.Unlock()
	w.Resync()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, enq.queued())
}

func TestWatcher_ResyncFollowsReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeCert(t, dir, "cert.pem")
	lister := &fakeLister{records: []*model.Certificate{{Fingerprint: "fp1", CertPath: path}}}
	enq := &fakeEnqueuer{}
	w := newTestWatcher(t, lister, enq)

	// A renewal moves the old file aside and writes a new one at the same
	// path. The inotify watch follows the old inode through the rename.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "cert.pem.bak")))
	require.NoError(t, os.WriteFile(path, []byte("renewed"), 0o600))
	lister.mu.Lock()
	lister.records = []*model.Certificate{{Fingerprint: "fp2", CertPath: path}}
	lister.mu.Unlock()
	w.Resync()

	// Drain anything queued by the rename burst itself.
	time.Sleep(300 * time.Millisecond)
	before := len(enq.queued())

	require.NoError(t, os.WriteFile(path, []byte("touched"), 0o600))
	require.Eventually(t, func() bool {
		queued := enq.queued()
		return len(queued) > before && queued[len(queued)-1] == "fp2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_SkipsErrorRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeCert(t, dir, "broken.pem")
	lister := &fakeLister{records: []*model.Certificate{
		{Fingerprint: "fp1", CertPath: path, ParseError: "not a certificate"},
	}}
	enq := &fakeEnqueuer{}
	newTestWatcher(t, lister, enq)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, enq.queued())
}
