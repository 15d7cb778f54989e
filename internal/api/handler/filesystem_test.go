package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "certs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.crt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	h := NewFilesystem()
	rec := httptest.NewRecorder()
	h.List(rec, newRequest(http.MethodGet, "/filesystem?path="+url.QueryEscape(dir), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2, "dotfiles are skipped")

	// Directories sort before files.
	first := entries[0].(map[string]any)
	assert.Equal(t, "certs", first["name"])
	assert.Equal(t, true, first["isDir"])
	second := entries[1].(map[string]any)
	assert.Equal(t, "server.crt", second["name"])
}

func TestFilesystemList_RelativePathRejected(t *testing.T) {
	h := NewFilesystem()
	rec := httptest.NewRecorder()
	h.List(rec, newRequest(http.MethodGet, "/filesystem?path=certs", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFilesystemList_MissingDirectory(t *testing.T) {
	h := NewFilesystem()
	rec := httptest.NewRecorder()
	h.List(rec, newRequest(http.MethodGet, "/filesystem?path=/does/not/exist", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
