package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/model"
)

// Filesystem serves directory listings for the path pickers in deploy-action
// and discovery configuration.
type Filesystem struct{}

func NewFilesystem() *Filesystem {
	return &Filesystem{}
}

// Entry is one directory member.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

func (h *Filesystem) List(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		response.WriteError(w, model.E(model.KindInvalidRequest, "path must be absolute"))
		return
	}

	members, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			response.WriteError(w, model.E(model.KindNotFound, "no such directory: %s", path))
			return
		}
		response.WriteError(w, model.Wrap(model.KindIO, err, "read directory %s", path))
		return
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		if strings.HasPrefix(m.Name(), ".") {
			continue
		}
		entries = append(entries, Entry{
			Name:  m.Name(),
			Path:  filepath.Join(path, m.Name()),
			IsDir: m.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	response.WriteOK(w, http.StatusOK, map[string]any{
		"path":    path,
		"entries": entries,
	})
}
