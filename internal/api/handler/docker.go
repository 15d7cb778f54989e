package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/deploy"
	"github.com/edvin/certmgr/internal/model"
)

// containerCacheTTL bounds how stale the deploy-action picker may be; it
// keeps a UI polling the picker from hammering the Docker socket.
const containerCacheTTL = 5 * time.Second

// Docker serves the container list backing the deploy-action picker.
type Docker struct {
	client deploy.DockerClient

	mu        sync.Mutex
	cached    []deploy.Container
	refreshed time.Time
}

func NewDocker(client deploy.DockerClient) *Docker {
	return &Docker{client: client}
}

func (h *Docker) Containers(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		response.WriteError(w, model.E(model.KindDockerUnavailable, "docker engine is not configured"))
		return
	}

	h.mu.Lock()
	if time.Since(h.refreshed) < containerCacheTTL && h.cached != nil {
		containers := h.cached
		h.mu.Unlock()
		response.WriteOK(w, http.StatusOK, map[string]any{"containers": containers})
		return
	}
	h.mu.Unlock()

	containers, err := h.client.Containers(r.Context())
	if err != nil {
		response.WriteError(w, err)
		return
	}

	h.mu.Lock()
	h.cached = containers
	h.refreshed = time.Now()
	h.mu.Unlock()

	response.WriteOK(w, http.StatusOK, map[string]any{"containers": containers})
}
