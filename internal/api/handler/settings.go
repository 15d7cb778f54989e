package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/api/request"
	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/scheduler"
	"github.com/edvin/certmgr/internal/store"
)

// Settings serves the global settings singleton.
type Settings struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
}

func NewSettings(logger zerolog.Logger, st *store.Store, sched *scheduler.Scheduler) *Settings {
	return &Settings{store: st, scheduler: sched, logger: logger}
}

func (h *Settings) Get(w http.ResponseWriter, r *http.Request) {
	response.WriteOK(w, http.StatusOK, map[string]any{"settings": h.store.Settings()})
}

// Update persists new settings and reapplies the scheduler clock.
func (h *Settings) Update(w http.ResponseWriter, r *http.Request) {
	var settings model.Settings
	if err := request.Decode(r, &settings); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	if err := h.store.SetSettings(settings); err != nil {
		response.WriteError(w, err)
		return
	}
	if err := h.scheduler.Apply(settings.SchedulerEnabled, settings.SchedulerCron); err != nil {
		response.WriteError(w, err)
		return
	}
	h.logger.Info().Msg("settings updated")
	response.WriteOK(w, http.StatusOK, map[string]any{"settings": h.store.Settings()})
}
