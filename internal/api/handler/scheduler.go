package handler

import (
	"net/http"

	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/scheduler"
)

// Scheduler exposes the renewal scan's clock readout.
type Scheduler struct {
	scheduler *scheduler.Scheduler
}

func NewScheduler(sched *scheduler.Scheduler) *Scheduler {
	return &Scheduler{scheduler: sched}
}

func (h *Scheduler) Status(w http.ResponseWriter, r *http.Request) {
	response.WriteOK(w, http.StatusOK, map[string]any{"scheduler": h.scheduler.Status()})
}

// Run triggers one renewal scan outside the cron clock.
func (h *Scheduler) Run(w http.ResponseWriter, r *http.Request) {
	h.scheduler.RunNow()
	response.WriteOK(w, http.StatusAccepted, map[string]any{"scheduler": h.scheduler.Status()})
}
