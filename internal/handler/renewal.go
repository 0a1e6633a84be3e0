package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/scheduler"
)

// RenewalHandler exposes the renewal scheduler
type RenewalHandler struct {
	sched *scheduler.Scheduler
	bus   *event.Bus
}

// NewRenewalHandler creates a new RenewalHandler
func NewRenewalHandler(sched *scheduler.Scheduler, bus *event.Bus) *RenewalHandler {
	return &RenewalHandler{sched: sched, bus: bus}
}

// Status returns the scheduler state and the decisions of the last sweep
func (h *RenewalHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.Status())
}

// Sweep runs a sweep now. Renewals it starts continue in the background.
func (h *RenewalHandler) Sweep(c *gin.Context) {
	decisions := h.sched.Sweep(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"decisions": decisions, "total": len(decisions)})
}

// Events returns recent background outcomes, newest first
func (h *RenewalHandler) Events(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.bus.Recent(50)})
}
