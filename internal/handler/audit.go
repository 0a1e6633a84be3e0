package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/service"
)

// ActivityHandler serves the activity log
type ActivityHandler struct {
	activity *service.ActivityLogger
}

// NewActivityHandler creates a new ActivityHandler
func NewActivityHandler(activity *service.ActivityLogger) *ActivityHandler {
	return &ActivityHandler{activity: activity}
}

// List returns activity entries with pagination, newest first
func (h *ActivityHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}

	logs, total, err := h.activity.List(c.Request.Context(), page, perPage)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}
