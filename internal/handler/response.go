package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/service"
)

// ActorHeader names the caller recorded in the activity log
const ActorHeader = "X-Actor"

const actorKey = "actor"

// ActorMiddleware stores the caller identity from the X-Actor header
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" || len(actor) > 128 {
			actor = service.SystemActor
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actor(c *gin.Context) string {
	if v := c.GetString(actorKey); v != "" {
		return v
	}
	return service.SystemActor
}

func parseID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	return uint(id), err
}

// bindID parses the :id parameter or writes a 400
func bindID(c *gin.Context) (uint, bool) {
	id, err := parseID(c)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID", "error_key": "error.invalid_id"})
		return 0, false
	}
	return id, true
}

// bindJSON decodes the request body or writes a 400
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.invalid_request"})
		return false
	}
	return true
}

// respondError maps err to its status code and i18n key
func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error(), "error_key": apperr.ErrorKey(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		body["kind"] = e.Kind.String()
		if e.Reason != "" {
			body["reason"] = e.Reason
		}
	}
	c.JSON(apperr.HTTPStatus(err), body)
}
