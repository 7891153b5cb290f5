package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/syncerr"
)

func statusFor(err error) int {
	switch syncerr.KindOf(err) {
	case syncerr.KindValidation:
		return http.StatusUnprocessableEntity
	case syncerr.KindConflict, syncerr.KindConcurrency:
		return http.StatusConflict
	case syncerr.KindNotFound:
		return http.StatusNotFound
	case syncerr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status of the error kind. Unclassified errors
// are logged and their text is not echoed.
func (s *Server) writeError(c *gin.Context, funcName string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(s.logger, "api", funcName, c.FullPath(), c.Param("businessId"), err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": syncerr.KindOf(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
