package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/reconcile"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/sirupsen/logrus"
)

type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pubSubPushHandler runs the requested reconciliation and always answers 204.
// A failed or skipped run is picked up by the next schedule.
func (s *Server) pubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("ENABLE_VENDSYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var req reconcile.RunRequest
		if err := json.Unmarshal(envelope.Message.Data, &req); err != nil || req.BusinessId == "" {
			s.logger.WithFields(logrus.Fields{
				"field":      "pubsub",
				"message_id": envelope.Message.ID,
			}).Warn("dropping malformed reconcile request")
			c.Status(http.StatusNoContent)
			return
		}

		ctx := appctx.WithBusinessId(c.Request.Context(), req.BusinessId)
		if req.CorrelationId != "" {
			ctx = appctx.WithCorrelationId(ctx, req.CorrelationId)
		}
		if req.RequestedBy != "" {
			ctx = appctx.WithActor(ctx, req.RequestedBy)
		}
		_, err = s.eng().Scheduler.RunDailyBatchSync(ctx, req.BusinessId)
		switch {
		case err == nil:
		case errors.Is(err, syncerr.ErrConcurrency):
			s.logger.WithFields(logrus.Fields{
				"field":       "pubsub",
				"business_id": req.BusinessId,
			}).Info("reconcile request skipped: " + err.Error())
		default:
			config.LogError(s.logger, "api", "pubSubPushHandler", "run reconcile", req.BusinessId, err)
		}
		c.Status(http.StatusNoContent)
	}
}
