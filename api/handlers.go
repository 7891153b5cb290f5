package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/catalog"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/health"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/reconcile"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/mmdatafocus/vendsync/telemetry"
	"github.com/shopspring/decimal"
)

// maxWebhookRead caps what is buffered from one delivery. Bodies past
// telemetry.MaxPayloadBytes are only archived, never parsed.
const maxWebhookRead = 1 << 20

// webhookHandler acknowledges every delivery. Storage failures answer 500 so
// the vendor redelivers; redelivery is deduplicated.
func (s *Server) webhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.Param("businessId")
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookRead+1))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}
		if len(raw) > telemetry.MaxPayloadBytes {
			truncated := len(raw) > maxWebhookRead
			if truncated {
				raw = raw[:maxWebhookRead]
			}
			ack, err := s.eng().Webhooks.RejectOversize(c.Request.Context(), businessId, raw, truncated)
			s.logWebhookError(businessId, ack, err)
			c.JSON(http.StatusRequestEntityTooLarge, ack)
			return
		}

		ack, err := s.eng().Webhooks.ProcessWebhook(c.Request.Context(), businessId, raw)
		s.logWebhookError(businessId, ack, err)
		switch ack.Status {
		case telemetry.AckRejected:
			c.JSON(http.StatusUnprocessableEntity, ack)
		case telemetry.AckFailed:
			c.JSON(http.StatusInternalServerError, ack)
		default:
			c.JSON(http.StatusOK, ack)
		}
	}
}

func (s *Server) logWebhookError(businessId string, ack telemetry.Ack, err error) {
	if err == nil {
		return
	}
	config.LogError(s.logger, "api", "webhookHandler", string(ack.Status), map[string]interface{}{
		"business_id":    businessId,
		"transaction_id": ack.TransactionId,
	}, err)
}

type manualSaleRequest struct {
	CatalogItemId int             `json:"catalog_item_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
}

func (s *Server) manualSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req manualSaleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		receipt, err := s.eng().Sales.RecordManualSale(c.Request.Context(), c.Param("businessId"), req.CatalogItemId, req.Quantity, req.UnitPrice)
		if err != nil {
			s.writeError(c, "manualSaleHandler", err)
			return
		}
		c.JSON(http.StatusCreated, receipt)
	}
}

func (s *Server) listCatalogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := s.eng().Catalog.List(c.Request.Context(), c.Param("businessId"), c.Query("include_inactive") == "true")
		if err != nil {
			s.writeError(c, "listCatalogHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func (s *Server) createCatalogItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req catalog.NewItem
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		item, err := s.eng().Catalog.CreateItem(c.Request.Context(), c.Param("businessId"), req)
		if err != nil {
			s.writeError(c, "createCatalogItemHandler", err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) restockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req restockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		item, err := s.eng().Catalog.Restock(c.Request.Context(), c.Param("businessId"), id, req.Quantity)
		if err != nil {
			s.writeError(c, "restockHandler", err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func (s *Server) deactivateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		if err := s.eng().Catalog.Deactivate(c.Request.Context(), c.Param("businessId"), id); err != nil {
			s.writeError(c, "deactivateHandler", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type registerMachineRequest struct {
	ExternalId string `json:"external_id" binding:"required"`
	Name       string `json:"name"`
}

func (s *Server) registerMachineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerMachineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "external_id is required")
			return
		}
		machine, err := s.eng().Mappings.RegisterMachine(c.Request.Context(), c.Param("businessId"), req.ExternalId, req.Name)
		if err != nil {
			s.writeError(c, "registerMachineHandler", err)
			return
		}
		c.JSON(http.StatusOK, machine)
	}
}

// listMappingsHandler looks up by catalog_item_id, or by machine_id and
// item_code; without either it lists active mappings.
func (s *Server) listMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId := c.Param("businessId")
		var (
			rows []models.ItemMapping
			err  error
		)
		switch {
		case c.Query("catalog_item_id") != "":
			id, convErr := strconv.Atoi(c.Query("catalog_item_id"))
			if convErr != nil {
				badRequest(c, "catalog_item_id must be a number")
				return
			}
			rows, err = s.eng().Mappings.ByCatalogItem(ctx, businessId, id, c.Query("include_superseded") == "true")
		case c.Query("machine_id") != "" || c.Query("item_code") != "":
			if c.Query("machine_id") == "" || c.Query("item_code") == "" {
				badRequest(c, "machine_id and item_code go together")
				return
			}
			rows, err = s.eng().Mappings.ByCode(ctx, businessId, c.Query("machine_id"), c.Query("item_code"))
		default:
			rows, err = s.eng().Mappings.ListActive(ctx, businessId)
		}
		if err != nil {
			s.writeError(c, "listMappingsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"mappings": rows})
	}
}

type createMappingRequest struct {
	CatalogItemId     int     `json:"catalog_item_id" binding:"required"`
	MachineItemCodeId int     `json:"machine_item_code_id" binding:"required"`
	Confidence        float64 `json:"confidence"`
	Confirmed         bool    `json:"confirmed"`
}

func (s *Server) createMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "catalog_item_id and machine_item_code_id are required")
			return
		}
		m, err := s.eng().Mappings.CreateMapping(c.Request.Context(), c.Param("businessId"), mappingstore.NewMapping{
			CatalogItemId:     req.CatalogItemId,
			MachineItemCodeId: req.MachineItemCodeId,
			Confidence:        req.Confidence,
			Confirmed:         req.Confirmed,
		})
		if err != nil {
			s.writeError(c, "createMappingHandler", err)
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

func (s *Server) confirmMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		m, err := s.eng().Mappings.ConfirmMapping(c.Request.Context(), c.Param("businessId"), id)
		if err != nil {
			s.writeError(c, "confirmMappingHandler", err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

type supersedeRequest struct {
	CatalogItemId     int     `json:"catalog_item_id" binding:"required"`
	MachineItemCodeId int     `json:"machine_item_code_id"`
	Confidence        float64 `json:"confidence"`
}

func (s *Server) supersedeMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req supersedeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "catalog_item_id is required")
			return
		}
		m, err := s.eng().Mappings.SupersedeMapping(c.Request.Context(), c.Param("businessId"), id, mappingstore.Replacement{
			CatalogItemId:     req.CatalogItemId,
			MachineItemCodeId: req.MachineItemCodeId,
			Confidence:        req.Confidence,
		})
		if err != nil {
			s.writeError(c, "supersedeMappingHandler", err)
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

func (s *Server) suggestionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.eng().Suggest.Suggest(c.Request.Context(), c.Param("businessId"))
		if err != nil {
			s.writeError(c, "suggestionsHandler", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// reconcileHandler queues a run on pubsub, or runs it in the request with
// ?inline=true or when no publisher is configured.
func (s *Server) reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e := s.eng()
		ctx := c.Request.Context()
		businessId := c.Param("businessId")

		if c.Query("inline") == "true" || e.Publisher == nil {
			summary, err := e.Scheduler.RunDailyBatchSync(ctx, businessId)
			if err != nil {
				s.writeError(c, "reconcileHandler", err)
				return
			}
			c.JSON(http.StatusOK, summary)
			return
		}

		id, err := e.Publisher.PublishRun(ctx, reconcile.RunRequest{
			BusinessId:    businessId,
			CorrelationId: appctx.CorrelationId(ctx),
			RequestedBy:   appctx.Actor(ctx),
		})
		if err != nil {
			s.writeError(c, "reconcileHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message_id": id})
	}
}

func (s *Server) listReviewsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.eng().Scheduler.ListOpenReviews(c.Request.Context(), c.Param("businessId"))
		if err != nil {
			s.writeError(c, "listReviewsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reviews": rows})
	}
}

func (s *Server) closeReviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		if err := s.eng().Scheduler.CloseReview(c.Request.Context(), c.Param("businessId"), id); err != nil {
			s.writeError(c, "closeReviewHandler", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := s.eng().Health.Report(c.Request.Context(), c.Param("businessId"))
		if err != nil {
			s.writeError(c, "healthHandler", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (s *Server) healthExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.Param("businessId")
		report, err := s.eng().Health.Report(c.Request.Context(), businessId)
		if err != nil {
			s.writeError(c, "healthExportHandler", err)
			return
		}
		var buf bytes.Buffer
		if err := health.ExportXLSX(report, &buf); err != nil {
			s.writeError(c, "healthExportHandler", err)
			return
		}
		filename := "vendsync-health-" + businessId + "-" + report.GeneratedAt.Format("20060102") + ".xlsx"
		c.Header("Content-Disposition", "attachment; filename="+filename)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

// syncLogHandler filters by event_type (comma separated), outcome, from and
// to (RFC3339), limit and offset.
func (s *Server) syncLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := synclog.Query{
			BusinessId: c.Param("businessId"),
			Outcome:    models.SyncOutcome(c.Query("outcome")),
		}
		for _, t := range splitAndTrim(c.Query("event_type")) {
			q.EventTypes = append(q.EventTypes, models.SyncEventType(t))
		}
		var ok bool
		if q.From, ok = queryTime(c, "from"); !ok {
			return
		}
		if q.To, ok = queryTime(c, "to"); !ok {
			return
		}
		if q.Limit, ok = queryInt(c, "limit"); !ok {
			return
		}
		if q.Offset, ok = queryInt(c, "offset"); !ok {
			return
		}
		entries, err := s.eng().Log.List(c.Request.Context(), q)
		if err != nil {
			s.writeError(c, "syncLogHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": health.LogLines(entries)})
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		badRequest(c, key+" must be RFC3339")
		return nil, false
	}
	return &t, true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(c, key+" must be a non-negative number")
		return 0, false
	}
	return n, true
}
