package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/daraja"
	"bitbucket.org/mmdatafocus/dairy_backend/middlewares"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/models/reports"
	"bitbucket.org/mmdatafocus/dairy_backend/notify"
	"bitbucket.org/mmdatafocus/dairy_backend/payments"
	"bitbucket.org/mmdatafocus/dairy_backend/sms"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"bitbucket.org/mmdatafocus/dairy_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("dairy-backend")

// PubSubMessage is the push envelope Google Pub/Sub wraps around a published
// notification event.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RateLimiter counts requests per client IP in Redis over a fixed window.
type RateLimiter struct {
	limit  int64
	window time.Duration
}

func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware resolves the shared Redis client per request because the
// listener comes up before Redis is connected.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := config.GetRedisDB()
	if client == nil {
		c.Next()
		return
	}

	key := "rl:" + c.ClientIP()

	exists, err := client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		// Redis trouble must not take the API down.
		c.Next()
		return
	}

	if exists == 0 {
		if err := client.Set(c.Request.Context(), key, 1, rl.window).Err(); err != nil {
			c.Next()
			return
		}
		c.Next()
		return
	}

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.Next()
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

// respondError maps the error taxonomy onto HTTP statuses. Anything
// unrecognized is a 400: by the time a request reaches a model function the
// remaining failures are caller mistakes, and store-level errors surface
// through the readiness gate or the error logger.
func respondError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, utils.ErrorConflict), errors.Is(err, utils.ErrorPeriodLocked):
		status = http.StatusConflict
	case errors.Is(err, utils.ErrorSafetyBlocked):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func respondBindingError(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func queryIntPtr(c *gin.Context, name string) (*int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &n, nil
}

func queryStrPtr(c *gin.Context, name string) *string {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil
	}
	return &raw
}

// buildPaymentProvider picks the disbursement backend once at startup. Mock is
// the default; a configured Daraja client takes over, and a broken Daraja
// config is fatal when real payments are enabled so a live run can never fall
// through to the mock.
func buildPaymentProvider(logger *logrus.Logger) payments.Provider {
	if config.UseMockPayments() {
		logger.WithFields(logrus.Fields{"field": "payments"}).Warn("USE_MOCK_PAYMENTS=true; disbursements use the mock provider")
		return payments.NewMockProvider()
	}
	client, err := daraja.NewClient()
	if err != nil {
		if config.RealPaymentsEnabled() {
			logger.WithFields(logrus.Fields{"field": "payments"}).Fatal("ENABLE_REAL_PAYMENTS is set but the daraja client is unusable: " + err.Error())
		}
		logger.WithFields(logrus.Fields{"field": "payments"}).Warn("daraja client not configured; disbursements use the mock provider: " + err.Error())
		return payments.NewMockProvider()
	}
	return client
}

func buildSmsProvider(logger *logrus.Logger) sms.Provider {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SMS_PROVIDER")), "africastalking") {
		provider, err := sms.NewAfricasTalking()
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "sms"}).Fatal("SMS_PROVIDER=africastalking but the client is unusable: " + err.Error())
		}
		return provider
	}
	logger.WithFields(logrus.Fields{"field": "sms"}).Warn("SMS_PROVIDER not set; outbound messages use the mock provider")
	return sms.NewMockProvider()
}

type deliveryResponse struct {
	*models.Delivery
	Duplicate             bool `json:"duplicate"`
	NotificationScheduled bool `json:"notification_scheduled"`
}

func createDeliveryHandler(cfg config.SettlementSettings, notifier notify.Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewDelivery
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}

		ctx := c.Request.Context()
		delivery, duplicate, err := models.CreateDelivery(ctx, &input, cfg)
		if err != nil {
			respondError(c, err)
			return
		}

		// Notification runs after the ingest commit and never fails the
		// response; a replayed key reports success without re-notifying.
		scheduled := false
		if !duplicate && delivery.Farmer != nil {
			result, notifyErr := notifier.DeliveryRecorded(ctx, delivery, delivery.Farmer)
			if notifyErr != nil {
				config.LogError(config.GetLogger(), "server.go", "createDeliveryHandler", "schedule notification", delivery.ID, notifyErr)
			} else if result != nil {
				scheduled = result.Scheduled
			}
		}

		status := http.StatusCreated
		if duplicate {
			status = http.StatusOK
		}
		c.JSON(status, deliveryResponse{
			Delivery:              delivery,
			Duplicate:             duplicate,
			NotificationScheduled: scheduled,
		})
	}
}

type syncDeliveriesRequest struct {
	Deliveries []*models.NewDelivery `json:"deliveries" binding:"required"`
}

func syncDeliveriesHandler(cfg config.SettlementSettings, notifier notify.Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req syncDeliveriesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "SyncBatchDeliveries")
		defer span.End()

		result, err := models.SyncBatchDeliveries(ctx, req.Deliveries, cfg)
		if err != nil {
			respondError(c, err)
			return
		}

		scheduled := 0
		for _, delivery := range result.CreatedDeliveries {
			if delivery.Farmer == nil {
				continue
			}
			res, notifyErr := notifier.DeliveryRecorded(ctx, delivery, delivery.Farmer)
			if notifyErr != nil {
				config.LogError(config.GetLogger(), "server.go", "syncDeliveriesHandler", "schedule notification", delivery.ID, notifyErr)
				continue
			}
			if res != nil && res.Scheduled {
				scheduled++
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"total":                   result.Total,
			"created":                 result.Created,
			"duplicate":               result.Duplicate,
			"error":                   result.Error,
			"results":                 result.Results,
			"notifications_scheduled": scheduled,
		})
	}
}

func getDeliveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delivery id"})
			return
		}
		delivery, err := models.GetDelivery(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, delivery)
	}
}

type deliveryListItem struct {
	*models.Delivery
	StationCode string `json:"station_code,omitempty"`
	StationName string `json:"station_name,omitempty"`
}

func listDeliveriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stationId, err := queryIntPtr(c, "station_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		filter := models.DeliveryFilter{
			FarmerCode: queryStrPtr(c, "farmer_code"),
			StationId:  stationId,
			DateFrom:   queryStrPtr(c, "date_from"),
			DateTo:     queryStrPtr(c, "date_to"),
			Limit:      limit,
			Offset:     offset,
		}
		ctx := c.Request.Context()
		deliveries, err := models.ListDeliveries(ctx, filter)
		if err != nil {
			respondError(c, err)
			return
		}

		// rows carry only station_id; merge in the cached station projection
		stations, err := models.MapAllStation(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		items := make([]deliveryListItem, 0, len(deliveries))
		for _, row := range deliveries {
			item := deliveryListItem{Delivery: row}
			if station, ok := stations[row.StationId]; ok {
				item.StationCode = station.Code
				item.StationName = station.Name
			}
			items = append(items, item)
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": items, "count": len(items)})
	}
}

func getMonthlySummaryHandler(cfg config.SettlementSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		farmer, err := models.GetFarmerByCode(ctx, c.Param("farmerCode"))
		if err != nil {
			respondError(c, err)
			return
		}
		month, err := utils.ParseMonth(c.Param("month"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		summary, err := models.GetOrGenerateMonthlySummary(ctx, farmer.ID, month, cfg)
		if err != nil {
			respondError(c, err)
			return
		}
		if summary == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("no deliveries for farmer %s in %s", farmer.Code, month.Format("2006-01")),
			})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func rebuildMonthlySummaryHandler(cfg config.SettlementSettings, notifier notify.Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		farmer, err := models.GetFarmerByCode(ctx, c.Param("farmerCode"))
		if err != nil {
			respondError(c, err)
			return
		}
		month, err := utils.ParseMonth(c.Param("month"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		summary, err := models.GenerateMonthlySummary(ctx, farmer.ID, month, cfg)
		if err != nil {
			respondError(c, err)
			return
		}
		if summary == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("no deliveries for farmer %s in %s", farmer.Code, month.Format("2006-01")),
			})
			return
		}

		// opt-in so routine rebuilds do not spam farmers
		scheduled := false
		if c.Query("notify") == "1" {
			if result, notifyErr := notifier.MonthlySummaryReady(ctx, summary, farmer); notifyErr == nil && result != nil {
				scheduled = result.Scheduled
			}
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary, "notification_scheduled": scheduled})
	}
}

func disbursePaymentsHandler(provider payments.Provider, cfg config.SettlementSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.DisburseInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "DisbursePayments")
		defer span.End()

		// Serialize per period at the boundary so a double-submitted month
		// cannot create two job batches.
		release, err := utils.PeriodLock(ctx, input.Period, "DisburseLock", "server.go", "disbursePaymentsHandler")
		if err != nil {
			respondError(c, err)
			return
		}
		defer release()

		result, err := workflow.DisbursePayments(ctx, provider, &input, cfg)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getPaymentJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := models.GetPaymentJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func listPaymentJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.PaymentJobFilter{
			JobBatchId: queryStrPtr(c, "job_batch_id"),
			Status:     queryStrPtr(c, "status"),
		}
		if raw := strings.TrimSpace(c.Query("period")); raw != "" {
			month, err := utils.ParseMonth(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.Period = &month
		}
		if filter.JobBatchId == nil && filter.Period == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job_batch_id or period is required"})
			return
		}

		jobs, err := models.ListPaymentJobs(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

// mpesaResultEnvelope is the B2C result callback body Daraja posts to
// ResultURL. The timeout callback reuses the same envelope.
type mpesaResultEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// ackProvider acknowledges a provider callback. Daraja retries non-200
// responses, so even unusable payloads are acked after logging.
func ackProvider(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func mpesaResultHandler(notifier notify.Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		ctx := c.Request.Context()

		var envelope mpesaResultEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, "server.go", "mpesaResultHandler", "unmarshal callback", nil, err)
			ackProvider(c)
			return
		}
		result := envelope.Result
		if result.ConversationID == "" {
			config.LogError(logger, "server.go", "mpesaResultHandler", "callback without conversation id", result, errors.New("ConversationID required"))
			ackProvider(c)
			return
		}

		if result.ResultCode == 0 {
			job, moved, err := models.CompletePaymentJobByConversation(ctx, result.ConversationID, result.TransactionID)
			if err != nil {
				config.LogError(logger, "server.go", "mpesaResultHandler", "complete job", result.ConversationID, err)
				ackProvider(c)
				return
			}
			if moved {
				notifyPaymentSent(ctx, notifier, job)
			} else {
				logger.WithFields(logrus.Fields{
					"field":           "mpesaResultHandler",
					"conversation_id": result.ConversationID,
					"status":          job.Status,
				}).Info("result callback for a job already in a terminal state")
			}
			ackProvider(c)
			return
		}

		reason := fmt.Sprintf("provider result %d: %s", result.ResultCode, result.ResultDesc)
		if _, _, err := models.FailPaymentJobByConversation(ctx, result.ConversationID, reason); err != nil {
			config.LogError(logger, "server.go", "mpesaResultHandler", "fail job", result.ConversationID, err)
		}
		ackProvider(c)
	}
}

func mpesaTimeoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var envelope mpesaResultEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, "server.go", "mpesaTimeoutHandler", "unmarshal callback", nil, err)
			ackProvider(c)
			return
		}
		conversationId := envelope.Result.ConversationID
		if conversationId == "" {
			conversationId = envelope.Result.OriginatorConversationID
		}
		if conversationId == "" {
			config.LogError(logger, "server.go", "mpesaTimeoutHandler", "callback without conversation id", envelope.Result, errors.New("ConversationID required"))
			ackProvider(c)
			return
		}

		if _, _, err := models.FailPaymentJobByConversation(c.Request.Context(), conversationId, "request timed out in the provider queue"); err != nil {
			config.LogError(logger, "server.go", "mpesaTimeoutHandler", "fail job", conversationId, err)
		}
		ackProvider(c)
	}
}

// notifyPaymentSent schedules the payment SMS after a completed callback.
// Best effort only.
func notifyPaymentSent(ctx context.Context, notifier notify.Notifier, job *models.PaymentJob) {
	farmer, err := models.GetFarmer(ctx, job.FarmerId)
	if err != nil {
		config.LogError(config.GetLogger(), "server.go", "notifyPaymentSent", "load farmer", job.FarmerId, err)
		return
	}
	if _, err := notifier.PaymentSent(ctx, job, farmer); err != nil {
		config.LogError(config.GetLogger(), "server.go", "notifyPaymentSent", "schedule notification", job.ID, err)
	}
}

func createFarmerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewFarmer
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		farmer, err := models.CreateFarmer(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, farmer)
	}
}

func getFarmerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		farmer, err := models.GetFarmerByCode(c.Request.Context(), c.Param("code"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, farmer)
	}
}

// listAllFarmersHandler serves the cached picker projection the mobile app
// syncs before going offline. With ?name= it becomes a typeahead search and
// returns full rows instead.
func listAllFarmersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if name := strings.TrimSpace(c.Query("name")); name != "" {
			stationId, err := queryIntPtr(c, "station_id")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			farmers, err := models.ListFarmers(c.Request.Context(), stationId, &name)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"farmers": farmers, "count": len(farmers)})
			return
		}
		farmers, err := models.ListAllFarmer(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"farmers": farmers, "count": len(farmers)})
	}
}

func createStationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStation
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		station, err := models.CreateStation(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, station)
	}
}

func listAllStationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if name := strings.TrimSpace(c.Query("name")); name != "" {
			stations, err := models.ListStations(c.Request.Context(), &name)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"stations": stations, "count": len(stations)})
			return
		}
		stations, err := models.ListAllStation(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stations": stations, "count": len(stations)})
	}
}

func getStationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid station id"})
			return
		}
		station, err := models.GetStation(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, station)
	}
}

func dailyReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stationId, err := queryIntPtr(c, "station_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report, err := reports.GetDailyDeliveryReport(c.Request.Context(), c.Query("date"), stationId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func monthlyReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stationId, err := queryIntPtr(c, "station_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report, err := reports.GetMonthlySettlementReport(c.Request.Context(), c.Query("month"), stationId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func exportMonthlyReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stationId, err := queryIntPtr(c, "station_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		export, err := reports.ExportMonthlySettlementXlsx(c.Request.Context(), c.Query("month"), stationId)
		if err != nil {
			respondError(c, err)
			return
		}
		if export.Download != nil {
			c.JSON(http.StatusOK, export)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
		c.Data(http.StatusOK, export.ContentType, export.Content)
	}
}

// smsDeliveryReportHandler receives Africa's Talking delivery reports
// (form-encoded id/status per message).
func smsDeliveryReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		providerMsgId := c.PostForm("id")
		status := c.PostForm("status")
		if providerMsgId == "" {
			c.Status(http.StatusOK)
			return
		}

		if strings.EqualFold(status, "Success") || strings.EqualFold(status, "Delivered") {
			moved, err := models.MarkSmsDelivered(c.Request.Context(), providerMsgId)
			if err != nil {
				config.LogError(config.GetLogger(), "server.go", "smsDeliveryReportHandler", "mark delivered", providerMsgId, err)
			} else if !moved {
				config.GetLogger().WithFields(logrus.Fields{
					"field":           "smsDeliveryReportHandler",
					"provider_msg_id": providerMsgId,
				}).Info("delivery report for an unknown or already-delivered message")
			}
		}
		c.Status(http.StatusOK)
	}
}

type smsLogListItem struct {
	*models.SmsLog
	FarmerCode string `json:"farmer_code,omitempty"`
	FarmerName string `json:"farmer_name,omitempty"`
}

// listSmsLogsHandler lists outbox rows with the farmer picker projection
// merged in, so support staff see who a parked message was for.
func listSmsLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		farmerId, err := queryIntPtr(c, "farmer_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		ctx := c.Request.Context()
		logs, err := models.ListSmsLogs(ctx, farmerId, queryStrPtr(c, "status"), limit)
		if err != nil {
			respondError(c, err)
			return
		}

		farmers, err := models.MapAllFarmer(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		items := make([]smsLogListItem, 0, len(logs))
		for _, row := range logs {
			item := smsLogListItem{SmsLog: row}
			if farmer, ok := farmers[row.FarmerId]; ok {
				item.FarmerCode = farmer.Code
				item.FarmerName = farmer.Name
			}
			items = append(items, item)
		}
		c.JSON(http.StatusOK, gin.H{"sms_logs": items, "count": len(items)})
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": ok})
	}
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// changePasswordHandler rotates the caller's password and kills every live
// session for the account, including the one making the request.
func changePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changePasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}
		officer, err := models.ChangePassword(c.Request.Context(), req.OldPassword, req.NewPassword)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, officer)
	}
}

func createOfficerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOfficer
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		officer, err := models.CreateOfficer(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, officer)
	}
}

func listOfficersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		officers, err := models.ListOfficers(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"officers": officers, "count": len(officers)})
	}
}

func updateOfficerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid officer id"})
			return
		}
		var input models.UpdateOfficerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		officer, err := models.UpdateOfficer(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, officer)
	}
}

func updateFarmerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid farmer id"})
			return
		}
		var input models.NewFarmer
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		farmer, err := models.UpdateFarmer(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, farmer)
	}
}

type toggleActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func toggleFarmerActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid farmer id"})
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}
		farmer, err := models.ToggleActiveFarmer(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, farmer)
	}
}

func updateStationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid station id"})
			return
		}
		var input models.NewStation
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		station, err := models.UpdateStation(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, station)
	}
}

func toggleStationActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid station id"})
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}
		station, err := models.ToggleActiveStation(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, station)
	}
}

func listAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		referenceId, err := queryIntPtr(c, "reference_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		officerId, err := queryIntPtr(c, "officer_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logs, err := models.GetAuditLogs(c.Request.Context(), referenceId, queryStrPtr(c, "reference_type"), officerId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"audit_logs": logs, "count": len(logs)})
	}
}

func getAuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit log id"})
			return
		}
		log, err := models.GetAuditLog(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, log)
	}
}

// getCompanyHandler serves the processing company the stations collect for;
// clients read currency and timezone from here.
func getCompanyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		company, err := models.GetDefaultCompany(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, company)
	}
}

func updateCompanyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		company, err := models.GetDefaultCompany(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		var input models.NewCompany
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}
		updated, err := models.UpdateCompany(ctx, company.ID, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

type smsReplayRequest struct {
	Since *string `json:"since"`
}

// smsReplayHandler requeues failed and rejected SMS rows so the dispatcher
// retries them. Ops tooling behind INTERNAL_API_SECRET.
func smsReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req smsReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondBindingError(c, err)
			return
		}

		var since *time.Time
		if req.Since != nil && *req.Since != "" {
			parsed, err := time.Parse(time.RFC3339, *req.Since)
			if err != nil {
				parsed, err = time.Parse("2006-01-02", *req.Since)
			}
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since, expected RFC3339 or YYYY-MM-DD"})
				return
			}
			since = &parsed
		}

		requeued, err := models.RequeueSms(c.Request.Context(), since)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": requeued})
	}
}

// notificationPushHandler receives the Pub/Sub push for a queued SMS and
// performs the provider send. Failures are recorded on the SmsLog row and the
// message is always acked: retry scheduling belongs to the outbox dispatcher,
// not to Pub/Sub redelivery.
func notificationPushHandler(provider sms.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "notificationPushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "notificationPushHandler", "unmarshal envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}
		var event config.NotificationEvent
		if err := json.Unmarshal(msg.Message.Data, &event); err != nil {
			config.LogError(logger, "server.go", "notificationPushHandler", "unmarshal event", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		if event.SmsLogId <= 0 || event.Phone == "" {
			config.LogError(logger, "server.go", "notificationPushHandler", "invalid event (missing required fields)", event, errors.New("sms_log_id/phone required"))
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		if event.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, event.CorrelationId)
		}

		result, sendErr := provider.SendSMS(ctx, event.Phone, event.Message)
		switch {
		case sendErr == nil:
			if err := models.MarkSmsSent(ctx, event.SmsLogId, result.Provider, result.ProviderMsgId, result.Cost); err != nil {
				config.LogError(logger, "server.go", "notificationPushHandler", "mark sent", event.SmsLogId, err)
			}
		case sms.IsRejected(sendErr):
			if err := models.MarkSmsRejected(ctx, event.SmsLogId, sendErr.Error()); err != nil {
				config.LogError(logger, "server.go", "notificationPushHandler", "mark rejected", event.SmsLogId, err)
			}
		default:
			if err := models.MarkSmsFailed(ctx, event.SmsLogId, sendErr.Error(), pushRetryAt(ctx, event.SmsLogId)); err != nil {
				config.LogError(logger, "server.go", "notificationPushHandler", "mark failed", event.SmsLogId, err)
			}
		}
		c.Status(http.StatusNoContent)
	}
}

// pushRetryAt mirrors the dispatcher's backoff for rows that failed on the
// push path, so a flapping provider does not republish in a tight loop.
func pushRetryAt(ctx context.Context, smsLogId int) *time.Time {
	attempts := 0
	if rec, err := models.GetSmsLog(ctx, smsLogId); err == nil {
		attempts = rec.Attempts
	}
	backoff := 30 * time.Second * time.Duration(1<<uint(min(attempts, 5)))
	if backoff > 10*time.Minute {
		backoff = 10 * time.Minute
	}
	next := time.Now().UTC().Add(backoff)
	return &next
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	cfg := config.LoadSettlementSettings()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	paymentProvider := buildPaymentProvider(logger)
	smsProvider := buildSmsProvider(logger)
	notifier := notify.NewSmsNotifier()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/readyz" {
			c.Next()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service warming up"})
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", func(c *gin.Context) {
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service warming up"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; anywhere else allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-ID")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "X-Correlation-ID")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			r.Use(NewRateLimiter(n, time.Minute).RateLimitMiddleware)
		}
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")

	// provider callbacks carry no officer session
	api.POST("/payments/mpesa/result", mpesaResultHandler(notifier))
	api.POST("/payments/mpesa/timeout", mpesaTimeoutHandler())
	api.POST("/sms/delivery-report", smsDeliveryReportHandler())

	api.POST("/auth/login", loginHandler())

	officer := api.Group("", middlewares.RequireOfficer())
	officer.POST("/auth/logout", logoutHandler())
	officer.POST("/auth/change-password", changePasswordHandler())
	officer.GET("/company", getCompanyHandler())
	officer.POST("/deliveries", createDeliveryHandler(cfg, notifier))
	officer.POST("/deliveries/sync", syncDeliveriesHandler(cfg, notifier))
	officer.GET("/deliveries/:id", getDeliveryHandler())
	officer.GET("/deliveries", listDeliveriesHandler())
	officer.GET("/summaries/:farmerCode/:month", getMonthlySummaryHandler(cfg))
	officer.GET("/payments/:id", getPaymentJobHandler())
	officer.GET("/payments", listPaymentJobsHandler())
	officer.GET("/farmers/:code", getFarmerHandler())
	officer.GET("/farmers", listAllFarmersHandler())
	officer.GET("/stations", listAllStationsHandler())
	officer.GET("/stations/:id", getStationHandler())
	officer.GET("/reports/daily", dailyReportHandler())
	officer.GET("/reports/monthly", monthlyReportHandler())
	officer.GET("/reports/monthly/export", exportMonthlyReportHandler())

	admin := api.Group("", middlewares.RequireAdmin())
	admin.POST("/summaries/:farmerCode/:month/rebuild", rebuildMonthlySummaryHandler(cfg, notifier))
	admin.POST("/payments/disburse", disbursePaymentsHandler(paymentProvider, cfg))
	admin.POST("/farmers", createFarmerHandler())
	admin.PUT("/farmers/:id", updateFarmerHandler())
	admin.PUT("/farmers/:id/active", toggleFarmerActiveHandler())
	admin.POST("/stations", createStationHandler())
	admin.PUT("/stations/:id", updateStationHandler())
	admin.PUT("/stations/:id/active", toggleStationActiveHandler())
	admin.PUT("/company", updateCompanyHandler())
	admin.POST("/officers", createOfficerHandler())
	admin.GET("/officers", listOfficersHandler())
	admin.PUT("/officers/:id", updateOfficerHandler())
	admin.GET("/audit-logs", listAuditLogsHandler())
	admin.GET("/audit-logs/:id", getAuditLogHandler())
	admin.GET("/sms-logs", listSmsLogsHandler())

	// Ops tooling (secret-guarded): requeue parked SMS rows.
	r.POST("/internal/sms-replay", middlewares.InternalAuthMiddleware(), smsReplayHandler())
	// Pub/Sub push receiver for queued notifications.
	r.POST("/internal/notifications/push", notificationPushHandler(smsProvider))

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling on startup
	// and running migrations as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the SMS outbox dispatcher (drains AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewSmsDispatcher(db, logger, smsProvider).Run(dispatcherCtx)

	// Pull-mode notification worker for deployments without a push endpoint.
	if config.NotifyViaPubSub() && strings.TrimSpace(os.Getenv("NOTIFY_PUBSUB_SUBSCRIPTION")) != "" {
		go func() {
			if err := RunNotificationWorkflow(dispatcherCtx, smsProvider); err != nil && dispatcherCtx.Err() == nil {
				config.LogError(logger, "server.go", "main", "notification pull worker exited", nil, err)
			}
		}()
	}

	// READ COMMITTED: the duplicate-key fallback in ingestion re-reads the
	// winning row, which must be visible once the competing transaction
	// commits.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the dispatcher first so it does not claim new work while draining.
	cancelDispatcher()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
