package workflow

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/sms"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SmsDispatcher drains queued SmsLog rows. Rows are claimed with a row lock
// plus locked_at/locked_by so multiple instances can run side by side; a
// crashed instance's claims go stale and get re-claimed after LockTimeout.
//
// With pubsub configured the dispatcher publishes the notification event and
// leaves the row locked for the push receiver to finish; otherwise it calls
// the SMS provider in-process.
type SmsDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Provider     sms.Provider
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewSmsDispatcher(db *gorm.DB, logger *logrus.Logger, provider sms.Provider) *SmsDispatcher {
	pollInterval := 1000
	if v := strings.TrimSpace(os.Getenv("SMS_POLL_INTERVAL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pollInterval = n
		}
	}
	maxAttempts := 5
	if v := strings.TrimSpace(os.Getenv("SMS_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxAttempts = n
		}
	}

	return &SmsDispatcher{
		DB:             db,
		Logger:         logger,
		Provider:       provider,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   time.Duration(pollInterval) * time.Millisecond,
		LockTimeout:    2 * time.Minute,
		MaxAttempts:    maxAttempts,
		InitialBackoff: 30 * time.Second,
	}
}

func (d *SmsDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *SmsDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.SmsLog
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - queued / failed and ready to retry, not currently locked
		// - locked but the lock is stale (dispatcher crashed mid-batch)
		q := tx.
			Where("status IN ?", []models.SmsStatus{models.SmsStatusQueued, models.SmsStatusFailed}).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			Where("locked_at IS NULL OR locked_at <= ?", staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Poison rows go terminal once their retries are spent.
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max send attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.SmsStatusRejected
				if err := tx.Model(&models.SmsLog{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.SmsStatusRejected,
					"failure_reason":  &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			if err := tx.Model(&models.SmsLog{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"locked_at": claimed[i].LockedAt,
				"locked_by": claimed[i].LockedBy,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		if rec.Status == models.SmsStatusRejected {
			continue
		}
		// a row without a phone can never send; park it instead of retrying
		if rec.Phone == "" {
			_ = models.MarkSmsRejected(ctx, rec.ID, "no phone number on record")
			continue
		}
		if config.NotifyViaPubSub() {
			d.publishOne(ctx, rec)
			continue
		}
		d.sendOne(ctx, rec)
	}
}

// publishOne hands the row to pubsub. The push receiver performs the send and
// clears the lock; if the push never lands the stale lock re-claims it, which
// is the at-least-once contract pubsub already has.
func (d *SmsDispatcher) publishOne(ctx context.Context, rec models.SmsLog) {
	event := config.NotificationEvent{
		SmsLogId:      rec.ID,
		Phone:         rec.Phone,
		Message:       rec.Message,
		Kind:          string(rec.Kind),
		CorrelationId: rec.CorrelationId,
	}
	if _, err := config.PublishNotificationWithResult(ctx, event); err != nil {
		d.markSendFailed(ctx, rec, err)
	}
}

func (d *SmsDispatcher) sendOne(ctx context.Context, rec models.SmsLog) {
	result, err := d.Provider.SendSMS(ctx, rec.Phone, rec.Message)
	if err != nil {
		if sms.IsRejected(err) {
			_ = models.MarkSmsRejected(ctx, rec.ID, err.Error())
			if d.Logger != nil {
				d.Logger.WithFields(logrus.Fields{
					"field":      "SmsDispatcher",
					"sms_log_id": rec.ID,
					"farmer_id":  rec.FarmerId,
				}).Error("sms rejected by provider: " + err.Error())
			}
			return
		}
		d.markSendFailed(ctx, rec, err)
		return
	}
	_ = models.MarkSmsSent(ctx, rec.ID, result.Provider, result.ProviderMsgId, result.Cost)
}

func (d *SmsDispatcher) markSendFailed(ctx context.Context, rec models.SmsLog, err error) {
	backoff := d.InitialBackoff
	for i := 0; i < rec.Attempts; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	next := time.Now().UTC().Add(backoff)
	_ = models.MarkSmsFailed(ctx, rec.ID, err.Error(), &next)

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "SmsDispatcher",
			"sms_log_id":      rec.ID,
			"farmer_id":       rec.FarmerId,
			"attempt":         rec.Attempts + 1,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("sms send failed: " + err.Error())
	}
}
