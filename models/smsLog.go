package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SmsLog is both the audit trail of every outbound SMS attempt and the
// outbox the dispatcher drains: rows are written queued inside their own
// transaction and sent asynchronously after the triggering request returns.
type SmsLog struct {
	ID         int     `gorm:"primary_key;index:idx_sms_dispatch,priority:3" json:"id"`
	FarmerId   int     `gorm:"index;not null" json:"farmer_id"`
	DeliveryId *int    `gorm:"index" json:"delivery_id"`
	Phone      string  `gorm:"size:20" json:"phone"`
	Message    string  `gorm:"type:text;not null" json:"message"`
	Kind       SmsKind `gorm:"size:32;index" json:"kind"`
	Direction  string  `gorm:"type:enum('outbound','inbound');default:outbound" json:"direction"`

	Status        SmsStatus `gorm:"type:enum('queued','sent','delivered','failed','rejected');default:queued;index;index:idx_sms_dispatch,priority:1" json:"status"`
	Provider      string    `gorm:"size:32" json:"provider"`
	ProviderMsgId *string   `gorm:"size:100;index" json:"provider_msg_id"`
	FailureReason *string   `gorm:"type:text" json:"failure_reason"`

	Attempts      int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time       `gorm:"index;index:idx_sms_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time       `gorm:"index" json:"locked_at"`
	LockedBy      *string          `gorm:"size:100" json:"locked_by"`
	Cost          *decimal.Decimal `gorm:"type:decimal(8,4)" json:"cost"`

	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	SentAt        *time.Time `json:"sent_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueSms writes a queued outbox row in its own transaction. Callers run
// it after their main work has committed, so a failure here never rolls back
// an ingestion.
func EnqueueSms(ctx context.Context, log *SmsLog) error {
	if log.Status == "" {
		log.Status = SmsStatusQueued
	}
	if log.CorrelationId == "" {
		log.CorrelationId = correlationIdFromContextOrNew(ctx)
	}
	db := config.GetDB()
	return db.WithContext(ctx).Create(log).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func GetSmsLog(ctx context.Context, id int) (*SmsLog, error) {
	return utils.FetchSingleModel[SmsLog](ctx, id)
}

func MarkSmsSent(ctx context.Context, id int, provider string, providerMsgId string, cost *decimal.Decimal) error {
	now := time.Now().UTC()
	db := config.GetDB()
	return db.WithContext(ctx).Model(&SmsLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"Status":        SmsStatusSent,
			"Provider":      provider,
			"ProviderMsgId": utils.NilIfEmpty(providerMsgId),
			"Cost":          cost,
			"SentAt":        now,
			"LockedAt":      nil,
			"LockedBy":      nil,
		}).Error
}

// MarkSmsFailed schedules a retry; nil nextAttemptAt leaves the row eligible
// immediately.
func MarkSmsFailed(ctx context.Context, id int, reason string, nextAttemptAt *time.Time) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&SmsLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"Status":        SmsStatusFailed,
			"FailureReason": utils.NilIfEmpty(reason),
			"Attempts":      gorm.Expr("attempts + 1"),
			"NextAttemptAt": nextAttemptAt,
			"LockedAt":      nil,
			"LockedBy":      nil,
		}).Error
}

// MarkSmsRejected parks a poison row permanently.
func MarkSmsRejected(ctx context.Context, id int, reason string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&SmsLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"Status":        SmsStatusRejected,
			"FailureReason": utils.NilIfEmpty(reason),
			"LockedAt":      nil,
			"LockedBy":      nil,
		}).Error
}

// MarkSmsDelivered records a provider delivery report. Only sent rows move.
func MarkSmsDelivered(ctx context.Context, providerMsgId string) (bool, error) {
	if providerMsgId == "" {
		return false, nil
	}
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&SmsLog{}).
		Where("provider_msg_id = ? AND status = ?", providerMsgId, SmsStatusSent).
		Update("Status", SmsStatusDelivered)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RequeueSms resets failed/rejected rows so the dispatcher picks them up
// again. Used by the ops replay endpoint. Returns the number of rows
// requeued.
func RequeueSms(ctx context.Context, since *time.Time) (int64, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&SmsLog{}).
		Where("status IN (?)", []SmsStatus{SmsStatusFailed, SmsStatusRejected})
	if since != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *since)
	}
	res := dbCtx.Updates(map[string]interface{}{
		"Status":        SmsStatusQueued,
		"Attempts":      0,
		"NextAttemptAt": nil,
		"LockedAt":      nil,
		"LockedBy":      nil,
		"FailureReason": nil,
	})
	return res.RowsAffected, res.Error
}

func ListSmsLogs(ctx context.Context, farmerId *int, status *string, limit int) ([]*SmsLog, error) {
	db := config.GetDB()
	var results []*SmsLog

	dbCtx := db.WithContext(ctx).Model(&SmsLog{})
	if farmerId != nil && *farmerId > 0 {
		dbCtx = dbCtx.Where("farmer_id = ?", *farmerId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
