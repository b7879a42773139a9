package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/shopspring/decimal"
)

// PaymentJob is one payout attempt for one farmer inside a disbursement
// batch. Rows are append-only; state changes are guarded column updates.
//
// pending -> sent -> completed
// pending -> failed
// sent    -> failed
// Terminal states never regress, so a late or repeated provider callback is
// a no-op.
type PaymentJob struct {
	ID         string    `gorm:"primary_key;size:36" json:"id"`
	JobBatchId string    `gorm:"size:36;index;not null" json:"job_batch_id"`
	FarmerId   int       `gorm:"index;not null" json:"farmer_id"`
	Farmer     *Farmer   `json:"farmer,omitempty"`
	SummaryId  *int      `json:"summary_id"`
	Period     time.Time `gorm:"type:date;index;not null" json:"period"`

	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency  string          `gorm:"size:3;not null" json:"currency"`
	Phone     string          `gorm:"size:20;not null" json:"phone"`
	Reference string          `gorm:"size:100" json:"reference"`

	Status        PaymentJobStatus `gorm:"type:enum('pending','sent','completed','failed');default:pending;index" json:"status"`
	FailureReason string           `gorm:"size:255" json:"failure_reason,omitempty"`

	DryRun  *bool `gorm:"not null;default:false" json:"dry_run"`
	Sandbox *bool `gorm:"not null;default:true" json:"sandbox"`

	ConversationId           *string `gorm:"size:100;index" json:"conversation_id"`
	OriginatorConversationId *string `gorm:"size:100;index" json:"originator_conversation_id"`
	TransactionId            *string `gorm:"size:100" json:"transaction_id"`

	RequestedAt time.Time  `gorm:"not null" json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// guarded transition: only rows still in one of the from states move.
// Returns whether a row actually changed.
func transitionPaymentJob(ctx context.Context, id string, from []PaymentJobStatus, updates map[string]interface{}) (bool, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&PaymentJob{}).
		Where("id = ? AND status IN (?)", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (job *PaymentJob) MarkSent(ctx context.Context, conversationId string, originatorConversationId string) error {
	changed, err := transitionPaymentJob(ctx, job.ID,
		[]PaymentJobStatus{PaymentJobStatusPending},
		map[string]interface{}{
			"Status":                   PaymentJobStatusSent,
			"ConversationId":           utils.NilIfEmpty(conversationId),
			"OriginatorConversationId": utils.NilIfEmpty(originatorConversationId),
		})
	if err != nil {
		return err
	}
	if !changed {
		return errors.New("payment job is not pending")
	}
	job.Status = PaymentJobStatusSent
	job.ConversationId = utils.NilIfEmpty(conversationId)
	job.OriginatorConversationId = utils.NilIfEmpty(originatorConversationId)
	return nil
}

func (job *PaymentJob) MarkFailed(ctx context.Context, reason string) error {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	changed, err := transitionPaymentJob(ctx, job.ID,
		[]PaymentJobStatus{PaymentJobStatusPending, PaymentJobStatusSent},
		map[string]interface{}{
			"Status":        PaymentJobStatusFailed,
			"FailureReason": reason,
		})
	if err != nil {
		return err
	}
	if !changed {
		return errors.New("payment job is already terminal")
	}
	job.Status = PaymentJobStatusFailed
	job.FailureReason = reason
	return nil
}

// CompletePaymentJobByConversation settles a sent job from the provider
// result callback. Repeated callbacks are no-ops; the bool reports whether
// this call changed the row.
func CompletePaymentJobByConversation(ctx context.Context, conversationId string, transactionId string) (*PaymentJob, bool, error) {
	job, err := GetPaymentJobByConversation(ctx, conversationId)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	changed, err := transitionPaymentJob(ctx, job.ID,
		[]PaymentJobStatus{PaymentJobStatusSent},
		map[string]interface{}{
			"Status":        PaymentJobStatusCompleted,
			"TransactionId": utils.NilIfEmpty(transactionId),
			"CompletedAt":   now,
		})
	if err != nil {
		return nil, false, err
	}
	if changed {
		job.Status = PaymentJobStatusCompleted
		job.TransactionId = utils.NilIfEmpty(transactionId)
		job.CompletedAt = &now
	}
	return job, changed, nil
}

// FailPaymentJobByConversation settles a job from a failure or timeout
// callback. Completed jobs are left alone.
func FailPaymentJobByConversation(ctx context.Context, conversationId string, reason string) (*PaymentJob, bool, error) {
	job, err := GetPaymentJobByConversation(ctx, conversationId)
	if err != nil {
		return nil, false, err
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}
	changed, err := transitionPaymentJob(ctx, job.ID,
		[]PaymentJobStatus{PaymentJobStatusPending, PaymentJobStatusSent},
		map[string]interface{}{
			"Status":        PaymentJobStatusFailed,
			"FailureReason": reason,
		})
	if err != nil {
		return nil, false, err
	}
	if changed {
		job.Status = PaymentJobStatusFailed
		job.FailureReason = reason
	}
	return job, changed, nil
}

func GetPaymentJob(ctx context.Context, id string) (*PaymentJob, error) {
	db := config.GetDB()
	var result PaymentJob
	err := db.WithContext(ctx).Preload("Farmer").Where("id = ?", id).First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// matches either conversation id Daraja may echo back
// (may return RecordNotFound error)
func GetPaymentJobByConversation(ctx context.Context, conversationId string) (*PaymentJob, error) {
	if conversationId == "" {
		return nil, utils.ErrorRecordNotFound
	}
	return utils.FetchModelWhere[PaymentJob](ctx,
		"conversation_id = ? OR originator_conversation_id = ?", conversationId, conversationId)
}

type PaymentJobFilter struct {
	JobBatchId *string
	Period     *time.Time
	Status     *string
}

func ListPaymentJobs(ctx context.Context, filter PaymentJobFilter) ([]*PaymentJob, error) {

	db := config.GetDB()
	var results []*PaymentJob

	dbCtx := db.WithContext(ctx).Model(&PaymentJob{})
	if filter.JobBatchId != nil && *filter.JobBatchId != "" {
		dbCtx = dbCtx.Where("job_batch_id = ?", *filter.JobBatchId)
	}
	if filter.Period != nil {
		monthStart, _ := utils.MonthRange(*filter.Period)
		dbCtx = dbCtx.Where("period = ?", monthStart)
	}
	if filter.Status != nil && *filter.Status != "" {
		dbCtx = dbCtx.Where("status = ?", *filter.Status)
	}
	if err := dbCtx.Order("created_at DESC, id").Limit(500).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
