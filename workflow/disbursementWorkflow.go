package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/payments"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DisburseInput struct {
	Period   string `json:"period" binding:"required"`
	PayeeIds []int  `json:"payee_ids"`
	DryRun   *bool  `json:"dry_run"`
	Sandbox  *bool  `json:"sandbox"`
}

type DisburseResult struct {
	JobBatchId  string                       `json:"job_batch_id"`
	TotalJobs   int                          `json:"total_jobs"`
	TotalAmount decimal.Decimal              `json:"total_amount"`
	Currency    string                       `json:"currency"`
	Status      models.DisbursementRunStatus `json:"status"`
	Jobs        []*models.PaymentJob         `json:"jobs"`
}

// DisbursePayments creates payment jobs for a period's eligible summaries and,
// outside dry-run, hands each one to the provider. dry_run and sandbox both
// default to true; a live production run additionally needs
// ENABLE_REAL_PAYMENTS or the whole call is blocked before any job exists.
//
// Overlapping calls for the same period are not serialized here; the HTTP
// layer holds a redis period lock for that.
func DisbursePayments(ctx context.Context, provider payments.Provider, input *DisburseInput, cfg config.SettlementSettings) (*DisburseResult, error) {
	logger := config.GetLogger()

	dryRun := true
	if input.DryRun != nil {
		dryRun = *input.DryRun
	}
	sandbox := true
	if input.Sandbox != nil {
		sandbox = *input.Sandbox
	}

	month, err := utils.ParseMonth(input.Period)
	if err != nil {
		return nil, err
	}

	// hard stop before any job is created
	if !dryRun && !sandbox && !config.RealPaymentsEnabled() {
		return nil, utils.ErrorSafetyBlocked
	}

	summaries, err := models.ListMonthlySummaries(ctx, month, utils.UniqueSlice(input.PayeeIds))
	if err != nil {
		return nil, err
	}

	var eligible []*models.MonthlySummary
	for _, summary := range summaries {
		if summary.EstimatedPayment.GreaterThanOrEqual(cfg.MinimumPaymentThreshold) {
			eligible = append(eligible, summary)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no eligible summaries for %s: %w", input.Period, utils.ErrorRecordNotFound)
	}

	batchId := uuid.NewString()
	requestedAt := time.Now().UTC()
	totalAmount := decimal.Zero
	currency := cfg.Currency

	jobs := make([]*models.PaymentJob, 0, len(eligible))
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, summary := range eligible {
			summaryId := summary.ID
			farmerCode := ""
			phone := ""
			if summary.Farmer != nil {
				farmerCode = summary.Farmer.Code
				phone = summary.Farmer.PaymentPhone()
			}

			job := &models.PaymentJob{
				ID:          uuid.NewString(),
				JobBatchId:  batchId,
				FarmerId:    summary.FarmerId,
				Farmer:      summary.Farmer,
				SummaryId:   &summaryId,
				Period:      summary.Month,
				Amount:      summary.EstimatedPayment,
				Currency:    summary.Currency,
				Phone:       phone,
				Reference:   fmt.Sprintf("settlement-%s-%s", month.Format("2006-01"), farmerCode),
				Status:      models.PaymentJobStatusPending,
				DryRun:      &dryRun,
				Sandbox:     &sandbox,
				RequestedAt: requestedAt,
			}
			if err := tx.Omit("Farmer").Create(job).Error; err != nil {
				return err
			}
			jobs = append(jobs, job)
			totalAmount = totalAmount.Add(job.Amount)
			currency = job.Currency
		}
		description := fmt.Sprintf("disbursement run %s for %s: %d jobs, %s %s (dry_run=%t sandbox=%t)",
			batchId, input.Period, len(jobs), currency, totalAmount.StringFixed(2), dryRun, sandbox)
		return models.SaveAuditAction(tx, "DISBURSE", 0, "payment_jobs", description)
	})
	if err != nil {
		return nil, err
	}

	result := &DisburseResult{
		JobBatchId:  batchId,
		TotalJobs:   len(jobs),
		TotalAmount: totalAmount,
		Currency:    currency,
		Jobs:        jobs,
	}

	if dryRun {
		// provider is never invoked on a dry run
		result.Status = models.DisbursementRunStatusDryRunComplete
		return result, nil
	}

	for _, job := range jobs {
		if job.Phone == "" {
			if err := job.MarkFailed(ctx, "farmer has no payment phone"); err != nil {
				config.LogError(logger, "workflow", "DisbursePayments", "mark failed", job.ID, err)
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
		providerResult, callErr := provider.DisburseFunds(callCtx, job.Phone, job.Amount, job.Reference)
		cancel()

		if callErr != nil {
			// timeouts and rejections carry distinct failure reasons
			pe := payments.Classify(callErr)
			if err := job.MarkFailed(ctx, pe.Error()); err != nil {
				config.LogError(logger, "workflow", "DisbursePayments", "mark failed", job.ID, err)
			}
			logger.WithFields(logrus.Fields{
				"field":        "DisbursePayments",
				"job_id":       job.ID,
				"job_batch_id": batchId,
				"reason":       string(pe.Reason),
			}).Error("provider disbursement failed: " + pe.Error())
			continue
		}

		if err := job.MarkSent(ctx, providerResult.ConversationId, providerResult.OriginatorConversationId); err != nil {
			config.LogError(logger, "workflow", "DisbursePayments", "mark sent", job.ID, err)
		}
	}

	result.Status = models.DisbursementRunStatusProcessing
	return result, nil
}
