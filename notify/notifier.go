package notify

import (
	"context"

	"bitbucket.org/mmdatafocus/dairy_backend/models"
)

type Result struct {
	Scheduled bool   `json:"scheduled"`
	SmsLogId  int    `json:"sms_log_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Notifier schedules farmer-facing messages. Implementations must never make
// the triggering operation fail: a farmer we cannot reach is recorded, not
// bubbled up.
type Notifier interface {
	DeliveryRecorded(ctx context.Context, delivery *models.Delivery, farmer *models.Farmer) (*Result, error)
	MonthlySummaryReady(ctx context.Context, summary *models.MonthlySummary, farmer *models.Farmer) (*Result, error)
	PaymentSent(ctx context.Context, job *models.PaymentJob, farmer *models.Farmer) (*Result, error)
}

// SmsNotifier renders the farmer-language template and writes an outbox row.
// The dispatcher picks queued rows up asynchronously.
type SmsNotifier struct{}

func NewSmsNotifier() *SmsNotifier {
	return &SmsNotifier{}
}

func (n *SmsNotifier) DeliveryRecorded(ctx context.Context, delivery *models.Delivery, farmer *models.Farmer) (*Result, error) {
	kind := models.SmsKindDeliveryConfirmation
	if delivery.QualityGrade == models.QualityGradeRejected {
		kind = models.SmsKindDeliveryRejection
	}
	deliveryId := delivery.ID
	return n.enqueue(ctx, farmer, kind, &deliveryId, map[string]interface{}{
		"Name":     farmer.Name,
		"Quantity": delivery.QuantityLiters.String(),
		"Date":     delivery.DeliveryDate.Format("02 Jan 2006"),
		"Grade":    string(delivery.QualityGrade),
	})
}

func (n *SmsNotifier) MonthlySummaryReady(ctx context.Context, summary *models.MonthlySummary, farmer *models.Farmer) (*Result, error) {
	return n.enqueue(ctx, farmer, models.SmsKindMonthlySummary, nil, map[string]interface{}{
		"Name":     farmer.Name,
		"Month":    summary.Month.Format("January 2006"),
		"Liters":   summary.TotalQuantity.String(),
		"Count":    summary.DeliveryCount,
		"Currency": summary.Currency,
		"Amount":   summary.EstimatedPayment.StringFixed(2),
	})
}

func (n *SmsNotifier) PaymentSent(ctx context.Context, job *models.PaymentJob, farmer *models.Farmer) (*Result, error) {
	return n.enqueue(ctx, farmer, models.SmsKindPaymentNotice, nil, map[string]interface{}{
		"Name":     farmer.Name,
		"Currency": job.Currency,
		"Amount":   job.Amount.StringFixed(2),
		"Period":   job.Period.Format("January 2006"),
		"Phone":    job.Phone,
	})
}

// notifyPhone is the contact number for SMS, not the payout number.
func notifyPhone(farmer *models.Farmer) string {
	if farmer.Phone != "" {
		return farmer.Phone
	}
	return farmer.MpesaPhone
}

func (n *SmsNotifier) enqueue(ctx context.Context, farmer *models.Farmer, kind models.SmsKind, deliveryId *int, data map[string]interface{}) (*Result, error) {
	message, err := renderSms(kind, farmer.Language, data)
	if err != nil {
		return nil, err
	}

	smsLog := &models.SmsLog{
		FarmerId:   farmer.ID,
		DeliveryId: deliveryId,
		Message:    message,
		Kind:       kind,
	}

	phone := notifyPhone(farmer)
	if phone == "" {
		reason := "farmer has no phone number"
		smsLog.Status = models.SmsStatusFailed
		smsLog.FailureReason = &reason
		if err := models.EnqueueSms(ctx, smsLog); err != nil {
			return nil, err
		}
		return &Result{Scheduled: false, SmsLogId: smsLog.ID, Reason: reason}, nil
	}

	smsLog.Phone = phone
	if err := models.EnqueueSms(ctx, smsLog); err != nil {
		return nil, err
	}
	return &Result{Scheduled: true, SmsLogId: smsLog.ID}, nil
}
