package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

type QualityGrade string

const (
	QualityGradeA        QualityGrade = "A"
	QualityGradeB        QualityGrade = "B"
	QualityGradeC        QualityGrade = "C"
	QualityGradeRejected QualityGrade = "Rejected"
)

func ParseQualityGrade(str string) (QualityGrade, error) {
	switch str {
	case "A":
		return QualityGradeA, nil
	case "B":
		return QualityGradeB, nil
	case "C":
		return QualityGradeC, nil
	case "Rejected":
		return QualityGradeRejected, nil
	default:
		return "", errors.New("invalid quality grade")
	}
}

var (
	gradeAFatThreshold = decimal.RequireFromString("3.5")
	gradeBFatThreshold = decimal.RequireFromString("3.0")
	gradeCFatThreshold = decimal.RequireFromString("2.5")
)

// DeriveQualityGrade maps a fat reading to a grade. Below the C threshold the
// delivery is Rejected.
func DeriveQualityGrade(fatPercent decimal.Decimal) QualityGrade {
	switch {
	case fatPercent.GreaterThanOrEqual(gradeAFatThreshold):
		return QualityGradeA
	case fatPercent.GreaterThanOrEqual(gradeBFatThreshold):
		return QualityGradeB
	case fatPercent.GreaterThanOrEqual(gradeCFatThreshold):
		return QualityGradeC
	default:
		return QualityGradeRejected
	}
}

type DeliverySource string

const (
	DeliverySourceMobile DeliverySource = "mobile"
	DeliverySourceWeb    DeliverySource = "web"
	DeliverySourceBatch  DeliverySource = "batch"
)

func ParseDeliverySource(str string) (DeliverySource, error) {
	switch str {
	case "", "mobile":
		return DeliverySourceMobile, nil
	case "web":
		return DeliverySourceWeb, nil
	case "batch":
		return DeliverySourceBatch, nil
	default:
		return "", errors.New("invalid delivery source")
	}
}

// SyncStatus is offline-first bookkeeping carried by the mobile app. Rows the
// server accepts are stored synced.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
)

type BatchItemOutcome string

const (
	BatchItemOutcomeCreated   BatchItemOutcome = "created"
	BatchItemOutcomeDuplicate BatchItemOutcome = "duplicate"
	BatchItemOutcomeError     BatchItemOutcome = "error"
)

type PaymentJobStatus string

const (
	PaymentJobStatusPending   PaymentJobStatus = "pending"
	PaymentJobStatusSent      PaymentJobStatus = "sent"
	PaymentJobStatusCompleted PaymentJobStatus = "completed"
	PaymentJobStatusFailed    PaymentJobStatus = "failed"
)

// IsTerminal reports whether a job can no longer change state. Sent jobs are
// still waiting on the provider result callback.
func (s PaymentJobStatus) IsTerminal() bool {
	return s == PaymentJobStatusCompleted || s == PaymentJobStatusFailed
}

type DisbursementRunStatus string

const (
	DisbursementRunStatusDryRunComplete DisbursementRunStatus = "dry_run_complete"
	DisbursementRunStatusProcessing     DisbursementRunStatus = "processing"
)

type SmsStatus string

const (
	SmsStatusQueued    SmsStatus = "queued"
	SmsStatusSent      SmsStatus = "sent"
	SmsStatusDelivered SmsStatus = "delivered"
	SmsStatusFailed    SmsStatus = "failed"
	SmsStatusRejected  SmsStatus = "rejected"
)

type SmsKind string

const (
	SmsKindDeliveryConfirmation SmsKind = "delivery_confirmation"
	SmsKindDeliveryRejection    SmsKind = "delivery_rejection"
	SmsKindMonthlySummary       SmsKind = "monthly_summary"
	SmsKindPaymentNotice        SmsKind = "payment_notice"
)

type OfficerRole string

const (
	OfficerRoleAdmin   OfficerRole = "admin"
	OfficerRoleOfficer OfficerRole = "officer"
)

func ParseOfficerRole(str string) (OfficerRole, error) {
	switch str {
	case "admin":
		return OfficerRoleAdmin, nil
	case "officer":
		return OfficerRoleOfficer, nil
	default:
		return "", errors.New("invalid officer role")
	}
}
