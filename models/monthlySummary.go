package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/shopspring/decimal"
)

// MonthlySummary is the per-farmer settlement aggregate for one calendar
// month. Grain: (farmer_id, month). Derived data, rebuilt wholesale from
// deliveries whenever regenerated.
type MonthlySummary struct {
	ID       int       `gorm:"primary_key" json:"id"`
	FarmerId int       `gorm:"not null;uniqueIndex:idx_summary_farmer_month,priority:1" json:"farmer_id"`
	Farmer   *Farmer   `json:"farmer,omitempty"`
	Month    time.Time `gorm:"type:date;not null;uniqueIndex:idx_summary_farmer_month,priority:2" json:"month"`

	TotalQuantity  decimal.Decimal  `gorm:"type:decimal(10,3);not null" json:"total_quantity"`
	DeliveryCount  int              `gorm:"not null" json:"delivery_count"`
	MeanFatContent *decimal.Decimal `gorm:"type:decimal(4,2)" json:"mean_fat_content"`

	GradeACount        int `gorm:"not null;default:0" json:"grade_a_count"`
	GradeBCount        int `gorm:"not null;default:0" json:"grade_b_count"`
	GradeCCount        int `gorm:"not null;default:0" json:"grade_c_count"`
	GradeRejectedCount int `gorm:"not null;default:0" json:"grade_rejected_count"`

	EstimatedPayment decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"estimated_payment"`
	Currency         string          `gorm:"size:3;not null" json:"currency"`

	GeneratedAt time.Time `gorm:"not null" json:"generated_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SummarizeDeliveries computes the aggregate for one farmer-month from its
// deliveries. Pure computation, no storage access.
//
// The estimated payment is the exact decimal sum of
// quantity x price-per-liter x grade multiplier per delivery, with Rejected
// contributing zero, rounded half-up to 2 decimal places once at the end.
// Mean fat content averages the non-null measurements only; with no
// measurements at all it stays absent rather than reading as zero.
func SummarizeDeliveries(farmerId int, month time.Time, deliveries []*Delivery, cfg config.SettlementSettings) *MonthlySummary {

	if len(deliveries) == 0 {
		return nil
	}

	monthStart, _ := utils.MonthRange(month)

	summary := MonthlySummary{
		FarmerId:      farmerId,
		Month:         monthStart,
		DeliveryCount: len(deliveries),
		Currency:      cfg.Currency,
		GeneratedAt:   time.Now().UTC(),
	}

	totalQuantity := decimal.Zero
	payment := decimal.Zero
	fatSum := decimal.Zero
	fatCount := 0

	for _, d := range deliveries {
		totalQuantity = totalQuantity.Add(d.QuantityLiters)

		if d.FatContent != nil {
			fatSum = fatSum.Add(*d.FatContent)
			fatCount++
		}

		switch d.QualityGrade {
		case QualityGradeA:
			summary.GradeACount++
		case QualityGradeB:
			summary.GradeBCount++
		case QualityGradeC:
			summary.GradeCCount++
		case QualityGradeRejected:
			summary.GradeRejectedCount++
		}

		payment = payment.Add(d.QuantityLiters.Mul(cfg.PricePerLiter).Mul(cfg.Multiplier(string(d.QualityGrade))))
	}

	summary.TotalQuantity = totalQuantity
	// single terminal rounding, half-up
	summary.EstimatedPayment = payment.Round(2)

	if fatCount > 0 {
		meanFat := fatSum.Div(decimal.NewFromInt(int64(fatCount))).Round(2)
		summary.MeanFatContent = &meanFat
	}

	return &summary
}

// GenerateMonthlySummary recomputes and stores the farmer's summary for the
// month containing the given date. A farmer-month with no deliveries yields
// (nil, nil). Any existing row for the grain is replaced wholesale, always
// priced with the configuration passed in.
func GenerateMonthlySummary(ctx context.Context, farmerId int, month time.Time, cfg config.SettlementSettings) (*MonthlySummary, error) {

	if err := utils.ValidateResourceId[Farmer](ctx, farmerId); err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	monthStart, monthEnd := utils.MonthRange(month)

	deliveries, err := deliveriesForMonth(ctx, farmerId, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}

	summary := SummarizeDeliveries(farmerId, monthStart, deliveries, cfg)
	if summary == nil {
		return nil, nil
	}

	// db action: wholesale replace of the (farmer, month) row
	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	if err := tx.WithContext(ctx).
		Where("farmer_id = ? AND month = ?", farmerId, monthStart).
		Delete(&MonthlySummary{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Create(summary).Error; err != nil {
		tx.Rollback()
		// a concurrent rebuild won the unique index; its row is equivalent
		if utils.IsDuplicateKeyErr(err) {
			return GetMonthlySummary(ctx, farmerId, monthStart)
		}
		return nil, err
	}
	return summary, tx.Commit().Error
}

// may return RecordNotFound error
func GetMonthlySummary(ctx context.Context, farmerId int, month time.Time) (*MonthlySummary, error) {
	monthStart, _ := utils.MonthRange(month)
	return utils.FetchModelWhere[MonthlySummary](ctx, "farmer_id = ? AND month = ?", farmerId, monthStart)
}

// GetOrGenerateMonthlySummary returns the stored summary, generating it on
// first request. A month without deliveries returns (nil, nil) either way.
func GetOrGenerateMonthlySummary(ctx context.Context, farmerId int, month time.Time, cfg config.SettlementSettings) (*MonthlySummary, error) {

	summary, err := GetMonthlySummary(ctx, farmerId, month)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}
	return GenerateMonthlySummary(ctx, farmerId, month, cfg)
}

// ListMonthlySummaries returns the month's summaries with farmers preloaded,
// optionally narrowed to a farmer subset.
func ListMonthlySummaries(ctx context.Context, month time.Time, farmerIds []int) ([]*MonthlySummary, error) {

	monthStart, _ := utils.MonthRange(month)

	db := config.GetDB()
	var results []*MonthlySummary
	dbCtx := db.WithContext(ctx).
		Preload("Farmer").
		Where("month = ?", monthStart)
	if len(farmerIds) > 0 {
		dbCtx = dbCtx.Where("farmer_id IN (?)", farmerIds)
	}
	if err := dbCtx.Order("farmer_id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
