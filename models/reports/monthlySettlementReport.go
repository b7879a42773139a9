package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/shopspring/decimal"
)

type MonthlySettlementRow struct {
	FarmerId           int              `json:"FarmerId"`
	FarmerCode         *string          `json:"FarmerCode,omitempty"`
	FarmerName         *string          `json:"FarmerName,omitempty"`
	StationId          *int             `json:"StationId,omitempty"`
	TotalQuantity      decimal.Decimal  `json:"TotalQuantity"`
	DeliveryCount      int              `json:"DeliveryCount"`
	MeanFatContent     *decimal.Decimal `json:"MeanFatContent,omitempty"`
	GradeACount        int              `json:"GradeACount"`
	GradeBCount        int              `json:"GradeBCount"`
	GradeCCount        int              `json:"GradeCCount"`
	GradeRejectedCount int              `json:"GradeRejectedCount"`
	EstimatedPayment   decimal.Decimal  `json:"EstimatedPayment"`
	Currency           string           `json:"Currency"`
	GeneratedAt        time.Time        `json:"GeneratedAt"`
}

type MonthlySettlementReport struct {
	Month         string                  `json:"Month"`
	FarmerCount   int                     `json:"FarmerCount"`
	DeliveryCount int                     `json:"DeliveryCount"`
	TotalLiters   decimal.Decimal         `json:"TotalLiters"`
	TotalPayment  decimal.Decimal         `json:"TotalPayment"`
	Currency      string                  `json:"Currency"`
	Rows          []*MonthlySettlementRow `json:"Rows"`
}

func GetMonthlySettlementReport(ctx context.Context, month string, stationId *int) (*MonthlySettlementReport, error) {
	started := time.Now()

	monthStart, err := utils.ParseMonth(month)
	if err != nil {
		return nil, err
	}
	monthKey := monthStart.Format("2006-01")

	if stationId != nil && *stationId != 0 {
		if err := utils.ValidateResourceId[models.Station](ctx, stationId); err != nil {
			return nil, errors.New("station not found")
		}
	}

	cacheKey := fmt.Sprintf("Report:settlement:%s:%d", monthKey, utils.DereferencePtr(stationId))
	if reportCacheEnabled() {
		var cached MonthlySettlementReport
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	sqlT := `
SELECT
    ms.farmer_id,
    farmers.code AS farmer_code,
    farmers.name AS farmer_name,
    farmers.station_id,
    ms.total_quantity,
    ms.delivery_count,
    ms.mean_fat_content,
    ms.grade_a_count,
    ms.grade_b_count,
    ms.grade_c_count,
    ms.grade_rejected_count,
    ms.estimated_payment,
    ms.currency,
    ms.generated_at
FROM
    monthly_summaries AS ms
        LEFT JOIN
    farmers ON farmers.id = ms.farmer_id
WHERE
    ms.month = @month
    {{- if .stationId }} AND farmers.station_id = @stationId {{- end }}
ORDER BY farmers.code;
`

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"stationId": utils.DereferencePtr(stationId),
	})
	if err != nil {
		return nil, err
	}

	var rows []*MonthlySettlementRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"month":     monthStart.Format("2006-01-02"),
		"stationId": stationId,
	}).Scan(&rows).Error; err != nil {
		return nil, err
	}

	report := &MonthlySettlementReport{
		Month:        monthKey,
		FarmerCount:  len(rows),
		TotalLiters:  decimal.Zero,
		TotalPayment: decimal.Zero,
		Rows:         rows,
	}
	for _, row := range rows {
		report.DeliveryCount += row.DeliveryCount
		report.TotalLiters = report.TotalLiters.Add(row.TotalQuantity)
		report.TotalPayment = report.TotalPayment.Add(row.EstimatedPayment)
		if report.Currency == "" {
			report.Currency = row.Currency
		}
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, report, reportCacheTTL())
	}
	logSlowReport(ctx, "monthly_settlement", started, map[string]any{"month": monthKey})

	return report, nil
}

func (r MonthlySettlementRow) GetCellValues() []interface{} {
	return []interface{}{
		utils.DereferencePtr(r.FarmerCode, ""),
		utils.DereferencePtr(r.FarmerName, ""),
		r.DeliveryCount,
		r.TotalQuantity,
		decimalPtrCell(r.MeanFatContent),
		r.GradeACount,
		r.GradeBCount,
		r.GradeCCount,
		r.GradeRejectedCount,
		r.EstimatedPayment,
		r.Currency,
	}
}
