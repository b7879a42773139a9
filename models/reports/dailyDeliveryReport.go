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

type DailyStationRow struct {
	StationId      int              `json:"StationId"`
	StationCode    *string          `json:"StationCode,omitempty"`
	StationName    *string          `json:"StationName,omitempty"`
	DeliveryCount  int              `json:"DeliveryCount"`
	TotalLiters    decimal.Decimal  `json:"TotalLiters"`
	MeanFatContent *decimal.Decimal `json:"MeanFatContent,omitempty"`
	GradeACount    int              `json:"GradeACount"`
	GradeBCount    int              `json:"GradeBCount"`
	GradeCCount    int              `json:"GradeCCount"`
	RejectedCount  int              `json:"RejectedCount"`
}

type DailyFarmerRow struct {
	FarmerId       int              `json:"FarmerId"`
	FarmerCode     *string          `json:"FarmerCode,omitempty"`
	FarmerName     *string          `json:"FarmerName,omitempty"`
	StationId      int              `json:"StationId"`
	DeliveryCount  int              `json:"DeliveryCount"`
	TotalLiters    decimal.Decimal  `json:"TotalLiters"`
	MeanFatContent *decimal.Decimal `json:"MeanFatContent,omitempty"`
	GradeACount    int              `json:"GradeACount"`
	GradeBCount    int              `json:"GradeBCount"`
	GradeCCount    int              `json:"GradeCCount"`
	RejectedCount  int              `json:"RejectedCount"`
}

type DailyDeliveryReport struct {
	Date          string            `json:"Date"`
	DeliveryCount int               `json:"DeliveryCount"`
	TotalLiters   decimal.Decimal   `json:"TotalLiters"`
	Stations      []*DailyStationRow `json:"Stations"`
	Farmers       []*DailyFarmerRow  `json:"Farmers"`
}

func GetDailyDeliveryReport(ctx context.Context, date string, stationId *int) (*DailyDeliveryReport, error) {
	started := time.Now()

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, errors.New("date must be in YYYY-MM-DD format")
	}
	dateKey := day.Format("2006-01-02")

	if stationId != nil && *stationId != 0 {
		if err := utils.ValidateResourceId[models.Station](ctx, stationId); err != nil {
			return nil, errors.New("station not found")
		}
	}

	cacheKey := fmt.Sprintf("Report:daily:%s:%d", dateKey, utils.DereferencePtr(stationId))
	if reportCacheEnabled() {
		var cached DailyDeliveryReport
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	stationSqlT := `
SELECT
    d.station_id,
    stations.code AS station_code,
    stations.name AS station_name,
    COUNT(d.id) AS delivery_count,
    COALESCE(SUM(d.quantity_liters), 0) AS total_liters,
    AVG(d.fat_content) AS mean_fat_content,
    SUM(CASE WHEN d.quality_grade = 'A' THEN 1 ELSE 0 END) AS grade_a_count,
    SUM(CASE WHEN d.quality_grade = 'B' THEN 1 ELSE 0 END) AS grade_b_count,
    SUM(CASE WHEN d.quality_grade = 'C' THEN 1 ELSE 0 END) AS grade_c_count,
    SUM(CASE WHEN d.quality_grade = 'Rejected' THEN 1 ELSE 0 END) AS rejected_count
FROM
    deliveries AS d
        LEFT JOIN
    stations ON stations.id = d.station_id
WHERE
    d.delivery_date = @date
    {{- if .stationId }} AND d.station_id = @stationId {{- end }}
GROUP BY d.station_id, stations.code, stations.name
ORDER BY stations.code;
`

	farmerSqlT := `
SELECT
    d.farmer_id,
    farmers.code AS farmer_code,
    farmers.name AS farmer_name,
    d.station_id,
    COUNT(d.id) AS delivery_count,
    COALESCE(SUM(d.quantity_liters), 0) AS total_liters,
    AVG(d.fat_content) AS mean_fat_content,
    SUM(CASE WHEN d.quality_grade = 'A' THEN 1 ELSE 0 END) AS grade_a_count,
    SUM(CASE WHEN d.quality_grade = 'B' THEN 1 ELSE 0 END) AS grade_b_count,
    SUM(CASE WHEN d.quality_grade = 'C' THEN 1 ELSE 0 END) AS grade_c_count,
    SUM(CASE WHEN d.quality_grade = 'Rejected' THEN 1 ELSE 0 END) AS rejected_count
FROM
    deliveries AS d
        LEFT JOIN
    farmers ON farmers.id = d.farmer_id
WHERE
    d.delivery_date = @date
    {{- if .stationId }} AND d.station_id = @stationId {{- end }}
GROUP BY d.farmer_id, farmers.code, farmers.name, d.station_id
ORDER BY farmers.code;
`

	templateData := map[string]interface{}{
		"stationId": utils.DereferencePtr(stationId),
	}
	params := map[string]interface{}{
		"date":      dateKey,
		"stationId": stationId,
	}

	db := config.GetDB()

	stationSql, err := utils.ExecTemplate(stationSqlT, templateData)
	if err != nil {
		return nil, err
	}
	var stationRows []*DailyStationRow
	if err := db.WithContext(ctx).Raw(stationSql, params).Scan(&stationRows).Error; err != nil {
		return nil, err
	}

	farmerSql, err := utils.ExecTemplate(farmerSqlT, templateData)
	if err != nil {
		return nil, err
	}
	var farmerRows []*DailyFarmerRow
	if err := db.WithContext(ctx).Raw(farmerSql, params).Scan(&farmerRows).Error; err != nil {
		return nil, err
	}

	report := &DailyDeliveryReport{
		Date:        dateKey,
		TotalLiters: decimal.Zero,
		Stations:    stationRows,
		Farmers:     farmerRows,
	}
	for _, row := range stationRows {
		if row.MeanFatContent != nil {
			rounded := row.MeanFatContent.Round(2)
			row.MeanFatContent = &rounded
		}
		report.DeliveryCount += row.DeliveryCount
		report.TotalLiters = report.TotalLiters.Add(row.TotalLiters)
	}
	for _, row := range farmerRows {
		if row.MeanFatContent != nil {
			rounded := row.MeanFatContent.Round(2)
			row.MeanFatContent = &rounded
		}
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, report, reportCacheTTL())
	}
	logSlowReport(ctx, "daily_delivery", started, map[string]any{"date": dateKey})

	return report, nil
}

func (r DailyFarmerRow) GetCellValues() []interface{} {
	return []interface{}{
		utils.DereferencePtr(r.FarmerCode, ""),
		utils.DereferencePtr(r.FarmerName, ""),
		r.DeliveryCount,
		r.TotalLiters,
		decimalPtrCell(r.MeanFatContent),
		r.GradeACount,
		r.GradeBCount,
		r.GradeCCount,
		r.RejectedCount,
	}
}

func decimalPtrCell(d *decimal.Decimal) interface{} {
	if d == nil {
		return ""
	}
	return *d
}
