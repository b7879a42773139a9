package reports

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ExcelExporter is implemented by report rows that can be written to a sheet.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ReportExport struct {
	FileName    string                `json:"FileName"`
	ContentType string                `json:"ContentType"`
	Content     []byte                `json:"-"`
	Download    *utils.SignedDownload `json:"Download,omitempty"`
}

func buildWorkbook(headers []string, rows []ExcelExporter) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Sheet1"

	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}

	for rowIdx, row := range rows {
		for colIdx, value := range row.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, cellValue(value)); err != nil {
				return nil, err
			}
		}
	}

	return f, nil
}

// cellValue keeps decimals as numbers in the sheet instead of strings.
func cellValue(v interface{}) interface{} {
	switch d := v.(type) {
	case decimal.Decimal:
		return d.InexactFloat64()
	case *decimal.Decimal:
		if d == nil {
			return ""
		}
		return d.InexactFloat64()
	default:
		return v
	}
}

func exportDownloadTTL() time.Duration {
	// Env: REPORT_DOWNLOAD_TTL_MINUTES (default 15m)
	minutes := 15
	if v := strings.TrimSpace(os.Getenv("REPORT_DOWNLOAD_TTL_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			minutes = n
		}
	}
	return time.Duration(minutes) * time.Minute
}

// ExportMonthlySettlementXlsx renders the month's settlement rows as an xlsx
// workbook. With GCS storage configured the workbook is uploaded and a signed
// download link is returned; otherwise the bytes are returned inline.
func ExportMonthlySettlementXlsx(ctx context.Context, month string, stationId *int) (*ReportExport, error) {
	report, err := GetMonthlySettlementReport(ctx, month, stationId)
	if err != nil {
		return nil, err
	}

	exporters := make([]ExcelExporter, 0, len(report.Rows)+1)
	for _, row := range report.Rows {
		exporters = append(exporters, row)
	}
	exporters = append(exporters, settlementTotalsRow{report})

	f, err := buildWorkbook([]string{
		"Farmer Code", "Farmer Name", "Deliveries", "Total Liters", "Mean Fat %",
		"Grade A", "Grade B", "Grade C", "Rejected", "Payment", "Currency",
	}, exporters)
	if err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}

	export := &ReportExport{
		FileName:    fmt.Sprintf("settlement_%s.xlsx", report.Month),
		ContentType: xlsxContentType,
	}

	if utils.GetStorageProvider() == utils.StorageProviderGCS {
		objectKey := fmt.Sprintf("reports/settlement_%s_%s.xlsx", report.Month, time.Now().UTC().Format("20060102T150405Z"))
		if err := utils.UploadBytesToGCS(ctx, objectKey, buf.Bytes(), xlsxContentType); err != nil {
			return nil, err
		}
		download, err := utils.SignDownload(ctx, objectKey, exportDownloadTTL())
		if err != nil {
			return nil, err
		}
		export.Download = download
		return export, nil
	}

	export.Content = buf.Bytes()
	return export, nil
}

type settlementTotalsRow struct {
	report *MonthlySettlementReport
}

func (r settlementTotalsRow) GetCellValues() []interface{} {
	return []interface{}{
		"TOTAL",
		"",
		r.report.DeliveryCount,
		r.report.TotalLiters,
		"",
		"", "", "", "",
		r.report.TotalPayment,
		r.report.Currency,
	}
}
