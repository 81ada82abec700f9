package reports

import (
	"context"
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type ReviewQueueRow struct {
	DraftId         int              `json:"draft_id"`
	SenderEmail     string           `json:"sender_email"`
	Subject         string           `json:"subject"`
	VendorName      *string          `json:"vendor_name"`
	DocumentDate    *string          `json:"document_date"`
	TotalAmount     *decimal.Decimal `json:"total_amount"`
	ConfidenceScore *float64         `json:"confidence_score"`
	ConfidenceBand  string           `json:"confidence_band"`
	AnomalyFlags    *string          `json:"anomaly_flags"`
	RawObjectKey    string           `json:"raw_object_key"`
	ReceivedAt      string           `json:"received_at"`
}

func getReviewQueueRows(ctx context.Context, businessId string) ([]*ReviewQueueRow, error) {
	sql := `
SELECT
    dd.id AS draft_id,
    dd.sender_email,
    dd.subject,
    dd.vendor_name,
    dd.date AS document_date,
    dd.total AS total_amount,
    dd.confidence_score,
    dd.confidence_band,
    dd.anomaly_flags,
    dd.raw_object_key,
    DATE_FORMAT(dd.created_at, '%Y-%m-%d %H:%i:%s') AS received_at
FROM
    document_drafts AS dd
WHERE
    dd.business_id = ?
        AND dd.status = 'pending_review'
ORDER BY dd.created_at ASC
`

	var records []*ReviewQueueRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, businessId).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ExportReviewQueueExcel streams the pending review queue as an xlsx file.
func ExportReviewQueueExcel(ctx context.Context, w http.ResponseWriter, businessId string) error {
	data, err := getReviewQueueRows(ctx, businessId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "ReviewQueue"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headings := []string{"DraftId", "SenderEmail", "Subject", "VendorName", "DocumentDate", "TotalAmount", "ConfidenceScore", "ConfidenceBand", "AnomalyFlags", "ReceivedAt", "Document"}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, d.DraftId)
		f.SetCellValue(sheetName, "B"+row, d.SenderEmail)
		f.SetCellValue(sheetName, "C"+row, d.Subject)
		if d.VendorName != nil {
			f.SetCellValue(sheetName, "D"+row, *d.VendorName)
		}
		if d.DocumentDate != nil {
			f.SetCellValue(sheetName, "E"+row, *d.DocumentDate)
		}
		if d.TotalAmount != nil {
			f.SetCellValue(sheetName, "F"+row, d.TotalAmount.StringFixed(2))
		}
		if d.ConfidenceScore != nil {
			f.SetCellValue(sheetName, "G"+row, *d.ConfidenceScore)
		}
		f.SetCellValue(sheetName, "H"+row, d.ConfidenceBand)
		if d.AnomalyFlags != nil {
			f.SetCellValue(sheetName, "I"+row, *d.AnomalyFlags)
		}
		f.SetCellValue(sheetName, "J"+row, d.ReceivedAt)
		if d.RawObjectKey != "" {
			f.SetCellValue(sheetName, "K"+row, utils.BuildObjectAccessURL(d.RawObjectKey))
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=review_queue.xlsx")
	return f.Write(w)
}
