package pipeline

import (
	"time"

	"github.com/scoutops/scout-ingest/internal/model"
)

const (
	// Recorded timestamps more than a few minutes ahead of the server
	// clock are flagged rather than trusted.
	futureSkew = 5 * time.Minute
	// Devices buffer offline for days at most; anything older is suspect.
	staleWindow = 30 * 24 * time.Hour
)

// Validate applies the cleaning rules to the parsed records, tagging rows
// with quality flags instead of rejecting them. It also returns the
// watermark candidates: the highest trustworthy timestamp per device among
// the validated rows.
func Validate(records []model.ExportRecord, now time.Time) ([]model.SilverRow, map[string]time.Time) {
	rows := make([]model.SilverRow, 0, len(records))
	marks := make(map[string]time.Time)
	for _, rec := range records {
		row := model.SilverRow{
			TransactionID: rec.TransactionID,
			DeviceID:      rec.DeviceID,
			StoreID:       rec.StoreID,
			RecordedAt:    rec.RecordedAt,
			Amount:        rec.Amount,
			Items:         rec.Items,
		}
		if rec.DeviceID == "" {
			row.QualityFlags = append(row.QualityFlags, model.FlagMissingDevice)
		}
		if rec.StoreID == "" {
			row.QualityFlags = append(row.QualityFlags, model.FlagMissingStore)
		}
		if rec.TransactionID == "" {
			row.QualityFlags = append(row.QualityFlags, model.FlagMissingTxnID)
		}
		if rec.Amount <= 0 {
			row.QualityFlags = append(row.QualityFlags, model.FlagNonPositiveAmt)
		}
		trustworthyTS := false
		switch {
		case rec.RecordedAt.IsZero():
			row.QualityFlags = append(row.QualityFlags, model.FlagZeroTimestamp)
		case rec.RecordedAt.After(now.Add(futureSkew)):
			row.QualityFlags = append(row.QualityFlags, model.FlagFutureTimestamp)
		case rec.RecordedAt.Before(now.Add(-staleWindow)):
			row.QualityFlags = append(row.QualityFlags, model.FlagStaleTimestamp)
		default:
			trustworthyTS = true
		}
		if trustworthyTS && rec.DeviceID != "" {
			if cur, ok := marks[rec.DeviceID]; !ok || rec.RecordedAt.After(cur) {
				marks[rec.DeviceID] = rec.RecordedAt
			}
		}
		rows = append(rows, row)
	}
	return rows, marks
}
