package model

import "time"

// ExportRecord is one transaction line inside a device export archive.
// Exports are NDJSON: one JSON object per line, bundled per device and
// zipped by the edge uploader.
type ExportRecord struct {
	TransactionID string    `json:"transaction_id"`
	DeviceID      string    `json:"device_id"`
	StoreID       string    `json:"store_id"`
	RecordedAt    time.Time `json:"recorded_at"`
	Amount        float64   `json:"amount"`
	Items         int       `json:"items"`

	// Raw preserves the original line for the bronze stage.
	Raw []byte `json:"-"`
}

// Quality flags attached to silver rows by the validation rules. Rows are
// tagged, not rejected: downstream views decide what to exclude.
const (
	FlagMissingDevice   = "missing_device"
	FlagMissingStore    = "missing_store"
	FlagMissingTxnID    = "missing_transaction_id"
	FlagNonPositiveAmt  = "non_positive_amount"
	FlagFutureTimestamp = "future_timestamp"
	FlagStaleTimestamp  = "stale_timestamp"
	FlagZeroTimestamp   = "zero_timestamp"
)

// SilverRow is the validated representation of an ExportRecord.
type SilverRow struct {
	TransactionID string
	DeviceID      string
	StoreID       string
	RecordedAt    time.Time
	Amount        float64
	Items         int
	QualityFlags  []string
}

// Clean reports whether no validation rule fired for the row.
func (r SilverRow) Clean() bool {
	return len(r.QualityFlags) == 0
}
