package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutops/scout-ingest/internal/model"
)

func TestValidateCleanRow(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rows, marks := Validate([]model.ExportRecord{{
		TransactionID: "t1",
		DeviceID:      "d1",
		StoreID:       "s1",
		RecordedAt:    now.Add(-time.Hour),
		Amount:        120,
		Items:         3,
	}}, now)

	require.Len(t, rows, 1)
	assert.True(t, rows[0].Clean())
	assert.Equal(t, now.Add(-time.Hour), marks["d1"])
}

func TestValidateFlagsWithoutRejecting(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	records := []model.ExportRecord{
		{DeviceID: "d1", RecordedAt: now, Amount: -5},
		{DeviceID: "", StoreID: "s1", RecordedAt: now, Amount: 10, TransactionID: "t2"},
		{DeviceID: "d1", StoreID: "s1", TransactionID: "t3", Amount: 10}, // zero timestamp
		{DeviceID: "d2", StoreID: "s1", TransactionID: "t4", Amount: 10, RecordedAt: now.Add(time.Hour)},
		{DeviceID: "d3", StoreID: "s1", TransactionID: "t5", Amount: 10, RecordedAt: now.Add(-60 * 24 * time.Hour)},
	}
	rows, marks := Validate(records, now)

	require.Len(t, rows, 5)
	assert.Contains(t, rows[0].QualityFlags, model.FlagNonPositiveAmt)
	assert.Contains(t, rows[0].QualityFlags, model.FlagMissingStore)
	assert.Contains(t, rows[0].QualityFlags, model.FlagMissingTxnID)
	assert.Contains(t, rows[1].QualityFlags, model.FlagMissingDevice)
	assert.Contains(t, rows[2].QualityFlags, model.FlagZeroTimestamp)
	assert.Contains(t, rows[3].QualityFlags, model.FlagFutureTimestamp)
	assert.Contains(t, rows[4].QualityFlags, model.FlagStaleTimestamp)

	// Only trustworthy timestamps feed watermarks: d1's sole candidate is
	// the first record, d2's future and d3's stale timestamps never do.
	assert.Equal(t, now, marks["d1"])
	assert.NotContains(t, marks, "d2")
	assert.NotContains(t, marks, "d3")
	assert.NotContains(t, marks, "")
}

func TestValidateWatermarkPicksHighestPerDevice(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	early := now.Add(-3 * time.Hour)
	late := now.Add(-time.Minute)
	rows, marks := Validate([]model.ExportRecord{
		{TransactionID: "a", DeviceID: "d1", StoreID: "s", Amount: 1, RecordedAt: late},
		{TransactionID: "b", DeviceID: "d1", StoreID: "s", Amount: 1, RecordedAt: early},
	}, now)
	require.Len(t, rows, 2)
	assert.Equal(t, late, marks["d1"])
}
