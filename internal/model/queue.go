// Package model contains the data types shared across the ingestion
// pipeline: queue items, dead letters, watermarks, and the wire shape of
// storage arrival notifications.
package model

import "time"

// ItemStatus enumerates the lifecycle of a queued file.
type ItemStatus string

const (
	StatusQueued  ItemStatus = "queued"
	StatusRunning ItemStatus = "running"
	StatusDone    ItemStatus = "done"
	StatusDead    ItemStatus = "dead"
)

// Terminal reports whether the status is an end state. Terminal rows are
// never mutated; they remain as the audit trail.
func (s ItemStatus) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// QueueItem is one unit of work: a single uploaded export file, identified
// by its (bucket, object key) pair. At most one non-terminal row exists per
// pair at any time.
type QueueItem struct {
	ID           int64      `json:"id"`
	SourceBucket string     `json:"sourceBucket"`
	ObjectKey    string     `json:"objectKey"`
	SizeBytes    int64      `json:"sizeBytes"`
	Status       ItemStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	NotBefore    time.Time  `json:"notBefore"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
	ClaimedBy    *string    `json:"claimedBy,omitempty"`
}

// DeadLetterRecord is a QueueItem that exhausted its retry budget. Rows are
// only ever inserted or marked requeued, never deleted.
type DeadLetterRecord struct {
	ID           int64      `json:"id"`
	ItemID       int64      `json:"itemId"`
	SourceBucket string     `json:"sourceBucket"`
	ObjectKey    string     `json:"objectKey"`
	SizeBytes    int64      `json:"sizeBytes"`
	Attempts     int        `json:"attempts"`
	ErrorMsg     string     `json:"errorMsg"`
	FailedAt     time.Time  `json:"failedAt"`
	RequeuedAt   *time.Time `json:"requeuedAt,omitempty"`
}

// Watermark tracks the highest event timestamp durably committed to the
// validated stage for one device stream. It never decreases.
type Watermark struct {
	StreamID      string    `json:"streamId"`
	HighWatermark time.Time `json:"highWatermark"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EventType distinguishes first uploads from overwrites of an existing key.
type EventType string

const (
	EventCreated     EventType = "created"
	EventOverwritten EventType = "overwritten"
)

// Notification is the payload delivered by the object store when a file
// lands, either via webhook or synthesized during a reconcile listing.
// Webhooks are at-least-once: the same notification may arrive zero, one,
// or many times.
type Notification struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	Event     EventType `json:"event"`
}
