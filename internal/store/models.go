package store

import "time"

// UpsertResult counts the outcome of a segment batch write. Skipped
// segments already existed under the same source event ID.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// DealSyncState tracks when a deal was last reconciled with the CRM and
// where its raw event payload was archived.
type DealSyncState struct {
	DealID       int       `json:"dealId"`
	UpdatedAt    time.Time `json:"updatedAt"`
	RawObjectKey string    `json:"rawObjectKey"`
}
