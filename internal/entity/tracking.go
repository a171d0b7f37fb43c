package entity

import "time"

// TrackingDetails is the audit metadata block attached to every entity.
//
// Invariants:
//   - Version increments by exactly 1 on every accepted write
//   - CreatedBy/CreatedOn are immutable after the first write
//   - The block is server-managed: callers never submit it, and successful
//     writes strip it from returned values
type TrackingDetails struct {
	CreatedBy string    `json:"createdBy"`
	CreatedOn time.Time `json:"createdOn"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedOn time.Time `json:"updatedOn"`
	Version   int       `json:"version"`
}

// NewTrackingDetails builds the initial tracking block for a created entity.
// Version starts at 1: the conceptual zero state is "never written".
func NewTrackingDetails(by string, now time.Time) *TrackingDetails {
	return &TrackingDetails{
		CreatedBy: by,
		CreatedOn: now,
		UpdatedBy: by,
		UpdatedOn: now,
		Version:   1,
	}
}

// Advance stamps the updater and bumps the version for an accepted write.
func (t *TrackingDetails) Advance(by string, now time.Time) {
	t.UpdatedBy = by
	t.UpdatedOn = now
	t.Version++
}

// Clone returns an independent copy, nil-safe.
func (t *TrackingDetails) Clone() *TrackingDetails {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
