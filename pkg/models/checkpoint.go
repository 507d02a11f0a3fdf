package models

import "time"

// DatasetState is the persisted curation state of one dataset
type DatasetState struct {
	Instruction string                `json:"instruction"`
	Cursor      int                   `json:"cursor"`
	Slots       map[string]ResultSlot `json:"slots"` // record_id -> slot
}

// TokenTotals is the persisted form of the running token totals
type TokenTotals struct {
	ByModel map[string]UsageStats `json:"by_model"`
	Grand   UsageStats            `json:"grand"`
}

// Checkpoint represents the saved state of a curation session
type Checkpoint struct {
	// Session identification
	SessionID   string    `json:"session_id"`    // UUID for this session
	CreatedAt   time.Time `json:"created_at"`    // When session started
	LastSavedAt time.Time `json:"last_saved_at"` // Last checkpoint time

	// Dataset the operator was working on
	Active DatasetKind `json:"active,omitempty"`

	Datasets map[DatasetKind]DatasetState `json:"datasets"`

	Totals TokenTotals `json:"totals"`
	Calls  []UsageCall `json:"calls,omitempty"`

	// Configuration snapshot (for validation)
	ConfigHash string `json:"config_hash"`
}
