// Package export renders curated slots into the tabular and chat-transcript formats.
package export

import (
	"fmt"

	"github.com/lamim/sftcurator/pkg/models"
)

// Scope selects which slots are exported
type Scope string

const (
	// ScopeFinalized exports operator-confirmed records only
	ScopeFinalized Scope = "finalized"
	// ScopeAllGenerated exports every record with a generated or finalized slot
	ScopeAllGenerated Scope = "all-generated"
)

// ParseScope validates a scope name
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeFinalized, ScopeAllGenerated:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown export scope %q (want %s or %s)", s, ScopeFinalized, ScopeAllGenerated)
	}
}

// Includes reports whether a slot status falls inside the scope
func (s Scope) Includes(status models.SlotStatus) bool {
	switch s {
	case ScopeFinalized:
		return status == models.StatusFinalized
	case ScopeAllGenerated:
		return status == models.StatusGenerated || status == models.StatusFinalized
	default:
		return false
	}
}

// Export derives both outputs from one snapshot. Rows and entries share record
// order, so row i and entry i always describe the same record. An empty scope
// yields empty slices.
func Export(snap models.SessionSnapshot, scope Scope) ([]models.TabularRow, []models.TranscriptEntry) {
	rows := []models.TabularRow{}
	entries := []models.TranscriptEntry{}

	for _, rec := range snap.Records {
		slot := snap.Slot(rec.ID)
		if !scope.Includes(slot.Status) {
			continue
		}
		rows = append(rows, models.TabularRow{
			RecordID:          rec.ID,
			DisplayName:       rec.DisplayName,
			SystemInstruction: slot.System,
			SerializedPayload: slot.User,
			OutputText:        slot.Text,
		})
		entries = append(entries, models.TranscriptEntry{
			Messages: []models.ChatMessage{
				{Role: "system", Content: slot.System},
				{Role: "user", Content: slot.User},
				{Role: "assistant", Content: slot.Text},
			},
		})
	}
	return rows, entries
}
