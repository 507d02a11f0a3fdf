package models

import (
	"strings"
	"time"
)

// DatasetKind identifies which source schema a dataset uses
type DatasetKind string

const (
	// KindMasterSummary holds one master summary per operator
	KindMasterSummary DatasetKind = "master_summary"
	// KindCommentSummary holds the players and experts comment summaries per operator
	KindCommentSummary DatasetKind = "comment_summary"
	// KindReviewsSummary holds the aggregated review list per operator
	KindReviewsSummary DatasetKind = "reviews_summary"
)

// AllKinds returns the known dataset kinds in display order
func AllKinds() []DatasetKind {
	return []DatasetKind{KindMasterSummary, KindCommentSummary, KindReviewsSummary}
}

// Record is one curatable unit within a dataset
type Record struct {
	ID          string `json:"record_id"`
	DisplayName string `json:"display_name"`
	Payload     any    `json:"payload"`
}

// SlotStatus is the curation state of a single record
type SlotStatus string

const (
	StatusEmpty     SlotStatus = "empty"
	StatusGenerated SlotStatus = "generated"
	StatusFinalized SlotStatus = "finalized"
)

// UsageStats describes the token usage of a single completion call
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsageStats builds usage stats, recomputing the total from its parts.
// Negative counts reported by a provider are clamped to zero.
func NewUsageStats(promptTokens, completionTokens int) UsageStats {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	return UsageStats{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// Add returns the element-wise sum of two usage stats
func (u UsageStats) Add(o UsageStats) UsageStats {
	return NewUsageStats(u.PromptTokens+o.PromptTokens, u.CompletionTokens+o.CompletionTokens)
}

// Completion is the result of a single call to a completion provider
type Completion struct {
	Text  string
	Usage UsageStats
}

// ResultSlot holds the curation state of one record.
//
// Text is what an export emits: the latest candidate while the slot is generated,
// the operator-confirmed text once it is finalized. Candidate always holds the most
// recent machine output, so regenerating a finalized record never touches Text.
// System and User snapshot the exchange so exports never go back to the catalog.
type ResultSlot struct {
	Status      SlotStatus  `json:"status"`
	Text        string      `json:"text,omitempty"`
	Candidate   string      `json:"candidate,omitempty"`
	Usage       *UsageStats `json:"usage,omitempty"`
	Model       string      `json:"model,omitempty"`
	System      string      `json:"system,omitempty"`
	User        string      `json:"user,omitempty"`
	GeneratedAt time.Time   `json:"generated_at,omitzero"`
	FinalizedAt time.Time   `json:"finalized_at,omitzero"`
}

// Clone returns a deep copy of the slot
func (s ResultSlot) Clone() ResultSlot {
	if s.Usage != nil {
		u := *s.Usage
		s.Usage = &u
	}
	return s
}

// IsBlank reports whether text is empty or whitespace-only
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// ChatMessage is a single message of a chat transcript
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TabularRow is one row of the tabular export
type TabularRow struct {
	RecordID          string `json:"record_id"`
	DisplayName       string `json:"display_name"`
	SystemInstruction string `json:"system_instruction"`
	SerializedPayload string `json:"serialized_payload"`
	OutputText        string `json:"output_text"`
}

// TranscriptEntry is one system/user/assistant exchange of the transcript export
type TranscriptEntry struct {
	Messages []ChatMessage `json:"messages"`
}

// UsageCall is the accounting record of a single successful completion call
type UsageCall struct {
	Model    string      `json:"model"`
	Dataset  DatasetKind `json:"dataset"`
	RecordID string      `json:"record_id"`
	Prompt   string      `json:"prompt"` // truncated preview of the user content
	Usage    UsageStats  `json:"usage"`
	Cost     float64     `json:"cost"`
	At       time.Time   `json:"at"`
}

// SessionStats tracks generation statistics for a batch run
type SessionStats struct {
	StartTime       time.Time
	EndTime         time.Time
	TotalRecords    int
	SuccessCount    int
	FailureCount    int
	SkippedCount    int
	TotalDuration   time.Duration
	AverageDuration time.Duration
}

// SessionSnapshot is an atomic, deep copy of one dataset's curation state
type SessionSnapshot struct {
	Kind        DatasetKind
	Instruction string
	Cursor      int
	Records     []Record
	Slots       map[string]ResultSlot
	TakenAt     time.Time
}

// Slot returns the slot for a record, Empty when it was never touched
func (s SessionSnapshot) Slot(id string) ResultSlot {
	if slot, ok := s.Slots[id]; ok {
		return slot
	}
	return ResultSlot{Status: StatusEmpty}
}
