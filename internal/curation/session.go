// Package curation implements the per-dataset curation state machine and
// the registry that owns one session per dataset kind.
package curation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/sftcurator/internal/catalog"
	"github.com/lamim/sftcurator/internal/metrics"
	"github.com/lamim/sftcurator/internal/usage"
	"github.com/lamim/sftcurator/pkg/models"
)

// CompletionProvider generates text for a system instruction and user payload.
// Errors are opaque to the session.
type CompletionProvider interface {
	Complete(ctx context.Context, system, user, model string) (models.Completion, error)
}

// SessionConfig holds everything a session needs at construction
type SessionConfig struct {
	Kind        models.DatasetKind
	Records     []models.Record
	Instruction string
	Warning     error // surfaced degradation, e.g. a missing instruction file

	Provider   CompletionProvider
	Model      string
	Accountant *usage.Accountant
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// OnChange runs after every successful mutation, outside the session lock
	OnChange func()
}

// Session is the curation state of one dataset.
// Slot transitions are Empty -> Generated -> Finalized, never backwards.
type Session struct {
	kind     models.DatasetKind
	records  []models.Record
	index    map[string]int
	warning  error
	provider CompletionProvider
	model    string
	acct     *usage.Accountant
	metrics  *metrics.Collector
	logger   *slog.Logger
	onChange func()

	mu          sync.Mutex
	instruction string
	cursor      int
	slots       map[string]models.ResultSlot
	inflight    map[string]bool
}

// NewSession creates a session with every slot Empty and the cursor on the first record
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	acct := cfg.Accountant
	if acct == nil {
		acct = usage.NewAccountant(nil, cfg.Metrics)
	}

	records := append([]models.Record(nil), cfg.Records...)
	index := make(map[string]int, len(records))
	for i, r := range records {
		index[r.ID] = i
	}

	return &Session{
		kind:        cfg.Kind,
		records:     records,
		index:       index,
		warning:     cfg.Warning,
		provider:    cfg.Provider,
		model:       cfg.Model,
		acct:        acct,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "session", "dataset", cfg.Kind),
		onChange:    cfg.OnChange,
		instruction: cfg.Instruction,
		slots:       make(map[string]models.ResultSlot),
		inflight:    make(map[string]bool),
	}
}

// Kind returns the dataset kind of the session
func (s *Session) Kind() models.DatasetKind { return s.kind }

// Model returns the model identifier used for generation
func (s *Session) Model() string { return s.model }

// Warning reports a non-fatal degradation recorded at construction, or nil
func (s *Session) Warning() error { return s.warning }

// Records returns the dataset's records in source order
func (s *Session) Records() []models.Record {
	return append([]models.Record(nil), s.records...)
}

// Len returns the number of records
func (s *Session) Len() int { return len(s.records) }

// Record looks up a record by id
func (s *Session) Record(id string) (models.Record, error) {
	i, ok := s.index[id]
	if !ok {
		return models.Record{}, fmt.Errorf("%w: %q in %s", ErrUnknownRecord, id, s.kind)
	}
	return s.records[i], nil
}

// Instruction returns the current system instruction
func (s *Session) Instruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruction
}

// SetInstruction replaces the system instruction used by future generations.
// Already generated or finalized text is not touched.
func (s *Session) SetInstruction(instruction string) {
	s.mu.Lock()
	changed := s.instruction != instruction
	s.instruction = instruction
	s.mu.Unlock()

	if changed {
		s.logger.Debug("Instruction updated", "length", len(instruction))
		s.changed()
	}
}

// Cursor returns the index of the current record
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Current returns the record under the cursor and its slot.
// ok is false when the dataset has no records.
func (s *Session) Current() (rec models.Record, slot models.ResultSlot, ok bool) {
	if len(s.records) == 0 {
		return models.Record{}, models.ResultSlot{Status: models.StatusEmpty}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = s.records[s.cursor]
	return rec, s.slotLocked(rec.ID), true
}

// Navigate moves the cursor by step, wrapping around the record count.
// It never fails and never touches a slot.
func (s *Session) Navigate(step int) int {
	n := len(s.records)
	if n == 0 {
		return 0
	}
	s.mu.Lock()
	s.cursor = ((s.cursor+step)%n + n) % n
	cursor := s.cursor
	s.mu.Unlock()

	s.changed()
	return cursor
}

// NavigateTo moves the cursor onto a record by id
func (s *Session) NavigateTo(id string) error {
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %q in %s", ErrUnknownRecord, id, s.kind)
	}
	s.mu.Lock()
	s.cursor = i
	s.mu.Unlock()

	s.changed()
	return nil
}

// Slot returns a copy of the slot for a record; untouched records are Empty
func (s *Session) Slot(id string) (models.ResultSlot, error) {
	if _, ok := s.index[id]; !ok {
		return models.ResultSlot{}, fmt.Errorf("%w: %q in %s", ErrUnknownRecord, id, s.kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotLocked(id), nil
}

// InFlight reports whether a generation for id is pending
func (s *Session) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

// Generate asks the provider for a candidate output for one record.
//
// At most one generation per record may be pending; a second call fails with
// ErrGenerationInProgress. On provider failure the slot is left exactly as it
// was and the error wraps ErrGenerationFailed. There is no deadline here beyond ctx.
func (s *Session) Generate(ctx context.Context, id string) (string, error) {
	rec, err := s.Record(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.inflight[id] {
		s.mu.Unlock()
		s.metrics.IncrementGeneration(string(s.kind), "in_progress")
		return "", fmt.Errorf("%w: %q", ErrGenerationInProgress, id)
	}
	s.inflight[id] = true
	system := s.instruction
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	user, err := catalog.SerializePayload(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: record %q: %w", ErrGenerationFailed, id, err)
	}

	s.metrics.GenerationStarted(string(s.kind))
	start := time.Now()
	completion, err := s.provider.Complete(ctx, system, user, s.model)
	s.metrics.GenerationFinished(string(s.kind))
	if err != nil {
		s.metrics.IncrementGeneration(string(s.kind), "error")
		s.logger.Warn("Generation failed", "record_id", id, "error", err)
		return "", fmt.Errorf("%w: record %q: %w", ErrGenerationFailed, id, err)
	}

	u := models.NewUsageStats(completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	cost := s.acct.Record(s.kind, id, s.model, user, u)

	now := time.Now()
	s.mu.Lock()
	slot := s.slotLocked(id)
	slot.Candidate = completion.Text
	slot.Usage = &u
	slot.Model = s.model
	slot.GeneratedAt = now
	if slot.Status != models.StatusFinalized {
		slot.Status = models.StatusGenerated
		slot.Text = completion.Text
		slot.System = system
		slot.User = user
	}
	s.slots[id] = slot
	s.mu.Unlock()

	s.metrics.IncrementGeneration(string(s.kind), "success")
	s.logger.Info("Generated",
		"record_id", id,
		"status", slot.Status,
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens,
		"cost_usd", cost,
		"duration", time.Since(start))

	s.changed()
	return completion.Text, nil
}

// Finalize confirms text as the record's export-ready output. Blank text is
// rejected with ErrEmptyText and a record that was never generated with
// ErrNotGenerated; both leave the slot unchanged. Usage from the last
// generation is kept; the exchange snapshot is taken with the current instruction.
func (s *Session) Finalize(id, text string) error {
	if models.IsBlank(text) {
		return fmt.Errorf("%w: record %q", ErrEmptyText, id)
	}
	rec, err := s.Record(id)
	if err != nil {
		return err
	}
	user, err := catalog.SerializePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("serialize payload for %q: %w", id, err)
	}

	s.mu.Lock()
	slot := s.slotLocked(id)
	if slot.Status == models.StatusEmpty {
		s.mu.Unlock()
		return fmt.Errorf("%w: record %q", ErrNotGenerated, id)
	}
	slot.Status = models.StatusFinalized
	slot.Text = text
	slot.System = s.instruction
	slot.User = user
	slot.FinalizedAt = time.Now()
	s.slots[id] = slot
	s.mu.Unlock()

	s.metrics.IncrementFinalize(string(s.kind))
	s.logger.Info("Finalized", "record_id", id, "edited", text != slot.Candidate)

	s.changed()
	return nil
}

// Progress returns the number of finalized records and the record count
func (s *Session) Progress() (finalized, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.Status == models.StatusFinalized {
			finalized++
		}
	}
	return finalized, len(s.records)
}

// Snapshot returns a consistent deep copy of the session state
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionSnapshot{
		Kind:        s.kind,
		Instruction: s.instruction,
		Cursor:      s.cursor,
		Records:     append([]models.Record(nil), s.records...),
		Slots:       s.cloneSlotsLocked(),
		TakenAt:     time.Now(),
	}
}

// State returns the persistable part of the session
func (s *Session) State() models.DatasetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.DatasetState{
		Instruction: s.instruction,
		Cursor:      s.cursor,
		Slots:       s.cloneSlotsLocked(),
	}
}

// restore seeds the session from persisted state. Slots of records that no
// longer exist are dropped and the cursor is clamped to the record count.
func (s *Session) restore(state models.DatasetState) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instruction = state.Instruction
	for id, slot := range state.Slots {
		if _, ok := s.index[id]; !ok {
			dropped++
			continue
		}
		if slot.Status == models.StatusEmpty {
			continue
		}
		s.slots[id] = slot.Clone()
	}
	if state.Cursor >= 0 && state.Cursor < len(s.records) {
		s.cursor = state.Cursor
	}
	return dropped
}

func (s *Session) slotLocked(id string) models.ResultSlot {
	if slot, ok := s.slots[id]; ok {
		return slot.Clone()
	}
	return models.ResultSlot{Status: models.StatusEmpty}
}

func (s *Session) cloneSlotsLocked() map[string]models.ResultSlot {
	out := make(map[string]models.ResultSlot, len(s.slots))
	for id, slot := range s.slots {
		out[id] = slot.Clone()
	}
	return out
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
