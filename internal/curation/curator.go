package curation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lamim/sftcurator/internal/catalog"
	"github.com/lamim/sftcurator/internal/metrics"
	"github.com/lamim/sftcurator/internal/usage"
	"github.com/lamim/sftcurator/pkg/models"
)

// RecordSource loads records and default instructions per dataset kind
type RecordSource interface {
	Kinds() []models.DatasetKind
	Load(kind models.DatasetKind) ([]models.Record, error)
	LoadInstruction(kind models.DatasetKind) (string, error)
}

// StateSink receives the full curator state after every mutation
type StateSink interface {
	Update(state State) error
}

// State is the persistable state of every dataset the curator knows about
type State struct {
	Active   models.DatasetKind
	Datasets map[models.DatasetKind]models.DatasetState
	Totals   models.TokenTotals
	Calls    []models.UsageCall
}

// Options configures a Curator
type Options struct {
	Source     RecordSource
	Provider   CompletionProvider
	Model      string
	Accountant *usage.Accountant
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	Sink       StateSink
	Restore    *models.Checkpoint // optional state from a previous run
}

// Curator owns one Session per dataset kind and the active selection.
// Sessions are built on first selection and never replaced.
type Curator struct {
	source   RecordSource
	provider CompletionProvider
	model    string
	acct     *usage.Accountant
	metrics  *metrics.Collector
	logger   *slog.Logger
	base     *slog.Logger // handed to sessions, which add their own component
	sink     StateSink

	mu       sync.RWMutex
	sessions map[models.DatasetKind]*Session
	restored map[models.DatasetKind]models.DatasetState
	active   models.DatasetKind

	persistMu sync.Mutex
}

// New creates a curator. When opts.Restore is set, token totals and the call
// log are restored immediately and dataset state on first selection of each kind.
func New(opts Options) *Curator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	acct := opts.Accountant
	if acct == nil {
		acct = usage.NewAccountant(nil, opts.Metrics)
	}

	c := &Curator{
		source:   opts.Source,
		provider: opts.Provider,
		model:    opts.Model,
		acct:     acct,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "curator"),
		base:     logger,
		sink:     opts.Sink,
		sessions: make(map[models.DatasetKind]*Session),
		restored: make(map[models.DatasetKind]models.DatasetState),
	}

	if cp := opts.Restore; cp != nil {
		for kind, state := range cp.Datasets {
			c.restored[kind] = state
		}
		acct.Restore(usage.TotalsFromModel(cp.Totals), cp.Calls)
		c.logger.Info("Restored curation state",
			"session_id", cp.SessionID,
			"datasets", len(cp.Datasets),
			"calls", len(cp.Calls))
	}

	return c
}

// Kinds returns the dataset kinds available for selection
func (c *Curator) Kinds() []models.DatasetKind {
	return c.source.Kinds()
}

// Accountant returns the process-wide usage accountant
func (c *Curator) Accountant() *usage.Accountant {
	return c.acct
}

// Select makes kind the active dataset, building its session on first use.
// A catalog failure aborts only this selection; the previous active dataset
// and every other session stay as they were.
func (c *Curator) Select(kind models.DatasetKind) (*Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[kind]; ok {
		changed := c.active != kind
		c.active = kind
		c.mu.Unlock()
		if changed {
			c.persist()
		}
		return s, nil
	}

	s, err := c.build(kind)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.sessions[kind] = s
	c.active = kind
	c.mu.Unlock()

	c.persist()
	return s, nil
}

// build constructs a session; caller holds c.mu
func (c *Curator) build(kind models.DatasetKind) (*Session, error) {
	records, err := c.source.Load(kind)
	if err != nil {
		c.logger.Error("Dataset selection failed", "dataset", kind, "error", err)
		return nil, fmt.Errorf("select %s: %w", kind, err)
	}

	instruction, warn := c.source.LoadInstruction(kind)
	if warn != nil {
		if !errors.Is(warn, catalog.ErrInstructionFileMissing) {
			warn = fmt.Errorf("%w: %w", catalog.ErrInstructionFileMissing, warn)
		}
		instruction = ""
		c.logger.Warn("Starting with an empty instruction", "dataset", kind, "reason", warn)
	}

	s := NewSession(SessionConfig{
		Kind:        kind,
		Records:     records,
		Instruction: instruction,
		Warning:     warn,
		Provider:    c.provider,
		Model:       c.model,
		Accountant:  c.acct,
		Metrics:     c.metrics,
		Logger:      c.base,
		OnChange:    c.persist,
	})

	if state, ok := c.restored[kind]; ok {
		dropped := s.restore(state)
		delete(c.restored, kind)
		if dropped > 0 {
			c.logger.Warn("Dropped restored slots for records no longer in the source", "dataset", kind, "dropped", dropped)
		}
	}

	c.logger.Info("Dataset selected", "dataset", kind, "records", s.Len())
	return s, nil
}

// Active returns the session of the active dataset
func (c *Curator) Active() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == "" {
		return nil, ErrNoActiveDataset
	}
	return c.sessions[c.active], nil
}

// Session returns the session for kind if it has been selected
func (c *Curator) Session(kind models.DatasetKind) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[kind]
	return s, ok
}

// Progress reports finalized and total record counts for a selected dataset
func (c *Curator) Progress(kind models.DatasetKind) (finalized, total int, err error) {
	s, ok := c.Session(kind)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotSelected, kind)
	}
	finalized, total = s.Progress()
	return finalized, total, nil
}

// State returns the persistable state of all datasets, including restored
// datasets that have not been selected yet in this process
func (c *Curator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	datasets := make(map[models.DatasetKind]models.DatasetState, len(c.sessions)+len(c.restored))
	for kind, state := range c.restored {
		datasets[kind] = state
	}
	for kind, s := range c.sessions {
		datasets[kind] = s.State()
	}
	return State{
		Active:   c.active,
		Datasets: datasets,
		Totals:   c.acct.Totals().ToModel(),
		Calls:    c.acct.Calls(),
	}
}

// persist hands the current state to the sink. Calls are serialized so a
// newer state is never overwritten by an older one.
func (c *Curator) persist() {
	if c.sink == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.sink.Update(c.State()); err != nil {
		c.logger.Error("Failed to checkpoint curation state", "error", err)
	}
}
