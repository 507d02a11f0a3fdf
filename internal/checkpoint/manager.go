package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/internal/curation"
	"github.com/lamim/sftcurator/pkg/models"
)

const CheckpointFilename = "checkpoint.json"

// Manager persists curator state with async write support
type Manager struct {
	sessionDir      string
	checkpoint      *models.Checkpoint
	mu              sync.RWMutex
	logger          *slog.Logger
	interval        int // Save every N mutations
	mutationCounter int // Counter since last save
	enabled         bool
	seq             uint64 // Incremented for every copy handed to the writer

	// Async write support
	writeChan   chan pendingWrite
	writeWg     sync.WaitGroup
	stopWriter  chan struct{}
	writerError error
	errorMu     sync.Mutex
	writeMu     sync.Mutex // Protects concurrent disk writes and written
	written     uint64     // seq of the checkpoint currently on disk
	closeOnce   sync.Once
}

// pendingWrite is a checkpoint copy tagged with the order it was taken in
type pendingWrite struct {
	cp  *models.Checkpoint
	seq uint64
}

// NewManager creates a checkpoint manager for a fresh session
func NewManager(sessionDir string, cfg *config.Config, logger *slog.Logger) *Manager {
	return newManager(sessionDir, &models.Checkpoint{
		SessionID:  uuid.New().String(),
		CreatedAt:  time.Now(),
		Datasets:   make(map[models.DatasetKind]models.DatasetState),
		ConfigHash: computeConfigHash(cfg),
	}, cfg, logger)
}

// NewManagerFromCheckpoint continues an existing checkpoint
func NewManagerFromCheckpoint(sessionDir string, cp *models.Checkpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	cp = copyCheckpoint(cp)
	if cp.Datasets == nil {
		cp.Datasets = make(map[models.DatasetKind]models.DatasetState)
	}
	return newManager(sessionDir, cp, cfg, logger)
}

func newManager(sessionDir string, cp *models.Checkpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	interval := cfg.Curation.CheckpointInterval
	if interval < 1 {
		interval = 1
	}
	m := &Manager{
		sessionDir: sessionDir,
		checkpoint: cp,
		logger:     logger.With("component", "checkpoint"),
		interval:   interval,
		enabled:    cfg.Curation.EnableCheckpointing,
		writeChan:  make(chan pendingWrite, 10), // Buffer up to 10 pending writes
		stopWriter: make(chan struct{}),
	}

	if m.enabled {
		m.startAsyncWriter()
	}

	return m
}

// startAsyncWriter starts the background writer goroutine
func (m *Manager) startAsyncWriter() {
	m.writeWg.Add(1)
	go func() {
		defer m.writeWg.Done()
		for {
			select {
			case w := <-m.writeChan:
				if err := m.writeCheckpointToDisk(w); err != nil {
					m.errorMu.Lock()
					m.writerError = err
					m.errorMu.Unlock()
					m.logger.Error("Failed to write checkpoint", "error", err)
				}
			case <-m.stopWriter:
				// Drain remaining writes before stopping
				for len(m.writeChan) > 0 {
					w := <-m.writeChan
					if err := m.writeCheckpointToDisk(w); err != nil {
						m.logger.Error("Failed to write checkpoint during shutdown", "error", err)
					}
				}
				return
			}
		}
	}()
}

// writeCheckpointToDisk writes via temp file + rename so a crash never leaves a
// torn checkpoint. A copy older than the one on disk is dropped.
func (m *Manager) writeCheckpointToDisk(w pendingWrite) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if w.seq <= m.written {
		m.logger.Debug("Skipping stale checkpoint", "seq", w.seq, "written", m.written)
		return nil
	}
	cp := w.cp
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	checkpointPath := filepath.Join(m.sessionDir, CheckpointFilename)
	tempPath := checkpointPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	m.written = w.seq

	m.logger.Debug("Checkpoint saved", "path", checkpointPath, "datasets", len(cp.Datasets), "calls", len(cp.Calls))
	return nil
}

// Update replaces the stored curator state and saves every interval mutations.
// It implements curation.StateSink.
func (m *Manager) Update(state curation.State) error {
	m.mu.Lock()
	m.checkpoint.Active = state.Active
	m.checkpoint.Datasets = state.Datasets
	m.checkpoint.Totals = state.Totals
	m.checkpoint.Calls = state.Calls
	m.mutationCounter++
	shouldSave := m.mutationCounter >= m.interval
	if shouldSave {
		m.mutationCounter = 0
	}
	m.mu.Unlock()

	if shouldSave {
		return m.Save()
	}
	return nil
}

// Save queues checkpoint for async write
func (m *Manager) Save() error {
	if !m.enabled {
		return nil
	}

	w := m.takeCopy()
	select {
	case m.writeChan <- w:
		return nil
	default:
		m.logger.Warn("Checkpoint write buffer full, writing synchronously")
		return m.writeCheckpointToDisk(w)
	}
}

// SaveSync performs synchronous checkpoint write
func (m *Manager) SaveSync() error {
	if !m.enabled {
		return nil
	}

	return m.writeCheckpointToDisk(m.takeCopy())
}

func (m *Manager) takeCopy() pendingWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint.LastSavedAt = time.Now()
	m.seq++
	return pendingWrite{cp: copyCheckpoint(m.checkpoint), seq: m.seq}
}

// copyCheckpoint creates a deep copy of the checkpoint
func copyCheckpoint(src *models.Checkpoint) *models.Checkpoint {
	cp := *src
	cp.Datasets = make(map[models.DatasetKind]models.DatasetState, len(src.Datasets))
	for kind, ds := range src.Datasets {
		slots := make(map[string]models.ResultSlot, len(ds.Slots))
		for id, slot := range ds.Slots {
			slots[id] = slot.Clone()
		}
		ds.Slots = slots
		cp.Datasets[kind] = ds
	}
	cp.Totals.ByModel = make(map[string]models.UsageStats, len(src.Totals.ByModel))
	for model, u := range src.Totals.ByModel {
		cp.Totals.ByModel[model] = u
	}
	cp.Calls = append([]models.UsageCall(nil), src.Calls...)
	return &cp
}

// Load reads checkpoint from disk
func Load(sessionDir string, logger *slog.Logger) (*models.Checkpoint, error) {
	checkpointPath := filepath.Join(sessionDir, CheckpointFilename)

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	logger.Info("Checkpoint loaded",
		"session_id", cp.SessionID,
		"active", cp.Active,
		"datasets", len(cp.Datasets),
		"calls", len(cp.Calls))

	return &cp, nil
}

// GetCheckpoint returns a read-only copy of the current checkpoint
func (m *Manager) GetCheckpoint() *models.Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyCheckpoint(m.checkpoint)
}

// Close flushes a final checkpoint, stops the async writer and reports any write error
func (m *Manager) Close() error {
	if !m.enabled {
		return nil
	}

	var err error
	m.closeOnce.Do(func() {
		close(m.stopWriter)
		m.writeWg.Wait()

		if syncErr := m.SaveSync(); syncErr != nil {
			m.logger.Error("Failed to save final checkpoint", "error", syncErr)
			err = syncErr
		}

		m.errorMu.Lock()
		defer m.errorMu.Unlock()
		if err == nil {
			err = m.writerError
		}
	})
	return err
}

// computeConfigHash covers the settings that decide what a restored slot means:
// the generating model and each dataset's source
func computeConfigHash(cfg *config.Config) string {
	var b strings.Builder
	if mc, ok := cfg.Models[cfg.Curation.Model]; ok {
		fmt.Fprintf(&b, "%s|%s", mc.BaseURL, mc.ModelName)
	}
	for _, name := range cfg.DatasetNames() {
		fmt.Fprintf(&b, "|%s=%s", name, cfg.Datasets[name].SourcePath)
	}
	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}
