package checkpoint

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/internal/curation"
	"github.com/lamim/sftcurator/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(interval int, enabled bool) *config.Config {
	return &config.Config{
		Curation: config.CurationConfig{
			Model:               "main",
			EnableCheckpointing: enabled,
			CheckpointInterval:  interval,
		},
		Models: map[string]config.ModelConfig{
			"main": {BaseURL: "https://api.openai.com/v1", ModelName: "gpt-4o-mini"},
		},
		Datasets: map[string]config.DatasetConfig{
			"master_summary": {SourcePath: "data/master.csv"},
		},
	}
}

func stateWith(finalized int) curation.State {
	slots := map[string]models.ResultSlot{}
	for i := 0; i < finalized; i++ {
		u := models.NewUsageStats(10, 5)
		slots[string(rune('a'+i))] = models.ResultSlot{Status: models.StatusFinalized, Text: "ok", Usage: &u}
	}
	return curation.State{
		Active: models.KindMasterSummary,
		Datasets: map[models.DatasetKind]models.DatasetState{
			models.KindMasterSummary: {Instruction: "be brief", Cursor: finalized, Slots: slots},
		},
		Totals: models.TokenTotals{
			ByModel: map[string]models.UsageStats{"gpt-4o-mini": models.NewUsageStats(10*finalized, 5*finalized)},
			Grand:   models.NewUsageStats(10*finalized, 5*finalized),
		},
	}
}

func TestNewManager(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(10, true), quietLogger())

	if mgr.sessionDir != tempDir {
		t.Errorf("Expected sessionDir %s, got %s", tempDir, mgr.sessionDir)
	}
	if mgr.interval != 10 {
		t.Errorf("Expected interval 10, got %d", mgr.interval)
	}
	if !mgr.enabled {
		t.Error("Expected enabled to be true")
	}
	if mgr.GetCheckpoint().SessionID == "" {
		t.Error("Expected a session id")
	}

	if err := mgr.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestUpdateSavesOnInterval(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(2, true), quietLogger())

	if err := mgr.Update(stateWith(1)); err != nil {
		t.Fatalf("Update(1) failed: %v", err)
	}
	if err := mgr.SaveSync(); err != nil {
		t.Fatal(err)
	}
	first, err := Load(tempDir, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if GetFinalizedCount(first) != 1 {
		t.Errorf("Expected 1 finalized slot, got %d", GetFinalizedCount(first))
	}

	if err := mgr.Update(stateWith(2)); err != nil {
		t.Fatalf("Update(2) failed: %v", err)
	}
	if err := mgr.Update(stateWith(3)); err != nil {
		t.Fatalf("Update(3) failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	loaded, err := Load(tempDir, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.SessionID != first.SessionID {
		t.Error("Session id changed between saves")
	}
	ds := loaded.Datasets[models.KindMasterSummary]
	if len(ds.Slots) != 3 || ds.Cursor != 3 || ds.Instruction != "be brief" {
		t.Errorf("Close() must flush the latest state, got %+v", ds)
	}
	if loaded.Totals.Grand.TotalTokens != 45 {
		t.Errorf("Expected 45 grand tokens, got %d", loaded.Totals.Grand.TotalTokens)
	}
	if loaded.Active != models.KindMasterSummary {
		t.Errorf("Expected active dataset to persist, got %q", loaded.Active)
	}
}

func TestAsyncWriteBuffer(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(1, true), quietLogger())

	for i := 1; i <= 25; i++ {
		if err := mgr.Update(stateWith(i % 26)); err != nil {
			t.Fatalf("Update(%d) failed: %v", i, err)
		}
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	loaded, err := Load(tempDir, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := GetFinalizedCount(loaded); got != 25 {
		t.Errorf("Expected final checkpoint with 25 finalized slots, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(tempDir, CheckpointFilename+".tmp")); !os.IsNotExist(err) {
		t.Error("Temp checkpoint file left behind")
	}
}

func TestQueuedCheckpointNeverOverwritesNewer(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(1, false), quietLogger())
	// Enabled without a running writer so the buffer fills up
	mgr.enabled = true

	for i := 1; i <= cap(mgr.writeChan)+1; i++ {
		if err := mgr.Update(stateWith(i)); err != nil {
			t.Fatalf("Update(%d) failed: %v", i, err)
		}
	}
	if len(mgr.writeChan) != cap(mgr.writeChan) {
		t.Fatalf("Expected a full write buffer, got %d queued", len(mgr.writeChan))
	}

	// The queued, older copies are written after the synchronous one
	mgr.startAsyncWriter()
	close(mgr.stopWriter)
	mgr.writeWg.Wait()

	loaded, err := Load(tempDir, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got, want := GetFinalizedCount(loaded), cap(mgr.writeChan)+1; got != want {
		t.Errorf("Stale checkpoint overwrote the newest: got %d finalized, want %d", got, want)
	}
}

func TestDisabledManagerWritesNothing(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(1, false), quietLogger())

	if err := mgr.Update(stateWith(2)); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, CheckpointFilename)); !os.IsNotExist(err) {
		t.Error("Disabled manager wrote a checkpoint")
	}
	if got := GetFinalizedCount(mgr.GetCheckpoint()); got != 2 {
		t.Errorf("Expected state kept in memory, got %d finalized", got)
	}
}

func TestGetCheckpointIsDeepCopy(t *testing.T) {
	mgr := NewManager(t.TempDir(), testConfig(100, false), quietLogger())
	if err := mgr.Update(stateWith(1)); err != nil {
		t.Fatal(err)
	}

	cp := mgr.GetCheckpoint()
	cp.Datasets[models.KindMasterSummary].Slots["a"].Usage.PromptTokens = 999
	delete(cp.Datasets, models.KindMasterSummary)

	again := mgr.GetCheckpoint()
	slot := again.Datasets[models.KindMasterSummary].Slots["a"]
	if slot.Usage == nil || slot.Usage.PromptTokens != 10 {
		t.Errorf("Mutating a copy leaked into the manager: %+v", slot.Usage)
	}
}

// The manager as the curator's sink: a restarted curator resumes where the last one stopped
func TestCuratorRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(1, true)
	source := &staticSource{records: []models.Record{{ID: "r1", Payload: "one"}, {ID: "r2", Payload: "two"}}}

	mgr := NewManager(tempDir, cfg, quietLogger())
	cur := curation.New(curation.Options{
		Source: source, Provider: echoProvider{}, Model: "gpt-4o-mini",
		Logger: quietLogger(), Sink: mgr,
	})
	s, err := cur.Select(models.KindMasterSummary)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Generate(context.Background(), "r2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize("r2", "edited two"); err != nil {
		t.Fatal(err)
	}
	s.SetInstruction("custom")
	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}

	cp, err := Load(tempDir, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateCheckpoint(cp, cfg); err != nil {
		t.Fatalf("ValidateCheckpoint() error = %v", err)
	}

	resumed := curation.New(curation.Options{
		Source: source, Provider: echoProvider{}, Model: "gpt-4o-mini",
		Logger: quietLogger(), Restore: cp,
	})
	rs, err := resumed.Select(cp.Active)
	if err != nil {
		t.Fatal(err)
	}
	slot, _ := rs.Slot("r2")
	if slot.Status != models.StatusFinalized || slot.Text != "edited two" {
		t.Errorf("Unexpected resumed slot %+v", slot)
	}
	if rs.Instruction() != "custom" {
		t.Errorf("Expected resumed instruction, got %q", rs.Instruction())
	}
	if resumed.Accountant().Totals().Grand.TotalTokens != 2 {
		t.Errorf("Expected resumed totals, got %+v", resumed.Accountant().Totals().Grand)
	}
}

type staticSource struct {
	records []models.Record
}

func (s *staticSource) Kinds() []models.DatasetKind {
	return []models.DatasetKind{models.KindMasterSummary}
}

func (s *staticSource) Load(models.DatasetKind) ([]models.Record, error) {
	return s.records, nil
}

func (s *staticSource) LoadInstruction(models.DatasetKind) (string, error) {
	return "default", nil
}

type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, _, user, _ string) (models.Completion, error) {
	return models.Completion{Text: "echo " + user, Usage: models.NewUsageStats(1, 1)}, nil
}
