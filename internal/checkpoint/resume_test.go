package checkpoint

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/pkg/models"
)

func TestValidateCheckpoint(t *testing.T) {
	cfg := testConfig(1, true)
	cp := &models.Checkpoint{
		ConfigHash: computeConfigHash(cfg),
		Datasets: map[models.DatasetKind]models.DatasetState{
			models.KindMasterSummary: {},
		},
	}

	if err := ValidateCheckpoint(cp, cfg); err != nil {
		t.Errorf("ValidateCheckpoint failed: %v", err)
	}

	differentModel := testConfig(1, true)
	differentModel.Models["main"] = config.ModelConfig{BaseURL: "https://api.openai.com/v1", ModelName: "gpt-4o"}
	if err := ValidateCheckpoint(cp, differentModel); err == nil {
		t.Error("ValidateCheckpoint should fail when the model changed")
	}

	differentSource := testConfig(1, true)
	differentSource.Datasets["master_summary"] = config.DatasetConfig{SourcePath: "data/other.csv"}
	if err := ValidateCheckpoint(cp, differentSource); err == nil {
		t.Error("ValidateCheckpoint should fail when a dataset source changed")
	}

	unknown := &models.Checkpoint{
		ConfigHash: computeConfigHash(cfg),
		Datasets: map[models.DatasetKind]models.DatasetState{
			models.KindReviewsSummary: {},
		},
	}
	if err := ValidateCheckpoint(unknown, cfg); err == nil {
		t.Error("ValidateCheckpoint should fail for an unconfigured dataset")
	}
}

func TestConfigHashIgnoresTuning(t *testing.T) {
	a := testConfig(1, true)
	b := testConfig(50, false)
	mc := b.Models["main"]
	mc.Temperature = 1.2
	b.Models["main"] = mc

	if computeConfigHash(a) != computeConfigHash(b) {
		t.Error("Sampling and checkpoint settings must not invalidate a checkpoint")
	}
}

func TestGetDatasetProgress(t *testing.T) {
	cp := &models.Checkpoint{
		Datasets: map[models.DatasetKind]models.DatasetState{
			models.KindReviewsSummary: {Cursor: 4, Slots: map[string]models.ResultSlot{
				"a": {Status: models.StatusFinalized},
				"b": {Status: models.StatusGenerated},
				"c": {Status: models.StatusFinalized},
			}},
			models.KindCommentSummary: {Slots: map[string]models.ResultSlot{
				"x": {Status: models.StatusGenerated},
			}},
		},
	}

	want := []DatasetProgress{
		{Kind: models.KindCommentSummary, Generated: 1},
		{Kind: models.KindReviewsSummary, Generated: 1, Finalized: 2, Cursor: 4},
	}
	if diff := cmp.Diff(want, GetDatasetProgress(cp)); diff != "" {
		t.Errorf("GetDatasetProgress() mismatch (-want +got):\n%s", diff)
	}
	if GetFinalizedCount(cp) != 2 {
		t.Errorf("Expected 2 finalized, got %d", GetFinalizedCount(cp))
	}
}
