package checkpoint

import (
	"fmt"
	"sort"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/pkg/models"
)

// DatasetProgress summarizes one dataset of a checkpoint
type DatasetProgress struct {
	Kind      models.DatasetKind
	Generated int
	Finalized int
	Cursor    int
}

// ValidateCheckpoint verifies checkpoint is compatible with current config
func ValidateCheckpoint(cp *models.Checkpoint, cfg *config.Config) error {
	expectedHash := computeConfigHash(cfg)
	if cp.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: checkpoint was created with a different model or dataset sources (hash: %s vs %s)", cp.ConfigHash, expectedHash)
	}

	for kind := range cp.Datasets {
		if _, ok := cfg.Dataset(kind); !ok {
			return fmt.Errorf("checkpoint holds dataset %s which is not configured", kind)
		}
	}

	return nil
}

// GetDatasetProgress returns per-dataset slot counts in display order.
// Only touched slots are persisted, so record totals are not known here.
func GetDatasetProgress(cp *models.Checkpoint) []DatasetProgress {
	kinds := make([]string, 0, len(cp.Datasets))
	for kind := range cp.Datasets {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	out := make([]DatasetProgress, 0, len(kinds))
	for _, k := range kinds {
		ds := cp.Datasets[models.DatasetKind(k)]
		p := DatasetProgress{Kind: models.DatasetKind(k), Cursor: ds.Cursor}
		for _, slot := range ds.Slots {
			switch slot.Status {
			case models.StatusGenerated:
				p.Generated++
			case models.StatusFinalized:
				p.Finalized++
			}
		}
		out = append(out, p)
	}
	return out
}

// GetFinalizedCount returns the number of finalized slots across datasets
func GetFinalizedCount(cp *models.Checkpoint) int {
	total := 0
	for _, p := range GetDatasetProgress(cp) {
		total += p.Finalized
	}
	return total
}
