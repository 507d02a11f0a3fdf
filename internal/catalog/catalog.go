// Package catalog normalizes dataset source files into ordered records.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/pkg/models"
)

var (
	// ErrSourceUnavailable means the backing data could not be read
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSchemaMismatch means required fields are absent or malformed
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrUnknownDataset means no projection or source is registered for a kind
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrInstructionFileMissing means the default instruction could not be read
	ErrInstructionFileMissing = errors.New("instruction file missing")
)

// Source points a dataset kind at its files
type Source struct {
	Path            string
	InstructionPath string
}

// Catalog loads records for the configured dataset kinds. It holds no
// mutable state after construction.
type Catalog struct {
	sources map[models.DatasetKind]Source
	logger  *slog.Logger
}

// New creates a catalog over the given sources
func New(sources map[models.DatasetKind]Source, logger *slog.Logger) *Catalog {
	copied := make(map[models.DatasetKind]Source, len(sources))
	for k, v := range sources {
		copied[k] = v
	}
	return &Catalog{
		sources: copied,
		logger:  logger.With("component", "catalog"),
	}
}

// NewFromConfig creates a catalog from the [datasets] configuration
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *Catalog {
	sources := make(map[models.DatasetKind]Source, len(cfg.Datasets))
	for name, dc := range cfg.Datasets {
		sources[models.DatasetKind(name)] = Source{Path: dc.SourcePath, InstructionPath: dc.InstructionPath}
	}
	return New(sources, logger)
}

// Kinds returns the configured dataset kinds in display order
func (c *Catalog) Kinds() []models.DatasetKind {
	var kinds []models.DatasetKind
	seen := make(map[models.DatasetKind]bool)
	for _, k := range models.AllKinds() {
		if _, ok := c.sources[k]; ok {
			kinds = append(kinds, k)
			seen[k] = true
		}
	}
	var extra []string
	for k := range c.sources {
		if !seen[k] {
			extra = append(extra, string(k))
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		kinds = append(kinds, models.DatasetKind(k))
	}
	return kinds
}

// Load reads and projects every record of a dataset kind, in source order
func (c *Catalog) Load(kind models.DatasetKind) ([]models.Record, error) {
	proj, ok := ProjectionFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: no projection for %q", ErrUnknownDataset, kind)
	}
	src, ok := c.sources[kind]
	if !ok || src.Path == "" {
		return nil, fmt.Errorf("%w: no source configured for %q", ErrUnknownDataset, kind)
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src.Path, err)
	}

	raws, err := decodeSource(src.Path, data, proj.RequiredColumns())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Path, err)
	}

	schema, err := jsonschema.NewCompiler().Compile([]byte(proj.Schema))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", kind, err)
	}

	records := make([]models.Record, 0, len(raws))
	seen := make(map[string]int, len(raws))
	for i, raw := range raws {
		fields := normalizeID(raw, proj.IDField)

		doc, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrSchemaMismatch, i+1, err)
		}
		if result := schema.ValidateJSON(doc); !result.IsValid() {
			return nil, fmt.Errorf("%w: %s record %s: %v", ErrSchemaMismatch, kind, recordLabel(fields, proj.IDField, i), result.Errors)
		}

		rec, err := proj.Apply(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %s record %s: %v", ErrSchemaMismatch, kind, recordLabel(fields, proj.IDField, i), err)
		}
		if prev, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("%w: %s record id %q repeats entry %d", ErrSchemaMismatch, kind, rec.ID, prev+1)
		}
		seen[rec.ID] = i
		records = append(records, rec)
	}

	c.logger.Info("Loaded dataset", "dataset", kind, "path", src.Path, "records", len(records))
	return records, nil
}

// LoadInstruction reads the default system instruction for a kind. A missing
// or unreadable file yields an empty instruction and ErrInstructionFileMissing.
func (c *Catalog) LoadInstruction(kind models.DatasetKind) (string, error) {
	src, ok := c.sources[kind]
	if !ok || src.InstructionPath == "" {
		return "", fmt.Errorf("%w: no instruction file configured for %q", ErrInstructionFileMissing, kind)
	}
	data, err := os.ReadFile(src.InstructionPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInstructionFileMissing, src.InstructionPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// normalizeID injects the document key as the record id and coerces
// numeric ids to strings
func normalizeID(raw rawRecord, idField string) map[string]any {
	fields := make(map[string]any, len(raw.fields)+1)
	for k, v := range raw.fields {
		fields[k] = v
	}
	if raw.key != "" {
		fields[idField] = raw.key
	}
	switch v := fields[idField].(type) {
	case nil, string:
	default:
		fields[idField] = fmt.Sprint(v)
	}
	return fields
}

func recordLabel(fields map[string]any, idField string, index int) string {
	if id, ok := fields[idField].(string); ok && id != "" {
		return fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("#%d", index+1)
}
