package catalog

import (
	"fmt"
	"strings"

	"github.com/lamim/sftcurator/pkg/models"
)

// Mode selects how raw fields become a prompt payload
type Mode string

const (
	// ModeConcat joins string fields with Separator
	ModeConcat Mode = "concat"
	// ModePassthrough uses a single field unchanged
	ModePassthrough Mode = "passthrough"
	// ModeFields builds an object of the selected fields
	ModeFields Mode = "fields"
)

// Projection maps a raw source record onto a models.Record.
// Adding a dataset kind means adding an entry to the projection table.
type Projection struct {
	Kind          models.DatasetKind
	IDField       string
	NameField     string
	PayloadFields []string
	Mode          Mode
	Separator     string
	Schema        string // JSON Schema every raw record must satisfy
}

var projections = map[models.DatasetKind]Projection{
	models.KindMasterSummary: {
		Kind:          models.KindMasterSummary,
		IDField:       "operator_id",
		NameField:     "operator_name",
		PayloadFields: []string{"operator_name", "master_summary"},
		Mode:          ModeFields,
		Schema: `{
			"type": "object",
			"required": ["operator_id", "operator_name", "master_summary"],
			"properties": {
				"operator_id": {"type": "string", "minLength": 1},
				"operator_name": {"type": "string"},
				"master_summary": {"type": "string"}
			}
		}`,
	},
	models.KindCommentSummary: {
		Kind:          models.KindCommentSummary,
		IDField:       "operator_id",
		NameField:     "operator_name",
		PayloadFields: []string{"players_summary", "experts_summary"},
		Mode:          ModeConcat,
		Separator:     "\n\n",
		Schema: `{
			"type": "object",
			"required": ["operator_id", "operator_name", "players_summary", "experts_summary"],
			"properties": {
				"operator_id": {"type": "string", "minLength": 1},
				"operator_name": {"type": "string"},
				"players_summary": {"type": "string"},
				"experts_summary": {"type": "string"}
			}
		}`,
	},
	models.KindReviewsSummary: {
		Kind:          models.KindReviewsSummary,
		IDField:       "operator_id",
		NameField:     "operator_name",
		PayloadFields: []string{"aggregate_reviews"},
		Mode:          ModePassthrough,
		Schema: `{
			"type": "object",
			"required": ["operator_id", "aggregate_reviews"],
			"properties": {
				"operator_id": {"type": "string", "minLength": 1},
				"operator_name": {"type": "string"},
				"aggregate_reviews": {"type": "array"}
			}
		}`,
	},
}

// ProjectionFor returns the projection registered for a kind
func ProjectionFor(kind models.DatasetKind) (Projection, bool) {
	p, ok := projections[kind]
	return p, ok
}

// RequiredColumns lists the fields a tabular source must provide
func (p Projection) RequiredColumns() []string {
	seen := map[string]bool{}
	var cols []string
	for _, f := range append([]string{p.IDField, p.NameField}, p.PayloadFields...) {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		cols = append(cols, f)
	}
	return cols
}

// Apply projects a validated raw record
func (p Projection) Apply(raw map[string]any) (models.Record, error) {
	id := strings.TrimSpace(fmt.Sprint(raw[p.IDField]))
	name := ""
	if v, ok := raw[p.NameField]; ok && v != nil {
		name = strings.TrimSpace(fmt.Sprint(v))
	}
	if name == "" {
		name = id
	}

	var payload any
	switch p.Mode {
	case ModeConcat:
		parts := make([]string, 0, len(p.PayloadFields))
		for _, f := range p.PayloadFields {
			s, _ := raw[f].(string)
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		payload = strings.Join(parts, p.Separator)
	case ModePassthrough:
		payload = raw[p.PayloadFields[0]]
	case ModeFields:
		obj := make(map[string]any, len(p.PayloadFields))
		for _, f := range p.PayloadFields {
			obj[f] = raw[f]
		}
		payload = obj
	default:
		return models.Record{}, fmt.Errorf("unknown projection mode %q", p.Mode)
	}

	return models.Record{ID: id, DisplayName: name, Payload: payload}, nil
}
