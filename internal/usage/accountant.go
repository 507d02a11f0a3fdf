// Package usage converts token counts into cost and keeps running totals per model.
package usage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lamim/sftcurator/internal/metrics"
	"github.com/lamim/sftcurator/internal/util"
	"github.com/lamim/sftcurator/pkg/models"
)

// previewLength bounds the prompt preview kept in the call log
const previewLength = 50

// Price is the USD cost per million tokens for one model
type Price struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// Prices is the static pricing table keyed by model identifier
type Prices map[string]Price

// DefaultPrices returns the built-in pricing table
func DefaultPrices() Prices {
	return Prices{
		"gpt-4o":      {PromptPerMillion: 5.00, CompletionPerMillion: 15.00},
		"gpt-4o-mini": {PromptPerMillion: 0.150, CompletionPerMillion: 0.600},
	}
}

// With returns a copy of the table with overrides applied
func (p Prices) With(overrides Prices) Prices {
	out := make(Prices, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Cost returns the estimated USD cost of a call. The float is for display and
// reporting only; it is not a decimal amount to bill or reconcile against.
// Unknown models cost 0 so a pricing gap never blocks generation.
func (p Prices) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1_000_000*price.PromptPerMillion +
		float64(completionTokens)/1_000_000*price.CompletionPerMillion
}

// Totals are running token sums per model plus a grand total
type Totals struct {
	ByModel map[string]models.UsageStats
	Grand   models.UsageStats
}

// Accumulate returns new totals with usage added under model. The receiver is
// not modified and total_tokens is recomputed from its parts.
func (t Totals) Accumulate(model string, usage models.UsageStats) Totals {
	u := models.NewUsageStats(usage.PromptTokens, usage.CompletionTokens)
	out := Totals{
		ByModel: make(map[string]models.UsageStats, len(t.ByModel)+1),
		Grand:   t.Grand.Add(u),
	}
	for k, v := range t.ByModel {
		out.ByModel[k] = v
	}
	out.ByModel[model] = out.ByModel[model].Add(u)
	return out
}

// Cost derives estimated spend from the token sums, independent of call order
func (t Totals) Cost(prices Prices) float64 {
	var total float64
	for model, u := range t.ByModel {
		total += prices.Cost(model, u.PromptTokens, u.CompletionTokens)
	}
	return total
}

// Models returns the model identifiers present in the totals, sorted
func (t Totals) Models() []string {
	names := make([]string, 0, len(t.ByModel))
	for name := range t.ByModel {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToModel converts totals into their persisted form
func (t Totals) ToModel() models.TokenTotals {
	c := t.clone()
	return models.TokenTotals{ByModel: c.ByModel, Grand: c.Grand}
}

// TotalsFromModel rebuilds totals from their persisted form
func TotalsFromModel(m models.TokenTotals) Totals {
	t := Totals{}
	for _, model := range sortedKeys(m.ByModel) {
		t = t.Accumulate(model, m.ByModel[model])
	}
	return t
}

// Accountant owns the process-wide totals and the per-call log.
// Record is atomic per call, so concurrent generations never lose updates.
type Accountant struct {
	mu      sync.Mutex
	prices  Prices
	totals  Totals
	calls   []models.UsageCall
	metrics *metrics.Collector
}

// NewAccountant creates an accountant using the given pricing table
func NewAccountant(prices Prices, collector *metrics.Collector) *Accountant {
	if prices == nil {
		prices = DefaultPrices()
	}
	return &Accountant{
		prices:  prices,
		metrics: collector,
	}
}

// Prices returns the pricing table in use
func (a *Accountant) Prices() Prices {
	return a.prices
}

// Record accumulates one successful call and returns its cost
func (a *Accountant) Record(dataset models.DatasetKind, recordID, model, prompt string, usage models.UsageStats) float64 {
	u := models.NewUsageStats(usage.PromptTokens, usage.CompletionTokens)
	cost := a.prices.Cost(model, u.PromptTokens, u.CompletionTokens)

	a.mu.Lock()
	a.totals = a.totals.Accumulate(model, u)
	a.calls = append(a.calls, models.UsageCall{
		Model:    model,
		Dataset:  dataset,
		RecordID: recordID,
		Prompt:   util.TruncateString(prompt, previewLength),
		Usage:    u,
		Cost:     cost,
		At:       time.Now(),
	})
	a.mu.Unlock()

	a.metrics.RecordUsage(model, u.PromptTokens, u.CompletionTokens, cost)
	return cost
}

// Restore replaces the totals and call log with previously persisted values
func (a *Accountant) Restore(totals Totals, calls []models.UsageCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals = totals
	a.calls = append([]models.UsageCall(nil), calls...)
}

// Totals returns a copy of the running totals
func (a *Accountant) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals.clone()
}

// Calls returns a copy of the per-call log
func (a *Accountant) Calls() []models.UsageCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.UsageCall(nil), a.calls...)
}

// TotalCost returns the spend across all models
func (a *Accountant) TotalCost() float64 {
	return a.Totals().Cost(a.prices)
}

// Summary renders the per-call log and per-model costs as a plain-text table
func (a *Accountant) Summary() string {
	calls := a.Calls()
	totals := a.Totals()

	var b strings.Builder
	if len(calls) == 0 {
		b.WriteString("No token usage recorded.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%-4s %-16s %-18s %-52s %8s %10s %8s\n", "#", "MODEL", "RECORD", "PROMPT", "PROMPT_T", "COMPLETE_T", "TOTAL_T")
	b.WriteString(strings.Repeat("-", 122) + "\n")
	for i, c := range calls {
		fmt.Fprintf(&b, "%-4d %-16s %-18s %-52s %8d %10d %8d\n",
			i+1, c.Model, util.TruncateString(c.RecordID, 15), util.Preview(c.Prompt, previewLength),
			c.Usage.PromptTokens, c.Usage.CompletionTokens, c.Usage.TotalTokens)
	}
	b.WriteString(strings.Repeat("-", 122) + "\n")
	fmt.Fprintf(&b, "%-4s %-16s %-18s %-52s %8d %10d %8d\n", "", "TOTAL", "", "",
		totals.Grand.PromptTokens, totals.Grand.CompletionTokens, totals.Grand.TotalTokens)

	b.WriteString("\nEstimated costs:\n")
	for _, model := range totals.Models() {
		u := totals.ByModel[model]
		fmt.Fprintf(&b, "  %-16s $%.4f\n", model, a.prices.Cost(model, u.PromptTokens, u.CompletionTokens))
	}
	fmt.Fprintf(&b, "  %-16s $%.4f\n", "Total", totals.Cost(a.prices))
	return b.String()
}

func (t Totals) clone() Totals {
	out := Totals{ByModel: make(map[string]models.UsageStats, len(t.ByModel)), Grand: t.Grand}
	for k, v := range t.ByModel {
		out.ByModel[k] = v
	}
	return out
}

func sortedKeys(m map[string]models.UsageStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
