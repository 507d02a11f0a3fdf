package curation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lamim/sftcurator/internal/usage"
	"github.com/lamim/sftcurator/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type reply struct {
	completion models.Completion
	err        error
}

// fakeProvider answers from a queue of replies per record payload. When gate is
// set, calls block until a value is sent on it.
type fakeProvider struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []call
	gate    chan struct{}
	entered chan string
}

type call struct {
	system, user, model string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{replies: make(map[string][]reply)}
}

func (f *fakeProvider) queue(user string, r ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[user] = append(f.replies[user], r...)
}

func (f *fakeProvider) Complete(ctx context.Context, system, user, model string) (models.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{system, user, model})
	var r reply
	if q := f.replies[user]; len(q) > 0 {
		r, f.replies[user] = q[0], q[1:]
	} else {
		r = reply{completion: models.Completion{Text: "default " + user, Usage: models.NewUsageStats(1, 1)}}
	}
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- user
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Completion{}, ctx.Err()
		}
	}
	return r.completion, r.err
}

func (f *fakeProvider) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func ok(text string, prompt, completion int) reply {
	return reply{completion: models.Completion{Text: text, Usage: models.UsageStats{PromptTokens: prompt, CompletionTokens: completion}}}
}

func fail() reply {
	return reply{err: errors.New("upstream 503")}
}

func twoRecords() []models.Record {
	return []models.Record{
		{ID: "r1", DisplayName: "Record One", Payload: "payload one"},
		{ID: "r2", DisplayName: "Record Two", Payload: map[string]any{"b": 2, "a": "x"}},
	}
}

func newTestSession(p CompletionProvider) *Session {
	return NewSession(SessionConfig{
		Kind:        models.KindMasterSummary,
		Records:     twoRecords(),
		Instruction: "be brief",
		Provider:    p,
		Model:       "m1",
		Accountant:  usage.NewAccountant(nil, nil),
		Logger:      quietLogger(),
	})
}

func TestGenerateFinalizeExportScenario(t *testing.T) {
	p := newFakeProvider()
	p.queue("payload one", ok("alpha", 10, 5))
	s := newTestSession(p)

	text, err := s.Generate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "alpha" {
		t.Errorf("Generate() = %q, want alpha", text)
	}
	if got := p.lastCall(); got != (call{"be brief", "payload one", "m1"}) {
		t.Errorf("Provider called with %+v", got)
	}

	slot, _ := s.Slot("r1")
	if slot.Status != models.StatusGenerated || slot.Text != "alpha" {
		t.Errorf("Expected generated slot with alpha, got %+v", slot)
	}
	if slot.Usage == nil || *slot.Usage != (models.UsageStats{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}) {
		t.Errorf("Expected recomputed usage, got %+v", slot.Usage)
	}

	if err := s.Finalize("r1", "alpha"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if f, total := s.Progress(); f != 1 || total != 2 {
		t.Errorf("Progress() = (%d, %d), want (1, 2)", f, total)
	}
}

func TestFailedGenerateLeavesSlotUntouched(t *testing.T) {
	p := newFakeProvider()
	p.queue("payload one", fail(), ok("retry ok", 3, 4))
	s := newTestSession(p)

	before, _ := s.Slot("r1")
	_, err := s.Generate(context.Background(), "r1")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
	after, _ := s.Slot("r1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Slot changed after failed generate (-before +after):\n%s", diff)
	}
	if f, total := s.Progress(); f != 0 || total != 2 {
		t.Errorf("Progress() = (%d, %d), want (0, 2)", f, total)
	}
	if len(s.acct.Calls()) != 0 {
		t.Error("Failed generate must not be accounted")
	}

	if _, err := s.Generate(context.Background(), "r1"); err != nil {
		t.Fatalf("Retried Generate() error = %v", err)
	}
	slot, _ := s.Slot("r1")
	if slot.Status != models.StatusGenerated || slot.Text != "retry ok" {
		t.Errorf("Expected generated slot after retry, got %+v", slot)
	}
}

func TestFailedGenerateOnFinalizedSlot(t *testing.T) {
	p := newFakeProvider()
	p.queue("payload one", ok("alpha", 10, 5), fail())
	s := newTestSession(p)

	if _, err := s.Generate(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize("r1", "alpha edited"); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Slot("r1")

	if _, err := s.Generate(context.Background(), "r1"); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
	after, _ := s.Slot("r1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Finalized slot changed after failed generate (-before +after):\n%s", diff)
	}
}

func TestFinalizeRequiresGeneratedOutput(t *testing.T) {
	s := newTestSession(newFakeProvider())

	if err := s.Finalize("r1", "hand written"); !errors.Is(err, ErrNotGenerated) {
		t.Fatalf("Finalize() on empty slot error = %v, want ErrNotGenerated", err)
	}
	slot, _ := s.Slot("r1")
	if slot.Status != models.StatusEmpty || slot.Text != "" || slot.Usage != nil {
		t.Errorf("Rejected finalize mutated the slot: %+v", slot)
	}
	if finalized, _ := s.Progress(); finalized != 0 {
		t.Errorf("Expected no finalized records, got %d", finalized)
	}
	if snap := s.Snapshot(); len(snap.Slots) != 0 {
		t.Errorf("Expected no touched slots in snapshot, got %+v", snap.Slots)
	}
}

func TestFinalizeRejectsBlankText(t *testing.T) {
	p := newFakeProvider()
	s := newTestSession(p)
	if _, err := s.Generate(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Slot("r1")

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := s.Finalize("r1", text); !errors.Is(err, ErrEmptyText) {
			t.Errorf("Finalize(%q) error = %v, want ErrEmptyText", text, err)
		}
	}
	after, _ := s.Slot("r1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Slot changed after rejected finalize (-before +after):\n%s", diff)
	}
}

func TestStatusNeverMovesBackward(t *testing.T) {
	p := newFakeProvider()
	p.queue("payload one", ok("v1", 1, 1), ok("v2", 2, 2), ok("v3", 3, 3))
	s := newTestSession(p)
	ctx := context.Background()

	rank := map[models.SlotStatus]int{models.StatusEmpty: 0, models.StatusGenerated: 1, models.StatusFinalized: 2}
	last := 0
	check := func(step string) models.ResultSlot {
		t.Helper()
		slot, _ := s.Slot("r1")
		if rank[slot.Status] < last {
			t.Fatalf("%s: status moved backward to %s", step, slot.Status)
		}
		last = rank[slot.Status]
		return slot
	}

	check("initial")
	if _, err := s.Generate(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	check("generate")
	if _, err := s.Generate(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if slot := check("regenerate"); slot.Text != "v2" || slot.Usage.TotalTokens != 4 {
		t.Errorf("Regeneration should overwrite text and usage, got %+v", slot)
	}
	if err := s.Finalize("r1", "operator edit"); err != nil {
		t.Fatal(err)
	}
	check("finalize")

	if _, err := s.Generate(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	slot := check("regenerate finalized")
	if slot.Status != models.StatusFinalized || slot.Text != "operator edit" {
		t.Errorf("Regenerating must keep confirmed text, got %+v", slot)
	}
	if slot.Candidate != "v3" || slot.Usage.TotalTokens != 6 {
		t.Errorf("Expected new candidate and usage, got candidate=%q usage=%+v", slot.Candidate, slot.Usage)
	}

	if err := s.Finalize("r1", "v3"); err != nil {
		t.Fatal(err)
	}
	check("re-finalize")
}

func TestFinalizePreservesUsage(t *testing.T) {
	p := newFakeProvider()
	p.queue("payload one", ok("alpha", 10, 5))
	s := newTestSession(p)
	if _, err := s.Generate(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	s.SetInstruction("new instruction")

	if err := s.Finalize("r1", "edited"); err != nil {
		t.Fatal(err)
	}
	slot, _ := s.Slot("r1")
	if slot.Usage == nil || slot.Usage.TotalTokens != 15 {
		t.Errorf("Expected usage preserved, got %+v", slot.Usage)
	}
	if slot.System != "new instruction" || slot.User != "payload one" {
		t.Errorf("Expected exchange snapshot taken at finalize, got system=%q user=%q", slot.System, slot.User)
	}
}

func TestInstructionChangeAffectsOnlyFutureGenerations(t *testing.T) {
	p := newFakeProvider()
	s := newTestSession(p)
	ctx := context.Background()

	if _, err := s.Generate(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	s.SetInstruction("be verbose")
	if _, err := s.Generate(ctx, "r2"); err != nil {
		t.Fatal(err)
	}

	r1, _ := s.Slot("r1")
	r2, _ := s.Slot("r2")
	if r1.System != "be brief" {
		t.Errorf("Earlier generation picked up new instruction: %q", r1.System)
	}
	if r2.System != "be verbose" {
		t.Errorf("Later generation should use new instruction, got %q", r2.System)
	}
	if r2.User != `{"a":"x","b":2}` {
		t.Errorf("Expected canonical JSON payload, got %s", r2.User)
	}
}

func TestConcurrentGenerateSameRecordRejected(t *testing.T) {
	p := newFakeProvider()
	s := newTestSession(p)
	ctx := context.Background()

	if _, err := s.Generate(ctx, "r2"); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	p.gate = make(chan struct{})
	p.entered = make(chan string, 4)
	p.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Generate(ctx, "r1")
		firstDone <- err
	}()
	<-p.entered

	if !s.InFlight("r1") {
		t.Error("Expected r1 to be in flight")
	}
	if _, err := s.Generate(ctx, "r1"); !errors.Is(err, ErrGenerationInProgress) {
		t.Fatalf("Second Generate(r1) error = %v, want ErrGenerationInProgress", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := s.Generate(ctx, "r2")
		secondDone <- err
	}()
	<-p.entered

	// Other operations stay valid while generations are pending
	s.Navigate(1)
	if err := s.Finalize("r2", "manual"); err != nil {
		t.Errorf("Finalize(r2) during pending regenerate error = %v", err)
	}
	if err := s.Finalize("r1", "too early"); !errors.Is(err, ErrNotGenerated) {
		t.Errorf("Finalize(r1) during its first generate error = %v, want ErrNotGenerated", err)
	}

	p.gate <- struct{}{}
	p.gate <- struct{}{}
	if err := <-firstDone; err != nil {
		t.Errorf("First Generate(r1) error = %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Errorf("Generate(r2) error = %v", err)
	}
	if s.InFlight("r1") || s.InFlight("r2") {
		t.Error("Expected no generation in flight after completion")
	}
	if r2, _ := s.Slot("r2"); r2.Status != models.StatusFinalized || r2.Text != "manual" {
		t.Errorf("Regeneration finishing after finalize must keep the confirmed text, got %+v", r2)
	}

	p.gate = nil
	if _, err := s.Generate(ctx, "r1"); err != nil {
		t.Errorf("Generate(r1) after completion error = %v", err)
	}
}

func TestNavigateWraps(t *testing.T) {
	records := []models.Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	s := NewSession(SessionConfig{Kind: models.KindMasterSummary, Records: records, Logger: quietLogger()})

	tests := []struct {
		step int
		want int
	}{
		{step: 1, want: 1},
		{step: 1, want: 2},
		{step: 1, want: 0},
		{step: -1, want: 2},
		{step: -7, want: 1},
		{step: 9, want: 1},
		{step: 0, want: 1},
	}
	for _, tt := range tests {
		if got := s.Navigate(tt.step); got != tt.want {
			t.Errorf("Navigate(%d) = %d, want %d", tt.step, got, tt.want)
		}
	}

	if err := s.NavigateTo("c"); err != nil || s.Cursor() != 2 {
		t.Errorf("NavigateTo(c) = %v, cursor %d", err, s.Cursor())
	}
	if err := s.NavigateTo("zzz"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("Expected ErrUnknownRecord, got %v", err)
	}
	if s.Cursor() != 2 {
		t.Errorf("Failed NavigateTo moved the cursor to %d", s.Cursor())
	}
	if len(s.Snapshot().Slots) != 0 {
		t.Error("Navigation must not create or alter slots")
	}

	empty := NewSession(SessionConfig{Kind: models.KindMasterSummary, Logger: quietLogger()})
	if got := empty.Navigate(3); got != 0 {
		t.Errorf("Navigate on empty dataset = %d, want 0", got)
	}
	if _, _, ok := empty.Current(); ok {
		t.Error("Current() on empty dataset should report !ok")
	}
}

func TestUnknownRecord(t *testing.T) {
	s := newTestSession(newFakeProvider())
	if _, err := s.Generate(context.Background(), "nope"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("Generate() error = %v, want ErrUnknownRecord", err)
	}
	if err := s.Finalize("nope", "x"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("Finalize() error = %v, want ErrUnknownRecord", err)
	}
	if _, err := s.Slot("nope"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("Slot() error = %v, want ErrUnknownRecord", err)
	}
}

func TestCostTotalsMatchPerCallCosts(t *testing.T) {
	prices := usage.Prices{"m1": {PromptPerMillion: 3, CompletionPerMillion: 7}}
	acct := usage.NewAccountant(prices, nil)
	p := newFakeProvider()

	var records []models.Record
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		records = append(records, models.Record{ID: id, Payload: id})
		p.queue(id, ok("out", 100*(i+1), 7*(i+1)))
	}
	s := NewSession(SessionConfig{
		Kind: models.KindReviewsSummary, Records: records, Provider: p,
		Model: "m1", Accountant: acct, Logger: quietLogger(),
	})

	var wg sync.WaitGroup
	for _, r := range records {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Generate(context.Background(), id); err != nil {
				t.Errorf("Generate(%s) error = %v", id, err)
			}
		}(r.ID)
	}
	wg.Wait()

	var want float64
	for i := 0; i < 20; i++ {
		want += prices.Cost("m1", 100*(i+1), 7*(i+1))
	}
	if got := acct.TotalCost(); math.Abs(got-want) > 1e-9 {
		t.Errorf("TotalCost() = %v, want %v", got, want)
	}
	if got := len(acct.Calls()); got != 20 {
		t.Errorf("Expected 20 accounted calls, got %d", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	p := newFakeProvider()
	s := newTestSession(p)
	if _, err := s.Generate(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	slot := snap.Slots["r1"]
	slot.Usage.PromptTokens = 999
	snap.Slots["r2"] = models.ResultSlot{Status: models.StatusFinalized}

	live, _ := s.Slot("r1")
	if live.Usage.PromptTokens == 999 {
		t.Error("Snapshot shares usage with the live slot")
	}
	if f, _ := s.Progress(); f != 0 {
		t.Error("Snapshot mutation leaked into the session")
	}
}

var cmpIgnoreTakenAt = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".TakenAt"
}, cmp.Ignore())
