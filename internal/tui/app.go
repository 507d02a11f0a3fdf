// Package tui is the interactive operator front-end over a curation.Curator.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lamim/sftcurator/internal/curation"
	"github.com/lamim/sftcurator/internal/export"
	"github.com/lamim/sftcurator/pkg/models"
)

// appState represents which screen we're on
type appState int

const (
	stateBrowse          appState = iota // One record at a time
	stateEditOutput                      // Editing the output before finalizing
	stateEditInstruction                 // Editing the dataset's system instruction
	statePickDataset                     // Dataset picker
)

// generateDoneMsg carries the result of an async Session.Generate
type generateDoneMsg struct {
	kind models.DatasetKind
	id   string
	err  error
}

// exportDoneMsg carries the result of an export
type exportDoneMsg struct {
	artifacts export.Artifacts
	err       error
}

type datasetItem struct {
	kind models.DatasetKind
	desc string
}

func (i datasetItem) Title() string       { return string(i.kind) }
func (i datasetItem) Description() string { return i.desc }
func (i datasetItem) FilterValue() string { return string(i.kind) }

// Options configures an App
type Options struct {
	Curator   *curation.Curator
	ExportDir string
	Scope     export.Scope
	Logger    *slog.Logger
	Now       func() time.Time // export timestamps; defaults to time.Now
}

// App is the bubbletea model
type App struct {
	ctx       context.Context
	curator   *curation.Curator
	exportDir string
	scope     export.Scope
	logger    *slog.Logger
	now       func() time.Time

	state     appState
	editor    textarea.Model
	editingID string // record being edited in stateEditOutput
	picker    list.Model

	statusMsg string
	err       error

	width  int
	height int
}

// NewApp creates an App. ctx bounds every generation started from the UI.
func NewApp(ctx context.Context, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	scope := opts.Scope
	if scope == "" {
		scope = export.ScopeFinalized
	}

	editor := textarea.New()
	editor.ShowLineNumbers = false
	editor.CharLimit = 0
	editor.SetWidth(76)
	editor.SetHeight(10)

	picker := list.New(nil, list.NewDefaultDelegate(), 40, 16)
	picker.Title = "Select Dataset"
	picker.SetShowStatusBar(false)
	picker.SetFilteringEnabled(false)

	a := &App{
		ctx:       ctx,
		curator:   opts.Curator,
		exportDir: opts.ExportDir,
		scope:     scope,
		logger:    logger.With("component", "tui"),
		now:       now,
		state:     stateBrowse,
		editor:    editor,
		picker:    picker,
	}
	a.refreshPicker()
	if _, err := a.curator.Active(); err != nil {
		a.state = statePickDataset
	}
	return a
}

// Init is called once when the program starts
func (a *App) Init() tea.Cmd {
	return nil
}

// Update is called when a message is received
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.picker.SetSize(max(20, msg.Width-6), max(8, msg.Height-6))
		a.editor.SetWidth(max(20, msg.Width-6))
		a.editor.SetHeight(max(4, msg.Height/3))
		return a, nil

	case generateDoneMsg:
		a.handleGenerateDone(msg)
		return a, nil

	case exportDoneMsg:
		if msg.err != nil {
			a.setError("Export failed", msg.err)
		} else {
			a.setStatus(fmt.Sprintf("Exported %d rows to %s", msg.artifacts.Rows, msg.artifacts.Tabular))
		}
		return a, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		switch a.state {
		case stateEditOutput, stateEditInstruction:
			return a.updateEditor(msg)
		case statePickDataset:
			return a.updatePicker(msg)
		default:
			return a.updateBrowse(msg)
		}
	}

	if a.state == stateEditOutput || a.state == stateEditInstruction {
		var cmd tea.Cmd
		a.editor, cmd = a.editor.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	s, err := a.curator.Active()
	if err != nil {
		a.state = statePickDataset
		return a, nil
	}

	switch msg.String() {
	case "q":
		return a, tea.Quit
	case "right", "l", "n":
		s.Navigate(1)
	case "left", "h", "p":
		s.Navigate(-1)
	case "g":
		return a, a.generate(s)
	case "f":
		a.finalizeCurrent(s)
	case "e":
		rec, slot, ok := s.Current()
		if !ok {
			return a, nil
		}
		if slot.Status == models.StatusEmpty {
			a.setError(fmt.Sprintf("Cannot edit %s", rec.ID), fmt.Errorf("%w: press g first", curation.ErrNotGenerated))
			return a, nil
		}
		text := slot.Text
		if text == "" {
			text = slot.Candidate
		}
		a.editingID = rec.ID
		return a, a.openEditor(stateEditOutput, text)
	case "i":
		return a, a.openEditor(stateEditInstruction, s.Instruction())
	case "d":
		a.refreshPicker()
		a.state = statePickDataset
	case "x":
		return a, a.export(s)
	}
	return a, nil
}

func (a *App) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.editor.Blur()
		a.state = stateBrowse
		a.setStatus("Edit cancelled")
		return a, nil
	case "ctrl+s":
		a.saveEditor()
		return a, nil
	}
	var cmd tea.Cmd
	a.editor, cmd = a.editor.Update(msg)
	return a, cmd
}

func (a *App) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit
	case "esc":
		if _, err := a.curator.Active(); err == nil {
			a.state = stateBrowse
		}
		return a, nil
	case "enter":
		item, ok := a.picker.SelectedItem().(datasetItem)
		if !ok {
			return a, nil
		}
		s, err := a.curator.Select(item.kind)
		if err != nil {
			a.setError(fmt.Sprintf("Cannot open %s", item.kind), err)
			return a, nil
		}
		a.state = stateBrowse
		if w := s.Warning(); w != nil {
			a.setStatus(fmt.Sprintf("Opened %s (warning: %v)", item.kind, w))
		} else {
			a.setStatus(fmt.Sprintf("Opened %s", item.kind))
		}
		return a, nil
	}
	var cmd tea.Cmd
	a.picker, cmd = a.picker.Update(msg)
	return a, cmd
}

// generate starts Session.Generate for the current record off the UI loop
func (a *App) generate(s *curation.Session) tea.Cmd {
	rec, _, ok := s.Current()
	if !ok {
		return nil
	}
	if s.InFlight(rec.ID) {
		a.setStatus(fmt.Sprintf("%s is already generating", rec.ID))
		return nil
	}
	a.setStatus(fmt.Sprintf("Generating %s...", rec.ID))
	ctx, kind, id := a.ctx, s.Kind(), rec.ID
	return func() tea.Msg {
		_, err := s.Generate(ctx, id)
		return generateDoneMsg{kind: kind, id: id, err: err}
	}
}

func (a *App) handleGenerateDone(msg generateDoneMsg) {
	switch {
	case msg.err == nil:
		a.setStatus(fmt.Sprintf("Generated %s/%s", msg.kind, msg.id))
	case errors.Is(msg.err, curation.ErrGenerationInProgress):
		a.setStatus(fmt.Sprintf("%s is already generating", msg.id))
	default:
		a.setError(fmt.Sprintf("Generation failed for %s", msg.id), msg.err)
	}
}

// finalizeCurrent approves the current output text as it stands
func (a *App) finalizeCurrent(s *curation.Session) {
	rec, slot, ok := s.Current()
	if !ok {
		return
	}
	if err := s.Finalize(rec.ID, slot.Text); err != nil {
		a.setError(fmt.Sprintf("Cannot finalize %s", rec.ID), err)
		return
	}
	finalized, total := s.Progress()
	a.setStatus(fmt.Sprintf("Finalized %s (%d/%d)", rec.ID, finalized, total))
}

func (a *App) openEditor(state appState, text string) tea.Cmd {
	a.state = state
	a.editor.SetValue(text)
	return a.editor.Focus()
}

func (a *App) saveEditor() {
	s, err := a.curator.Active()
	if err != nil {
		a.state = statePickDataset
		return
	}

	switch a.state {
	case stateEditInstruction:
		s.SetInstruction(a.editor.Value())
		a.setStatus("Instruction updated")
	case stateEditOutput:
		if err := s.Finalize(a.editingID, a.editor.Value()); err != nil {
			// Stay in the editor so the operator can fix the text
			a.setError(fmt.Sprintf("Cannot finalize %s", a.editingID), err)
			return
		}
		finalized, total := s.Progress()
		a.setStatus(fmt.Sprintf("Finalized %s (%d/%d)", a.editingID, finalized, total))
	}
	a.editor.Blur()
	a.state = stateBrowse
}

func (a *App) export(s *curation.Session) tea.Cmd {
	snap := s.Snapshot()
	dir, scope, now := a.exportDir, a.scope, a.now()
	a.setStatus(fmt.Sprintf("Exporting %s (%s)...", snap.Kind, scope))
	return func() tea.Msg {
		art, err := export.Write(dir, snap, scope, now)
		return exportDoneMsg{artifacts: art, err: err}
	}
}

func (a *App) refreshPicker() {
	kinds := a.curator.Kinds()
	items := make([]list.Item, len(kinds))
	for i, kind := range kinds {
		desc := "not opened"
		if finalized, total, err := a.curator.Progress(kind); err == nil {
			desc = fmt.Sprintf("%d/%d finalized", finalized, total)
		}
		items[i] = datasetItem{kind: kind, desc: desc}
	}
	a.picker.SetItems(items)
}

func (a *App) setStatus(msg string) {
	a.statusMsg = msg
	a.err = nil
	a.logger.Debug(msg)
}

func (a *App) setError(msg string, err error) {
	a.statusMsg = msg
	a.err = err
	a.logger.Warn(msg, "error", err)
}
