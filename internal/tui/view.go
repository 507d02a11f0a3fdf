package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lamim/sftcurator/internal/catalog"
	"github.com/lamim/sftcurator/internal/util"
	"github.com/lamim/sftcurator/pkg/models"
)

const payloadPreviewLen = 600

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)

	statusStyles = map[models.SlotStatus]lipgloss.Style{
		models.StatusEmpty:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		models.StatusGenerated: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		models.StatusFinalized: lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")).Bold(true),
	}
)

const (
	browseHelp = "←/→ navigate · g generate · f finalize · e edit · i instruction · d dataset · x export · q quit"
	editHelp   = "ctrl+s save · esc cancel"
	pickHelp   = "↑/↓ move · enter open · esc back · q quit"
)

// View renders the current screen
func (a *App) View() string {
	var body, help string
	switch a.state {
	case statePickDataset:
		body, help = a.picker.View(), pickHelp
	case stateEditOutput:
		body = titleStyle.Render("Edit output · "+a.editingID) + "\n" + a.editor.View()
		help = editHelp
	case stateEditInstruction:
		body = titleStyle.Render("Edit system instruction") + "\n" + a.editor.View()
		help = editHelp
	default:
		body, help = a.renderRecord(), browseHelp
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, a.renderFooter(help))
}

func (a *App) renderRecord() string {
	s, err := a.curator.Active()
	if err != nil {
		return labelStyle.Render("No dataset selected")
	}
	rec, slot, ok := s.Current()
	if !ok {
		return titleStyle.Render(string(s.Kind())) + "\n" + labelStyle.Render("Dataset has no records")
	}

	finalized, total := s.Progress()
	header := titleStyle.Render(fmt.Sprintf("%s · record %d/%d · %d finalized",
		s.Kind(), s.Cursor()+1, total, finalized))

	name := rec.ID
	if rec.DisplayName != "" && rec.DisplayName != rec.ID {
		name = fmt.Sprintf("%s (%s)", rec.DisplayName, rec.ID)
	}
	status := statusStyles[slot.Status].Render(string(slot.Status))
	if s.InFlight(rec.ID) {
		status += labelStyle.Render(" · generating")
	}

	payload, err := catalog.SerializePayload(rec.Payload)
	if err != nil {
		payload = errorStyle.Render(err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s\n", labelStyle.Render("Record:"), name, status)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Instruction:"), util.Preview(s.Instruction(), 120))
	b.WriteString(boxStyle.Render(util.TruncateString(payload, payloadPreviewLen)))
	b.WriteString("\n")

	output := slot.Text
	if output == "" {
		output = labelStyle.Render("(no output yet)")
	}
	b.WriteString(boxStyle.Render(output))
	if slot.Status == models.StatusFinalized && slot.Candidate != "" && slot.Candidate != slot.Text {
		b.WriteString("\n" + labelStyle.Render("Latest candidate: "+util.Preview(slot.Candidate, 120)))
	}
	if slot.Usage != nil {
		fmt.Fprintf(&b, "\n%s %d prompt / %d completion tokens (%s)",
			labelStyle.Render("Usage:"), slot.Usage.PromptTokens, slot.Usage.CompletionTokens, slot.Model)
	}

	return header + "\n" + b.String()
}

func (a *App) renderFooter(help string) string {
	acct := a.curator.Accountant()
	grand := acct.Totals().Grand
	lines := []string{
		fmt.Sprintf("Tokens: %d · Cost: $%.4f", grand.TotalTokens, acct.TotalCost()),
	}
	if a.statusMsg != "" {
		line := a.statusMsg
		if a.err != nil {
			line = errorStyle.Render(fmt.Sprintf("%s: %v", a.statusMsg, a.err))
		}
		lines = append(lines, line)
	}
	lines = append(lines, help)
	return footerStyle.Render(strings.Join(lines, "\n"))
}
