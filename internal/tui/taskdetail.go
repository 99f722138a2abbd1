package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fentz26/runq/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// renderTaskDetail renders the full record of one task for the detail
// viewport.
func renderTaskDetail(item *models.QueueItem, width int, now time.Time) string {
	if item == nil {
		return "\n  Loading task...\n"
	}
	wrap := lipgloss.NewStyle().Width(max(20, width-4))

	var b strings.Builder
	b.WriteString(headerStyle.Render("Task "+item.TaskID) + "\n")

	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", label)) + valueStyle.Render(value) + "\n")
	}
	field("Status", formatStatus(item.Status))
	field("Namespace", item.Namespace)
	field("Group", item.TaskGroupID)
	field("Session", item.SessionID)
	field("Type", item.TaskType)
	field("Created", fmt.Sprintf("%s (%s)", item.CreatedAt.Local().Format(time.DateTime), humanize.RelTime(item.CreatedAt, now, "ago", "from now")))
	field("Updated", humanize.RelTime(item.UpdatedAt, now, "ago", "from now"))

	b.WriteString(sectionStyle.Render("Prompt") + "\n")
	b.WriteString(wrap.Render(item.Prompt) + "\n")

	if item.ErrorMessage != "" {
		b.WriteString(sectionStyle.Render("Error") + "\n")
		b.WriteString(wrap.Foreground(errorColor).Render(item.ErrorMessage) + "\n")
	}

	if c := item.Clarification; c != nil {
		b.WriteString(sectionStyle.Render("Awaiting response") + "\n")
		b.WriteString(wrap.Render(c.Question) + "\n")
		for i, opt := range c.Options {
			b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, opt))
		}
		if c.Context != "" {
			b.WriteString(helpStyle.Render(c.Context) + "\n")
		}
	}

	if len(item.ConversationHistory) > 0 {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Conversation (%d)", len(item.ConversationHistory))) + "\n")
		for _, e := range item.ConversationHistory {
			b.WriteString(labelStyle.Render(fmt.Sprintf("[%s] ", e.Role)) + wrap.Render(e.Content) + "\n")
		}
	}

	if item.Output != "" {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Output (%s)", humanize.Bytes(uint64(len(item.Output))))) + "\n")
		b.WriteString(item.Output + "\n")
	}
	return b.String()
}
