package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/studio/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusAwaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusRevising = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	severityHigh   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	severityLow    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))

	recommendedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	labelStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	categoryBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func formatStatus(status models.SessionStatus) string {
	switch status {
	case models.SessionStatusActive:
		return statusRunning.Render("● running")
	case models.SessionStatusAwaiting:
		return statusAwaiting.Render("? awaiting")
	case models.SessionStatusRevising:
		return statusRevising.Render("↺ revising")
	case models.SessionStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.SessionStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.SessionStatusAbandoned:
		return dimStyle.Render("- abandoned")
	default:
		return string(status)
	}
}

func formatSeverity(sev string) string {
	switch strings.ToLower(sev) {
	case models.SeverityHigh:
		return severityHigh.Render(sev)
	case "medium":
		return severityMedium.Render(sev)
	case "":
		return ""
	default:
		return severityLow.Render(sev)
	}
}

// RenderDeck renders a deck for non-interactive output, marking recommended
// options.
func RenderDeck(d *models.Deck) string {
	return renderDeck(d, -1, -1, nil)
}

// renderDeck draws every category; the one at cat gets a cursor on opt.
// picks holds the chosen labels per category.
func renderDeck(d *models.Deck, cat, opt int, picks map[string]map[string]bool) string {
	var b strings.Builder
	if d.Summary != "" {
		b.WriteString(d.Summary + "\n\n")
	}
	if d.Body != "" {
		b.WriteString(categoryBox.Render(truncateLines(d.Body, 12)) + "\n\n")
	}
	for _, f := range d.Files {
		b.WriteString(labelStyle.Render("file ") + f.Path + dimStyle.Render(fmt.Sprintf("  %d bytes", len(f.Content))) + "\n")
	}
	if len(d.Files) > 0 {
		b.WriteString("\n")
	}

	for i, c := range d.Categories {
		var cb strings.Builder
		head := c.Question
		if head == "" {
			head = c.ID
		}
		cb.WriteString(titleStyle.Render(head))
		if c.Severity != "" {
			cb.WriteString("  " + formatSeverity(c.Severity))
		}
		if c.Multi {
			cb.WriteString(dimStyle.Render("  (pick any)"))
		}
		if len(c.References) > 0 {
			cb.WriteString(dimStyle.Render("  affects " + strings.Join(c.References, ", ")))
		}
		cb.WriteString("\n")

		for j, o := range c.Options {
			mark := "( )"
			if c.Multi {
				mark = "[ ]"
			}
			if picks[c.ID][o.Label] {
				if c.Multi {
					mark = "[x]"
				} else {
					mark = "(•)"
				}
			}
			line := mark + " " + o.Label
			if o.Recommended {
				line += " " + recommendedStyle.Render("★ recommended")
			}
			if o.Severity != "" {
				line += " " + formatSeverity(o.Severity)
			}
			if i == cat && j == opt {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			cb.WriteString(line + "\n")
			if o.Description != "" {
				cb.WriteString("      " + dimStyle.Render(o.Description) + "\n")
			}
		}
		b.WriteString(categoryBox.Render(strings.TrimRight(cb.String(), "\n")) + "\n")
	}
	return b.String()
}

// RenderArtifact renders the compiled artifact as text.
func RenderArtifact(art *models.FinalArtifact) string {
	if art == nil {
		return "(no artifact)"
	}
	var b strings.Builder
	switch art.Kind {
	case models.ArtifactManifest:
		for _, f := range art.Files {
			b.WriteString(titleStyle.Render(f.Path) + "\n")
			b.WriteString(f.Content)
			if !strings.HasSuffix(f.Content, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	case models.ArtifactManuscript:
		b.WriteString(art.Manuscript)
		if len(art.HeadlineVariants) > 1 {
			b.WriteString("\n" + labelStyle.Render("Other headlines:") + "\n")
			for _, h := range art.HeadlineVariants {
				if h != art.Headline {
					b.WriteString("  • " + h + "\n")
				}
			}
		}
	case models.ArtifactSpec:
		data, err := json.MarshalIndent(art.Spec, "", "  ")
		if err != nil {
			return fmt.Sprintf("(spec could not be rendered: %v)", err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String()
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + "\n" + dimStyle.Render(fmt.Sprintf("… %d more lines", len(lines)-n))
}
