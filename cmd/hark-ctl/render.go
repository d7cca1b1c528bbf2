package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"hark/internal/agent"
	"hark/internal/api"
	"hark/internal/status"
	"hark/pkg/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(14)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	onStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	offStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	userStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	agentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("135")).Bold(true)
	dateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	stateStyles = map[status.State]lipgloss.Style{
		status.Idle:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		status.Recording:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		status.Processing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.Thinking:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.Speaking:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}

	kindStyles = map[status.Kind]lipgloss.Style{
		status.Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		status.Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		status.Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		status.Loading: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
	}
)

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

func flag(enabled, available bool) string {
	switch {
	case !available:
		return offStyle.Render("unavailable")
	case enabled:
		return onStyle.Render("on")
	default:
		return offStyle.Render("off")
	}
}

func renderState(s status.Snapshot) string {
	return stateStyles[s.State].Render(string(s.State))
}

func renderStatus(s status.Snapshot) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("hark"))
	b.WriteString("\n")

	wake := flag(s.WakeWordEnabled, s.WakeWordAvailable)
	if s.WakeWordAvailable && s.WakeWordPhrase != "" {
		wake += dateStyle.Render(fmt.Sprintf("  %q", s.WakeWordPhrase))
	}

	lines := []string{
		row("State", renderState(s)),
		row("Wake word", wake),
		row("Speech", flag(s.TTSEnabled, s.TTSAvailable)),
		row("Agent", orNone(s.Agent)),
	}
	if s.Spokesperson != "" {
		lines = append(lines, row("Spokesperson", s.Spokesperson))
	}
	lines = append(lines,
		row("Session", idStyle.Render(s.SessionID)),
		row("Messages", fmt.Sprint(len(s.Messages))),
	)

	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func renderMessages(msgs []agent.Message) string {
	if len(msgs) == 0 {
		return dateStyle.Render("No messages yet")
	}

	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		who := agentStyle.Render("agent")
		if m.Role == agent.RoleUser {
			who = userStyle.Render("you  ")
		}
		out = append(out, who+"  "+m.Text)
	}
	return strings.Join(out, "\n")
}

func renderNotifications(list []status.Notification) string {
	if len(list) == 0 {
		return dateStyle.Render("No notifications")
	}

	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, fmt.Sprintf("%s  %s  %s",
			dateStyle.Render(n.Timestamp.Format(time.TimeOnly)),
			kindStyles[n.Type].Render(fmt.Sprintf("%-7s", n.Type)),
			n.Message))
	}
	return strings.Join(out, "\n")
}

func renderSessions(list []status.SessionSummary) string {
	if len(list) == 0 {
		return dateStyle.Render("No sessions")
	}

	out := make([]string, 0, len(list))
	for _, s := range list {
		when := "unknown"
		if !s.CreatedAt.IsZero() {
			when = s.CreatedAt.Format("2006-01-02 15:04")
		}
		out = append(out, fmt.Sprintf("%s  %s  %s",
			dateStyle.Render(when), idStyle.Render(s.ID), s.Preview))
	}
	return strings.Join(out, "\n")
}

func renderMembers(current string, members []api.FlowMember) string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		mark := "  "
		if m.ID == current {
			mark = onStyle.Render("* ")
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		line := mark + name + " " + idStyle.Render(m.ID)
		if m.Type == "flow" {
			line += dateStyle.Render(fmt.Sprintf(" (flow, %d members)", len(m.Agents)))
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func renderAgents(r agentsReply) string {
	if len(r.Allowed) == 0 {
		return row("Agent", orNone(r.Current))
	}
	return renderMembers(r.Current, r.Allowed)
}

func renderSpokespersons(r spokespersonReply) string {
	if len(r.Candidates) == 0 {
		return dateStyle.Render("The current agent is not a flow")
	}
	return renderMembers(r.Current, r.Candidates)
}

func renderModels(list []protocol.Model) string {
	if len(list) == 0 {
		return dateStyle.Render("No wake word models")
	}

	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, fmt.Sprintf("%s  %q", idStyle.Render(m.ID), m.Phrase))
	}
	return strings.Join(out, "\n")
}

func renderPaired(info api.ClientInfo) string {
	return onStyle.Render("Paired") + " as " + orNone(info.Name) +
		dateStyle.Render(fmt.Sprintf(" (%d agents)", len(info.AllowedAgents)))
}

const (
	meterWidth = 24
	meterFloor = -60.0
	bandFloor  = -80.0
	bandCeil   = -20.0
)

var (
	meterStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	peakStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	blocks     = []rune("▁▂▃▄▅▆▇█")
)

// scale maps v in dBFS onto 0..1 between floor and ceil.
func scale(v, floor, ceil float64) float64 {
	if v <= 0 {
		return 0
	}
	db := 20 * math.Log10(v)
	return math.Max(0, math.Min(1, (db-floor)/(ceil-floor)))
}

func renderLevel(l status.Level) string {
	if !l.Live {
		return row("Microphone", offStyle.Render("closed"))
	}

	filled := int(math.Round(scale(l.RMS, meterFloor, 0) * meterWidth))
	style := meterStyle
	if filled >= meterWidth-2 {
		style = peakStyle
	}
	bar := style.Render(strings.Repeat("█", filled)) + offStyle.Render(strings.Repeat("░", meterWidth-filled))

	var spectrum strings.Builder
	for _, b := range l.Bands {
		i := int(scale(b, bandFloor, bandCeil) * float64(len(blocks)-1))
		spectrum.WriteRune(blocks[i])
	}

	return fmt.Sprintf("%s  %s", bar, meterStyle.Render(spectrum.String()))
}

func orNone(s string) string {
	if s == "" {
		return offStyle.Render("none")
	}
	return s
}
