package cli

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/apresai/pairsim/internal/orchestrator"
	"github.com/apresai/pairsim/internal/pipeline"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/progress"
)

type (
	turnMsg     orchestrator.TurnRecord
	progressMsg progress.Event
	doneMsg     struct {
		report *pipeline.Report
		err    error
	}
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	headerBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("#7D56F4")).
			MarginBottom(1)

	speakerAStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	speakerBStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F25D94")).
			Bold(true)

	bodyStyle = lipgloss.NewStyle().
			PaddingLeft(4)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Italic(true)

	scoreStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			MarginTop(1)
)

// liveModel is the Bubble Tea model that shows a conversation as it happens.
type liveModel struct {
	a, b     profile.Profile
	maxTurns int
	cancel   context.CancelFunc

	turns  []orchestrator.TurnRecord
	status string
	width  int

	done      bool
	cancelled bool
	report    *pipeline.Report
	err       error
}

func newLiveModel(a, b profile.Profile, maxTurns int, cancel context.CancelFunc) liveModel {
	if maxTurns <= 0 {
		maxTurns = orchestrator.DefaultMaxTurns
	}
	return liveModel{
		a:        a,
		b:        b,
		maxTurns: maxTurns,
		cancel:   cancel,
		status:   "Starting...",
		width:    80,
	}
}

func newProgram(m liveModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m liveModel) Init() tea.Cmd {
	return nil
}

func (m liveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.done {
				m.cancelled = true
				if m.cancel != nil {
					m.cancel()
				}
			}
			return m, tea.Quit
		}
	case turnMsg:
		m.turns = append(m.turns, orchestrator.TurnRecord(msg))
		if !msg.IsLast && len(m.turns) < m.maxTurns {
			m.status = fmt.Sprintf("Waiting for %s...", m.nameOf(m.nextSpeaker()))
		}
	case progressMsg:
		if msg.Message != "" {
			m.status = msg.Message
		}
	case doneMsg:
		m.done = true
		m.report = msg.report
		m.err = msg.err
		m.status = "Finished"
	}
	return m, nil
}

// nextSpeaker returns who talks after the last delivered turn. B always
// takes the first turn.
func (m liveModel) nextSpeaker() string {
	if len(m.turns) == 0 || m.turns[len(m.turns)-1].SpeakerID == m.a.ID {
		return m.b.ID
	}
	return m.a.ID
}

func (m liveModel) nameOf(id string) string {
	if id == m.a.ID {
		return m.a.DisplayName()
	}
	return m.b.DisplayName()
}

func (m liveModel) View() string {
	var b strings.Builder

	title := titleStyle.Render(fmt.Sprintf("%s  ↔  %s", m.a.DisplayName(), m.b.DisplayName()))
	b.WriteString(headerBorder.Render(title))
	b.WriteString("\n")

	textWidth := max(m.width-6, 20)
	for _, t := range m.turns {
		style := speakerBStyle
		if t.SpeakerID == m.a.ID {
			style = speakerAStyle
		}
		b.WriteString(fmt.Sprintf("%s %s\n",
			style.Render(fmt.Sprintf("[%d] %s", t.Turn, m.nameOf(t.SpeakerID))),
			dimStyle.Render("("+string(t.Sentiment)+")"),
		))
		text := t.Text
		if text == "" && t.ImageRef == "" {
			text = dimStyle.Render("(nothing)")
		}
		if text != "" {
			b.WriteString(bodyStyle.Width(textWidth).Render(text))
			b.WriteString("\n")
		}
		if t.ImageRef != "" {
			b.WriteString(bodyStyle.Render(dimStyle.Render("shares " + t.ImageRef + ": " + t.ImageMeta)))
			b.WriteString("\n")
		}
		if t.IsLast {
			b.WriteString(bodyStyle.Render(dimStyle.Render(m.nameOf(t.SpeakerID) + " ended the conversation")))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.done && m.report != nil {
		res := m.report.Result
		b.WriteString(fmt.Sprintf("  %s after %d/%d turns\n\n", res.State, res.Turns, m.maxTurns))
		b.WriteString(fmt.Sprintf("  %s %s\n", scoreStyle.Render(fmt.Sprintf("%s %d/10", m.a.DisplayName(), res.Evaluation.A.Score)), res.Evaluation.A.Notes))
		b.WriteString(fmt.Sprintf("  %s %s\n", scoreStyle.Render(fmt.Sprintf("%s %d/10", m.b.DisplayName(), res.Evaluation.B.Score)), res.Evaluation.B.Notes))
	} else {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s  (%d/%d)", m.status, len(m.turns), m.maxTurns)))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("  Error: "+m.err.Error()) + "\n")
	}

	if m.done {
		b.WriteString(helpStyle.Render("  q to exit"))
	} else {
		b.WriteString(helpStyle.Render("  q to stop the conversation"))
	}
	b.WriteString("\n")
	return b.String()
}
