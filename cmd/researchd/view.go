package main

import (
	"fmt"
	"strings"

	"deepresearch/internal/client"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	doneMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")).Render("✓")
	failedMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Render("✗")
	pendingMark = mutedStyle.Render("·")
)

type eventMsg client.Event

type streamClosedMsg struct{ err error }

// queryModel is the live progress view of one research request.
type queryModel struct {
	sess     *client.Session
	question string
	st       *tracker

	spinner spinner.Model
	bar     progress.Model
	width   int

	cancelRequested bool
	streamErr       error
}

func newQueryModel(sess *client.Session, requestID, question string) queryModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle

	return queryModel{
		sess:     sess,
		question: question,
		st:       newTracker(requestID),
		spinner:  sp,
		bar:      progress.New(progress.WithDefaultGradient()),
		width:    80,
	}
}

func (m queryModel) waitForEvent() tea.Msg {
	if m.sess == nil {
		return streamClosedMsg{}
	}
	ev, ok := <-m.sess.Events()
	if !ok {
		return streamClosedMsg{err: m.sess.Err()}
	}
	return eventMsg(ev)
}

func (m queryModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent)
}

func (m queryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "c":
			if m.st.TaskID != "" && !m.cancelRequested && m.sess != nil {
				m.cancelRequested = true
				_ = m.sess.Cancel(m.st.TaskID)
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-10, 20)
		return m, nil

	case eventMsg:
		m.st.Apply(client.Event(msg))
		if m.st.Finished {
			return m, tea.Quit
		}
		return m, m.waitForEvent

	case streamClosedMsg:
		m.streamErr = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m queryModel) View() string {
	if m.st.Finished {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("researchd") + " " + m.question + "\n\n")
	fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), m.st.StatusLine())
	b.WriteString(m.bar.ViewAs(float64(m.st.Progress)/100) + "\n\n")

	for _, a := range m.st.Areas {
		mark := pendingMark
		switch {
		case a.Completed:
			mark = doneMark
		case a.Failed:
			mark = failedMark
		}
		line := fmt.Sprintf("  %s %s", mark, a.Topic)
		if a.Error != "" {
			line += " " + errorStyle.Render(a.Error)
		}
		b.WriteString(line + "\n")
	}
	if m.st.Nodes > 0 {
		fmt.Fprintf(&b, "\n  %s\n", mutedStyle.Render(fmt.Sprintf("graph: %d entities, %d relations", m.st.Nodes, m.st.Edges)))
	}

	help := "q quit · c cancel task"
	if m.cancelRequested {
		help = "cancelling..."
	}
	b.WriteString("\n" + mutedStyle.Render(help) + "\n")
	return b.String()
}

// renderReport renders the final markdown for the terminal, falling back to
// the raw markdown when no renderer is available.
func (m queryModel) renderReport() string {
	md := m.st.Report()
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(m.width-4, 40)),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
