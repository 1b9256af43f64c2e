package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-vfs/shell"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const maxScrollback = 1000

type interactiveModel struct {
	ctx     context.Context
	sh      *shell.Shell
	input   textinput.Model
	lines   []string
	history []string
	histIdx int
	height  int
}

type execResultMsg struct {
	command string
	prompt  string
	output  string
	err     error
}

func newInteractiveModel(ctx context.Context, sh *shell.Shell) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "help"
	ti.Prompt = ""
	ti.Width = 60
	ti.Focus()
	return &interactiveModel{
		ctx:   ctx,
		sh:    sh,
		input: ti,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit

		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "exit" || line == "quit" {
				return m, tea.Quit
			}
			if line == "clear" {
				m.lines = nil
				return m, nil
			}
			if line != "" {
				m.history = append(m.history, line)
			}
			m.histIdx = len(m.history)
			return m, m.exec(line)

		case "up":
			if m.histIdx > 0 {
				m.histIdx--
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if m.histIdx < len(m.history)-1 {
				m.histIdx++
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			} else {
				m.histIdx = len(m.history)
				m.input.SetValue("")
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.input.Width = msg.Width - len(m.sh.Prompt()) - 1

	case execResultMsg:
		m.appendLines(promptStyle.Render(msg.prompt) + commandStyle.Render(msg.command))
		if msg.output != "" {
			m.appendLines(strings.Split(strings.TrimRight(msg.output, "\n"), "\n")...)
		}
		if msg.err != nil {
			m.appendLines(errorStyle.Render(fmt.Sprintf("Error: %v", msg.err)))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// exec runs line through the shell off the UI goroutine.
func (m *interactiveModel) exec(line string) tea.Cmd {
	prompt := m.sh.Prompt()
	return func() tea.Msg {
		var out bytes.Buffer
		err := m.sh.ExecTo(m.ctx, &out, line)
		return execResultMsg{command: line, prompt: prompt, output: out.String(), err: err}
	}
}

func (m *interactiveModel) appendLines(lines ...string) {
	m.lines = append(m.lines, lines...)
	if over := len(m.lines) - maxScrollback; over > 0 {
		m.lines = m.lines[over:]
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM VFS"))
	b.WriteString(" ")
	b.WriteString(helpStyle.Render("in-memory filesystem shell"))
	b.WriteString("\n\n")

	lines := m.lines
	if m.height > 0 {
		// title, blank line, prompt, blank line, help
		if room := m.height - 5; room >= 0 && len(lines) > room {
			lines = lines[len(lines)-room:]
		}
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(promptStyle.Render(m.sh.Prompt()))
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter run • ↑/↓ history • clear • ctrl+c quit"))

	return b.String()
}

func runInteractive(ctx context.Context, sh *shell.Shell) error {
	p := tea.NewProgram(newInteractiveModel(ctx, sh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
