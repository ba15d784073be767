package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/virt"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	retainedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	omittedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	excludedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	strategyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))

	detailStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

const listWidth = 28

type decision int

const (
	undecided decision = iota
	decisionWrite
	decisionAbort
)

type inspectKeys struct {
	Up, Down, Write, Abort key.Binding
}

func (k inspectKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Write, k.Abort}
}

func (k inspectKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = inspectKeys{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Write: key.NewBinding(key.WithKeys("w", "enter"), key.WithHelp("w", "write output")),
	Abort: key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "abort")),
}

type inspectRow struct {
	name     string
	strategy string
	status   string
	detail   []string
}

type inspectModel struct {
	title    string
	summary  string
	rows     []inspectRow
	selected int
	width    int
	detail   viewport.Model
	help     help.Model
	decision decision
}

func newInspectModel(title string, cfg *policy.Config, res *virt.Result) *inspectModel {
	retained := map[string]bool{}
	for _, r := range res.Retained {
		retained[r] = true
	}

	m := &inspectModel{
		title: title,
		summary: fmt.Sprintf("adapter %d bytes · retained %s",
			len(res.Adapter), strings.Join(res.Retained, ", ")),
		detail: viewport.New(60, 12),
		help:   help.New(),
	}
	for _, sub := range policy.Subsystems() {
		status := "omitted"
		switch {
		case cfg.Excluded(sub):
			status = "excluded"
		case retained[string(sub)]:
			status = "retained"
		}
		m.rows = append(m.rows, inspectRow{
			name:     string(sub),
			strategy: cfg.Strategy(sub).String(),
			status:   status,
			detail:   describe(cfg, res, sub),
		})
	}
	m.showDetail()
	return m
}

// describe renders what the adapter will do for one subsystem.
func describe(cfg *policy.Config, res *virt.Result, sub policy.Subsystem) []string {
	lines := []string{"strategy: " + cfg.Strategy(sub).String()}
	switch sub {
	case policy.Env:
		if cfg.Env == nil {
			break
		}
		for _, o := range cfg.Env.Overrides {
			lines = append(lines, fmt.Sprintf("set %s=%s", o.Key, o.Value))
		}
		host := "host: " + cfg.Env.Host.Kind.String()
		if len(cfg.Env.Host.Names) > 0 {
			host += " " + strings.Join(cfg.Env.Host.Names, ", ")
		}
		lines = append(lines, host)

	case policy.FS:
		if cfg.FS == nil {
			break
		}
		for _, p := range cfg.FS.Preopens() {
			lines = append(lines, "preopen "+p.Path)
			_ = p.Entry.Walk(func(path []string, e *policy.Entry) error {
				if len(path) == 0 {
					return nil
				}
				line := strings.Repeat("  ", len(path)) + path[len(path)-1]
				switch e.Kind() {
				case policy.EntryDir:
					line += "/"
				case policy.EntryVirtualize, policy.EntryRuntimeFile:
					line += " (" + e.Kind().String() + " " + e.Path() + ")"
				case policy.EntrySymlink:
					line += " -> " + e.Path()
				}
				lines = append(lines, line)
				return nil
			})
		}
		for _, hp := range cfg.FS.HostPreopenList() {
			lines = append(lines, fmt.Sprintf("host %s -> %s", hp[0], hp[1]))
		}
		if cfg.FS.DenyHostPreopens {
			lines = append(lines, "host preopens hidden")
		}
		if len(res.Files) > 0 {
			lines = append(lines, "", "captured:")
			vpaths := make([]string, 0, len(res.Files))
			for v := range res.Files {
				vpaths = append(vpaths, v)
			}
			sort.Strings(vpaths)
			for _, v := range vpaths {
				lines = append(lines, fmt.Sprintf("  %s <- %s", v, res.Files[v]))
			}
		}

	case policy.Stdio:
		var s policy.StdioConfig
		if cfg.Stdio != nil {
			s = *cfg.Stdio
		}
		lines = append(lines,
			"stdin:  "+cfg.StreamMode(s.Stdin).String(),
			"stdout: "+cfg.StreamMode(s.Stdout).String(),
			"stderr: "+cfg.StreamMode(s.Stderr).String())
	}
	return lines
}

func (m *inspectModel) showDetail() {
	m.detail.SetContent(strings.Join(m.rows[m.selected].detail, "\n"))
	m.detail.GotoTop()
}

func (m *inspectModel) Init() tea.Cmd { return nil }

func (m *inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.detail.Width = max(msg.Width-listWidth-4, 20)
		m.detail.Height = max(msg.Height-6, 4)
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Abort):
			m.decision = decisionAbort
			return m, tea.Quit
		case key.Matches(msg, keys.Write):
			m.decision = decisionWrite
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.selected > 0 {
				m.selected--
				m.showDetail()
			}
			return m, nil
		case key.Matches(msg, keys.Down):
			if m.selected < len(m.rows)-1 {
				m.selected++
				m.showDetail()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m *inspectModel) View() string {
	var list strings.Builder
	for i, r := range m.rows {
		line := fmt.Sprintf("%-8s %s", r.name, strategyStyle.Render(fmt.Sprintf("%-8s", r.strategy)))
		if i == m.selected {
			line = selectedStyle.Render(fmt.Sprintf("> %-8s %-8s", r.name, r.strategy))
		} else {
			line = "  " + line
		}
		list.WriteString(line + " " + statusStyle(r.status).Render(r.status) + "\n")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("wasi-virt"))
	b.WriteString(" " + m.title + "\n")
	summary := m.summary
	if m.width > 0 {
		summary = ansi.Truncate(summary, m.width, "…")
	}
	b.WriteString(summary + "\n\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(listWidth+10).Render(list.String()),
		detailStyle.Render(m.detail.View()),
	))
	b.WriteString("\n")
	b.WriteString(m.help.View(keys))
	return b.String()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "retained":
		return retainedStyle
	case "excluded":
		return excludedStyle
	default:
		return omittedStyle
	}
}

// inspect shows the inspector and reports whether the user chose to write
// the output.
func inspect(title string, cfg *policy.Config, res *virt.Result) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return false, errors.Config("--inspect needs an interactive terminal")
	}

	m := newInspectModel(title, cfg, res)
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		m.Update(tea.WindowSizeMsg{Width: w, Height: h})
	}

	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return false, err
	}
	return final.(*inspectModel).decision == decisionWrite, nil
}
