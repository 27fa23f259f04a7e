package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-pixmem/pkg/allocator"
	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/workload"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF00FF")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666")).
				Padding(0, 2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginRight(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type view int

const (
	overviewView view = iota
	bucketsView
	leaksView
	viewCount
)

type keyMap struct {
	Tab     key.Binding
	Release key.Binding
	Quit    key.Binding
	Up      key.Binding
	Down    key.Binding
}

var keys = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	Release: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "release retained"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Release, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.Release},
		{k.Up, k.Down},
		{k.Quit},
	}
}

type model struct {
	alloc       *allocator.Allocator
	runner      *workload.Runner
	monitor     pressure.Monitor
	threshold   float64
	cancel      context.CancelFunc
	currentView view
	bucketTable table.Model
	blockBar    progress.Model
	spinner     spinner.Model
	help        help.Model
	keys        keyMap
	width       int
	stats       allocator.Stats
	sample      pressure.Sample
	startTime   time.Time
	done        *workloadDoneMsg
	message     string
	messageErr  bool
}

type tickMsg time.Time

type workloadDoneMsg struct {
	result workload.Result
	err    error
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func initialModel(a *allocator.Allocator, r *workload.Runner, monitor pressure.Monitor, cancel context.CancelFunc) model {
	columns := []table.Column{
		{Title: "Bucket", Width: 8},
		{Title: "Length", Width: 10},
		{Title: "Rented", Width: 8},
		{Title: "Retained", Width: 10},
		{Title: "Capacity", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		alloc:       a,
		runner:      r,
		monitor:     monitor,
		threshold:   a.Options().Trim.HighPressureThreshold,
		cancel:      cancel,
		currentView: overviewView,
		bucketTable: t,
		blockBar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:     sp,
		help:        help.New(),
		keys:        keys,
		startTime:   time.Now(),
		stats:       a.Stats(),
		sample:      monitor.Sample(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickCmd(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case workloadDoneMsg:
		m.done = &msg
		if msg.err != nil {
			m.message = fmt.Sprintf("Workload stopped: %v", msg.err)
			m.messageErr = true
		} else {
			m.message = fmt.Sprintf("Workload finished: %d frames in %s", msg.result.Frames, msg.result.Duration.Round(time.Millisecond))
			m.messageErr = false
		}

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit

		case key.Matches(msg, m.keys.Tab):
			m.currentView = (m.currentView + 1) % viewCount

		case key.Matches(msg, m.keys.Release):
			m.alloc.ReleaseRetainedResources()
			m.refresh()
			m.message = "Released retained pool memory"
			m.messageErr = false
		}
	}

	if m.currentView == bucketsView {
		m.bucketTable, cmd = m.bucketTable.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *model) refresh() {
	m.stats = m.alloc.Stats()
	m.sample = m.monitor.Sample()

	rows := make([]table.Row, 0, len(m.stats.Arrays.Buckets))
	for _, b := range m.stats.Arrays.Buckets {
		rows = append(rows, table.Row{
			strconv.Itoa(b.Index),
			strconv.Itoa(b.BufferLength),
			strconv.Itoa(b.Rented),
			strconv.Itoa(b.Retained),
			strconv.Itoa(b.Capacity),
		})
	}
	m.bucketTable.SetRows(rows)
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("pixmem top"))
	s.WriteString("\n\n")
	s.WriteString(m.renderTabs())
	s.WriteString("\n\n")

	switch m.currentView {
	case overviewView:
		s.WriteString(m.renderOverview())
	case bucketsView:
		s.WriteString(contentStyle.Render(m.bucketTable.View()))
	case leaksView:
		s.WriteString(m.renderLeaks())
	}

	if m.message != "" {
		s.WriteString("\n\n")
		if m.messageErr {
			s.WriteString(errorStyle.Render("✗ " + m.message))
		} else {
			s.WriteString(successStyle.Render("✓ " + m.message))
		}
	}

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))

	return s.String()
}

func (m model) renderTabs() string {
	tabs := []string{"Overview", "Buckets", "Leaks"}
	var renderedTabs []string

	for i, tab := range tabs {
		if view(i) == m.currentView {
			renderedTabs = append(renderedTabs, activeTabStyle.Render(tab))
		} else {
			renderedTabs = append(renderedTabs, inactiveTabStyle.Render(tab))
		}
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, renderedTabs...)
}

func (m model) renderOverview() string {
	status := m.spinner.View() + " running"
	if m.done != nil {
		status = "done"
	}

	workloadContent := fmt.Sprintf(`Workload
Status:     %s
Frames:     %d
Uptime:     %s`,
		status,
		m.runner.Progress(),
		time.Since(m.startTime).Round(time.Second),
	)

	level := m.sample.Level(m.threshold)
	memoryContent := fmt.Sprintf(`Memory
Pressure:   %.2f (%s)
Native:     %d handles / %s
Undisposed: %d
Leaks:      %d`,
		m.sample.Ratio(), level,
		m.stats.OutstandingHandles, formatBytes(m.stats.OutstandingBytes),
		m.stats.Undisposed,
		m.stats.Leaks,
	)

	blocks := m.stats.Blocks
	used := 0.0
	if blocks.Capacity > 0 {
		used = float64(blocks.Rented) / float64(blocks.Capacity)
	}
	poolContent := fmt.Sprintf(`Pools
Array retained: %s
Block pool:     %d/%d rented, %d retained
%s`,
		formatBytes(m.stats.Arrays.RetainedBytes),
		blocks.Rented, blocks.Capacity, blocks.Retained,
		m.blockBar.ViewAs(used),
	)

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		statsBoxStyle.Render(workloadContent),
		statsBoxStyle.Render(memoryContent),
	)
	return contentStyle.Render(lipgloss.JoinVertical(lipgloss.Left, top, statsBoxStyle.Render(poolContent)))
}

func (m model) renderLeaks() string {
	leaks := diagnostics.RecentLeaks()
	if len(leaks) == 0 {
		return contentStyle.Render(helpStyle.Render("No leaks reported"))
	}

	var s strings.Builder
	for i := len(leaks) - 1; i >= 0; i-- {
		l := leaks[i]
		s.WriteString(fmt.Sprintf("%s  %-14s %10s  %s\n", l.Time.Format(time.TimeOnly), l.Kind, formatBytes(int64(l.Bytes)), l.ID))
		if l.Stack != "" {
			s.WriteString(helpStyle.Render(l.Stack))
			s.WriteString("\n")
		}
	}
	return contentStyle.Render(s.String())
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	defaults := workload.DefaultConfig()

	optionsPath := flag.String("options", "", "YAML allocator options file")
	workers := flag.Int("workers", defaults.Workers, "Concurrent frame producers")
	maxWidth := flag.Int("max-width", defaults.MaxWidth, "Maximum frame width in pixels")
	maxHeight := flag.Int("max-height", defaults.MaxHeight, "Maximum frame height in pixels")
	hold := flag.Duration("hold", 5*time.Millisecond, "How long each frame stays alive")
	flag.Parse()

	// The terminal belongs to the dashboard.
	logger := logging.NewNopLogger()
	diagnostics.SetLogger(logger)

	opts := allocator.DefaultOptions()
	if *optionsPath != "" {
		loaded, err := allocator.LoadOptions(*optionsPath)
		if err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
		opts = loaded
	}
	opts.Logger = logger

	alloc, err := allocator.New(opts)
	if err != nil {
		log.Fatalf("Failed to create allocator: %v", err)
	}
	defer alloc.Close()

	cfg := defaults
	cfg.Workers = *workers
	cfg.Frames = 0
	cfg.MaxWidth = *maxWidth
	cfg.MaxHeight = *maxHeight
	cfg.Hold = *hold

	runner, err := workload.NewRunner(alloc, cfg, nil, logger)
	if err != nil {
		log.Fatalf("Invalid workload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(initialModel(alloc, runner, pressure.Default(), cancel), tea.WithAltScreen())

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		res, err := runner.Run(ctx)
		p.Send(workloadDoneMsg{result: res, err: err})
	}()

	_, err = p.Run()
	cancel()
	<-finished
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
