package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/faaskit/hostchannel/internal/worker"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	accentColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	dimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
	greenColor  = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	titleStyle    = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	subtitleStyle = lipgloss.NewStyle().Foreground(dimColor)
	errorStyle    = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(dimColor)
	okStateStyle  = lipgloss.NewStyle().Foreground(greenColor).Bold(true)
)

func newMonitorCmd(v *viper.Viper) *cobra.Command {
	var addr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a running channel's state, capabilities, and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			if isatty.IsTerminal(os.Stdout.Fd()) {
				return runMonitorTUI(addr, interval)
			}
			return runMonitorPlain(addr, interval)
		},
	}
	cmd.Flags().StringVar(&addr, "status-addr", "http://127.0.0.1:9091", "base URL of a running serve command's status endpoint")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "polling interval")
	return cmd
}

func fetchStats(addr string) (worker.Stats, error) {
	resp, err := http.Get(strings.TrimRight(addr, "/") + "/status")
	if err != nil {
		return worker.Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return worker.Stats{}, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var s worker.Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return worker.Stats{}, err
	}
	return s, nil
}

// runMonitorPlain is used when stdout is not a terminal (piped output,
// CI logs): it prints one snapshot line per tick instead of drawing a TUI.
func runMonitorPlain(addr string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := fetchStats(addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		} else {
			fmt.Printf("state=%s worker=%s capabilities=%d correlations=%d queues=%v load_errors=%d\n",
				stats.State, stats.WorkerID, len(stats.Capabilities), stats.CorrelationInFlight,
				stats.QueueDepths, len(stats.LoadErrors))
		}
		<-ticker.C
	}
}

type statusMsg struct {
	stats worker.Stats
}

type statusErrMsg struct {
	err error
}

type tickMsg struct{}

type monitorModel struct {
	addr     string
	interval time.Duration
	stats    worker.Stats
	err      error
	width    int
}

func runMonitorTUI(addr string, interval time.Duration) error {
	m := monitorModel{addr: addr, interval: interval}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m monitorModel) Init() tea.Cmd {
	return m.fetch()
}

func (m monitorModel) fetch() tea.Cmd {
	addr := m.addr
	return func() tea.Msg {
		stats, err := fetchStats(addr)
		if err != nil {
			return statusErrMsg{err: err}
		}
		return statusMsg{stats: stats}
	}
}

func (m monitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" || msg.String() == "esc" {
			return m, tea.Quit
		}
	case statusMsg:
		m.stats = msg.stats
		m.err = nil
		return m, m.tick()
	case statusErrMsg:
		m.err = msg.err
		return m, m.tick()
	case tickMsg:
		return m, m.fetch()
	}
	return m, nil
}

func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("hostchannel monitor"))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("error: "+m.err.Error()) + "\n")
		b.WriteString(helpStyle.Render("q: quit"))
		return b.String()
	}

	stateStyle := okStateStyle
	if m.stats.State == "failed" || m.stats.State == "disposed" {
		stateStyle = errorStyle
	}
	b.WriteString(fmt.Sprintf("worker:       %s\n", m.stats.WorkerID))
	b.WriteString(fmt.Sprintf("state:        %s\n", stateStyle.Render(m.stats.State)))
	b.WriteString(fmt.Sprintf("in flight:    %d\n", m.stats.CorrelationInFlight))
	b.WriteString("\n")

	b.WriteString(subtitleStyle.Render("capabilities") + "\n")
	for _, k := range sortedKeys(m.stats.Capabilities) {
		b.WriteString(fmt.Sprintf("  %-32s %s\n", k, m.stats.Capabilities[k]))
	}

	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render("queue depths") + "\n")
	for _, k := range sortedIntKeys(m.stats.QueueDepths) {
		b.WriteString(fmt.Sprintf("  %-32s %d\n", k, m.stats.QueueDepths[k]))
	}

	if len(m.stats.LoadErrors) > 0 {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("load errors") + "\n")
		for _, k := range sortedKeys(m.stats.LoadErrors) {
			b.WriteString(fmt.Sprintf("  %-32s %s\n", k, m.stats.LoadErrors[k]))
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIntKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

