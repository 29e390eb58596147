package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/osquery-go/watchdog/pkg/statusmirror"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live-refreshing view of every reporting watchdog host",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	reader, err := statusmirror.NewReader(redisAddr, redisDB, redisPass)
	if err != nil {
		return fmt.Errorf("connecting to status mirror: %w", err)
	}
	defer reader.Close()

	program := tea.NewProgram(newWatchModel(reader, watchInterval))
	_, err = program.Run()
	return err
}

// refreshMsg carries the outcome of one poll of the status mirror.
type refreshMsg struct {
	snapshots []statusmirror.Snapshot
	err       error
}

// tickMsg fires the next poll after the configured interval.
type tickMsg struct{}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	upStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// watchKeyMap is the one binding this view needs, kept as a
// key.Binding rather than a bare string comparison so the help text
// and the match logic can never drift apart.
type watchKeyMap struct {
	Quit key.Binding
}

var defaultWatchKeyMap = watchKeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// watchModel is the bubbletea model driving the live view: it polls
// the mirror on a fixed tick and rerenders on every message.
type watchModel struct {
	reader   *statusmirror.Reader
	interval time.Duration

	snapshots []statusmirror.Snapshot
	lastErr   error
	lastPoll  time.Time

	keys watchKeyMap
}

func newWatchModel(reader *statusmirror.Reader, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return watchModel{reader: reader, interval: interval, keys: defaultWatchKeyMap}
}

func (m watchModel) Init() tea.Cmd {
	return m.poll()
}

// poll returns a tea.Cmd that queries the mirror once, off the UI
// goroutine, the way listenForSourceEvent hands work to bubbletea's
// message loop instead of blocking Update.
func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snapshots, err := m.reader.List(ctx)
		return refreshMsg{snapshots: snapshots, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}

	case refreshMsg:
		m.lastPoll = time.Now()
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.snapshots = msg.snapshots
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })

	case tickMsg:
		return m, m.poll()
	}
	return m, nil
}

func (m watchModel) View() string {
	out := headerStyle.Render(fmt.Sprintf("%-24s %-8s %-10s %-12s %s", "HOSTNAME", "WORKER", "RESTARTS", "EXTENSIONS", "AGE")) + "\n"

	if m.lastErr != nil {
		out += errorStyle.Render("mirror unreachable: "+m.lastErr.Error()) + "\n"
	} else if len(m.snapshots) == 0 {
		out += dimStyle.Render("no live watchdog hosts reporting") + "\n"
	} else {
		sorted := append([]statusmirror.Snapshot(nil), m.snapshots...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hostname < sorted[j].Hostname })
		for _, snap := range sorted {
			worker := upStyle.Render("up")
			if !snap.WorkerRunning {
				worker = downStyle.Render("down")
			}
			out += fmt.Sprintf("%-24s %-17s %-10s %-12s %s\n",
				snap.Hostname,
				worker,
				strconv.Itoa(int(snap.WorkerRestartCount)),
				strconv.Itoa(len(snap.Extensions)),
				time.Since(snap.Timestamp).Round(time.Second),
			)
		}
	}

	out += dimStyle.Render(fmt.Sprintf("\nlast polled %s ago — %s to %s", time.Since(m.lastPoll).Round(time.Second), m.keys.Quit.Help().Key, m.keys.Quit.Help().Desc))
	return out
}
