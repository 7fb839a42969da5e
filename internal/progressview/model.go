package progressview

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	styleDone      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type item struct {
	name   string
	state  ItemState
	detail string
	pct    int
}

func (it *item) icon(spin string) string {
	switch it.state {
	case StateDone:
		return styleDone.Render("✓")
	case StateFailed:
		return styleFailed.Render("✗")
	case StateSkipped:
		return styleSkipped.Render("·")
	case StateCancelled:
		return styleCancelled.Render("-")
	case StateRunning:
		return styleRunning.Render(spin)
	default:
		return styleDim.Render("…")
	}
}

type model struct {
	updates <-chan Update
	started time.Time

	order []string
	items map[string]*item

	spin spinner.Model
	bar  progress.Model

	closed bool
}

// updateMsg wraps one Update read off the channel so it flows through
// bubbletea's Update loop like any other message.
type updateMsg struct {
	u  Update
	ok bool
}

func newModel(updates <-chan Update) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return model{
		updates: updates,
		started: time.Now(),
		items:   make(map[string]*item),
		spin:    s,
		bar:     progress.New(progress.WithDefaultGradient()),
	}
}

func waitForUpdate(updates <-chan Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		return updateMsg{u: u, ok: ok}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForUpdate(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case updateMsg:
		if !msg.ok {
			m.closed = true
			return m, tea.Quit
		}
		m.apply(msg.u)
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m *model) apply(u Update) {
	it, ok := m.items[u.Name]
	if !ok {
		it = &item{name: u.Name}
		m.items[u.Name] = it
		m.order = append(m.order, u.Name)
	}
	it.state = u.State
	it.detail = u.Detail
	it.pct = u.Pct
}

func (m model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "building — %s elapsed\n\n", time.Since(m.started).Round(time.Second))

	names := make([]string, len(m.order))
	copy(names, m.order)
	sort.Strings(names)

	total, finished := 0, 0
	for _, name := range names {
		it := m.items[name]
		total++
		if it.state.Terminal() {
			finished++
		}
		line := fmt.Sprintf("%s %-28s %s", it.icon(m.spin.View()), it.name, it.detail)
		if it.pct >= 0 && it.state == StateRunning {
			line += "  " + m.bar.ViewAs(float64(it.pct)/100)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if total > 0 {
		fmt.Fprintf(&b, "\n%d/%d complete\n", finished, total)
	}
	if m.closed {
		b.WriteString(styleDim.Render("(update stream closed)") + "\n")
	}
	return b.String()
}

// runTea drives the bubbletea program until the update channel closes.
// input defaults to the process's stdin in production; tests substitute
// a reader that never produces a keypress so the program exits purely on
// channel closure.
func runTea(ctx context.Context, out *os.File, updates <-chan Update, input io.Reader) error {
	m := newModel(updates)
	p := tea.NewProgram(m, tea.WithOutput(out), tea.WithContext(ctx), tea.WithInput(input))
	_, err := p.Run()
	return err
}
