package cli

import (
	"fmt"
	"strings"
	"time"

	coreapp "citystid/internal/core/app"
	"citystid/internal/core/ports"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			MarginLeft(2).
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true).
			Render

	docStyle = lipgloss.NewStyle().Margin(1, 2)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	skippedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)
)

// maxResults bounds the result list in long watch sessions.
const maxResults = 500

type item struct {
	title, desc string
	failed      bool
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title + i.desc }

type model struct {
	resultList   list.Model
	progress     progress.Model
	spinner      spinner.Model
	results      []item
	failuresOnly bool

	theme    string
	runID    string
	done     int
	total    int
	ok       int
	failed   int
	skipped  int
	records  int
	finished bool
	watching bool
	runErr   string

	lastUpdate time.Time
}

type updateMsg struct {
	update coreapp.Update
}

type runDoneMsg struct {
	summaries []coreapp.RunSummary
	watching  bool
	err       error
}

func initialModel() model {
	resultList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	resultList.Title = "Converted Files"
	resultList.SetShowStatusBar(false)
	resultList.SetFilteringEnabled(true)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		resultList: resultList,
		progress:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:    sp,
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return handleKeyActions(msg, m)
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		width := msg.Width - h
		height := msg.Height - v - 8
		if height < 5 {
			height = 5
		}
		m.resultList.SetSize(width, height)
		if width > 4 {
			m.progress.Width = min(width-4, 80)
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case updateMsg:
		m = m.applyUpdate(msg.update)
		return m, nil
	case runDoneMsg:
		m.finished = true
		m.watching = msg.watching
		if msg.err != nil {
			m.runErr = msg.err.Error()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.resultList, cmd = m.resultList.Update(msg)
	return m, cmd
}

func (m model) applyUpdate(u coreapp.Update) model {
	if u.RunID != m.runID {
		m.runID = u.RunID
		m.theme = u.Theme
		m.done, m.total = 0, 0
		m.finished = false
	}
	m.done = u.Done
	m.total = u.Total
	m.lastUpdate = time.Now()

	f := u.File
	it := item{title: f.Name}
	switch f.Status {
	case ports.FileStatusOK:
		m.ok++
		m.records += f.Records
		it.desc = fmt.Sprintf("%s | ok | %d records in %d chunks | %s", f.Theme, f.Records, f.Chunks, f.Duration.Round(time.Millisecond))
		if f.Truncated {
			it.desc += " | truncated"
		}
	case ports.FileStatusFailed:
		m.failed++
		it.failed = true
		it.desc = fmt.Sprintf("%s | failed [%s] %v", f.Theme, f.ErrorCode, f.Err)
	default:
		m.skipped++
		it.desc = fmt.Sprintf("%s | skipped", f.Theme)
	}
	if it.title == "" {
		it.title = f.Path
	}

	m.results = append([]item{it}, m.results...)
	if len(m.results) > maxResults {
		m.results = m.results[:maxResults]
	}
	m.resultList.SetItems(m.visibleItems())
	return m
}

func (m model) visibleItems() []list.Item {
	items := make([]list.Item, 0, len(m.results))
	for _, it := range m.results {
		if m.failuresOnly && !it.failed {
			continue
		}
		items = append(items, it)
	}
	return items
}

func (m model) View() string {
	status := statusStyle.Render(fmt.Sprintf("Last update: %v | theme %s | %d/%d files | %d records",
		m.lastUpdate.Format("15:04:05"), valueOr(m.theme, "-"), m.done, m.total, m.records))

	counts := fmt.Sprintf("%s | %s | %s",
		successStyle.Render(fmt.Sprintf("%d ok", m.ok)),
		failedStyle.Render(fmt.Sprintf("%d failed", m.failed)),
		skippedStyle.Render(fmt.Sprintf("%d skipped", m.skipped)))

	var state string
	switch {
	case m.runErr != "":
		state = failedStyle.Render("Error: " + m.runErr)
	case m.finished && m.watching:
		state = m.spinner.View() + " watching for changes"
	case m.finished:
		state = successStyle.Render("Done")
	default:
		state = m.spinner.View() + " converting"
	}

	percent := 0.0
	if m.total > 0 {
		percent = float64(m.done) / float64(m.total)
	}

	header := fmt.Sprintf("%s\n%s\n%s | %s\n%s\n",
		titleStyle("CityGML Spatial ID Converter"), status, counts, state, m.progress.ViewAs(percent))
	return docStyle.Render(header + "\n" + renderHelp(m) + "\n\n" + m.resultList.View())
}

func renderHelp(m model) string {
	parts := []string{"q quit", "/ filter"}
	if m.failuresOnly {
		parts = append(parts, "f show all")
	} else {
		parts = append(parts, "f failures only")
	}
	return statusStyle.Render(strings.Join(parts, " | "))
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
