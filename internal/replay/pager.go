package replay

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	pagerLiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))
)

// Page renders every audit file matching pattern in a scrollable terminal
// pager. With live set, a single file is re-rendered as it grows.
func (r *Replayer) Page(pattern string, live bool) error {
	render := func() (string, error) {
		var buf bytes.Buffer
		clone := *r
		clone.output = &buf
		if err := clone.ReplayFiles(pattern); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	content, err := render()
	if err != nil {
		return err
	}

	m := newPagerModel(pattern, content)
	if live {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(pattern); err != nil {
			return fmt.Errorf("failed to watch file: %w", err)
		}
		m.watcher = watcher
		m.render = render
	}

	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()
	return err
}

// reloadMsg carries freshly rendered content after the file changed.
type reloadMsg struct{ content string }

type pagerModel struct {
	title    string
	content  string
	wrapped  string
	viewport viewport.Model
	ready    bool

	watcher *fsnotify.Watcher
	render  func() (string, error)

	searching bool
	input     textinput.Model
	query     string
	matches   []int
	match     int
}

func newPagerModel(title, content string) *pagerModel {
	return &pagerModel{title: title, content: content}
}

func (m *pagerModel) Init() tea.Cmd {
	return m.waitForChange()
}

// waitForChange blocks until the watched file is written, then re-renders.
func (m *pagerModel) waitForChange() tea.Cmd {
	if m.watcher == nil {
		return nil
	}
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if !ev.Has(fsnotify.Write | fsnotify.Create) {
					continue
				}
				time.Sleep(100 * time.Millisecond)
				content, err := m.render()
				if err != nil {
					continue
				}
				return reloadMsg{content: content}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				m.searching = false
				m.search(m.input.Value())
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case reloadMsg:
		offset := m.viewport.YOffset
		m.setContent(msg.content)
		m.viewport.SetYOffset(offset)
		cmds = append(cmds, m.waitForChange())

	case tea.WindowSizeMsg:
		height := msg.Height - 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.YPosition = 1
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.setContent(m.content)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.query == "" {
				return m, tea.Quit
			}
			m.search("")
		case "g":
			m.viewport.GotoTop()
		case "G", "f":
			m.viewport.GotoBottom()
		case "/":
			m.searching = true
			m.input = textinput.New()
			m.input.Placeholder = "Search..."
			m.input.CharLimit = 100
			m.input.Width = 40
			m.input.SetValue(m.query)
			m.input.Focus()
			return m, textinput.Blink
		case "n":
			m.jump(m.match + 1)
		case "N":
			m.jump(m.match - 1)
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *pagerModel) setContent(content string) {
	m.content = content
	m.wrapped = wrapContent(content, m.viewport.Width)
	m.viewport.SetContent(m.wrapped)
	if m.query != "" {
		m.search(m.query)
	}
}

// search records the wrapped lines containing query, case-insensitively,
// and scrolls to the first one.
func (m *pagerModel) search(query string) {
	m.query = query
	m.matches = nil
	m.match = 0
	if query == "" {
		return
	}
	q := strings.ToLower(query)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			m.matches = append(m.matches, i)
		}
	}
	m.jump(0)
}

// jump centres match i, wrapping around at either end.
func (m *pagerModel) jump(i int) {
	n := len(m.matches)
	if n == 0 {
		return
	}
	m.match = ((i % n) + n) % n
	offset := m.matches[m.match] - m.viewport.Height/2
	if limit := m.viewport.TotalLineCount() - m.viewport.Height; offset > limit {
		offset = limit
	}
	if offset < 0 {
		offset = 0
	}
	m.viewport.SetYOffset(offset)
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}
	title := pagerTitleStyle.Render(m.title)
	header := title + pagerInfoStyle.Render(strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title))))
	return header + "\n" + m.viewport.View() + "\n" + m.footer()
}

func (m *pagerModel) footer() string {
	if m.searching {
		return supervisorStyle.Render("/") + m.input.View()
	}
	var help string
	switch {
	case m.query != "" && len(m.matches) == 0:
		help = " " + errorStyle.Render("Pattern not found") + " │ /: search "
	case len(m.matches) > 0:
		help = fmt.Sprintf(" %s │ n/N: next/prev │ esc: clear ", supervisorStyle.Render(fmt.Sprintf("[%d/%d]", m.match+1, len(m.matches))))
	case m.watcher != nil:
		help = " " + pagerLiveStyle.Render("● LIVE") + " │ q: quit │ /: search │ f: follow "
	default:
		help = " q: quit │ /: search │ g/G: top/bottom "
	}
	info := fmt.Sprintf(" %d%% ", int(m.viewport.ScrollPercent()*100))
	fill := max(0, m.viewport.Width-lipgloss.Width(help)-lipgloss.Width(info))
	return pagerInfoStyle.Render(help + strings.Repeat("─", fill) + info)
}

// wrapContent wraps lines wider than width. Timeline rows keep their
// sequence and time columns; continuation lines align under the text.
func wrapContent(content string, width int) string {
	if width <= 0 {
		return content
	}
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if lipgloss.Width(line) <= width {
			out = append(out, line)
			continue
		}
		prefix, text := "", line
		if i := strings.LastIndex(line, "│ "); i > 0 {
			prefix, text = line[:i+len("│ ")], line[i+len("│ "):]
		}
		indent := lipgloss.Width(prefix)
		avail := width - indent
		if avail < 20 {
			avail = 20
		}
		parts := strings.Split(wordwrap.String(text, avail), "\n")
		out = append(out, prefix+parts[0])
		for _, p := range parts[1:] {
			out = append(out, strings.Repeat(" ", indent)+p)
		}
	}
	return strings.Join(out, "\n")
}
