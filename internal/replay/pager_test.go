package replay

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestPagerModel_Search(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "step ok")
	}
	lines[10] = "delete_goal failed"
	lines[40] = "update_salary failed"

	m := newPagerModel("task-1", strings.Join(lines, "\n"))
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 12})
	if !m.ready {
		t.Fatal("expected pager ready after window size")
	}

	m.search("FAILED")
	if len(m.matches) != 2 || m.matches[0] != 10 || m.matches[1] != 40 {
		t.Fatalf("unexpected matches %v", m.matches)
	}
	if m.viewport.YOffset != 10-m.viewport.Height/2 {
		t.Errorf("expected first match centred, offset %d", m.viewport.YOffset)
	}

	m.Update(key("n"))
	if m.match != 1 {
		t.Errorf("expected second match, got %d", m.match)
	}
	m.Update(key("n"))
	if m.match != 0 {
		t.Errorf("expected wrap to first match, got %d", m.match)
	}
	m.Update(key("N"))
	if m.match != 1 {
		t.Errorf("expected wrap to last match, got %d", m.match)
	}
	if !strings.Contains(m.footer(), "[2/2]") {
		t.Errorf("expected match counter in footer, got %q", m.footer())
	}

	m.search("nothing here")
	if !strings.Contains(m.footer(), "Pattern not found") {
		t.Errorf("expected not found footer, got %q", m.footer())
	}
}

func TestPagerModel_Quit(t *testing.T) {
	m := newPagerModel("task-1", "one\ntwo")
	m.Update(tea.WindowSizeMsg{Width: 40, Height: 10})

	if _, cmd := m.Update(key("q")); cmd == nil {
		t.Fatal("expected quit command")
	} else if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected QuitMsg")
	}
}

func TestPagerModel_Reload(t *testing.T) {
	m := newPagerModel("task-1", "one")
	m.Update(tea.WindowSizeMsg{Width: 40, Height: 10})
	m.Update(reloadMsg{content: "one\ntwo"})

	if m.content != "one\ntwo" || m.viewport.TotalLineCount() != 2 {
		t.Errorf("expected reloaded content, got %q", m.content)
	}
}

func TestWrapContent(t *testing.T) {
	row := "   3 │ 09:00:02 │ " + strings.Repeat("word ", 20)
	got := strings.Split(wrapContent(row, 50), "\n")
	if len(got) < 2 {
		t.Fatalf("expected wrapped row, got %q", got)
	}
	indent := lipgloss.Width(row[:strings.Index(row, "word")])
	for _, l := range got[1:] {
		if !strings.HasPrefix(l, strings.Repeat(" ", indent)) {
			t.Errorf("continuation not aligned under text: %q", l)
		}
	}
	if wrapContent("short", 50) != "short" {
		t.Error("short lines should be unchanged")
	}
}
