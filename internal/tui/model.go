// Package tui is the terminal popup: a bubbletea program driving a
// popup.Controller for one session.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/dgnsrekt/tabmute/internal/popup"
)

// Controller is the popup surface the model drives.
type Controller interface {
	View() popup.View
	Open(ctx context.Context) (popup.View, error)
	Refresh(ctx context.Context) (popup.View, error)
	ToggleGlobalMute(ctx context.Context, enable bool) (popup.View, error)
	ToggleCurrentTabMute(ctx context.Context) (popup.View, error)
	ToggleSelectedTabMute(ctx context.Context) (popup.View, error)
	SelectTab(ctx context.Context, id mute.TabID) (popup.View, error)
	RequestRestore() popup.View
	CancelRestore() popup.View
	ConfirmRestore(ctx context.Context) (popup.View, error)
}

// --- Messages ---

// viewMsg carries the result of a controller action.
type viewMsg struct {
	view popup.View
	err  error
}

// --- Styles ---

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	onStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	offStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	confirmStyle  = lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("203")).Padding(1, 3)
	helpBarStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	restoreButton = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// --- Model ---

type Model struct {
	ctx  context.Context
	ctrl Controller

	view    popup.View
	cursor  int
	loading bool
	err     error
	width   int
	height  int
}

func NewModel(ctx context.Context, ctrl Controller) Model {
	return Model{ctx: ctx, ctrl: ctrl, loading: true, view: popup.View{Tabs: []popup.TabView{}}}
}

func (m Model) Init() tea.Cmd {
	return m.run(m.ctrl.Open)
}

// run wraps a controller call as a command.
func (m Model) run(fn func(context.Context) (popup.View, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		v, err := fn(ctx)
		return viewMsg{view: v, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case viewMsg:
		m.loading = false
		m.view = msg.view
		m.err = msg.err
		m.clampCursor()
		return m, nil

	case tea.KeyMsg:
		if m.view.ConfirmPending {
			return m.updateConfirm(msg)
		}
		return m.updateMain(msg)
	}
	return m, nil
}

func (m Model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "enter":
		return m, m.run(m.ctrl.ConfirmRestore)
	case "n", "esc":
		m.view = m.ctrl.CancelRestore()
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) updateMain(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.view.Tabs)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.view.Tabs) == 0 {
			return m, nil
		}
		id := m.view.Tabs[m.cursor].ID
		return m, m.run(func(ctx context.Context) (popup.View, error) {
			return m.ctrl.SelectTab(ctx, id)
		})
	case "g":
		enable := !m.view.GlobalMute
		return m, m.run(func(ctx context.Context) (popup.View, error) {
			return m.ctrl.ToggleGlobalMute(ctx, enable)
		})
	case "m":
		return m, m.run(m.ctrl.ToggleCurrentTabMute)
	case "s", " ":
		return m, m.run(m.ctrl.ToggleSelectedTabMute)
	case "r":
		if m.view.RestoreVisible {
			m.view = m.ctrl.RequestRestore()
		}
	case "ctrl+r":
		return m, m.run(m.ctrl.Refresh)
	}
	return m, nil
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.view.Tabs) {
		m.cursor = len(m.view.Tabs) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	if m.loading {
		return "\n  Loading tabs...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("tabmute") + "  global mute: " + onOff(m.view.GlobalMute) + "\n\n")

	b.WriteString(panelStyle.Render("Current tab\n" + tabLine(m.view.Current)))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render("Selected tab\n" + tabLine(m.view.Selected)))
	b.WriteString("\n\n")

	if len(m.view.Tabs) == 0 {
		b.WriteString(dimStyle.Render("  no open tabs") + "\n")
	}
	for i, t := range m.view.Tabs {
		marker := "  "
		if i == m.cursor {
			marker = cursorStyle.Render("> ")
		}
		b.WriteString(fmt.Sprintf("%s%s %s\n", marker, t.Icon, t.Title))
	}

	if m.view.RestoreVisible {
		b.WriteString("\n" + restoreButton.Render("[r] Restore all tabs") + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errStyle.Render("Error: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + helpBarStyle.Render("j/k move · enter select · s toggle selected · m toggle current · g global · ctrl+r refresh · q quit"))

	if m.view.ConfirmPending {
		box := confirmStyle.Render("Unmute every tab and clear all mute settings?\n\n[y] confirm   [n] cancel")
		if m.width > 0 && m.height > 0 {
			return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
		}
		return b.String() + "\n\n" + box
	}
	return b.String()
}

func tabLine(t *popup.TabView) string {
	if t == nil {
		return dimStyle.Render("none")
	}
	if !t.Found {
		return fmt.Sprintf("%s %s", t.Icon, dimStyle.Render("tab closed"))
	}
	return fmt.Sprintf("%s %s", t.Icon, t.DisplayTitle)
}

func onOff(on bool) string {
	if on {
		return onStyle.Render("ON")
	}
	return offStyle.Render("OFF")
}
