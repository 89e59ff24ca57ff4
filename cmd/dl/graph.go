package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/galago-re/dl/internal/module"
	"github.com/galago-re/dl/internal/runtime"
)

// isTerminal reports whether stdout is an interactive terminal; dl graph
// falls back to a plain listing when it isn't (piped output, CI).
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	scopeGlobal = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	scopeLocal  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <binary.so>",
		Short: "Load a shared object and explore its module graph interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := newLoader(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			name := filepath.Base(args[0])
			if _, err := l.Dlopen(context.Background(), name, runtime.ModeNow|runtime.ModeGlobal); err != nil {
				return fmt.Errorf("dlopen %s: %w", name, err)
			}

			if !isTerminal() {
				for _, line := range summarizeGraph(l.Graph()) {
					fmt.Println(line)
				}
				return nil
			}

			p := tea.NewProgram(newGraphModel(l.Graph()))
			_, err = p.Run()
			return err
		},
	}
}

type moduleItem struct {
	m *module.Module
}

func (i moduleItem) Title() string {
	scope := scopeLocal.Render("local")
	if i.m.Flags.Global {
		scope = scopeGlobal.Render("global")
	}
	return fmt.Sprintf("%s  [%s]", i.m.CanonicalName, scope)
}

func (i moduleItem) Description() string {
	return detailStyle.Render(fmt.Sprintf(
		"bias=0x%x  state=%s  refcount=%d  needed=%d  revdeps=%d",
		i.m.LoadBias, i.m.State, i.m.Refcount, len(i.m.Needed), len(i.m.RevDeps),
	))
}

func (i moduleItem) FilterValue() string { return i.m.CanonicalName }

type graphModel struct {
	list list.Model
}

func newGraphModel(g *module.Graph) graphModel {
	items := make([]list.Item, 0, len(g.LoadOrder()))
	for _, m := range g.LoadOrder() {
		items = append(items, moduleItem{m: m})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "module graph"
	l.Styles.Title = titleStyle
	l.SetShowHelp(true)

	return graphModel{list: l}
}

func (m graphModel) Init() tea.Cmd { return nil }

func (m graphModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m graphModel) View() string {
	return m.list.View() + "\n" + helpStyle.Render("↑/↓ navigate · / filter · q quit")
}
