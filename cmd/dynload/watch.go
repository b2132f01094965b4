package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	dynload "github.com/galago/dynload"
	"github.com/galago/dynload/internal/config"
)

const watchInterval = 500 * time.Millisecond

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <path>",
		Short: "Load path as the main program and render its Link Map live",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	path := args[0]

	loader := dynload.New(config.Default(), dynload.WithLogger(newLogger()))
	if _, err := loader.LoadMain(path, nil); err != nil {
		return fmt.Errorf("load main: %w", err)
	}

	m := newWatchModel(loader)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(watchInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

type watchModel struct {
	loader *dynload.Loader
	table  table.Model
}

func newWatchModel(loader *dynload.Loader) watchModel {
	cols := []table.Column{
		{Title: "Base", Width: 14},
		{Title: "Refs", Width: 5},
		{Title: "State", Width: 12},
		{Title: "Path", Width: 50},
	}
	t := table.New(table.WithColumns(cols), table.WithFocused(false), table.WithHeight(20))
	m := watchModel{loader: loader, table: t}
	m.refresh()
	return m
}

func (m *watchModel) refresh() {
	var rows []table.Row
	m.loader.Iterate(func(info dynload.ObjectInfo) bool {
		rows = append(rows, table.Row{
			fmt.Sprintf("0x%x", info.Base),
			fmt.Sprintf("%d", info.RefCount),
			info.State,
			info.Path,
		})
		return true
	})
	m.table.SetRows(rows)
}

func (m watchModel) Init() tea.Cmd { return tickCmd() }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.refresh()
		return m, tickCmd()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	header := headerStyle.Render("dynload — live Link Map")
	footer := footerStyle.Render("q to quit")
	return header + "\n\n" + m.table.View() + "\n\n" + footer
}
