// Package tui renders a live terminal dashboard for a running peer:
// quotes with 24h change, the local portfolio and the shared chat feed.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"moonrush/internal/market"
	"moonrush/internal/peer"
)

const refreshEvery = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	upStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	chatStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	frameStyle  = lipgloss.NewStyle().Padding(0, 1)
)

type tickMsg time.Time

type chatMsg peer.ChatMessage

type ruinMsg struct{}

type model struct {
	ctx    context.Context
	peer   *peer.Peer
	rows   table.Model
	chat   []peer.ChatMessage
	ruined bool
}

func newModel(ctx context.Context, p *peer.Peer) model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Symbol", Width: 8},
			{Title: "Name", Width: 18},
			{Title: "Price", Width: 14},
			{Title: "24h", Width: 10},
			{Title: "Held", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return model{ctx: ctx, peer: p, rows: t}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(refresh(), tea.EnterAltScreen)
}

func refresh() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if m.ruined {
				m.ruined = false
				// The local reset happens regardless; a store error
				// only delays the shared-state cleanup until the next
				// leaderboard tick.
				_ = m.peer.AcknowledgeRuin(m.ctx)
				m.reloadRows()
				return m, nil
			}
		}
	case ruinMsg:
		m.ruined = true
		return m, nil
	case tickMsg:
		m.reloadRows()
		return m, refresh()
	case chatMsg:
		m.chat = append(m.chat, peer.ChatMessage(msg))
		if len(m.chat) > 8 {
			m.chat = m.chat[len(m.chat)-8:]
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.rows, cmd = m.rows.Update(msg)
	return m, cmd
}

func (m *model) reloadRows() {
	coins := m.peer.Market().Coins()
	rows := make([]table.Row, 0, len(coins))
	for _, c := range coins {
		if c.Delisted {
			continue
		}
		change := fmt.Sprintf("%+.2f%%", c.Change24h)
		if c.Change24h >= 0 {
			change = upStyle.Render(change)
		} else {
			change = downStyle.Render(change)
		}
		rows = append(rows, table.Row{
			c.Symbol,
			c.Name,
			formatPrice(c.Price),
			change,
			fmt.Sprintf("%.4f", m.peer.Ledger().Holding(c.Symbol)),
		})
	}
	m.rows.SetRows(rows)
}

func (m model) View() string {
	if m.ruined {
		return frameStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
			headerStyle.Render("moonrush"),
			"",
			downStyle.Render("GAME OVER"),
			labelStyle.Render("net worth and cash hit zero"),
			"",
			labelStyle.Render("enter to start over with fresh cash, q to quit"),
		))
	}
	role := "follower"
	if m.peer.IsMaster() {
		role = "price master"
	}
	link := "online"
	if !m.peer.Online() {
		link = downStyle.Render("offline (local-only)")
	}
	header := headerStyle.Render("moonrush") + "  " +
		labelStyle.Render(m.peer.Identity().DisplayName) + "  " +
		labelStyle.Render(role) + "  " + link

	summary := fmt.Sprintf("cash $%.2f   networth $%.2f",
		m.peer.Ledger().Cash(), m.peer.Ledger().Networth())

	var chat strings.Builder
	for _, msg := range m.chat {
		chat.WriteString(chatStyle.Render(fmt.Sprintf("[%s] %s: %s",
			msg.Timestamp.Format("15:04"), msg.Name, msg.Text)))
		chat.WriteString("\n")
	}

	return frameStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		header,
		summary,
		"",
		m.rows.View(),
		"",
		chat.String(),
		labelStyle.Render("q to quit"),
	))
}

func formatPrice(p float64) string {
	if market.Decimals(p) == 4 {
		return fmt.Sprintf("$%.4f", p)
	}
	return fmt.Sprintf("$%.2f", p)
}

// Run drives the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, p *peer.Peer) error {
	prog := tea.NewProgram(newModel(ctx, p), tea.WithContext(ctx))

	p.OnRuin(func() { prog.Send(ruinMsg{}) })

	cancel, err := p.SubscribeChat(ctx, func(msg peer.ChatMessage) {
		prog.Send(chatMsg(msg))
	})
	if err == nil {
		defer cancel()
	}

	_, err = prog.Run()
	return err
}
