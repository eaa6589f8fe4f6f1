package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"moonrush/internal/market"
	"moonrush/internal/peer"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptConfirm(label string) (bool, error) {
	fmt.Printf("%s [y/N]: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return false, err
	}
	text = strings.ToLower(strings.TrimSpace(text))
	return text == "y" || text == "yes", nil
}

func formatPrice(p float64) string {
	if market.Decimals(p) == 4 {
		return fmt.Sprintf("$%.4f", p)
	}
	return fmt.Sprintf("$%.2f", p)
}

func renderTrade(verb, symbol string, qty, price, cash float64, p *peer.Peer) {
	accent.Printf("%s %.6f %s at %s\n", verb, qty, symbol, formatPrice(price))
	neutral.Printf("  cash moved: $%.2f\n", cash)
	neutral.Printf("  cash: $%.2f  networth: $%.2f\n", p.Ledger().Cash(), p.Ledger().Networth())
}

func renderPortfolio(p *peer.Peer) {
	pf, txs := p.Ledger().Snapshot()
	accent.Printf("%s\n", p.Identity().DisplayName)
	neutral.Printf("cash: $%.2f   networth: $%.2f\n\n", pf.Cash, pf.Networth)

	quotes := p.Market().Quotes()
	any := false
	for _, c := range p.Market().Coins() {
		held := pf.Holdings[c.Symbol]
		if held <= 0 {
			continue
		}
		any = true
		value := held * quotes[c.Symbol].Price
		line := fmt.Sprintf("  %-6s %12.6f  %12s  ($%.2f)", c.Symbol, held, formatPrice(c.Price), value)
		if c.Delisted {
			danger.Println(line + "  DELISTED")
		} else {
			fmt.Println(line)
		}
	}
	if !any {
		neutral.Println("  no holdings")
	}

	if len(txs) > 0 {
		fmt.Println()
		accent.Println("recent transactions")
		limit := len(txs)
		if limit > 10 {
			limit = 10
		}
		for _, tx := range txs[:limit] {
			stamp := tx.Timestamp.Format("Jan 02 15:04")
			switch tx.Type {
			case "buy":
				fmt.Printf("  %s  buy   %-6s %.6f @ %s\n", stamp, tx.Coin, tx.Amount, formatPrice(tx.Price))
			case "sell":
				fmt.Printf("  %s  sell  %-6s %.6f @ %s\n", stamp, tx.Coin, tx.Amount, formatPrice(tx.Price))
			case "create_coin":
				fmt.Printf("  %s  mint  %s (%s) for $%.2f\n", stamp, tx.CoinName, tx.Coin, -tx.Total)
			case "liquidation":
				danger.Printf("  %s  liquidated %.6f %s (%s)\n", stamp, tx.Amount, tx.Coin, tx.Reason)
			}
		}
	}
}

func renderLeaderboard(rows []peer.LeaderboardRow, selfID string) {
	accent.Println("top traders")
	for _, row := range rows {
		line := fmt.Sprintf("  %2d. %-24s $%.2f", row.Rank, row.DisplayName, row.Networth)
		if row.UserID == selfID {
			success.Println(line + "  (you)")
		} else {
			fmt.Println(line)
		}
	}
	if len(rows) == 0 {
		neutral.Println("  nobody has published a score yet")
	}
}

func renderChat(msgs []peer.ChatMessage) {
	if len(msgs) == 0 {
		neutral.Println("chat is quiet")
		return
	}
	// Newest first from the store; print oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		accent.Printf("[%s] %s: ", msg.Timestamp.Format("15:04"), msg.Name)
		fmt.Println(msg.Text)
	}
}
