package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"moonrush/internal/api"
	"moonrush/internal/config"
	"moonrush/internal/identity"
	"moonrush/internal/peer"
	"moonrush/internal/store"
	"moonrush/internal/tui"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "moonrush",
		Short:        "Peer-to-peer crypto trading game",
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newBuyCmd(),
		newSellCmd(),
		newCreateCmd(),
		newDelistCmd(),
		newPortfolioCmd(),
		newLeaderboardCmd(),
		newChatCmd(),
		newRenameCmd(),
		newResetCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("MOONRUSH_DEBUG"), "true") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setup builds the shared plumbing every command needs: config,
// identity, store connection and an assembled peer.
func setup(ctx context.Context, logger *slog.Logger) (config.Config, *peer.Peer, *store.RedisStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, err
	}
	id, err := identity.Load("")
	if err != nil {
		return cfg, nil, nil, err
	}
	st := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := st.Ping(ctx); err != nil {
		logger.Warn("backing store unreachable, continuing local-only", "err", err)
	}
	return cfg, peer.New(cfg, id, st, logger), st, nil
}

func newRunCmd() *cobra.Command {
	var withAPI bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a headless peer (price master candidate)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			cfg, p, st, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			p.OnRuin(func() {
				logger.Warn("portfolio ruined: net worth and cash hit zero",
					"hint", "run 'moonrush reset' to start over")
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return p.Start(ctx) })
			if withAPI {
				g.Go(func() error { return serveAPI(ctx, logger, p, cfg.APIAddr) })
			}
			logger.Info("peer started", "user", p.Identity().DisplayName)
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withAPI, "api", true, "serve the read-only HTTP API")
	return cmd
}

func serveAPI(ctx context.Context, logger *slog.Logger, p *peer.Peer, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(logger, p).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("api listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a peer with the live dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			_, p, st, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return p.Start(ctx) })
			g.Go(func() error {
				defer cancel()
				return tui.Run(ctx, p)
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// oneShot bootstraps a peer, runs fn against it and flushes pending
// persistence before returning.
func oneShot(cmd *cobra.Command, fn func(ctx context.Context, p *peer.Peer) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	logger := newLogger()
	_, p, st, err := setup(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	p.OnRuin(func() {
		printWarn("You're ruined: net worth and cash hit zero. Run 'moonrush reset' to start over.")
	})

	p.Bootstrap(ctx)
	if err := fn(ctx, p); err != nil {
		return err
	}
	p.Ledger().Flush()
	return nil
}

func newBuyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buy <symbol> <cash-amount>",
		Short: "Spend cash on a coin at its current price",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return oneShot(cmd, func(_ context.Context, p *peer.Peer) error {
				symbol := strings.ToUpper(args[0])
				qty, err := p.Buy(symbol, amount)
				if err != nil {
					return err
				}
				q, _ := p.Market().Quote(symbol)
				renderTrade("Bought", symbol, qty, q.Price, amount, p)
				return nil
			})
		},
	}
}

func newSellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sell <symbol> <coin-amount>",
		Short: "Sell held coins at the current price",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return oneShot(cmd, func(_ context.Context, p *peer.Peer) error {
				symbol := strings.ToUpper(args[0])
				proceeds, err := p.Sell(symbol, amount)
				if err != nil {
					return err
				}
				q, _ := p.Market().Quote(symbol)
				renderTrade("Sold", symbol, amount, q.Price, proceeds, p)
				return nil
			})
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> <symbol>",
		Short: "Mint a brand-new coin and announce it to every peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, p *peer.Peer) error {
				spec, err := p.CreateCoin(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Created %s (%s) at $%.2f", spec.Name, spec.Symbol, spec.StartPrice))
				return nil
			})
		},
	}
}

func newDelistCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delist <symbol>",
		Short: "Retire a coin everywhere; holders are liquidated at zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, p *peer.Peer) error {
				symbol := strings.ToUpper(args[0])
				if err := p.Delist(ctx, symbol, reason); err != nil {
					return err
				}
				printWarn(fmt.Sprintf("%s delisted: %s", symbol, reason))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "delisted by operator", "reason recorded on the delisting")
	return cmd
}

func newPortfolioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "Show your portfolio and recent transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(_ context.Context, p *peer.Peer) error {
				renderPortfolio(p)
				return nil
			})
		},
	}
}

func newLeaderboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the top traders by net worth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(ctx context.Context, p *peer.Peer) error {
				rows, err := p.Leaderboard(ctx)
				if err != nil {
					return err
				}
				renderLeaderboard(rows, p.Identity().UserID)
				return nil
			})
		},
	}
}

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Read the shared chat, or send a message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, p *peer.Peer) error {
				if len(args) == 1 {
					if err := p.SendChat(ctx, args[0]); err != nil {
						return err
					}
					printSuccess("Sent.")
					return nil
				}
				msgs, err := p.RecentChat(ctx)
				if err != nil {
					return err
				}
				renderChat(msgs)
				return nil
			})
		},
	}
	return cmd
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <display-name>",
		Short: "Change the name other traders see",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := identity.Rename(args[0])
			if err != nil {
				return err
			}
			printSuccess("You are now " + id.DisplayName)
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Wipe your portfolio back to starting cash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			confirmed, err := promptConfirm("This erases your holdings and history. Continue?")
			if err != nil {
				return err
			}
			if !confirmed {
				printInfo("Aborted.")
				return nil
			}
			return oneShot(cmd, func(ctx context.Context, p *peer.Peer) error {
				if err := p.ResetPortfolio(ctx); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Portfolio reset to $%.2f", p.Ledger().Cash()))
				return nil
			})
		},
	}
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
