// Command ledgerctl inspects and operates the wager ledger directly against
// the configured store.
//
//	ledgerctl [-config path] markets
//	ledgerctl [-config path] history <email>
//	ledgerctl [-config path] deposit <email> <amount>
//	ledgerctl [-config path] resolve <market-id> <winner>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/app"
	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/payout"
)

var errUsage = errors.New("usage: ledgerctl [-config path] markets | history <email> | deposit <email> <amount> | resolve <market-id> <winner>")

func main() {
	configPath := flag.String("config", os.Getenv("WAGER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stderr))

	ctx := context.Background()
	ledger, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		slog.Error("failed to open ledger", "err", err)
		os.Exit(1)
	}
	defer ledger.Close()

	if err := runCommand(ctx, os.Stdout, ledger, cfg.Fees, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		ledger.Close()
		os.Exit(2)
	}
}

func runCommand(ctx context.Context, out io.Writer, ledger *app.Ledger, fees payout.FeeSchedule, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch cmd, rest := args[0], args[1:]; {
	case cmd == "markets" && len(rest) == 0:
		return listMarkets(ctx, out, ledger, fees)
	case cmd == "history" && len(rest) == 1:
		return history(ctx, out, ledger, rest[0])
	case cmd == "deposit" && len(rest) == 2:
		amount, err := decimal.NewFromString(rest[1])
		if err != nil || !model.ValidAmount(amount) {
			return fmt.Errorf("%w: %q", model.ErrInvalidAmount, rest[1])
		}
		u, err := ledger.Store.Deposit(ctx, rest[0], amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s balance %s\n", u.Email, money(u.Balance))
		return nil
	case cmd == "resolve" && len(rest) == 2:
		res, err := ledger.Engine.Resolve(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		if res.Refunded {
			fmt.Fprintf(out, "%s refunded: %d stake(s) returned\n", res.MarketID, len(res.Payouts))
			return nil
		}
		fmt.Fprintf(out, "%s resolved for %s: house cut %s, creator %s, remainder %s\n",
			res.MarketID, res.WinnerLabel, money(res.HouseCut), money(res.CreatorCut), money(res.Remainder))
		table := tablewriter.NewWriter(out)
		table.Header("Bet", "User", "Stake", "Payout")
		for _, p := range res.Payouts {
			table.Append(p.BetID, p.UserEmail, money(p.Stake), money(p.Amount))
		}
		return table.Render()
	}
	return errUsage
}

func listMarkets(ctx context.Context, out io.Writer, ledger *app.Ledger, fees payout.FeeSchedule) error {
	markets, err := ledger.Store.ListMarkets(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Question", "A", "B", "Pool A", "Pool B", "Fee", "Status")
	for _, m := range markets {
		rate := fees.RateFor(m.TotalPool())
		if m.Resolution.IsResolved() {
			rate = m.Settled.Rate
		}
		table.Append(
			m.ID,
			m.Question,
			m.OptionA,
			m.OptionB,
			money(m.PoolA),
			money(m.PoolB),
			rate.Shift(2).String()+"%",
			string(m.Resolution),
		)
	}
	return table.Render()
}

func history(ctx context.Context, out io.Writer, ledger *app.Ledger, email string) error {
	bets, err := ledger.Store.ListBetsByUser(ctx, email)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Placed", "Market", "Choice", "Stake", "Status", "Payout")
	markets := make(map[string]*model.Market)
	for i := range bets {
		b := &bets[i]
		m, ok := markets[b.MarketID]
		if !ok {
			if m, err = ledger.Store.GetMarket(ctx, b.MarketID); err != nil {
				return err
			}
			markets[b.MarketID] = m
		}
		proj := payout.Project(b, m)
		table.Append(
			b.PlacedAt.Format("2006-01-02 15:04"),
			m.Question,
			m.Label(b.Option),
			money(b.Stake),
			string(proj.Status),
			money(proj.Payout),
		)
	}
	return table.Render()
}

func money(d decimal.Decimal) string {
	return d.StringFixed(model.AmountScale)
}
