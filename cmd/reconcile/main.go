package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"custodial-ledger-go/internal/api"
	"custodial-ledger-go/internal/common"
	"custodial-ledger-go/internal/config"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/reconcile"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const usage = `usage: reconcile <command> [flags]

commands:
  run            [--primary NAME]           reconcile one or every primary wallet
  discrepancies  [--primary NAME] [--all]   list discrepancies (unresolved unless --all)
  resolve        --id ID --note TEXT [--adjustment N]
  pending                                   list PENDING and BROADCAST transactions
  report         --id TX --outcome broadcastAck|confirmed|failed [--ref EXTERNAL_ID]
  refunds                                   refund failed withdrawals still due
  journal        --primary NAME             compare ledger balances with the journal mirror
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(2)
	}

	// Configuration errors are logged at info level before LOG_LEVEL is known
	_, bootCleanup := common.InitializeLogger("info")
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	bootCleanup()

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx := context.Background()
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	ok, err := run(ctx, services, os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Print(usage)
		services.Close()
		os.Exit(2)
	}
	if !ok {
		services.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, services *common.Services, command string, args []string) (bool, error) {
	svc := services.API

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	primary := fs.String("primary", "", "Primary wallet name")
	all := fs.Bool("all", false, "Include resolved discrepancies")
	id := fs.String("id", "", "Discrepancy or transaction id")
	note := fs.String("note", "", "Resolution note")
	adjustment := fs.String("adjustment", "0", "Amount added to the base wallet on resolution")
	outcome := fs.String("outcome", "", "Reported outcome")
	ref := fs.String("ref", "", "External reference returned by the broadcaster")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	switch command {
	case "run":
		resp := svc.Reconcile(ctx, *primary)
		common.PrintHeader("RECONCILIATION", common.WideWidth)
		for i, r := range resp.Result {
			printResult(r, i == len(resp.Result)-1)
		}
		return report(resp), nil

	case "discrepancies":
		resp := svc.ListDiscrepancies(ctx, reconcile.DiscrepancyFilter{PrimaryWalletName: *primary, IncludeResolved: *all})
		if resp.Success {
			common.PrintHeader("DISCREPANCIES", common.WideWidth)
			wallet := ""
			for i, d := range resp.Result {
				if d.PrimaryWalletName != wallet {
					wallet = d.PrimaryWalletName
					common.PrintBoxSeparator(wallet, common.WideWidth-1)
				}
				printDiscrepancy(d, i == len(resp.Result)-1)
			}
			common.PrintFooter(fmt.Sprintf("%d discrepancies", len(resp.Result)), common.WideWidth)
		}
		return report(resp), nil

	case "resolve":
		adj, err := decimal.NewFromString(*adjustment)
		if err != nil {
			return false, fmt.Errorf("invalid adjustment: %w", err)
		}
		resp := svc.ResolveDiscrepancy(ctx, *id, *note, adj)
		if resp.Success {
			a := resp.Result.Adjustment
			fmt.Printf("Resolved %s: base wallet %s %s -> %s\n", *id, a.BaseWalletId, a.BalanceBefore, a.BalanceAfter)
		}
		return report(resp), nil

	case "pending":
		resp := svc.ListPending(ctx)
		if resp.Success {
			common.PrintHeader("OPEN TRANSACTIONS", common.WideWidth)
			for i, tx := range resp.Result {
				fmt.Printf("%s %-38s %-9s %-12s %16s (+%s) -> %s [%s]\n",
					common.BoxPrefix(i == len(resp.Result)-1), tx.Id, tx.Status, tx.PrimaryWalletName,
					tx.Amount, tx.Fee, tx.ToAddress, common.ShortId(tx.ExternalReference))
			}
		}
		return report(resp), nil

	case "report":
		resp := svc.ReportResult(ctx, *id, models.TxOutcome(*outcome), *ref)
		if resp.Success {
			fmt.Printf("%s is now %s\n", resp.Result.Id, resp.Result.Status)
		}
		return report(resp), nil

	case "refunds":
		resp := svc.ProcessDueRefunds(ctx)
		if resp.Success && resp.Result == 0 {
			fmt.Println("No refunds due")
		}
		return report(resp), nil

	case "journal":
		return compareJournal(ctx, services, *primary)

	default:
		return false, fmt.Errorf("unknown command %q", command)
	}
}

// compareJournal checks every wallet of a primary wallet against its mirror account
func compareJournal(ctx context.Context, services *common.Services, primaryName string) (bool, error) {
	if services.Journal == nil {
		return false, fmt.Errorf("journal mirror is not enabled (FORMANCE_ENABLED)")
	}
	p, ok := services.Ledger.Primary(primaryName)
	if !ok {
		return false, fmt.Errorf("unknown primary wallet %q", primaryName)
	}

	resp := services.API.ListWallets(ctx, p.Name)
	if !resp.Success {
		return report(resp), nil
	}

	common.PrintHeader("JOURNAL CHECK OF "+p.Name, common.WideWidth)
	mismatches := 0
	for i, w := range resp.Result {
		mirrored, err := services.Journal.WalletBalance(ctx, p.Blockchain, p.Name, w.Id, p.Asset)
		status := "ok"
		switch {
		case err != nil:
			status = "error: " + err.Error()
			mismatches++
		case !mirrored.Equal(w.Balance):
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("%s %-24s ledger %20s  journal %20s  %s\n",
			common.BoxPrefix(i == len(resp.Result)-1), w.Id, w.Balance, mirrored, status)
	}
	common.PrintFooter(fmt.Sprintf("%d wallets, %d mismatches", len(resp.Result), mismatches), common.WideWidth)
	return mismatches == 0, nil
}

func report[T any](resp api.Response[T]) bool {
	common.PrintMessages(resp.Messages)
	return resp.Success
}

func printResult(r *reconcile.Result, isLast bool) {
	prefix := common.BoxPrefix(isLast)
	if r.Skipped {
		fmt.Printf("%s %-16s skipped: %s\n", prefix, r.PrimaryWalletName, r.SkipReason)
		return
	}
	s := r.Snapshot
	fmt.Printf("%s %-16s on-chain %s = standard %s + in-flight %s + base %s\n",
		prefix, r.PrimaryWalletName, s.OnChainBalance, s.StandardSum, s.InFlight, s.BaseBalance)
}

func printDiscrepancy(d models.Discrepancy, isLast bool) {
	state := "open"
	if d.Resolved {
		state = "resolved: " + d.Resolution
	}
	fmt.Printf("%s %s %-8s %-12s expected %s actual %s (diff %s) [%s]\n",
		common.BoxPrefix(isLast), d.Id, d.Severity, d.PrimaryWalletName,
		d.ExpectedBalance, d.ActualBalance, d.Difference, state)
	fmt.Printf("%s    base %s -> %s, detected %s by %s\n",
		common.BoxDetailPrefix(isLast), d.PreviousBaseBalance, d.ComputedBaseBalance,
		d.DetectedAt.Format("2006-01-02 15:04:05"), d.TriggeredBy)
}
