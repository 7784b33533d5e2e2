package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"custodial-ledger-go/internal/api"
	"custodial-ledger-go/internal/common"
	"custodial-ledger-go/internal/config"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const usage = `usage: wallet <command> [flags]

commands:
  create      --id ID --primary NAME [--meta k=v,...]
  list        [--primary NAME]
  balance     --id ID
  history     --id ID
  delete      --id ID
  deposit     --id ID --amount N --ref EXTERNAL_REF
  transfer    --from ID --to ID --amount N [--memo TEXT]
  withdraw    --id ID --to ADDRESS --amount N [--fee N] [--memo TEXT]
  distribute  --from ID --amount N --split JSON [--residual ID]
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

	ctx = models.WithOperationContext(ctx, &models.OperationContext{
		Operation: "wallet " + os.Args[1],
		RequestId: uuid.New().String(),
		Actor:     os.Getenv("USER"),
	})
	ok, err := run(ctx, services.API, os.Args[1], os.Args[2:])
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

func run(ctx context.Context, svc *api.LedgerService, command string, args []string) (bool, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	id := fs.String("id", "", "Internal wallet id")
	primary := fs.String("primary", "", "Primary wallet name")
	meta := fs.String("meta", "", "Wallet metadata as comma separated key=value pairs")
	from := fs.String("from", "", "Source wallet id")
	to := fs.String("to", "", "Destination wallet id or address")
	amount := fs.String("amount", "", "Amount")
	fee := fs.String("fee", "0", "Network fee debited with a withdrawal")
	memo := fs.String("memo", "", "Free text stored on the record")
	ref := fs.String("ref", "", "External reference of a deposit")
	split := fs.String("split", "", `Allocations as JSON, e.g. [{"destination_wallet_id":"fees","percentage":"2","min":"0.5"}]`)
	residual := fs.String("residual", "", "Wallet receiving the distribution remainder")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	switch command {
	case "create":
		metadata, err := parseMetadata(*meta)
		if err != nil {
			return false, err
		}
		resp := svc.CreateWallet(ctx, ledger.CreateWalletParams{Id: *id, PrimaryWalletName: *primary, Metadata: metadata})
		if resp.Success {
			printWallets([]models.InternalWallet{*resp.Result})
		}
		return report(resp), nil

	case "list":
		resp := svc.ListWallets(ctx, *primary)
		if resp.Success {
			title := "INTERNAL WALLETS"
			if *primary != "" {
				title += " OF " + *primary
			}
			common.PrintHeader(title, common.DefaultWidth)
			printWallets(resp.Result)
			common.PrintFooter(fmt.Sprintf("%d wallets", len(resp.Result)), common.DefaultWidth)
		}
		return report(resp), nil

	case "balance":
		resp := svc.GetBalance(ctx, *id)
		if resp.Success {
			fmt.Printf("%s: %s\n", *id, resp.Result.String())
		}
		return report(resp), nil

	case "history":
		resp := svc.WalletHistory(ctx, *id)
		if resp.Success {
			common.PrintHeader("BALANCE HISTORY OF "+*id, common.DefaultWidth)
			for i, h := range resp.Result {
				state := ""
				if h.Deleted {
					state = " (deleted)"
				}
				fmt.Printf("%s v%-4d %20s  %s%s\n", common.BoxPrefix(i == len(resp.Result)-1),
					h.Version, h.Balance.String(), h.RecordedAt.Format("2006-01-02 15:04:05"), state)
			}
		}
		return report(resp), nil

	case "delete":
		return report(svc.DeleteWallet(ctx, *id)), nil

	case "deposit":
		amt, err := parseAmount(*amount)
		if err != nil {
			return false, err
		}
		resp := svc.Deposit(ctx, ledger.DepositParams{WalletId: *id, Amount: amt, ExternalRef: *ref, Memo: *memo})
		if resp.Result != nil {
			fmt.Printf("Deposit %s: %s credited to %s\n", resp.Result.Id, resp.Result.Amount, resp.Result.WalletId)
		}
		return report(resp), nil

	case "transfer":
		amt, err := parseAmount(*amount)
		if err != nil {
			return false, err
		}
		resp := svc.Transfer(ctx, ledger.TransferParams{FromWalletId: *from, ToWalletId: *to, Amount: amt, Memo: *memo})
		if resp.Result != nil {
			fmt.Printf("Transfer %s: %s from %s to %s\n", resp.Result.Id, resp.Result.Amount, resp.Result.FromWalletId, resp.Result.ToWalletId)
		}
		return report(resp), nil

	case "withdraw":
		amt, err := parseAmount(*amount)
		if err != nil {
			return false, err
		}
		feeAmt, err := decimal.NewFromString(*fee)
		if err != nil {
			return false, fmt.Errorf("invalid fee: %w", err)
		}
		resp := svc.Withdraw(ctx, ledger.WithdrawParams{WalletId: *id, ToAddress: *to, Amount: amt, Fee: feeAmt, Memo: *memo})
		if resp.Result != nil {
			fmt.Printf("Withdrawal %s: %s (+%s fee) to %s\n", resp.Result.Id, resp.Result.Amount, resp.Result.Fee, resp.Result.ToAddress)
			fmt.Printf("Pending transaction: %s\n", resp.Result.PendingTransactionId)
		}
		return report(resp), nil

	case "distribute":
		amt, err := parseAmount(*amount)
		if err != nil {
			return false, err
		}
		var allocations []ledger.Allocation
		if err := json.Unmarshal([]byte(*split), &allocations); err != nil {
			return false, fmt.Errorf("invalid --split: %w", err)
		}
		resp := svc.Distribute(ctx, ledger.DistributeParams{
			SourceWalletId:   *from,
			Amount:           amt,
			Allocations:      allocations,
			ResidualWalletId: *residual,
			Memo:             *memo,
		})
		if resp.Result != nil {
			printDistribution(resp.Result)
		}
		return report(resp), nil

	default:
		return false, fmt.Errorf("unknown command %q", command)
	}
}

func report[T any](resp api.Response[T]) bool {
	common.PrintMessages(resp.Messages)
	return resp.Success
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("--amount is required")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}
	return amount, nil
}

func parseMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	meta := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata entry %q, expected key=value", pair)
		}
		meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return meta, nil
}

func printWallets(wallets []models.InternalWallet) {
	for i, w := range wallets {
		isLast := i == len(wallets)-1
		kind := string(w.Kind)
		fmt.Printf("%s %-24s %-8s %20s  (%s/%s, v%s)\n",
			common.BoxPrefix(isLast), w.Id, kind, w.Balance.String(),
			w.Blockchain, w.PrimaryWalletName, strconv.FormatInt(w.Version, 10))
	}
}

func printDistribution(rec *models.DistributionRecord) {
	fmt.Printf("\n┌─ Distribution %s of %s from %s\n", rec.Id, rec.Amount, rec.SourceWalletId)
	for _, line := range rec.Lines {
		clamp := ""
		if line.Clamp != "" {
			clamp = fmt.Sprintf(" (clamped to %s, computed %s)", line.Clamp, line.Computed)
		}
		if line.OverrideApplied {
			clamp += " (merchant override)"
		}
		fmt.Printf("│  %-24s %20s%s\n", line.DestinationWalletId, line.Amount, clamp)
	}
	fmt.Printf("└  %-24s %20s (residual)\n", rec.ResidualWalletId, rec.ResidualAmount)
}
