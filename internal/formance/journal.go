package formance

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"custodial-ledger-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const worldAccount = "world"

// Post mirrors one journal entry as a Formance transaction. The entry reference is the
// transaction reference, so replays are absorbed by the ledger.
func (s *Service) Post(ctx context.Context, entry models.JournalEntry) error {
	script, err := buildScript(entry)
	if err != nil {
		return err
	}

	meta := map[string]string{
		"event_type":          entry.EventType,
		"blockchain":          entry.Blockchain,
		"primary_wallet_name": entry.PrimaryWalletName,
	}
	for k, v := range entry.Metadata {
		meta[k] = v
	}

	postTx := shared.V2PostTransaction{
		Reference: v3.Pointer(entry.Reference),
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars:  map[string]string{},
		},
		Metadata: meta,
	}
	if !entry.Timestamp.IsZero() {
		ts := entry.Timestamp
		postTx.Timestamp = &ts
	}

	_, err = s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Journal entry already mirrored", zap.String("reference", entry.Reference))
			return nil
		}
		return fmt.Errorf("error mirroring %s entry: %w", entry.EventType, err)
	}

	zap.L().Debug("Journal entry mirrored to Formance",
		zap.String("reference", entry.Reference),
		zap.String("event_type", entry.EventType),
		zap.Int("postings", len(entry.Postings)))
	return nil
}

// WalletBalance reads back the mirrored balance of an internal wallet
func (s *Service) WalletBalance(ctx context.Context, blockchain, primaryWalletName, walletId, asset string) (decimal.Decimal, error) {
	address := AccountAddress(blockchain, primaryWalletName, walletId)
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	vols := resp.V2AccountResponse.Data.Volumes
	return bigIntToDecimal(volumeBalance(vols, formanceAsset(asset)), asset), nil
}

// AccountAddress maps an internal wallet to a Formance account, e.g.
// chains:ethereum:hot:wallets:merchant_1
func AccountAddress(blockchain, primaryWalletName, walletId string) string {
	if walletId == models.JournalExternal {
		return worldAccount
	}
	return strings.Join([]string{
		"chains",
		sanitizeSegment(blockchain),
		sanitizeSegment(primaryWalletName),
		"wallets",
		sanitizeSegment(walletId),
	}, ":")
}

// sanitizeSegment keeps account segments within [A-Za-z0-9_]
func sanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// buildScript renders one send per posting. Internal wallets may go negative in the mirror
// since balances are authoritative in the local store.
func buildScript(entry models.JournalEntry) (string, error) {
	if len(entry.Postings) == 0 {
		return "", fmt.Errorf("journal entry %s has no postings", entry.Reference)
	}

	asset := formanceAsset(entry.Asset)
	precision := int32(precisionFor(entry.Asset))

	var b strings.Builder
	for i, p := range entry.Postings {
		if !p.Amount.IsPositive() {
			return "", fmt.Errorf("posting %d of %s has non-positive amount %s", i, entry.Reference, p.Amount)
		}
		units := p.Amount.Shift(precision)
		if !units.Equal(units.Truncate(0)) {
			return "", fmt.Errorf("posting %d of %s exceeds %s precision", i, entry.Reference, asset)
		}

		source := AccountAddress(entry.Blockchain, entry.PrimaryWalletName, p.Source)
		dest := AccountAddress(entry.Blockchain, entry.PrimaryWalletName, p.Destination)
		overdraft := " allowing unbounded overdraft"
		if source == worldAccount {
			overdraft = ""
		}
		fmt.Fprintf(&b, "send [%s %s] (\n  source = @%s%s\n  destination = @%s\n)\n",
			asset, units.BigInt().String(), source, overdraft, dest)
	}
	return b.String(), nil
}

func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// bigIntToDecimal converts a *big.Int in smallest-unit to a decimal amount.
func bigIntToDecimal(raw *big.Int, symbol string) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(precisionFor(symbol)))
}
