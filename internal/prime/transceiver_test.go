package prime

import (
	"context"
	"errors"
	"testing"
	"time"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/shopspring/decimal"
)

type fakeAPI struct {
	balance     string
	balanceErr  error
	withdrawals []CreateWithdrawalParams
	history     []WalletTransaction
	since       time.Time
}

func (f *fakeAPI) WalletBalance(_ context.Context, _, _ string) (string, error) {
	return f.balance, f.balanceErr
}

func (f *fakeAPI) CreateWithdrawal(_ context.Context, params CreateWithdrawalParams) (string, error) {
	f.withdrawals = append(f.withdrawals, params)
	return "activity-" + params.IdempotencyKey, nil
}

func (f *fakeAPI) ListWalletTransactions(_ context.Context, _, _ string, since time.Time) ([]WalletTransaction, error) {
	f.since = since
	return f.history, nil
}

func primeWallet(opts map[string]string) models.PrimaryWallet {
	return models.PrimaryWallet{
		Blockchain:  "ethereum",
		Name:        "prime-eth",
		Asset:       "ETH",
		Transceiver: models.TransceiverConfig{Kind: Kind, Options: opts},
	}
}

func TestNewTransceiver_RequiresOptions(t *testing.T) {
	if _, err := NewTransceiver(&fakeAPI{}, primeWallet(map[string]string{"portfolio_id": "p"})); err == nil {
		t.Fatal("expected error without wallet_id")
	}
	tr, err := NewTransceiver(&fakeAPI{}, primeWallet(map[string]string{"portfolio_id": "p", "wallet_id": "w"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.asset != "ETH" {
		t.Errorf("asset = %q, want ETH", tr.asset)
	}
}

func TestGetBalance(t *testing.T) {
	api := &fakeAPI{balance: "12.3456"}
	tr, _ := NewTransceiver(api, primeWallet(map[string]string{"portfolio_id": "p", "wallet_id": "w"}))

	got, err := tr.GetBalance(context.Background(), "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("12.3456")) {
		t.Errorf("balance = %s", got)
	}

	api.balance = "not-a-number"
	if _, err := tr.GetBalance(context.Background(), ""); err == nil {
		t.Error("expected error for invalid balance")
	}

	api.balanceErr = errors.New("boom")
	if _, err := tr.GetBalance(context.Background(), ""); err == nil {
		t.Error("expected API error")
	}
}

func TestBroadcastTransaction_UsesTransactionIdAsIdempotencyKey(t *testing.T) {
	api := &fakeAPI{}
	tr, _ := NewTransceiver(api, primeWallet(map[string]string{"portfolio_id": "p", "wallet_id": "w", "asset": "ETH-ethereum-mainnet"}))

	tx := &models.PendingTransaction{Id: "tx-1", ToAddress: "0xdest", Amount: decimal.RequireFromString("1.5"), Fee: decimal.RequireFromString("0.01")}
	payload, err := transceiver.IntentBuilder{}.BuildPayload(tx, primeWallet(nil))
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}

	res, err := tr.BroadcastTransaction(context.Background(), payload, transceiver.BroadcastMetadata{TransactionId: "tx-1"})
	if err != nil {
		t.Fatalf("BroadcastTransaction: %v", err)
	}
	if !res.Accepted || res.ExternalId != "activity-tx-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(api.withdrawals) != 1 {
		t.Fatalf("withdrawals = %d, want 1", len(api.withdrawals))
	}
	w := api.withdrawals[0]
	if w.IdempotencyKey != "tx-1" || w.Amount != "1.5" || w.DestinationAddress != "0xdest" || w.Asset != "ETH-ethereum-mainnet" {
		t.Errorf("unexpected withdrawal %+v", w)
	}
}

func TestBroadcastTransaction_RejectsBadPayload(t *testing.T) {
	api := &fakeAPI{}
	tr, _ := NewTransceiver(api, primeWallet(map[string]string{"portfolio_id": "p", "wallet_id": "w"}))

	res, err := tr.BroadcastTransaction(context.Background(), []byte("{"), transceiver.BroadcastMetadata{TransactionId: "tx-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Error("bad payload must not be accepted")
	}
	if len(api.withdrawals) != 0 {
		t.Error("no withdrawal should be created")
	}
}

func TestGetTransactionHistory(t *testing.T) {
	now := time.Now().UTC()
	api := &fakeAPI{history: []WalletTransaction{
		{Id: "a", Type: "WITHDRAWAL", Status: "TRANSACTION_DONE", Amount: "-1.5", Fees: "0.001", IdempotencyKey: "tx-1", Completed: now},
		{Id: "b", Type: "WITHDRAWAL", Status: "TRANSACTION_REJECTED", Amount: "2", IdempotencyKey: "tx-2", Created: now},
		{Id: "c", Type: "DEPOSIT", Status: "TRANSACTION_CREATED", Amount: "3", Created: now},
		{Id: "d", Type: "DEPOSIT", Status: "TRANSACTION_DONE", Amount: "??"},
	}}
	tr, _ := NewTransceiver(api, primeWallet(map[string]string{"portfolio_id": "p", "wallet_id": "w"}))

	since := now.Add(-time.Hour)
	got, err := tr.GetTransactionHistory(context.Background(), "", transceiver.HistoryOptions{Since: since})
	if err != nil {
		t.Fatalf("GetTransactionHistory: %v", err)
	}
	if !api.since.Equal(since) {
		t.Errorf("since = %v, want %v", api.since, since)
	}
	if len(got) != 3 {
		t.Fatalf("got %d transactions, want 3", len(got))
	}

	want := []struct {
		ref    string
		status transceiver.ChainStatus
		amount string
	}{
		{"tx-1", transceiver.ChainStatusConfirmed, "1.5"},
		{"tx-2", transceiver.ChainStatusFailed, "2"},
		{"", transceiver.ChainStatusPending, "3"},
	}
	for i, w := range want {
		if got[i].Reference != w.ref || got[i].Status != w.status || !got[i].Amount.Equal(decimal.RequireFromString(w.amount)) {
			t.Errorf("tx %d = %+v, want ref=%s status=%s amount=%s", i, got[i], w.ref, w.status, w.amount)
		}
	}
	if got[0].From != "w" || got[2].To != "w" {
		t.Errorf("direction not mapped: %+v %+v", got[0], got[2])
	}

	limited, _ := tr.GetTransactionHistory(context.Background(), "", transceiver.HistoryOptions{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored, got %d", len(limited))
	}
}

func TestGetUTXOsUnsupported(t *testing.T) {
	tr, _ := NewTransceiver(&fakeAPI{}, primeWallet(map[string]string{"portfolio_id": "p", "wallet_id": "w"}))
	if _, err := tr.GetUTXOs(context.Background(), ""); !errors.Is(err, transceiver.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestFactory_CredentialError(t *testing.T) {
	f := NewFactory(func() (*credentials.Credentials, error) { return nil, errors.New("missing") })
	if _, err := f(context.Background(), primeWallet(nil)); err == nil {
		t.Error("expected credential error")
	}
}
