package basewallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/lifecycle"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"
	"custodial-ledger-go/internal/transceiver"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hot = models.PrimaryWallet{Blockchain: "ethereum", Name: "hot", Address: "0xhot", Asset: "ETH"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, onChain string, cfg models.BaseWalletConfig) (*ledger.Ledger, *transceiver.Static, *Tracker) {
	t.Helper()
	s := store.NewMemory()
	primaries := []models.PrimaryWallet{hot}
	l, err := ledger.Open(context.Background(), ledger.Options{
		Store:          s,
		PrimaryWallets: primaries,
		BaseWallet:     cfg,
		Lifecycle:      lifecycle.NewManager(s, primaries),
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	static := transceiver.NewStatic(d(onChain))
	tr := NewTracker(l, map[string]transceiver.Transceiver{"hot": static}, cfg, time.Second)
	return l, static, tr
}

func fund(t *testing.T, l *ledger.Ledger, id, amount string) {
	t.Helper()
	ctx := context.Background()
	if _, err := l.GetWallet(ctx, id); errors.Is(err, apperror.ErrWalletNotFound) {
		_, err = l.CreateWallet(ctx, ledger.CreateWalletParams{Id: id, PrimaryWalletName: "hot"})
		require.NoError(t, err)
	}
	_, err := l.Deposit(ctx, ledger.DepositParams{WalletId: id, Amount: d(amount)})
	require.NoError(t, err)
}

func TestDerive(t *testing.T) {
	tests := []struct {
		onChain, standard, inFlight, want string
	}{
		{"100", "60", "0", "40"},
		{"100", "70", "0", "30"},
		{"120", "70", "0", "50"},
		{"100", "60", "15", "25"},
		{"10", "20", "0", "-10"},
	}
	for _, tt := range tests {
		got := Derive(d(tt.onChain), d(tt.standard), d(tt.inFlight))
		if !got.Equal(d(tt.want)) {
			t.Errorf("Derive(%s, %s, %s) = %s, want %s", tt.onChain, tt.standard, tt.inFlight, got, tt.want)
		}
	}
}

func TestDeriveBaseBalance_Walkthrough(t *testing.T) {
	l, static, tr := setup(t, "100", models.BaseWalletConfig{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		fund(t, l, id, "20")
	}

	got, err := tr.DeriveBaseBalance(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, got.Base.Equal(d("40")), "base %s", got.Base)
	assert.True(t, got.StandardSum.Equal(d("60")))

	fund(t, l, "a", "10")
	got, err = tr.DeriveBaseBalance(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, got.Base.Equal(d("30")), "base %s", got.Base)

	static.SetBalance(d("120"))
	got, err = tr.DeriveBaseBalance(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, got.Base.Equal(d("50")), "base %s", got.Base)
}

func TestDeriveBaseBalance_CountsInFlight(t *testing.T) {
	l, _, tr := setup(t, "100", models.BaseWalletConfig{})
	ctx := context.Background()
	fund(t, l, "a", "50")

	_, err := l.Withdraw(ctx, ledger.WithdrawParams{WalletId: "a", ToAddress: "0xd", Amount: d("9"), Fee: d("1")})
	require.NoError(t, err)

	got, err := tr.DeriveBaseBalance(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, got.InFlight.Equal(d("10")))
	assert.True(t, got.StandardSum.Equal(d("40")))
	assert.True(t, got.Base.Equal(d("50")), "withdrawal in flight must not move the base balance")
}

func TestDeriveBaseBalance_NegativeIsReported(t *testing.T) {
	l, _, tr := setup(t, "5", models.BaseWalletConfig{})
	fund(t, l, "a", "8")

	got, err := tr.DeriveBaseBalance(context.Background(), "hot")
	require.NoError(t, err)
	assert.True(t, got.Negative())
	assert.True(t, got.Base.Equal(d("-3")))
}

func TestFetchOnChainBalance_Timeout(t *testing.T) {
	_, static, tr := setup(t, "1", models.BaseWalletConfig{})
	tr.timeout = 20 * time.Millisecond
	static.SetDelay(time.Second)

	_, err := tr.FetchOnChainBalance(context.Background(), "hot")
	assert.ErrorIs(t, err, apperror.ErrExternalServiceTimeout)
	assert.True(t, apperror.IsTransient(err))
}

func TestFetchOnChainBalance_UnknownPrimary(t *testing.T) {
	_, _, tr := setup(t, "1", models.BaseWalletConfig{})
	_, err := tr.FetchOnChainBalance(context.Background(), "nowhere")
	assert.ErrorIs(t, err, apperror.ErrInvalidRequest)
}

func TestTransceiver_Missing(t *testing.T) {
	_, _, tr := setup(t, "1", models.BaseWalletConfig{})
	tr.transceivers = map[string]transceiver.Transceiver{}
	_, err := tr.FetchOnChainBalance(context.Background(), "hot")
	assert.ErrorIs(t, err, apperror.ErrConfigurationError)
}

func TestEnsureBaseWallets(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		l, _, tr := setup(t, "1", models.BaseWalletConfig{NamePrefix: "excess_", CreateOnInitialization: true})
		require.NoError(t, tr.EnsureBaseWallets(context.Background()))
		require.NoError(t, tr.EnsureBaseWallets(context.Background()))

		w, err := l.GetWallet(context.Background(), "excess_ethereum_hot")
		require.NoError(t, err)
		assert.Equal(t, models.WalletKindBase, w.Kind)
	})

	t.Run("disabled", func(t *testing.T) {
		l, _, tr := setup(t, "1", models.BaseWalletConfig{})
		require.NoError(t, tr.EnsureBaseWallets(context.Background()))

		_, err := l.GetWallet(context.Background(), "base_ethereum_hot")
		assert.ErrorIs(t, err, apperror.ErrWalletNotFound)
	})
}
