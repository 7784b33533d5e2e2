package listener

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

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

type fixture struct {
	ledger   *ledger.Ledger
	chain    *transceiver.Static
	listener *BroadcastListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chain := transceiver.NewStatic(d("1000"))
	f := newFixtureWith(t, chain)
	f.chain = chain
	return f
}

func newFixtureWith(t *testing.T, tr transceiver.Transceiver) *fixture {
	t.Helper()
	s := store.NewMemory()
	primaries := []models.PrimaryWallet{hot}
	l, err := ledger.Open(context.Background(), ledger.Options{
		Store:          s,
		PrimaryWallets: primaries,
		Lifecycle:      lifecycle.NewManager(s, primaries),
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	bl := NewBroadcastListener(BroadcastListenerConfig{
		Ledger:          l,
		Transceivers:    map[string]transceiver.Transceiver{"hot": tr},
		PollingInterval: 20 * time.Millisecond,
		CallTimeout:     100 * time.Millisecond,
		Quiet:           true,
	})
	t.Cleanup(bl.Stop)

	ctx := context.Background()
	_, err = l.CreateWallet(ctx, ledger.CreateWalletParams{Id: "alice", PrimaryWalletName: "hot"})
	require.NoError(t, err)
	_, err = l.Deposit(ctx, ledger.DepositParams{WalletId: "alice", Amount: d("50"), ExternalRef: "seed"})
	require.NoError(t, err)

	return &fixture{ledger: l, listener: bl}
}

func (f *fixture) withdraw(t *testing.T, amount string) *models.WithdrawalRecord {
	t.Helper()
	rec, err := f.ledger.Withdraw(context.Background(), ledger.WithdrawParams{
		WalletId:  "alice",
		ToAddress: "0xdest",
		Amount:    d(amount),
		Fee:       d("1"),
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) status(t *testing.T, id string) *models.PendingTransaction {
	t.Helper()
	tx, err := f.ledger.Lifecycle().Get(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	return b
}

func TestPoll_BroadcastThenConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.withdraw(t, "10")

	summary, err := f.listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Broadcast: 1}, summary)

	tx := f.status(t, rec.PendingTransactionId)
	assert.Equal(t, models.TxStatusBroadcast, tx.Status)
	assert.NotEmpty(t, tx.ExternalReference)

	broadcasts := f.chain.Broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, rec.PendingTransactionId, broadcasts[0].TransactionId)
	assert.True(t, broadcasts[0].Amount.Equal(d("10")))

	summary, err = f.listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Deferred: 1}, summary, "still pending on chain")

	require.True(t, f.chain.Settle(rec.PendingTransactionId, transceiver.ChainStatusConfirmed))
	summary, err = f.listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Confirmed: 1}, summary)
	assert.Equal(t, models.TxStatusConfirmed, f.status(t, rec.PendingTransactionId).Status)

	open, err := f.ledger.Lifecycle().ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.True(t, f.balance(t).Equal(d("39")))
}

func TestPoll_RejectedBroadcastRefunds(t *testing.T) {
	f := newFixture(t)
	rec := f.withdraw(t, "10")
	assert.True(t, f.balance(t).Equal(d("39")))

	f.chain.RejectBroadcasts("insufficient funds")
	summary, err := f.listener.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Rejected: 1}, summary)

	assert.Equal(t, models.TxStatusFailed, f.status(t, rec.PendingTransactionId).Status)
	assert.True(t, f.balance(t).Equal(d("50")), "amount and fee are refunded")
}

func TestPoll_FailedOnChainRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.withdraw(t, "5")

	_, err := f.listener.Poll(ctx)
	require.NoError(t, err)
	require.True(t, f.chain.Settle(rec.PendingTransactionId, transceiver.ChainStatusFailed))

	summary, err := f.listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Failed: 1}, summary)
	assert.Equal(t, models.TxStatusFailed, f.status(t, rec.PendingTransactionId).Status)
	assert.True(t, f.balance(t).Equal(d("50")))
}

func TestPoll_TimeoutLeavesTransactionPending(t *testing.T) {
	f := newFixture(t)
	rec := f.withdraw(t, "10")

	f.chain.SetDelay(time.Second)
	summary, err := f.listener.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Deferred: 1}, summary)
	assert.Equal(t, models.TxStatusPending, f.status(t, rec.PendingTransactionId).Status)
	assert.True(t, f.balance(t).Equal(d("39")))
}

func TestPoll_NothingOpen(t *testing.T) {
	f := newFixture(t)
	summary, err := f.listener.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.withdraw(t, "10")

	require.NoError(t, f.listener.Start(ctx))
	assert.ErrorIs(t, f.listener.Start(ctx), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		tx, err := f.ledger.Lifecycle().Get(ctx, rec.PendingTransactionId)
		return err == nil && tx.Status == models.TxStatusBroadcast
	}, 2*time.Second, 10*time.Millisecond)

	f.listener.Stop()
	f.listener.Stop()
}

// signingChain signs locally and can lose the acknowledgment of a send the node accepted
type signingChain struct {
	mu       sync.Mutex
	signs    int
	sent     [][]byte
	lostAcks int
	reason   string
}

func (c *signingChain) Sign(_ context.Context, _ []byte, meta transceiver.BroadcastMetadata) (*transceiver.SignResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != "" {
		return &transceiver.SignResult{Reason: c.reason}, nil
	}
	c.signs++
	return &transceiver.SignResult{
		Payload:    []byte(fmt.Sprintf("signed-%d:%s", c.signs, meta.TransactionId)),
		ExternalId: fmt.Sprintf("0xhash%d", c.signs),
	}, nil
}

func (c *signingChain) BroadcastTransaction(_ context.Context, raw []byte, _ transceiver.BroadcastMetadata) (*transceiver.BroadcastResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, bytes.Clone(raw))
	if c.lostAcks > 0 {
		c.lostAcks--
		return nil, context.DeadlineExceeded
	}
	return &transceiver.BroadcastResult{Accepted: true}, nil
}

func (c *signingChain) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return d("1000"), nil
}

func (c *signingChain) GetUTXOs(context.Context, string) ([]transceiver.UTXO, error) {
	return nil, transceiver.ErrUnsupported
}

func (c *signingChain) GetTransactionHistory(context.Context, string, transceiver.HistoryOptions) ([]transceiver.ChainTransaction, error) {
	return nil, transceiver.ErrUnsupported
}

func TestPoll_LostAckResendsSignedPayload(t *testing.T) {
	chain := &signingChain{lostAcks: 1}
	f := newFixtureWith(t, chain)
	ctx := context.Background()
	rec := f.withdraw(t, "10")

	summary, err := f.listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Deferred: 1}, summary)

	tx := f.status(t, rec.PendingTransactionId)
	assert.Equal(t, models.TxStatusPending, tx.Status)
	assert.Equal(t, "signed-1:"+tx.Id, string(tx.SignedPayload))
	assert.Equal(t, "0xhash1", tx.SignedId)

	summary, err = f.listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Broadcast: 1}, summary)

	tx = f.status(t, rec.PendingTransactionId)
	assert.Equal(t, models.TxStatusBroadcast, tx.Status)
	assert.Equal(t, "0xhash1", tx.ExternalReference)

	chain.mu.Lock()
	defer chain.mu.Unlock()
	assert.Equal(t, 1, chain.signs, "signed once")
	require.Len(t, chain.sent, 2)
	assert.Equal(t, chain.sent[0], chain.sent[1], "the retry resends the same bytes")
	assert.True(t, f.balance(t).Equal(d("39")))
}

func TestPoll_UnsignablePayloadRefunds(t *testing.T) {
	chain := &signingChain{reason: "no signing key configured"}
	f := newFixtureWith(t, chain)
	rec := f.withdraw(t, "10")

	summary, err := f.listener.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Rejected: 1}, summary)
	assert.Equal(t, models.TxStatusFailed, f.status(t, rec.PendingTransactionId).Status)
	assert.True(t, f.balance(t).Equal(d("50")))
	assert.Empty(t, chain.sent)
}
