package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrimary = models.PrimaryWallet{Blockchain: "ethereum", Name: "hot", Address: "0xhot", Asset: "ETH"}

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	return NewManager(s, []models.PrimaryWallet{testPrimary}), s
}

func payout(amount, fee string) CreateRequest {
	return CreateRequest{
		PrimaryWalletName: "hot",
		ToAddress:         "0xdest",
		Amount:            decimal.RequireFromString(amount),
		Fee:               decimal.RequireFromString(fee),
	}
}

type failingBuilder struct{}

func (failingBuilder) BuildPayload(*models.PendingTransaction, models.PrimaryWallet) ([]byte, error) {
	return nil, errors.New("signer offline")
}

func TestCreate_IsImmediatelyPending(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tx, err := m.Create(ctx, payout("10", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, tx.Status)
	assert.Equal(t, models.TxSourcePayout, tx.Source)
	assert.NotEmpty(t, tx.RawPayload)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tx.Id, pending[0].Id)
	assert.Equal(t, models.TxStatusPending, pending[0].Status)

	total, err := m.InFlightTotal(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("10.5")), total.String())
}

func TestCreate_BuildFailureLeavesNothingVisible(t *testing.T) {
	s := store.NewMemory()
	m := NewManager(s, []models.PrimaryWallet{testPrimary}, WithPayloadBuilder(failingBuilder{}))
	ctx := context.Background()

	_, err := m.Create(ctx, payout("1", "0"))
	require.Error(t, err)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	kvs, err := s.RangeScan(ctx, store.PendingPrefix)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestCreate_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, payout("-1", "0"))
	assert.ErrorIs(t, err, apperror.ErrInvalidRequest)

	req := payout("1", "0")
	req.PrimaryWalletName = "cold"
	_, err = m.Create(ctx, req)
	assert.ErrorIs(t, err, apperror.ErrInvalidRequest)

	req = payout("1", "0")
	req.ToAddress = ""
	_, err = m.Create(ctx, req)
	assert.ErrorIs(t, err, apperror.ErrInvalidRequest)
}

func TestCreate_UniqueIdsUnderConcurrency(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := m.Create(ctx, payout("1", "0"))
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			if _, dup := ids.LoadOrStore(tx.Id, true); dup {
				t.Errorf("duplicate id %s", tx.Id)
			}
		}()
	}
	wg.Wait()

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 50)
}

func TestReportResult_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []models.TxOutcome
		want     models.TxStatus
		wantErr  error
	}{
		{"ack", []models.TxOutcome{models.OutcomeBroadcastAck}, models.TxStatusBroadcast, nil},
		{"ack then confirm", []models.TxOutcome{models.OutcomeBroadcastAck, models.OutcomeConfirmed}, models.TxStatusConfirmed, nil},
		{"pending fails", []models.TxOutcome{models.OutcomeFailed}, models.TxStatusFailed, nil},
		{"broadcast fails", []models.TxOutcome{models.OutcomeBroadcastAck, models.OutcomeFailed}, models.TxStatusFailed, nil},
		{"repeat ack", []models.TxOutcome{models.OutcomeBroadcastAck, models.OutcomeBroadcastAck}, models.TxStatusBroadcast, nil},
		{"confirm without ack", []models.TxOutcome{models.OutcomeConfirmed}, "", apperror.ErrStateConflict},
		{"confirmed then failed", []models.TxOutcome{models.OutcomeBroadcastAck, models.OutcomeConfirmed, models.OutcomeFailed}, "", apperror.ErrStateConflict},
		{"failed then ack", []models.TxOutcome{models.OutcomeFailed, models.OutcomeBroadcastAck}, "", apperror.ErrStateConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			ctx := context.Background()
			tx, err := m.Create(ctx, payout("1", "0"))
			require.NoError(t, err)

			var got *models.PendingTransaction
			for _, o := range tt.outcomes {
				got, err = m.ReportResult(ctx, tx.Id, o, "ext-1")
				if err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, "ext-1", got.ExternalReference)
		})
	}
}

func TestReportResult_Unknown(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ReportResult(context.Background(), "missing", models.OutcomeConfirmed, "")
	assert.ErrorIs(t, err, apperror.ErrUnknownTransactionId)

	_, err = m.ReportResult(context.Background(), "missing", "exploded", "")
	assert.ErrorIs(t, err, apperror.ErrInvalidRequest)
}

func TestReportResult_ConfirmedTwiceIsIdempotent(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	tx, err := m.Create(ctx, payout("2", "0"))
	require.NoError(t, err)

	_, err = m.ReportResult(ctx, tx.Id, models.OutcomeBroadcastAck, "ext")
	require.NoError(t, err)
	first, err := m.ReportResult(ctx, tx.Id, models.OutcomeConfirmed, "ext")
	require.NoError(t, err)

	before, err := s.HistoryOf(ctx, store.PendingKey(tx.Id))
	require.NoError(t, err)

	second, err := m.ReportResult(ctx, tx.Id, models.OutcomeConfirmed, "ext")
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ExternalReference, second.ExternalReference)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	after, err := s.HistoryOf(ctx, store.PendingKey(tx.Id))
	require.NoError(t, err)
	assert.Len(t, after, len(before), "repeat report must not write")

	_, err = m.ReportResult(ctx, tx.Id, models.OutcomeFailed, "ext")
	assert.ErrorIs(t, err, apperror.ErrStateConflict)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	total, err := m.InFlightTotal(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestReportResult_ConcurrentFailuresFireHookOnce(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	var fired atomic.Int32
	m.OnFailed(func(context.Context, *models.PendingTransaction) { fired.Add(1) })

	req := payout("3", "1")
	req.Source = models.TxSourceWithdrawal
	req.WalletId = "alice"
	tx, err := m.Create(ctx, req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.ReportResult(ctx, tx.Id, models.OutcomeFailed, "")
			if err != nil {
				t.Errorf("report failed: %v", err)
				return
			}
			if got.Status != models.TxStatusFailed {
				t.Errorf("unexpected status %s", got.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	due, err := s.RangeScan(ctx, store.RefundDuePrefix)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestReportResult_PayoutFailureHasNoRefund(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	tx, err := m.Create(ctx, payout("3", "0"))
	require.NoError(t, err)

	_, err = m.ReportResult(ctx, tx.Id, models.OutcomeFailed, "")
	require.NoError(t, err)

	due, err := s.RangeScan(ctx, store.RefundDuePrefix)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestInFlightTotal_PerPrimaryWallet(t *testing.T) {
	s := store.NewMemory()
	cold := models.PrimaryWallet{Blockchain: "ethereum", Name: "cold", Address: "0xcold"}
	m := NewManager(s, []models.PrimaryWallet{testPrimary, cold})
	ctx := context.Background()

	_, err := m.Create(ctx, payout("1", "0.1"))
	require.NoError(t, err)
	req := payout("5", "0")
	req.PrimaryWalletName = "cold"
	_, err = m.Create(ctx, req)
	require.NoError(t, err)

	hot, err := m.InFlightTotal(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, hot.Equal(decimal.RequireFromString("1.1")))
	coldTotal, err := m.InFlightTotal(ctx, "cold")
	require.NoError(t, err)
	assert.True(t, coldTotal.Equal(decimal.NewFromInt(5)))
}

func TestReportResult_FailedWithdrawalStaysInFlightUntilRefunded(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	req := payout("4", "1")
	req.Source = models.TxSourceWithdrawal
	req.WalletId = "alice"
	tx, err := m.Create(ctx, req)
	require.NoError(t, err)

	_, err = m.ReportResult(ctx, tx.Id, models.OutcomeFailed, "")
	require.NoError(t, err)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	total, err := m.InFlightTotal(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)), total.String())

	require.NoError(t, s.Apply(ctx, []store.Mutation{
		store.Delete(store.RefundDueKey(tx.Id)),
		store.Delete(store.PendingOpenKey(tx.Id)),
	}))
	total, err = m.InFlightTotal(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestRecordSigned_FirstSignatureWins(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tx, err := m.Create(ctx, payout("2", "0"))
	require.NoError(t, err)

	stored, err := m.RecordSigned(ctx, tx.Id, []byte("signed-a"), "0xa")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, stored.Status)
	assert.Equal(t, "0xa", stored.SignedId)

	again, err := m.RecordSigned(ctx, tx.Id, []byte("signed-b"), "0xb")
	require.NoError(t, err)
	assert.Equal(t, []byte("signed-a"), again.SignedPayload)
	assert.Equal(t, "0xa", again.SignedId)

	acked, err := m.ReportResult(ctx, tx.Id, models.OutcomeBroadcastAck, "0xa")
	require.NoError(t, err)
	assert.Equal(t, []byte("signed-a"), acked.SignedPayload, "signature survives transitions")

	other, err := m.Create(ctx, payout("1", "0"))
	require.NoError(t, err)
	_, err = m.ReportResult(ctx, other.Id, models.OutcomeFailed, "")
	require.NoError(t, err)
	_, err = m.RecordSigned(ctx, other.Id, []byte("late"), "0xc")
	assert.ErrorIs(t, err, apperror.ErrStateConflict)

	_, err = m.RecordSigned(ctx, "missing", []byte("x"), "")
	assert.ErrorIs(t, err, apperror.ErrUnknownTransactionId)
}
