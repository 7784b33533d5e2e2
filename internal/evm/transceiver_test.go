package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	balance  *big.Int
	sent     []*types.Transaction
	sendErr  error
	receipts map[common.Hash]*types.Receipt
	nonce    uint64
	// lostAcks sends are accepted by the node but answered with a deadline error
	lostAcks int
}

func (f *fakeRPC) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	for _, prev := range f.sent {
		if prev.Hash() == tx.Hash() {
			return errors.New("already known")
		}
	}
	f.sent = append(f.sent, tx)
	if f.lostAcks > 0 {
		f.lostAcks--
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeRPC) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func evmWallet(address string, opts map[string]string) models.PrimaryWallet {
	return models.PrimaryWallet{
		Blockchain:  "ethereum",
		Name:        "hot",
		Address:     address,
		Asset:       "ETH",
		Transceiver: models.TransceiverConfig{Kind: Kind, Options: opts},
	}
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestGetBalance_ConvertsWei(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	tr, err := NewTransceiver(&fakeRPC{balance: wei}, evmWallet("", nil))
	require.NoError(t, err)

	got, err := tr.GetBalance(context.Background(), "0x000000000000000000000000000000000000dEaD")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("1.5")), "got %s", got)

	_, err = tr.GetBalance(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestNewTransceiver_Options(t *testing.T) {
	tr, err := NewTransceiver(&fakeRPC{}, evmWallet("", map[string]string{"decimals": "6"}))
	require.NoError(t, err)
	assert.Equal(t, "1000000", tr.ToBaseUnits(decimal.NewFromInt(1)).String())

	_, err = NewTransceiver(&fakeRPC{}, evmWallet("", map[string]string{"decimals": "x"}))
	assert.Error(t, err)

	t.Setenv("EVM_TEST_EMPTY", "")
	_, err = NewTransceiver(&fakeRPC{}, evmWallet("", map[string]string{"private_key_env": "EVM_TEST_EMPTY"}))
	assert.Error(t, err)

	key, _ := newKey(t)
	t.Setenv("EVM_TEST_KEY", hex.EncodeToString(crypto.FromECDSA(key)))
	_, err = NewTransceiver(&fakeRPC{}, evmWallet("0x000000000000000000000000000000000000dEaD", map[string]string{"private_key_env": "EVM_TEST_KEY"}))
	assert.Error(t, err, "key must match the primary wallet address")
}

func TestBroadcast_SignedTransaction(t *testing.T) {
	key, _ := newKey(t)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	signer := types.LatestSignerForChainID(big.NewInt(1))
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 3, To: &to, Value: big.NewInt(10), Gas: 21000, GasPrice: big.NewInt(1)}), signer, key)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	rpc := &fakeRPC{}
	tr, _ := NewTransceiver(rpc, evmWallet("", nil))
	res, err := tr.BroadcastTransaction(context.Background(), raw, transceiver.BroadcastMetadata{TransactionId: "tx-1"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, tx.Hash().Hex(), res.ExternalId)
	require.Len(t, rpc.sent, 1)
}

func TestBroadcast_SignsIntent(t *testing.T) {
	key, from := newKey(t)
	t.Setenv("EVM_TEST_KEY", hex.EncodeToString(crypto.FromECDSA(key)))

	rpc := &fakeRPC{nonce: 7}
	wallet := evmWallet(from, map[string]string{"private_key_env": "EVM_TEST_KEY"})
	tr, err := NewTransceiver(rpc, wallet)
	require.NoError(t, err)

	pending := &models.PendingTransaction{
		Id:        "tx-2",
		ToAddress: "0x000000000000000000000000000000000000dEaD",
		Amount:    decimal.RequireFromString("0.25"),
		Fee:       decimal.RequireFromString("0.001"),
	}
	payload, err := transceiver.IntentBuilder{}.BuildPayload(pending, wallet)
	require.NoError(t, err)

	res, err := tr.BroadcastTransaction(context.Background(), payload, transceiver.BroadcastMetadata{TransactionId: "tx-2"})
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)
	require.Len(t, rpc.sent, 1)

	sent := rpc.sent[0]
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, "250000000000000000", sent.Value().String())
	assert.Equal(t, common.HexToAddress(pending.ToAddress), *sent.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), sent)
	require.NoError(t, err)
	assert.Equal(t, from, sender.Hex())
}

func TestBroadcast_Rejections(t *testing.T) {
	pending := &models.PendingTransaction{Id: "tx-3", ToAddress: "0x000000000000000000000000000000000000dEaD", Amount: decimal.NewFromInt(1)}
	payload, err := transceiver.IntentBuilder{}.BuildPayload(pending, evmWallet("", nil))
	require.NoError(t, err)

	rpc := &fakeRPC{}
	tr, _ := NewTransceiver(rpc, evmWallet("", nil))

	res, err := tr.BroadcastTransaction(context.Background(), payload, transceiver.BroadcastMetadata{TransactionId: "tx-3"})
	require.NoError(t, err)
	assert.False(t, res.Accepted, "unsigned intent without key")

	res, err = tr.BroadcastTransaction(context.Background(), []byte("garbage"), transceiver.BroadcastMetadata{TransactionId: "tx-3"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Empty(t, rpc.sent)
}

func TestBroadcast_NodeRejection(t *testing.T) {
	key, from := newKey(t)
	t.Setenv("EVM_TEST_KEY", hex.EncodeToString(crypto.FromECDSA(key)))
	rpc := &fakeRPC{sendErr: errors.New("insufficient funds for gas * price + value")}
	wallet := evmWallet(from, map[string]string{"private_key_env": "EVM_TEST_KEY"})
	tr, err := NewTransceiver(rpc, wallet)
	require.NoError(t, err)

	pending := &models.PendingTransaction{Id: "tx-4", ToAddress: "0x000000000000000000000000000000000000dEaD", Amount: decimal.NewFromInt(1)}
	payload, _ := transceiver.IntentBuilder{}.BuildPayload(pending, wallet)

	res, err := tr.BroadcastTransaction(context.Background(), payload, transceiver.BroadcastMetadata{TransactionId: "tx-4"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "insufficient funds")
}

func TestSign_ResendAfterLostAck(t *testing.T) {
	key, from := newKey(t)
	t.Setenv("EVM_TEST_KEY", hex.EncodeToString(crypto.FromECDSA(key)))

	rpc := &fakeRPC{nonce: 7, lostAcks: 1}
	wallet := evmWallet(from, map[string]string{"private_key_env": "EVM_TEST_KEY"})
	tr, err := NewTransceiver(rpc, wallet)
	require.NoError(t, err)

	pending := &models.PendingTransaction{Id: "tx-5", ToAddress: "0x000000000000000000000000000000000000dEaD", Amount: decimal.NewFromInt(1)}
	intent, err := transceiver.IntentBuilder{}.BuildPayload(pending, wallet)
	require.NoError(t, err)
	meta := transceiver.BroadcastMetadata{TransactionId: "tx-5"}

	signed, err := tr.Sign(context.Background(), intent, meta)
	require.NoError(t, err)
	require.Empty(t, signed.Reason)
	assert.Empty(t, rpc.sent, "signing does not send")

	_, err = tr.BroadcastTransaction(context.Background(), signed.Payload, meta)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	res, err := tr.BroadcastTransaction(context.Background(), signed.Payload, meta)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, signed.ExternalId, res.ExternalId)

	require.Len(t, rpc.sent, 1, "one transaction reaches the node")
	assert.Equal(t, uint64(7), rpc.sent[0].Nonce())
	assert.Equal(t, signed.ExternalId, rpc.sent[0].Hash().Hex())
}

func TestSign_Rejections(t *testing.T) {
	tr, _ := NewTransceiver(&fakeRPC{}, evmWallet("", nil))
	res, err := tr.Sign(context.Background(), []byte("garbage"), transceiver.BroadcastMetadata{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Reason)
	assert.Empty(t, res.Payload)
}

func TestBroadcast_NonceTaken(t *testing.T) {
	key, _ := newKey(t)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 3, To: &to, Value: big.NewInt(10), Gas: 21000, GasPrice: big.NewInt(1)}),
		types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	meta := transceiver.BroadcastMetadata{TransactionId: "tx-6"}

	rpc := &fakeRPC{sendErr: errors.New("nonce too low: next nonce 4, tx nonce 3")}
	tr, _ := NewTransceiver(rpc, evmWallet("", nil))

	_, err = tr.BroadcastTransaction(context.Background(), raw, meta)
	assert.Error(t, err, "an unmined transaction behind a taken nonce is neither accepted nor rejected")

	rpc.receipts = map[common.Hash]*types.Receipt{tx.Hash(): {Status: types.ReceiptStatusSuccessful}}
	res, err := tr.BroadcastTransaction(context.Background(), raw, meta)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, tx.Hash().Hex(), res.ExternalId)
}

func TestGetTransactionHistory_Receipts(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	unknown := common.HexToHash("0x03")
	rpc := &fakeRPC{receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful, GasUsed: 21000, EffectiveGasPrice: big.NewInt(1_000_000_000)},
		reverted: {Status: types.ReceiptStatusFailed},
	}}
	tr, _ := NewTransceiver(rpc, evmWallet("", nil))

	got, err := tr.GetTransactionHistory(context.Background(), "", transceiver.HistoryOptions{
		ExternalIds: []string{ok.Hex(), reverted.Hex(), unknown.Hex()},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, transceiver.ChainStatusConfirmed, got[0].Status)
	assert.True(t, got[0].Fee.Equal(decimal.RequireFromString("0.000021")), "fee %s", got[0].Fee)
	assert.Equal(t, transceiver.ChainStatusFailed, got[1].Status)
	assert.Equal(t, transceiver.ChainStatusPending, got[2].Status)
	assert.Equal(t, unknown.Hex(), got[2].Id)

	_, err = tr.GetUTXOs(context.Background(), "")
	assert.ErrorIs(t, err, transceiver.ErrUnsupported)
}
