package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	Kind            = "evm"
	defaultDecimals = 18
	transferGas     = 21000
)

// RPC is the subset of ethclient.Client used by the transceiver
type RPC interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Transceiver talks to an EVM chain over JSON-RPC. Payloads are either signed transactions
// (binary encoding) or transfer intents, which are signed locally when a key is configured.
type Transceiver struct {
	rpc      RPC
	decimals int32
	key      *ecdsa.PrivateKey

	// nonce allocation must not interleave between concurrent broadcasts
	sendMu sync.Mutex
}

// NewFactory dials the rpc_url option of each primary wallet
func NewFactory() transceiver.Factory {
	return func(ctx context.Context, wallet models.PrimaryWallet) (transceiver.Transceiver, error) {
		url := wallet.Transceiver.Options["rpc_url"]
		if url == "" {
			return nil, fmt.Errorf("evm transceiver for %s needs an rpc_url option", wallet.Name)
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", wallet.Blockchain, err)
		}
		zap.L().Info("Connected to EVM RPC",
			zap.String("primary_wallet", wallet.Name),
			zap.String("blockchain", wallet.Blockchain))
		return NewTransceiver(client, wallet)
	}
}

// NewTransceiver reads the decimals and private_key_env options
func NewTransceiver(rpc RPC, wallet models.PrimaryWallet) (*Transceiver, error) {
	t := &Transceiver{rpc: rpc, decimals: defaultDecimals}
	opts := wallet.Transceiver.Options

	if v := opts["decimals"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid decimals %q for %s", v, wallet.Name)
		}
		t.decimals = int32(n)
	}

	if env := opts["private_key_env"]; env != "" {
		raw := strings.TrimPrefix(os.Getenv(env), "0x")
		if raw == "" {
			return nil, fmt.Errorf("environment variable %s is empty", env)
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key in %s: %w", env, err)
		}
		if wallet.Address != "" && !strings.EqualFold(crypto.PubkeyToAddress(key.PublicKey).Hex(), wallet.Address) {
			return nil, fmt.Errorf("signing key in %s does not match address of %s", env, wallet.Name)
		}
		t.key = key
	}
	return t, nil
}

// ToBaseUnits converts an asset amount to its integer on-chain representation (wei for ETH)
func (t *Transceiver) ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(t.decimals).BigInt()
}

// FromBaseUnits converts an on-chain integer amount to the asset amount
func (t *Transceiver) FromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -t.decimals)
}

func (t *Transceiver) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}
	wei, err := t.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return t.FromBaseUnits(wei), nil
}

// Sign turns a payload into a signed transaction without sending it. Intents get the next
// pending nonce of the signing key.
func (t *Transceiver) Sign(ctx context.Context, rawPayload []byte, _ transceiver.BroadcastMetadata) (*transceiver.SignResult, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	tx, reason, err := t.toTransaction(ctx, rawPayload)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &transceiver.SignResult{Reason: reason}, nil
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &transceiver.SignResult{Payload: raw, ExternalId: tx.Hash().Hex()}, nil
}

// BroadcastTransaction sends a signed transaction, or signs and sends an intent. Intents are
// signed on every call; callers that retry should go through Sign and resend its payload.
func (t *Transceiver) BroadcastTransaction(ctx context.Context, rawPayload []byte, meta transceiver.BroadcastMetadata) (*transceiver.BroadcastResult, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	tx, reason, err := t.toTransaction(ctx, rawPayload)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &transceiver.BroadcastResult{Accepted: false, Reason: reason}, nil
	}

	hash := tx.Hash()
	if err := t.rpc.SendTransaction(ctx, tx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		switch {
		case isKnownTransaction(err):
			zap.L().Info("EVM node already has transaction",
				zap.String("transaction_id", meta.TransactionId),
				zap.String("hash", hash.Hex()))
			return &transceiver.BroadcastResult{Accepted: true, ExternalId: hash.Hex()}, nil
		case isNonceTaken(err):
			// Either this transaction was mined on an earlier send or another one holds the nonce
			if _, rerr := t.rpc.TransactionReceipt(ctx, hash); rerr == nil {
				return &transceiver.BroadcastResult{Accepted: true, ExternalId: hash.Hex()}, nil
			}
			return nil, fmt.Errorf("nonce of %s is taken and the transaction is not mined: %w", hash.Hex(), err)
		}
		// The node rejected the transaction itself, e.g. insufficient funds
		zap.L().Warn("EVM node rejected transaction",
			zap.String("transaction_id", meta.TransactionId),
			zap.String("hash", hash.Hex()),
			zap.Error(err))
		return &transceiver.BroadcastResult{Accepted: false, Reason: err.Error()}, nil
	}

	zap.L().Info("EVM transaction sent",
		zap.String("transaction_id", meta.TransactionId),
		zap.String("hash", hash.Hex()),
		zap.String("to_address", meta.ToAddress),
		zap.String("amount", meta.Amount.String()))
	return &transceiver.BroadcastResult{Accepted: true, ExternalId: hash.Hex()}, nil
}

func isKnownTransaction(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTaken(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}

// toTransaction returns the transaction to send, or a rejection reason for payloads that can
// never be sent
func (t *Transceiver) toTransaction(ctx context.Context, raw []byte) (*types.Transaction, string, error) {
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err == nil {
		return signed, "", nil
	}

	intent, err := transceiver.DecodeIntent(raw)
	if err != nil {
		return nil, "payload is neither a signed transaction nor a transfer intent", nil
	}
	if t.key == nil {
		return nil, "no signing key configured for unsigned intents", nil
	}
	if !common.IsHexAddress(intent.To) {
		return nil, fmt.Sprintf("invalid destination address %q", intent.To), nil
	}

	from := crypto.PubkeyToAddress(t.key.PublicKey)
	chainID, err := t.rpc.ChainID(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get chain id: %w", err)
	}
	nonce, err := t.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := t.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(intent.To)
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    t.ToBaseUnits(intent.Amount),
		Gas:      transferGas,
		GasPrice: gasPrice,
	})
	tx, err := types.SignTx(unsigned, types.LatestSignerForChainID(chainID), t.key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, "", nil
}

func (t *Transceiver) GetUTXOs(context.Context, string) ([]transceiver.UTXO, error) {
	return nil, transceiver.ErrUnsupported
}

// GetTransactionHistory looks up the receipts of opts.ExternalIds; JSON-RPC has no
// per-address history
func (t *Transceiver) GetTransactionHistory(ctx context.Context, _ string, opts transceiver.HistoryOptions) ([]transceiver.ChainTransaction, error) {
	out := make([]transceiver.ChainTransaction, 0, len(opts.ExternalIds))
	for _, id := range opts.ExternalIds {
		receipt, err := t.rpc.TransactionReceipt(ctx, common.HexToHash(id))
		if errors.Is(err, ethereum.NotFound) {
			out = append(out, transceiver.ChainTransaction{Id: id, Status: transceiver.ChainStatusPending})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get receipt of %s: %w", id, err)
		}

		status := transceiver.ChainStatusConfirmed
		if receipt.Status != types.ReceiptStatusSuccessful {
			status = transceiver.ChainStatusFailed
		}
		ct := transceiver.ChainTransaction{Id: id, Status: status, Timestamp: time.Now().UTC()}
		if receipt.EffectiveGasPrice != nil {
			ct.Fee = t.FromBaseUnits(new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed)))
		}
		out = append(out, ct)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
