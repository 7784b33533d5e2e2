package tron

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	Kind            = "tron"
	defaultAPIURL   = "https://api.trongrid.io"
	defaultDecimals = 6
	apiKeyHeader    = "TRON-PRO-API-KEY"
)

// Broadcast response codes
const (
	codeDuplicate           = "DUP_TRANSACTION_ERROR"
	codeExpired             = "TRANSACTION_EXPIRATION_ERROR"
	codeServerBusy          = "SERVER_BUSY"
	codeNoConnection        = "NO_CONNECTION"
	codeNotEnoughConnection = "NOT_ENOUGH_EFFECTIVE_CONNECTION"
)

// Transceiver serves TRX primary wallets through the TronGrid HTTP API. Addresses are used in
// their base58 form (visible=true).
type Transceiver struct {
	client   *resty.Client
	owner    string
	decimals int32
	key      *ecdsa.PrivateKey
}

func NewFactory() transceiver.Factory {
	return func(_ context.Context, wallet models.PrimaryWallet) (transceiver.Transceiver, error) {
		return NewTransceiver(wallet)
	}
}

// NewTransceiver reads the api_url, api_key_env, private_key_env and decimals options
func NewTransceiver(wallet models.PrimaryWallet) (*Transceiver, error) {
	opts := wallet.Transceiver.Options

	apiURL := opts["api_url"]
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(apiURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second)
	if env := opts["api_key_env"]; env != "" {
		client.SetHeader(apiKeyHeader, os.Getenv(env))
	}

	t := &Transceiver{client: client, owner: wallet.Address, decimals: defaultDecimals}
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
		t.key = key
	}
	return t, nil
}

type apiError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"Error,omitempty"`
}

// reason decodes TronGrid error messages, which are hex encoded
func (e apiError) reason() string {
	if e.Error != "" {
		return e.Error
	}
	if b, err := hex.DecodeString(e.Message); err == nil && len(b) > 0 {
		return e.Code + ": " + string(b)
	}
	return strings.TrimSpace(e.Code + " " + e.Message)
}

func (t *Transceiver) post(ctx context.Context, path string, body, result interface{}) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return fmt.Errorf("tron request %s failed: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("tron request %s returned %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (t *Transceiver) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var account struct {
		Address string `json:"address"`
		Balance int64  `json:"balance"`
	}
	if err := t.post(ctx, "/wallet/getaccount", map[string]interface{}{
		"address": address,
		"visible": true,
	}, &account); err != nil {
		return decimal.Zero, err
	}
	// Unactivated accounts come back as an empty object
	return decimal.New(account.Balance, -t.decimals), nil
}

type transaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Signature  []string        `json:"signature,omitempty"`
	apiError
}

type broadcastResponse struct {
	Result bool   `json:"result"`
	TxID   string `json:"txid"`
	apiError
}

// Sign returns a signed transaction in TronGrid JSON form. Signed payloads are returned as
// they are; intents are created on the node and signed here.
func (t *Transceiver) Sign(ctx context.Context, rawPayload []byte, _ transceiver.BroadcastMetadata) (*transceiver.SignResult, error) {
	if tx, ok := decodeSigned(rawPayload); ok {
		return &transceiver.SignResult{Payload: rawPayload, ExternalId: tx.TxID}, nil
	}
	built, reason, err := t.buildSigned(ctx, rawPayload)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &transceiver.SignResult{Reason: reason}, nil
	}
	payload, err := json.Marshal(built)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction %s: %w", built.TxID, err)
	}
	return &transceiver.SignResult{Payload: payload, ExternalId: built.TxID}, nil
}

func decodeSigned(raw []byte) (*transaction, bool) {
	var tx transaction
	if err := json.Unmarshal(raw, &tx); err != nil || len(tx.Signature) == 0 {
		return nil, false
	}
	return &tx, true
}

// BroadcastTransaction accepts a signed transaction in TronGrid JSON form, or a transfer
// intent that is built and signed here when a key is configured. Intents get a new txid on
// every call; callers that retry should go through Sign and resend its payload.
func (t *Transceiver) BroadcastTransaction(ctx context.Context, rawPayload []byte, meta transceiver.BroadcastMetadata) (*transceiver.BroadcastResult, error) {
	tx, ok := decodeSigned(rawPayload)
	if !ok {
		built, reason, err := t.buildSigned(ctx, rawPayload)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return &transceiver.BroadcastResult{Accepted: false, Reason: reason}, nil
		}
		tx = built
	}

	var out broadcastResponse
	if err := t.post(ctx, "/wallet/broadcasttransaction", tx, &out); err != nil {
		return nil, err
	}
	if !out.Result {
		switch out.Code {
		case codeDuplicate:
			zap.L().Info("Tron node already has transaction",
				zap.String("transaction_id", meta.TransactionId),
				zap.String("txid", tx.TxID))
			return &transceiver.BroadcastResult{Accepted: true, ExternalId: tx.TxID}, nil
		case codeExpired:
			// An expired resend may still have been included on an earlier send
			found, err := t.included(ctx, tx.TxID)
			if err != nil {
				return nil, err
			}
			if found {
				return &transceiver.BroadcastResult{Accepted: true, ExternalId: tx.TxID}, nil
			}
		case codeServerBusy, codeNoConnection, codeNotEnoughConnection:
			return nil, fmt.Errorf("tron node unavailable: %s", out.reason())
		}
		zap.L().Warn("Tron node rejected transaction",
			zap.String("transaction_id", meta.TransactionId),
			zap.String("txid", tx.TxID),
			zap.String("reason", out.reason()))
		return &transceiver.BroadcastResult{Accepted: false, Reason: out.reason()}, nil
	}

	id := out.TxID
	if id == "" {
		id = tx.TxID
	}
	zap.L().Info("Tron transaction sent",
		zap.String("transaction_id", meta.TransactionId),
		zap.String("txid", id),
		zap.String("amount", meta.Amount.String()))
	return &transceiver.BroadcastResult{Accepted: true, ExternalId: id}, nil
}

// included reports whether the chain has a transaction info record for txid
func (t *Transceiver) included(ctx context.Context, txid string) (bool, error) {
	var info transactionInfo
	if err := t.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txid}, &info); err != nil {
		return false, err
	}
	return info.Id != "", nil
}

func (t *Transceiver) buildSigned(ctx context.Context, raw []byte) (*transaction, string, error) {
	intent, err := transceiver.DecodeIntent(raw)
	if err != nil {
		return nil, "payload is neither a signed transaction nor a transfer intent", nil
	}
	if t.key == nil {
		return nil, "no signing key configured for unsigned intents", nil
	}
	if intent.To == "" || !intent.Amount.IsPositive() {
		return nil, "intent has no destination or amount", nil
	}

	var tx transaction
	if err := t.post(ctx, "/wallet/createtransaction", map[string]interface{}{
		"owner_address": t.owner,
		"to_address":    intent.To,
		"amount":        intent.Amount.Shift(t.decimals).IntPart(),
		"visible":       true,
	}, &tx); err != nil {
		return nil, "", err
	}
	if tx.RawDataHex == "" {
		return nil, "transaction not created: " + tx.reason(), nil
	}

	signature, err := Sign(tx.RawDataHex, t.key)
	if err != nil {
		return nil, "", err
	}
	tx.Signature = []string{signature}
	return &tx, "", nil
}

// Sign signs the sha256 of the raw transaction data and returns the hex signature
func Sign(rawDataHex string, key *ecdsa.PrivateKey) (string, error) {
	rawData, err := hex.DecodeString(rawDataHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode raw_data_hex: %w", err)
	}
	hash := sha256.Sum256(rawData)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

func (t *Transceiver) GetUTXOs(context.Context, string) ([]transceiver.UTXO, error) {
	return nil, transceiver.ErrUnsupported
}

type transactionInfo struct {
	Id             string `json:"id"`
	Fee            int64  `json:"fee"`
	BlockTimeStamp int64  `json:"blockTimeStamp"`
	Result         string `json:"result"`
	Receipt        struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

// GetTransactionHistory looks up opts.ExternalIds; unconfirmed transactions have no info yet
func (t *Transceiver) GetTransactionHistory(ctx context.Context, _ string, opts transceiver.HistoryOptions) ([]transceiver.ChainTransaction, error) {
	out := make([]transceiver.ChainTransaction, 0, len(opts.ExternalIds))
	for _, id := range opts.ExternalIds {
		var info transactionInfo
		if err := t.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": id}, &info); err != nil {
			return nil, err
		}

		ct := transceiver.ChainTransaction{Id: id, Status: transceiver.ChainStatusPending}
		if info.Id != "" {
			ct.Status = transceiver.ChainStatusConfirmed
			if info.Result == "FAILED" || (info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS") {
				ct.Status = transceiver.ChainStatusFailed
			}
			ct.Fee = decimal.New(info.Fee, -t.decimals)
			ct.Timestamp = time.UnixMilli(info.BlockTimeStamp).UTC()
		}
		out = append(out, ct)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
