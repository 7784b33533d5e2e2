package prime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coinbase-samples/prime-sdk-go/balances"
	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const historyPageLimit = 500

// balanceAPI, withdrawalAPI and historyAPI are the parts of the Prime SDK services in use
type balanceAPI interface {
	GetWalletBalance(ctx context.Context, request *balances.GetWalletBalanceRequest) (*balances.GetWalletBalanceResponse, error)
}

type withdrawalAPI interface {
	CreateWalletWithdrawal(ctx context.Context, request *transactions.CreateWalletWithdrawalRequest) (*transactions.CreateWalletWithdrawalResponse, error)
}

type historyAPI interface {
	ListWalletTransactions(ctx context.Context, request *transactions.ListWalletTransactionsRequest) (*transactions.ListWalletTransactionsResponse, error)
}

// Service is a thin Prime REST client shared by every prime-backed primary wallet
type Service struct {
	balancesSvc    balanceAPI
	withdrawalsSvc withdrawalAPI
	historySvc     historyAPI
}

func NewService(creds *credentials.Credentials) (*Service, error) {
	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	restClient := client.NewRestClient(creds, httpClient)
	txSvc := transactions.NewTransactionsService(restClient)

	return &Service{
		balancesSvc:    balances.NewBalancesService(restClient),
		withdrawalsSvc: txSvc,
		historySvc:     txSvc,
	}, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// WalletBalance returns the total balance of a Prime wallet as a decimal string
func (s *Service) WalletBalance(ctx context.Context, portfolioId, walletId string) (string, error) {
	response, err := s.balancesSvc.GetWalletBalance(ctx, &balances.GetWalletBalanceRequest{
		PortfolioId: portfolioId,
		Id:          walletId,
	})
	if err != nil {
		return "", fmt.Errorf("unable to get wallet balance: %w", err)
	}
	if response.Balance == nil {
		return "", fmt.Errorf("wallet %s returned no balance", walletId)
	}
	return response.Balance.Amount, nil
}

// CreateWithdrawalParams contains parameters for creating a withdrawal
type CreateWithdrawalParams struct {
	PortfolioId        string
	WalletId           string
	DestinationAddress string
	Amount             string
	Asset              string // SYMBOL or SYMBOL-network-type, e.g. ETH-ethereum-mainnet
	IdempotencyKey     string
}

// CreateWithdrawal creates a blockchain withdrawal from a wallet and returns its activity id.
// Prime deduplicates on the idempotency key, so a retried call returns the same activity.
func (s *Service) CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (string, error) {
	parts := strings.Split(params.Asset, "-")
	symbol := parts[0]

	blockchainAddr := &model.BlockchainAddress{
		Address: params.DestinationAddress,
	}
	if len(parts) >= 3 {
		blockchainAddr.Network = &model.NetworkDetails{
			Id:   parts[1],
			Type: parts[2],
		}
	}

	request := &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:       params.PortfolioId,
		SourceWalletId:    params.WalletId,
		Amount:            params.Amount,
		IdempotencyKey:    params.IdempotencyKey,
		Symbol:            symbol,
		DestinationType:   "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: blockchainAddr,
	}

	response, err := s.withdrawalsSvc.CreateWalletWithdrawal(ctx, request)
	if err != nil {
		zap.L().Error("Failed to create withdrawal",
			zap.String("wallet_id", params.WalletId),
			zap.String("amount", params.Amount),
			zap.String("asset", params.Asset),
			zap.String("idempotency_key", params.IdempotencyKey),
			zap.Error(err))
		return "", fmt.Errorf("unable to create withdrawal: %w", err)
	}

	zap.L().Info("Withdrawal created via Prime API",
		zap.String("activity_id", response.ActivityId),
		zap.String("wallet_id", params.WalletId),
		zap.String("amount", params.Amount),
		zap.String("asset", params.Asset),
		zap.String("idempotency_key", params.IdempotencyKey))
	return response.ActivityId, nil
}

// WalletTransaction is the subset of a Prime transaction the transceiver reports
type WalletTransaction struct {
	Id             string
	Type           string
	Status         string
	Symbol         string
	Amount         string
	Fees           string
	IdempotencyKey string
	BlockchainIds  []string
	Created        time.Time
	Completed      time.Time
}

// ListWalletTransactions fetches deposits and withdrawals of a wallet since startTime
func (s *Service) ListWalletTransactions(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]WalletTransaction, error) {
	request := &transactions.ListWalletTransactionsRequest{
		PortfolioId: portfolioId,
		WalletId:    walletId,
		Start:       startTime,
		Types:       []string{"DEPOSIT", "WITHDRAWAL"},
		Pagination: &model.PaginationParams{
			Limit: historyPageLimit,
		},
	}

	response, err := s.historySvc.ListWalletTransactions(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("unable to list wallet transactions: %w", err)
	}

	out := make([]WalletTransaction, 0, len(response.Transactions))
	for _, tx := range response.Transactions {
		out = append(out, WalletTransaction{
			Id:             tx.Id,
			Type:           tx.Type,
			Status:         tx.Status,
			Symbol:         tx.Symbol,
			Amount:         tx.Amount,
			Fees:           tx.Fees,
			IdempotencyKey: tx.IdempotencyKey,
			BlockchainIds:  tx.BlockchainIds,
			Created:        tx.Created,
			Completed:      tx.Completed,
		})
	}

	zap.L().Debug("Prime API response received",
		zap.String("wallet_id", walletId),
		zap.Int("count", len(out)))
	return out, nil
}
