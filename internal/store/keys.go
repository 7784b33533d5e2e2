package store

import "strings"

const (
	WalletPrefix         = "wallets/"
	GroupPrefix          = "groups/"
	RecordPrefix         = "records/"
	DepositRefPrefix     = "deposits/ref/"
	PendingPrefix        = "pending/"
	PendingOpenPrefix    = "pending_open/"
	RefundDuePrefix      = "refunds/due/"
	DiscrepancyPrefix    = "discrepancies/"
	ReconciliationPrefix = "reconciliation/"
)

// Record kinds
const (
	RecordTransfer     = "transfer"
	RecordWithdrawal   = "withdrawal"
	RecordDistribution = "distribution"
	RecordDeposit      = "deposit"
	RecordRefund       = "refund"
	RecordAdjustment   = "adjustment"
)

func WalletKey(id string) string { return WalletPrefix + id }

// GroupKey indexes a wallet under its primary wallet
func GroupKey(primaryWalletName, walletId string) string {
	return GroupPrefix + primaryWalletName + "/" + walletId
}

func GroupScanPrefix(primaryWalletName string) string {
	return GroupPrefix + primaryWalletName + "/"
}

// GroupMember extracts the wallet id from a group index key
func GroupMember(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}

func RecordKey(kind, id string) string { return RecordPrefix + kind + "/" + id }

func RecordScanPrefix(kind string) string { return RecordPrefix + kind + "/" }

func DepositRefKey(ref string) string { return DepositRefPrefix + ref }

func PendingKey(id string) string { return PendingPrefix + id }

func PendingOpenKey(id string) string { return PendingOpenPrefix + id }

func RefundDueKey(id string) string { return RefundDuePrefix + id }

func DiscrepancyKey(id string) string { return DiscrepancyPrefix + id }

func ReconciliationKey(primaryWalletName string) string {
	return ReconciliationPrefix + primaryWalletName
}
