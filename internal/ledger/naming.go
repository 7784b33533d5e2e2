package ledger

import "strings"

const DefaultBaseWalletPrefix = "base_"

// BaseWalletID is the id of the single base wallet of a primary wallet
func BaseWalletID(prefix, blockchain, primaryWalletName string) string {
	return prefix + blockchain + "_" + primaryWalletName
}

// IsReserved reports whether id falls in the base wallet namespace
func IsReserved(prefix, id string) bool {
	return prefix != "" && strings.HasPrefix(id, prefix)
}
