// Package vault defines the durable fractionalization record created once per
// vault.
package vault

import "time"

// RecordStatus tracks what has happened to a fractionalized supply.
type RecordStatus string

const (
	RecordActive   RecordStatus = "active"
	RecordBurned   RecordStatus = "burned"
	RecordRedeemed RecordStatus = "redeemed"
)

// Record captures the outcome of a successful fractionalize call.
// VaultAddress is unique: a vault is fractionalized at most once.
type Record struct {
	ID           string
	VaultAddress string
	ContentID    string

	TokenMint             string
	AuthorityAddress      string
	AuthorityTokenAccount string
	TotalSupply           uint64
	TokenBalance          uint64

	TransactionSignature string
	MetadataURI          string
	Network              string
	Status               RecordStatus

	FractionalizedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
