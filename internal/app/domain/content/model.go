// Package content models the upstream content record a vault was minted for.
// The social surface owning these records is an external collaborator; this
// layer only maintains the denormalized fractionalization snapshot on them.
package content

import "time"

// FractionalizationSnapshot is the denormalized copy kept on a content record
// for cheap display reads. The fractionalization record is the source of
// truth; a stale snapshot is tolerated.
type FractionalizationSnapshot struct {
	IsFractionalized bool
	TokenMint        string
	TotalSupply      uint64
	FractionalizedAt time.Time
}

// Item is the subset of a content record this layer touches.
type Item struct {
	ID           string
	VaultAddress string

	Fractionalization *FractionalizationSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}
