package chain

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Account payloads come back from the node with inconsistent field naming:
// older nodes return snake_case, newer ones camelCase. Decoding happens once
// here, into canonical structs; nothing downstream branches on field names.

func pick(doc gjson.Result, names ...string) gjson.Result {
	for _, name := range names {
		if v := doc.Get(name); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// decodeVault normalizes a raw vault account payload.
func decodeVault(address Address, data []byte) (Vault, error) {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Vault{}, fmt.Errorf("vault %s: account data is not an object", address)
	}

	authority, err := ParseAddress(pick(doc, "authority").String())
	if err != nil {
		return Vault{}, fmt.Errorf("vault %s: decode authority: %w", address, err)
	}

	v := Vault{
		Address:          address,
		Authority:        authority,
		MetadataURI:      pick(doc, "metadata_uri", "metadataUri").String(),
		TotalSupply:      pick(doc, "total_supply", "totalSupply").Uint(),
		IsFractionalized: pick(doc, "is_fractionalized", "isFractionalized").Bool(),
		BuyoutStatus:     pick(doc, "buyout_status", "buyoutStatus").String(),
	}

	if mint := pick(doc, "token_mint", "tokenMint"); mint.Exists() && mint.String() != "" {
		parsed, err := ParseAddress(mint.String())
		if err != nil {
			return Vault{}, fmt.Errorf("vault %s: decode token mint: %w", address, err)
		}
		v.TokenMint = parsed
	}

	// The program only sets token_mint at fractionalization time; a payload
	// violating that pairing is corrupt, not merely stale.
	if v.IsFractionalized == v.TokenMint.IsZero() {
		return Vault{}, fmt.Errorf("vault %s: token mint and fractionalized flag disagree", address)
	}
	return v, nil
}

// decodeOffer normalizes a raw buyout offer account payload.
func decodeOffer(address Address, data []byte) (OfferAccount, error) {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return OfferAccount{}, fmt.Errorf("offer %s: account data is not an object", address)
	}

	vault, err := ParseAddress(pick(doc, "vault").String())
	if err != nil {
		return OfferAccount{}, fmt.Errorf("offer %s: decode vault: %w", address, err)
	}
	buyer, err := ParseAddress(pick(doc, "buyer").String())
	if err != nil {
		return OfferAccount{}, fmt.Errorf("offer %s: decode buyer: %w", address, err)
	}

	return OfferAccount{
		Address:   address,
		Vault:     vault,
		Buyer:     buyer,
		Lamports:  pick(doc, "offer_amount", "offerAmount").Uint(),
		Timestamp: pick(doc, "timestamp").Int(),
	}, nil
}
