package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLen is the raw byte length of a ledger address.
const AddressLen = 32

// Program-derived address seeds. These must match the on-chain program's
// constants exactly; the derived address is the account's unique slot.
const (
	SeedBuyoutOffer = "buyout_offer"
	SeedTokenMint   = "token_mint"
)

// derivationTag domain-separates program address derivation from any other
// SHA-256 use of the same inputs.
const derivationTag = "ProgramDerivedAddress"

// Address is a base58-encoded 32-byte ledger address.
type Address struct {
	raw [AddressLen]byte
}

// ParseAddress validates and decodes a base58 address string.
func ParseAddress(s string) (Address, error) {
	if len(s) < 32 || len(s) > 44 {
		return Address{}, fmt.Errorf("invalid address %q: must be base58, 32-44 characters", s)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(decoded) != AddressLen {
		return Address{}, fmt.Errorf("invalid address %q: decodes to %d bytes, want %d", s, len(decoded), AddressLen)
	}
	var a Address
	copy(a.raw[:], decoded)
	return a, nil
}

// AddressFromBytes builds an address from raw 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressLen {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressLen, len(b))
	}
	var a Address
	copy(a.raw[:], b)
	return a, nil
}

// String returns the base58 encoding.
func (a Address) String() string { return base58.Encode(a.raw[:]) }

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLen)
	copy(out, a.raw[:])
	return out
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a.raw == [AddressLen]byte{} }

// Equal reports byte equality.
func (a Address) Equal(other Address) bool { return a.raw == other.raw }

// MarshalText implements encoding.TextMarshaler (base58).
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DeriveProgramAddress maps a fixed seed list plus the program id to a stable
// program-owned address. It is pure: the same inputs always yield the same
// address, which the program uses as the account's unique slot.
func DeriveProgramAddress(programID Address, seeds ...[]byte) Address {
	h := sha256.New()
	h.Write([]byte(derivationTag))
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID.raw[:])
	var a Address
	copy(a.raw[:], h.Sum(nil))
	return a
}

// DeriveOfferAddress returns the deterministic account address for a buyout
// offer keyed by (vault, buyer).
func DeriveOfferAddress(programID, vault, buyer Address) Address {
	return DeriveProgramAddress(programID, []byte(SeedBuyoutOffer), vault.raw[:], buyer.raw[:])
}

// DeriveTokenMintAddress returns the deterministic fractional token mint
// address for a vault.
func DeriveTokenMintAddress(programID, vault Address) Address {
	return DeriveProgramAddress(programID, []byte(SeedTokenMint), vault.raw[:])
}
