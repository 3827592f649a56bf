package adapter

import "context"

// OrderDomain is the EIP-712 domain of a CTF exchange contract.
type OrderDomain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// SignableOrder is the CTF exchange order struct shared by Polymarket and
// Predict.fun. Integer fields are base-10 strings.
type SignableOrder struct {
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          uint8 // 0 buy, 1 sell
	SignatureType uint8
}

// Signer turns order intents into signed payloads. Key custody lives behind
// this interface (see internal/signer).
type Signer interface {
	// Address is the signing wallet, 0x-prefixed.
	Address() string

	// SignOrder returns a 0x-prefixed 65-byte EIP-712 signature.
	SignOrder(ctx context.Context, domain OrderDomain, order SignableOrder) (string, error)

	// SignMessage returns a 0x-prefixed EIP-191 personal_sign signature.
	SignMessage(ctx context.Context, msg []byte) (string, error)
}
