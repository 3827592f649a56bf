package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// valuePlaces is the precision of the session value limit (micro-USD).
const valuePlaces = 6

// collateralPlaces maps a chain id to its collateral token's decimals:
// USDC on Polygon, USDT on BNB Chain.
var collateralPlaces = map[int64]int{
	137:   6,
	80002: 6,
	56:    18,
	97:    18,
}

func parseUint(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q is not an unsigned integer", ErrInvalidOrder, field, s)
	}
	return n, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", ErrInvalidOrder, field, s)
	}
	return common.HexToAddress(s), nil
}

// buildOrder converts an adapter order into its EIP-712 form and the value
// it counts against the session limit: the maker amount scaled to
// micro-USD.
func buildOrder(d adapter.OrderDomain, o adapter.SignableOrder) (*DomainData, *OrderData, *big.Int, error) {
	contract, err := parseAddress("verifying_contract", d.VerifyingContract)
	if err != nil {
		return nil, nil, nil, err
	}
	domain := &DomainData{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           big.NewInt(d.ChainID),
		VerifyingContract: contract,
	}

	order := &OrderData{Side: o.Side, SignatureType: o.SignatureType}
	if o.Side > 1 {
		return nil, nil, nil, fmt.Errorf("%w: side %d", ErrInvalidOrder, o.Side)
	}
	for _, f := range []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"salt", o.Salt, &order.Salt},
		{"token_id", o.TokenID, &order.TokenID},
		{"maker_amount", o.MakerAmount, &order.MakerAmount},
		{"taker_amount", o.TakerAmount, &order.TakerAmount},
		{"expiration", o.Expiration, &order.Expiration},
		{"nonce", o.Nonce, &order.Nonce},
		{"fee_rate_bps", o.FeeRateBps, &order.FeeRateBps},
	} {
		if *f.out, err = parseUint(f.name, f.in); err != nil {
			return nil, nil, nil, err
		}
	}
	if order.Maker, err = parseAddress("maker", o.Maker); err != nil {
		return nil, nil, nil, err
	}
	order.Signer = order.Maker
	if o.Signer != "" {
		if order.Signer, err = parseAddress("signer", o.Signer); err != nil {
			return nil, nil, nil, err
		}
	}
	if o.Taker != "" {
		if order.Taker, err = parseAddress("taker", o.Taker); err != nil {
			return nil, nil, nil, err
		}
	}

	return domain, order, orderValue(d.ChainID, order.MakerAmount), nil
}

func orderValue(chainID int64, makerAmount *big.Int) *big.Int {
	places, ok := collateralPlaces[chainID]
	if !ok {
		places = valuePlaces
	}
	v := new(big.Int).Set(makerAmount)
	if places > valuePlaces {
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places-valuePlaces)), nil))
	}
	return v
}

func encodeSig(sig []byte) string { return "0x" + hex.EncodeToString(sig) }

// Local signs in-process with a SessionManager. It implements
// adapter.Signer for single-binary deployments.
type Local struct {
	session *SessionManager
}

// NewLocal wraps an activated session.
func NewLocal(session *SessionManager) *Local {
	return &Local{session: session}
}

func (l *Local) Address() string { return l.session.Address() }

func (l *Local) SignOrder(_ context.Context, d adapter.OrderDomain, o adapter.SignableOrder) (string, error) {
	domain, order, value, err := buildOrder(d, o)
	if err != nil {
		return "", err
	}
	sig, err := l.session.Sign(value, domain, order)
	if err != nil {
		return "", err
	}
	return encodeSig(sig), nil
}

func (l *Local) SignMessage(_ context.Context, msg []byte) (string, error) {
	sig, err := l.session.SignMessage(msg)
	if err != nil {
		return "", err
	}
	return encodeSig(sig), nil
}

var _ adapter.Signer = (*Local)(nil)
