package predictfun

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// USDT collateral on BNB Chain; 18 decimals on both networks.
const (
	usdtMainnet = "0x55d398326f99059fF775485246999027B3197955"
	usdtTestnet = "0xB32171ecD878607FFc4F8FC0bCcE6852BB3149E0"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}]`

var erc20 = mustABI(erc20BalanceABI)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func (a *Adapter) ethClient(ctx context.Context) (*ethclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		return a.eth, nil
	}
	c, err := ethclient.DialContext(ctx, a.hosts.RPC)
	if err != nil {
		return nil, err
	}
	a.eth = c
	return c, nil
}

// FetchBalance reads the maker wallet's USDT balance on chain.
func (a *Adapter) FetchBalance(ctx context.Context) (adapter.Balance, error) {
	const op = "fetch_balance"
	owner := a.maker()
	if !common.IsHexAddress(owner) {
		return nil, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, "wallet address required")
	}

	client, err := a.ethClient(ctx)
	if err != nil {
		return nil, adapter.Wrap(adapter.ErrNetwork, adapter.ExchangePredictFun, op, err)
	}
	data, err := erc20.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePredictFun, op, err)
	}
	token := common.HexToAddress(usdtMainnet)
	if a.cfg.IsDemo() {
		token = common.HexToAddress(usdtTestnet)
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, adapter.Wrap(adapter.ErrNetwork, adapter.ExchangePredictFun, op, err)
	}
	vals, err := erc20.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePredictFun, op, "decode balanceOf: %v", err)
	}
	wei, ok := vals[0].(*big.Int)
	if !ok {
		return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePredictFun, op, "unexpected balanceOf result %T", vals[0])
	}
	usdt, _ := adapter.FromNative(decimal.NewFromBigInt(wei, 0), adapter.PlacesWei).Float64()
	return adapter.Balance{"USDT": usdt}, nil
}

// Close releases the RPC client, if one was dialed.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
}
