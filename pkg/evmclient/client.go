// Package evmclient is the narrow, EntryPoint-aware facade the bundler
// core uses in place of a raw go-ethereum client, per §1's treatment of
// "the concrete EVM client library" as an external collaborator described
// only through the interface it needs to satisfy. The production
// implementation wraps *ethclient.Client; tests substitute a stub.
//
// Grounded on other_examples/1643af63_blndgs-stackup-bundler (an ERC-4337
// bundler client built on go-ethereum's common/hexutil/abi packages) and
// other_examples/95a9ac72_t402-io-t402-site (ERC-4337 type definitions
// using common.Address/common.Hash/*big.Int as the canonical on-chain
// value types, per §9).
package evmclient

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// CallMsg mirrors ethereum.CallMsg, kept as a local type so callers never
// import go-ethereum directly outside this package.
type CallMsg struct {
	From common.Address
	To   *common.Address
	Data []byte
	Gas  uint64
}

// Client is the narrow surface the bundler core needs from an EVM node:
// staticcalls (for simulateValidation/balanceOf/getUserOpHash), gas
// estimation, transaction submission, receipt/log lookups, and the
// relayer's own balance check (§4.5 selectBeneficiary).
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ethClient adapts *ethclient.Client to Client, with a small LRU in front
// of chain-ID lookups -- the same kind of bounded cache
// prysmaticlabs-prysm's go.mod carries hashicorp/golang-lru for.
type ethClient struct {
	rpc      *ethclient.Client
	chainIDs *lru.Cache
}

// Dial connects to an EVM JSON-RPC endpoint and returns a Client.
func Dial(endpoint string) (Client, error) {
	rpc, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "evmclient: dial")
	}
	cache, err := lru.New(4)
	if err != nil {
		return nil, errors.Wrap(err, "evmclient: cache")
	}
	return &ethClient{rpc: rpc, chainIDs: cache}, nil
}

func (c *ethClient) ChainID(ctx context.Context) (*big.Int, error) {
	if v, ok := c.chainIDs.Get("chainID"); ok {
		return v.(*big.Int), nil
	}
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "evmclient: chainID")
	}
	c.chainIDs.Add("chainID", id)
	return id, nil
}

func (c *ethClient) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		From: msg.From,
		To:   msg.To,
		Data: msg.Data,
		Gas:  msg.Gas,
	}, nil)
	return out, errors.Wrap(err, "evmclient: call")
}

func (c *ethClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: msg.From,
		To:   msg.To,
		Data: msg.Data,
	})
	return gas, errors.Wrap(err, "evmclient: estimateGas")
}

func (c *ethClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.rpc.BalanceAt(ctx, account, nil)
	return bal, errors.Wrap(err, "evmclient: balanceAt")
}

func (c *ethClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return errors.Wrap(c.rpc.SendTransaction(ctx, tx), "evmclient: sendTransaction")
}

func (c *ethClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := c.rpc.TransactionReceipt(ctx, txHash)
	return r, errors.Wrap(err, "evmclient: transactionReceipt")
}

func (c *ethClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	tx, pending, err := c.rpc.TransactionByHash(ctx, txHash)
	return tx, pending, errors.Wrap(err, "evmclient: transactionByHash")
}

func (c *ethClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.rpc.FilterLogs(ctx, q)
	return logs, errors.Wrap(err, "evmclient: filterLogs")
}

func (c *ethClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n, err := c.rpc.PendingNonceAt(ctx, account)
	return n, errors.Wrap(err, "evmclient: pendingNonceAt")
}

func (c *ethClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	return tip, errors.Wrap(err, "evmclient: suggestGasTipCap")
}

func (c *ethClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h, err := c.rpc.HeaderByNumber(ctx, number)
	return h, errors.Wrap(err, "evmclient: headerByNumber")
}
