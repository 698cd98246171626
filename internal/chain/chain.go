package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrRPC marks transport or node failures on read paths.
var ErrRPC = errors.New("rpc error")

// Reader exposes read access to chain and contract state.
type Reader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Submitter signs and broadcasts transactions from the keeper wallet.
// Implementations serialise submissions so a single nonce sequence is never raced.
type Submitter interface {
	From() common.Address
	Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}

// Backend is the full capability set the keeper needs from a chain client.
type Backend interface {
	Reader
	Submitter
}
