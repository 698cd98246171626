package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Options parameterise the RPC client.
type Options struct {
	RPCURL             string
	PrivateKey         string
	ChainID            uint64
	RequestTimeout     time.Duration
	GasLimitMultiplier float64
}

// Client implements Backend over go-ethereum's ethclient with a local signing key.
type Client struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	timeout time.Duration
	gasMul  decimal.Decimal
	logger  zerolog.Logger

	sendMu sync.Mutex
}

// Dial connects to the RPC endpoint and resolves the chain id when it is not configured.
func Dial(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse keeper private key: %w", err)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrRPC, opts.RPCURL, err)
	}

	chainID := new(big.Int).SetUint64(opts.ChainID)
	if opts.ChainID == 0 {
		chainID, err = eth.ChainID(dialCtx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("%w: query chain id: %w", ErrRPC, err)
		}
	}

	gasMul := decimal.NewFromFloat(opts.GasLimitMultiplier)
	if !gasMul.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		gasMul = decimal.NewFromInt(1)
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Client{
		eth:     eth,
		key:     key,
		from:    from,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		timeout: timeout,
		gasMul:  gasMul,
		logger:  logger.With().Str("component", "chain").Str("wallet", from.Hex()).Logger(),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// From returns the keeper wallet address.
func (c *Client) From() common.Address {
	return c.from
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// CallContract performs an eth_call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.CallContract(ctx, msg, blockNumber)
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// TransactionReceipt returns the receipt of a mined transaction, or ethereum.NotFound while pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, hash)
}

// CodeAt returns the deployed bytecode at account.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.CodeAt(ctx, account, blockNumber)
}

// BalanceAt returns the native balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, account, blockNumber)
}

// Submit estimates gas, signs and broadcasts a call to `to`. Gas estimation
// errors are returned unwrapped by the node so revert data stays reachable.
func (c *Client) Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg := ethereum.CallMsg{From: c.from, To: &to, Data: data}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := decimal.NewFromInt(int64(gas)).Mul(c.gasMul).Ceil().IntPart()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	txData, err := c.feeFields(ctx, nonce, uint64(gasLimit), to, data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(types.NewTx(txData), c.signer, c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Debug().
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Uint64("gas_limit", uint64(gasLimit)).
		Msg("transaction broadcast")
	return signed.Hash(), nil
}

func (c *Client) feeFields(ctx context.Context, nonce, gasLimit uint64, to common.Address, data []byte) (types.TxData, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		return &types.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gasLimit, To: &to, Data: data}, nil
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	return &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	}, nil
}

var _ Backend = (*Client)(nil)
