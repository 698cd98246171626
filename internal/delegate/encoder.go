package delegate

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"peg-keeper/internal/fixedpoint"
	"peg-keeper/internal/rebalance"
)

// DefaultDeadline is the swap validity window used when none is configured.
const DefaultDeadline = 120 * time.Second

const adapterABIJSON = `[{"inputs":[{"internalType":"bytes","name":"data","type":"bytes"}],"name":"swap","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var (
	adapterABI      abi.ABI
	adapterSwapArgs abi.Arguments
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(adapterABIJSON))
	if err != nil {
		panic("failed to parse adapter ABI: " + err.Error())
	}
	adapterABI = parsed

	// (uint256 amountIn, uint256 amountOutMin, address[] path, uint256 deadline, address router)
	adapterSwapArgs = abi.Arguments{
		{Name: "amountIn", Type: mustType("uint256")},
		{Name: "amountOutMin", Type: mustType("uint256")},
		{Name: "path", Type: mustType("address[]")},
		{Name: "deadline", Type: mustType("uint256")},
		{Name: "router", Type: mustType("address")},
	}
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("invalid abi type " + t + ": " + err.Error())
	}
	return typ
}

// SwapArgs mirrors the adapter's swap argument tuple. Field order is a wire contract.
type SwapArgs struct {
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
	Deadline     *big.Int
	Router       common.Address
}

// EncodeAdapterSwap ABI-encodes the adapter swap tuple.
func EncodeAdapterSwap(args SwapArgs) ([]byte, error) {
	if len(args.Path) < 2 {
		return nil, fmt.Errorf("swap path needs at least two hops, got %d", len(args.Path))
	}
	return adapterSwapArgs.Pack(args.AmountIn, args.AmountOutMin, args.Path, args.Deadline, args.Router)
}

// DecodeAdapterSwap is the inverse of EncodeAdapterSwap.
func DecodeAdapterSwap(payload []byte) (SwapArgs, error) {
	values, err := adapterSwapArgs.Unpack(payload)
	if err != nil {
		return SwapArgs{}, fmt.Errorf("unpack adapter swap args: %w", err)
	}
	var args SwapArgs
	if err := adapterSwapArgs.Copy(&args, values); err != nil {
		return SwapArgs{}, fmt.Errorf("copy adapter swap args: %w", err)
	}
	return args, nil
}

// AdapterSwapCalldata wraps an encoded tuple into a call to the adapter's swap(bytes).
func AdapterSwapCalldata(payload []byte) ([]byte, error) {
	return adapterABI.Pack("swap", payload)
}

// SwapDeadline returns now+horizon as a unix timestamp.
func SwapDeadline(now time.Time, horizon time.Duration) *big.Int {
	return big.NewInt(now.Add(horizon).Unix())
}

// Builder turns swap details into the delegate payload handed to the stability module.
type Builder struct {
	router  common.Address
	horizon time.Duration
	now     func() time.Time
}

// NewBuilder creates a payload builder for the given router.
func NewBuilder(router common.Address, horizon time.Duration) *Builder {
	if horizon <= 0 {
		horizon = DefaultDeadline
	}
	return &Builder{router: router, horizon: horizon, now: time.Now}
}

// Build scales the swap amounts to base units, stamps a fresh deadline and returns
// the adapter calldata together with the decoded arguments for logging.
func (b *Builder) Build(swap rebalance.SwapDetails) ([]byte, SwapArgs, error) {
	amountIn, err := fixedpoint.ToBaseUnits(swap.AmountToSell, swap.TokenToSell.Decimals)
	if err != nil {
		return nil, SwapArgs{}, fmt.Errorf("scale amount to sell: %w", err)
	}
	amountOutMin, err := fixedpoint.ToBaseUnits(swap.AmountToBuyMin, swap.TokenToBuy.Decimals)
	if err != nil {
		return nil, SwapArgs{}, fmt.Errorf("scale amount to buy: %w", err)
	}

	args := SwapArgs{
		AmountIn:     amountIn,
		AmountOutMin: amountOutMin,
		Path:         swap.Path,
		Deadline:     SwapDeadline(b.now(), b.horizon),
		Router:       b.router,
	}

	payload, err := EncodeAdapterSwap(args)
	if err != nil {
		return nil, SwapArgs{}, err
	}
	calldata, err := AdapterSwapCalldata(payload)
	if err != nil {
		return nil, SwapArgs{}, fmt.Errorf("pack adapter swap: %w", err)
	}
	return calldata, args, nil
}
