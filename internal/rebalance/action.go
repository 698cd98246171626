package rebalance

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/token"
)

// Kind enumerates the mutually exclusive keeper actions.
type Kind int

const (
	// KindNone means the price is inside the allowed band.
	KindNone Kind = iota
	// KindExpandAndBuy mints supply through the stability module and sells it into the pool.
	KindExpandAndBuy
	// KindContractAndSell buys supply out of the pool with module reserves so it can be burnt.
	KindContractAndSell
)

func (k Kind) String() string {
	switch k {
	case KindExpandAndBuy:
		return "expand_and_buy"
	case KindContractAndSell:
		return "contract_and_sell"
	default:
		return "none"
	}
}

// SwapDetails carries the quantities of one corrective swap.
type SwapDetails struct {
	DexPrice       decimal.Decimal
	TokenToSell    *token.Token
	AmountToSell   decimal.Decimal
	TokenToBuy     *token.Token
	AmountToBuyMin decimal.Decimal
	Path           []common.Address
}

// Action is the decision for one pair in one tick. KindNone still carries the observed price.
type Action struct {
	Kind Kind
	Swap SwapDetails
}

// Band is an inclusive price ratio range.
type Band struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

// Contains reports whether price lies within the band, both ends included.
func (b Band) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Low) && price.LessThanOrEqual(b.High)
}

func (b Band) String() string {
	return "[" + b.Low.String() + ", " + b.High.String() + "]"
}
