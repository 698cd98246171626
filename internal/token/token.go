package token

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// Token describes an ERC-20 asset managed or observed by the keeper.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// Pair is a configured AMM pair. Token0 and Token1 follow the pool's canonical order.
type Pair struct {
	Symbol string
	Token0 *Token
	Token1 *Token
}

// NewPair builds a pair in the given order. Prices are always quoted as Token0/Token1.
func NewPair(symbol string, token0, token1 *Token) Pair {
	return Pair{Symbol: symbol, Token0: token0, Token1: token1}
}

// Canonical reports whether Token0 is the pool's token0, i.e. carries the lower address.
func (p Pair) Canonical() bool {
	return Less(p.Token0.Address, p.Token1.Address)
}

// Contains reports whether addr is one of the pair's tokens.
func (p Pair) Contains(addr common.Address) bool {
	return p.Token0.Address == addr || p.Token1.Address == addr
}

// ByAddress returns the pair token with the given address.
func (p Pair) ByAddress(addr common.Address) (*Token, bool) {
	switch addr {
	case p.Token0.Address:
		return p.Token0, true
	case p.Token1.Address:
		return p.Token1, true
	}
	return nil, false
}

// Less orders addresses the way UniswapV2 sorts token0/token1.
func Less(a, b common.Address) bool {
	return bytes.Compare(a.Bytes(), b.Bytes()) < 0
}
