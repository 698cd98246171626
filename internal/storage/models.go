package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionRecord is one journaled action attempt.
type ExecutionRecord struct {
	ID             int64
	BlockNumber    int64
	Pair           string
	Action         string
	DexPrice       decimal.Decimal
	AmountToSell   decimal.Decimal
	AmountToBuyMin decimal.Decimal
	TxHash         *string
	Outcome        string
	Error          *string
	CreatedAt      time.Time
}
