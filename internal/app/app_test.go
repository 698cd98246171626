package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/amm"
	"peg-keeper/internal/chain"
	"peg-keeper/internal/config"
	"peg-keeper/internal/keeper"
	"peg-keeper/internal/rebalance"
	"peg-keeper/internal/storage"
	"peg-keeper/internal/token"
)

func executions(n int) []storage.ExecutionRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.ExecutionRecord, n)
	for i := range out {
		out[i] = storage.ExecutionRecord{
			ID:             int64(i + 1),
			BlockNumber:    int64(100 + i),
			Pair:           "USDC-DAI",
			Action:         "contract_and_sell",
			DexPrice:       decimal.RequireFromString("0.95"),
			AmountToSell:   decimal.NewFromInt(1000),
			AmountToBuyMin: decimal.NewFromInt(990),
			Outcome:        "confirmed",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	records := executions(10)
	got := downsampleExecutions(records, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 records, got %d", len(got))
	}
	if got[0].ID != 1 || got[3].ID != 10 {
		t.Fatalf("endpoints not preserved: first=%d last=%d", got[0].ID, got[3].ID)
	}
	if len(downsampleExecutions(records, 0)) != 10 {
		t.Fatal("max<=0 must return input unchanged")
	}
	if one := downsampleExecutions(records, 1); len(one) != 1 || one[0].ID != 10 {
		t.Fatalf("max=1 should keep the latest record, got %+v", one)
	}
}

func TestFilterPair(t *testing.T) {
	records := executions(3)
	records[1].Pair = "USDT-DAI"
	if got := filterPair(records, ""); len(got) != 3 {
		t.Fatalf("empty filter must keep everything, got %d", len(got))
	}
	got := filterPair(records, "USDT-DAI")
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("unexpected filtered records %+v", got)
	}
	if records[0].Pair != "USDC-DAI" {
		t.Fatal("filter must not modify its input")
	}
}

func TestEncodeExecutionsCSV(t *testing.T) {
	records := executions(2)
	hash := "0xabc"
	reason := "SwapOutputTooLow[1 2]"
	records[0].TxHash = &hash
	records[1].Error = &reason
	records[1].Outcome = "reverted"

	var buf bytes.Buffer
	if err := encodeExecutionsCSV(csv.NewWriter(&buf), records); err != nil {
		t.Fatalf("encode: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][4] != "dex_price" || rows[1][8] != "0xabc" || rows[2][9] != reason {
		t.Fatalf("unexpected rows %v", rows)
	}
	if rows[1][1] != "100" || rows[1][0] != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
}

func TestPriceSeriesSkipsSparsePairs(t *testing.T) {
	records := executions(3)
	lonely := executions(1)[0]
	lonely.Pair = "USDT-DAI"
	records = append(records, lonely)

	series := priceSeries(records)
	if len(series) != 1 {
		t.Fatalf("expected one drawable series, got %d", len(series))
	}
	if name := series[0].GetName(); name != "USDC-DAI" {
		t.Fatalf("unexpected series %q", name)
	}
}

func TestWriteExecutionsTable(t *testing.T) {
	records := executions(1)
	reason := "line one\nline two"
	records[0].Error = &reason

	var buf bytes.Buffer
	writeExecutions(&buf, records)
	out := buf.String()
	if !strings.Contains(out, "USDC-DAI") || !strings.Contains(out, "0.950000") {
		t.Fatalf("table missing fields:\n%s", out)
	}
	if !strings.Contains(out, "line one line two") {
		t.Fatalf("error not flattened:\n%s", out)
	}
}

func TestWriteEvaluations(t *testing.T) {
	usdc := &token.Token{Symbol: "USDC", Address: common.HexToAddress("0x01"), Decimals: 6}
	dai := &token.Token{Symbol: "DAI", Address: common.HexToAddress("0x02"), Decimals: 18}
	pair := token.NewPair("USDC-DAI", usdc, dai)

	evals := []keeper.Evaluation{
		{
			Pair:     pair,
			Snapshot: amm.Snapshot{Supply0: decimal.NewFromInt(1_000_000), Supply1: decimal.NewFromInt(950_000)},
			Action: rebalance.Action{
				Kind: rebalance.KindExpandAndBuy,
				Swap: rebalance.SwapDetails{
					DexPrice:       decimal.RequireFromString("1.052631"),
					TokenToSell:    dai,
					AmountToSell:   decimal.RequireFromString("49700.1"),
					TokenToBuy:     usdc,
					AmountToBuyMin: decimal.NewFromInt(49500),
				},
			},
		},
		{Pair: pair, Err: errors.New("pool not found")},
	}

	var buf bytes.Buffer
	writeEvaluations(&buf, evals, []string{"0.95 DAI", "-"})
	out := buf.String()
	for _, want := range []string{"expand_and_buy", "49700.1 DAI", "49500 USDC", "0.95 DAI", "pool not found"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

type staticCode struct {
	code map[common.Address][]byte
	err  error
}

func (s staticCode) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return s.code[account], s.err
}

func TestVerifyContracts(t *testing.T) {
	router := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	adapter := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	contracts := []config.ContractAddress{
		{Key: "contracts.router", Value: router.Hex()},
		{Key: "contracts.adapter", Value: adapter.Hex()},
	}

	deployed := staticCode{code: map[common.Address][]byte{router: {0x60}, adapter: {0x60}}}
	if err := verifyContracts(context.Background(), deployed, contracts); err != nil {
		t.Fatalf("deployed contracts rejected: %v", err)
	}

	missing := staticCode{code: map[common.Address][]byte{router: {0x60}}}
	err := verifyContracts(context.Background(), missing, contracts)
	if !errors.Is(err, config.ErrInvalid) || !strings.Contains(err.Error(), "contracts.adapter") {
		t.Fatalf("expected ErrInvalid naming the adapter, got %v", err)
	}

	broken := staticCode{err: errors.New("connection refused")}
	if err := verifyContracts(context.Background(), broken, contracts); !errors.Is(err, chain.ErrRPC) {
		t.Fatalf("expected ErrRPC, got %v", err)
	}
}
