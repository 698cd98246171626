package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/amm"
	"peg-keeper/internal/fixedpoint"
	"peg-keeper/internal/keeper"
	"peg-keeper/internal/rebalance"
	"peg-keeper/internal/token"
)

// Evaluate computes the action for every pair once and prints it without submitting anything.
func (a *App) Evaluate(ctx context.Context, out io.Writer) error {
	rt, err := a.buildRuntime(ctx, RunOptions{DryRun: true}, nil, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	head, err := rt.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "block %d, allowed %s, target %s\n\n",
		head,
		rebalance.Band{Low: a.Config.Rebalance.AllowedLow, High: a.Config.Rebalance.AllowedHigh},
		rebalance.Band{Low: a.Config.Rebalance.TargetLow, High: a.Config.Rebalance.TargetHigh},
	)

	evals := rt.keeper.Evaluate(ctx)
	quotes := make([]string, len(evals))
	for i, ev := range evals {
		quotes[i] = spotQuote(ctx, rt.reader, ev.Pair)
	}
	writeEvaluations(out, evals, quotes)
	return nil
}

// spotQuote asks the router what one unit of token0 buys, the way an operator would sanity check a pool.
func spotQuote(ctx context.Context, reader *amm.Reader, pair token.Pair) string {
	one, err := fixedpoint.ToBaseUnits(decimal.NewFromInt(1), pair.Token0.Decimals)
	if err != nil {
		return "-"
	}
	amounts, err := reader.AmountsOut(ctx, one, []common.Address{pair.Token0.Address, pair.Token1.Address})
	if err != nil || len(amounts) < 2 {
		return "-"
	}
	received, err := fixedpoint.FromBaseUnits(amounts[1], pair.Token1.Decimals)
	if err != nil {
		return "-"
	}
	return received.String() + " " + pair.Token1.Symbol
}

func writeEvaluations(out io.Writer, evals []keeper.Evaluation, quotes []string) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tReserve0\tReserve1\tPrice\tAction\tSell\tBuy Min\tSpot (1 unit)\tError")

	for i, ev := range evals {
		if ev.Err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\t-\t%s\t%s\n", ev.Pair.Symbol, quotes[i], sanitizeInline(ev.Err.Error()))
			continue
		}
		sell, buy := "-", "-"
		if ev.Action.Kind != rebalance.KindNone {
			sell = ev.Action.Swap.AmountToSell.String() + " " + ev.Action.Swap.TokenToSell.Symbol
			buy = ev.Action.Swap.AmountToBuyMin.String() + " " + ev.Action.Swap.TokenToBuy.Symbol
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			ev.Pair.Symbol,
			formatDecimal(ev.Snapshot.Supply0, 2),
			formatDecimal(ev.Snapshot.Supply1, 2),
			formatDecimal(ev.Action.Swap.DexPrice, 6),
			ev.Action.Kind,
			sell,
			buy,
			quotes[i],
		)
	}

	writer.Flush()
}
