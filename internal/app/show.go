package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"peg-keeper/internal/storage"
)

// Show prints recent execution attempts from the journal.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show executions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentExecutions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no executions found")
		return nil
	}

	writeExecutions(out, records)
	return nil
}

func writeExecutions(out io.Writer, records []storage.ExecutionRecord) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBlock\tPair\tAction\tPrice\tSell\tBuy Min\tOutcome\tTx\tError")

	for _, rec := range records {
		txHash := "-"
		if rec.TxHash != nil {
			txHash = *rec.TxHash
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.BlockNumber,
			rec.Pair,
			rec.Action,
			formatDecimal(rec.DexPrice, 6),
			rec.AmountToSell.String(),
			rec.AmountToBuyMin.String(),
			rec.Outcome,
			txHash,
			errMsg,
		)
	}

	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
