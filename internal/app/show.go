package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/storage"
)

// Show prints recent samples, or recent fired alerts with --dispatches.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Dispatches {
		return a.showDispatches(ctx, store, opts.Limit)
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tExchange\tPrice (ICP)\tRef Rate\tSource\tProfit%\tAPY%\tRisk\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			sample.Exchange,
			formatDecimal(sample.Price, 6),
			formatDecimal(sample.ReferenceRate, 6),
			sample.RateSource,
			formatDecimal(sample.ProfitPct, 3),
			formatDecimal(sample.APYPct, 3),
			sample.RiskTier,
			sample.Status,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showDispatches(ctx context.Context, store *storage.Store, limit int) error {
	dispatches, err := store.ListRecentDispatches(ctx, limit)
	if err != nil {
		return err
	}
	if len(dispatches) == 0 {
		fmt.Fprintln(os.Stdout, "no dispatches found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tRule\tUser\tProfit%\tThreshold%\tExchange")

	for _, d := range dispatches {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%s\n",
			d.FiredAt.UTC().Format(time.RFC3339),
			d.RuleID,
			d.UserID,
			formatDecimal(d.ProfitPct, 3),
			formatDecimal(d.ThresholdPct, 3),
			d.Exchange,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
