package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"nicp-arb-alerts/internal/cache"
	"nicp-arb-alerts/internal/service"
)

// Current fetches the live opportunity once and prints it.
func (a *App) Current(ctx context.Context) error {
	quotes := a.newQuoteSource()
	rates := a.newRateProvider()

	svc := service.New(a.Config, nil, nil, quotes, rates, cache.New(), nil, nil, nil, a.Logger)

	opp, err := svc.GetCurrentOpportunity(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Pair\t%s\n", opp.Quote.Pair)
	fmt.Fprintf(writer, "Exchange\t%s\n", opp.Quote.Exchange)
	fmt.Fprintf(writer, "Price (ICP)\t%s\n", opp.Quote.Price.StringFixed(6))
	fmt.Fprintf(writer, "Reference Rate\t%s (%s)\n", opp.Rate.Rate.StringFixed(7), opp.Rate.Source)
	fmt.Fprintf(writer, "Redemption Value\t%s ICP\n", opp.FutureICPPerNICP.StringFixed(6))
	fmt.Fprintf(writer, "Profit\t%s%% over %d months\n", opp.ProfitPct.StringFixed(2), opp.HoldingMonths)
	fmt.Fprintf(writer, "Annualized\t%s%%\n", opp.APYPct.StringFixed(2))
	fmt.Fprintf(writer, "Staking APY\t%s%%\n", opp.StakingAPYPct.StringFixed(2))
	fmt.Fprintf(writer, "Risk\t%s\n", opp.Risk)
	fmt.Fprintf(writer, "Recommendation\t%s\n", opp.Recommendation)
	fmt.Fprintf(writer, "Observed\t%s\n", opp.Quote.ObservedAt.UTC().Format(time.RFC3339))
	writer.Flush()
	return nil
}
