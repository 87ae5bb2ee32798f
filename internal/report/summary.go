// Package report renders backtest reports and stored runs as aligned plain
// text for the command-line tools.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"tradelab/internal/backtest"
	"tradelab/internal/store"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// counts renders a map of counters as "a=1 b=2", sorted by key.
func counts[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return strings.Join(parts, " ")
}

// WriteSummary writes the headline figures of a finished backtest.
func WriteSummary(w io.Writer, r *backtest.Report) error {
	res, m, mc := r.Result, r.Metrics, r.MonteCarlo
	tw := newTable(w)
	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\n", k, v) }

	row("Run", r.ID.String())
	row("Symbol", fmt.Sprintf("%s (%s)", r.Request.Symbol, r.Request.Market))
	row("Range", r.Request.Start.Format(time.DateOnly)+" .. "+r.Request.End.Format(time.DateOnly))
	row("Strategies", strings.Join(r.Request.Strategies, ", "))
	row("Bars", fmt.Sprintf("%s in %s (%s bars/s)",
		FormatInt(res.BarsProcessed), res.Duration.Round(time.Millisecond), FormatCount(int(res.BarsPerSecond))))
	if res.Snapshot.MarginCalled {
		row("Margin call", "yes")
	}
	fmt.Fprintln(tw)

	row("Initial capital", FormatMoney(res.Config.InitialCapital))
	row("Final equity", FormatMoney(res.Snapshot.FinalEquity))
	row("Net profit", FormatMoney(m.NetProfit))
	row("Total return", FormatPercent(res.Snapshot.TotalReturnPct))
	row("Annualized return", FormatPercent(m.AnnualizedReturnPct))
	row("Volatility", FormatPercent(m.VolatilityPct))
	fmt.Fprintln(tw)

	row("Sharpe", FormatRatio(m.SharpeRatio))
	row("Sortino", FormatRatio(m.SortinoRatio))
	row("Calmar", FormatRatio(m.CalmarRatio))
	row("Omega", FormatRatio(m.OmegaRatio))
	row("Max drawdown", FormatPercent(m.MaxDrawdownPct))
	row("Max drawdown days", FormatInt(m.MaxDrawdownDurationDays))
	row("Current drawdown", FormatPercent(m.CurrentDrawdownPct))
	row("Ulcer index", FormatRatio(m.UlcerIndex))
	row("VaR 95 / CVaR 95", FormatPercent(m.VaR95*100)+" / "+FormatPercent(m.CVaR95*100))
	fmt.Fprintln(tw)

	row("Trades", fmt.Sprintf("%s (%d won, %d lost)", FormatInt(m.TotalTrades), m.WinningTrades, m.LosingTrades))
	row("Win rate", FormatPercent(m.WinRate*100))
	row("Profit factor", FormatRatio(m.ProfitFactor))
	row("Expectancy", FormatMoney(m.Expectancy))
	row("Largest win / loss", FormatMoney(m.LargestWin)+" / "+FormatMoney(m.LargestLoss))
	row("Streaks", fmt.Sprintf("%d won, %d lost", m.MaxConsecutiveWins, m.MaxConsecutiveLosses))
	row("Avg holding", FormatDuration(m.AvgHoldingPeriod))
	row("Commission", FormatMoney(m.TotalCommission))
	if len(res.Snapshot.Rejections) > 0 {
		row("Rejected signals", counts(res.Snapshot.Rejections))
	}
	if len(res.Snapshot.SourceErrors) > 0 {
		row("Source errors", counts(res.Snapshot.SourceErrors))
	}

	if b := m.Benchmark; b != nil {
		fmt.Fprintln(tw)
		row("Benchmark", fmt.Sprintf("%s (%d obs)", r.Request.BenchmarkSymbol, b.Observations))
		row("Benchmark return", FormatPercent(b.BenchmarkReturn))
		row("Alpha / beta", FormatRatio(b.Alpha)+" / "+FormatRatio(b.Beta))
		row("Correlation", FormatRatio(b.Correlation))
		row("Information ratio", FormatRatio(b.InformationRatio))
		row("Tracking error", FormatRatio(b.TrackingError))
	}

	if mc.Simulations > 0 {
		fmt.Fprintln(tw)
		row("Monte Carlo", fmt.Sprintf("%s paths, seed %d", FormatInt(mc.Simulations), mc.Seed))
		row("P(profit)", FormatPercent(mc.ProbabilityProfit))
		row("Final equity p5 / p50 / p95", FormatMoney(mc.FinalEquity.P5)+" / "+
			FormatMoney(mc.FinalEquity.Median)+" / "+FormatMoney(mc.FinalEquity.P95))
		row("Max drawdown p50 / p95", FormatPercent(mc.MaxDrawdownPct.Median)+" / "+
			FormatPercent(mc.MaxDrawdownPct.P95))
	}
	return tw.Flush()
}

// WriteRunList writes one line per stored run.
func WriteRunList(w io.Writer, runs []store.RunSummary) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tCREATED\tSYMBOL\tSTRATEGIES\tTRADES\tRETURN\tSHARPE\tMAX DD")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Symbol,
			strings.Join(r.Strategies, ","),
			FormatInt(r.TotalTrades),
			FormatPercent(r.TotalReturnPct),
			FormatRatio(r.SharpeRatio),
			FormatPercent(r.MaxDrawdownPct),
		)
	}
	return tw.Flush()
}

// WriteRun writes a stored run's summary followed by its trade log.
func WriteRun(w io.Writer, rec *store.RunRecord) error {
	tw := newTable(w)
	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\n", k, v) }

	row("Run", rec.ID.String())
	row("Created", rec.CreatedAt.Local().Format(time.RFC3339))
	row("Symbol", fmt.Sprintf("%s (%s)", rec.Symbol, rec.Market))
	row("Range", rec.Start.Format(time.DateOnly)+" .. "+rec.End.Format(time.DateOnly))
	row("Strategies", strings.Join(rec.Strategies, ", "))
	row("Capital", fmt.Sprintf("%s -> %s (%s)",
		FormatMoney(rec.InitialCapital), FormatMoney(rec.FinalEquity), FormatPercent(rec.TotalReturnPct)))
	row("Sharpe / Sortino / Omega", FormatRatio(rec.SharpeRatio)+" / "+
		FormatRatio(rec.SortinoRatio)+" / "+FormatRatio(rec.OmegaRatio))
	row("Max drawdown", FormatPercent(rec.MaxDrawdownPct))
	row("Win rate", FormatPercent(rec.WinRate*100))
	row("Profit factor", FormatRatio(rec.ProfitFactor))
	row("P(profit)", FormatPercent(rec.ProbabilityProfit))
	row("Bars", FormatInt(rec.BarsProcessed))
	if rec.MarginCalled {
		row("Margin call", "yes")
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(rec.Trades) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "TICKET\tSIDE\tENTRY TIME\tENTRY\tEXIT TIME\tEXIT\tSIZE\tPNL\tREASON")
	for _, t := range rec.Trades {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Ticket, t.Side,
			t.EntryTime.Format("2006-01-02 15:04"), Fixed(t.EntryPrice, 4),
			t.ExitTime.Format("2006-01-02 15:04"), Fixed(t.ExitPrice, 4),
			Fixed(t.Size, 6), FormatMoney(t.PnL), t.ExitReason,
		)
	}
	return tw.Flush()
}
