// Package backtest replays logged placements against final market state
// to show what each strategy actually earned.
package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"dagonet/internal/model"
)

// MarketSource is the slice of the gateway the backtester needs.
type MarketSource interface {
	GetMarket(ctx context.Context, marketID string) (*model.Market, error)
}

type Runner struct {
	db      *sql.DB
	markets MarketSource
	out     io.Writer
}

func NewRunner(database *sql.DB, markets MarketSource, out io.Writer) *Runner {
	return &Runner{db: database, markets: markets, out: out}
}

type placementRow struct {
	betID      string
	marketID   string
	answerID   string
	outcome    string
	amount     float64
	shares     float64
	strategies []string
}

// StrategyStats aggregates results for one strategy. When a placement
// was credited to several strategies its amount and profit split evenly
// between them.
type StrategyStats struct {
	Name    string
	Bets    int
	Wagered float64
	Profit  float64
	Wins    int
}

func (s StrategyStats) ROI() float64 {
	if s.Wagered == 0 {
		return 0
	}
	return s.Profit / s.Wagered
}

func (s StrategyStats) WinRate() float64 {
	if s.Bets == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Bets)
}

// Run replays placements between two YYYY-MM-DD dates (inclusive) and
// renders a per-strategy report.
func (r *Runner) Run(ctx context.Context, from, to string) error {
	fromTime, toTime, err := parseRange(from, to)
	if err != nil {
		return err
	}

	rows, err := r.loadPlacements(fromTime, toTime)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "no placements in range")
		return nil
	}

	stats := make(map[string]*StrategyStats)
	marketCache := make(map[string]*model.Market)

	for _, row := range rows {
		market, ok := marketCache[row.marketID]
		if !ok {
			market, err = r.markets.GetMarket(ctx, row.marketID)
			if err != nil {
				return fmt.Errorf("fetching market %s: %w", row.marketID, err)
			}
			marketCache[row.marketID] = market
		}

		finalProb, ok := finalProbability(market, row.answerID)
		if !ok {
			continue
		}
		profit := betProfit(row, finalProb)

		share := 1.0 / float64(len(row.strategies))
		for _, name := range row.strategies {
			s := stats[name]
			if s == nil {
				s = &StrategyStats{Name: name}
				stats[name] = s
			}
			s.Bets++
			s.Wagered += row.amount * share
			s.Profit += profit * share
			if profit > 0 {
				s.Wins++
			}
		}
	}

	r.render(stats)
	return nil
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	fromTime, err := time.Parse("2006-01-02", from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing from date: %w", err)
	}
	toTime, err := time.Parse("2006-01-02", to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing to date: %w", err)
	}
	return fromTime, toTime.Add(24 * time.Hour), nil
}

func (r *Runner) loadPlacements(from, to time.Time) ([]placementRow, error) {
	rows, err := r.db.Query(
		`SELECT bet_id, market_id, COALESCE(answer_id, ''), outcome, amount, shares, strategies
		 FROM placements
		 WHERE placed_at >= ? AND placed_at < ?
		 ORDER BY placed_at`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("loading placements: %w", err)
	}
	defer rows.Close()

	var out []placementRow
	for rows.Next() {
		var row placementRow
		var strategies string
		if err := rows.Scan(&row.betID, &row.marketID, &row.answerID, &row.outcome,
			&row.amount, &row.shares, &strategies); err != nil {
			return nil, fmt.Errorf("scanning placement: %w", err)
		}
		row.strategies = strings.Split(strategies, ",")
		out = append(out, row)
	}
	return out, rows.Err()
}

// finalProbability returns the probability to value shares at: 1 or 0
// once resolved, otherwise the current market price.
func finalProbability(market *model.Market, answerID string) (float64, bool) {
	if answerID != "" {
		answer := market.AnswerByID(answerID)
		if answer == nil {
			return 0, false
		}
		switch answer.Resolution {
		case "YES":
			return 1, true
		case "NO":
			return 0, true
		}
		return answer.Probability, true
	}

	if market.IsResolved {
		switch market.Resolution {
		case "YES":
			return 1, true
		case "NO":
			return 0, true
		case "MKT":
			if market.ResolutionProbability != nil {
				return *market.ResolutionProbability, true
			}
		}
		return 0, false
	}
	if market.Probability == nil {
		return 0, false
	}
	return *market.Probability, true
}

// betProfit values the position at finalProb. NO shares pay on the
// complement.
func betProfit(row placementRow, finalProb float64) float64 {
	value := row.shares * finalProb
	if row.outcome == model.OutcomeNo {
		value = row.shares * (1 - finalProb)
	}
	return value - row.amount
}

func (r *Runner) render(stats map[string]*StrategyStats) {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(r.out)
	table.Header("Strategy", "Bets", "Wagered", "Profit", "ROI", "Win rate")

	var total StrategyStats
	for _, name := range names {
		s := stats[name]
		table.Append(
			s.Name,
			fmt.Sprintf("%d", s.Bets),
			fmt.Sprintf("M%.0f", s.Wagered),
			fmt.Sprintf("M%+.1f", s.Profit),
			fmt.Sprintf("%+.1f%%", s.ROI()*100),
			fmt.Sprintf("%.0f%%", s.WinRate()*100),
		)
		total.Bets += s.Bets
		total.Wagered += s.Wagered
		total.Profit += s.Profit
		total.Wins += s.Wins
	}
	table.Append(
		"TOTAL",
		fmt.Sprintf("%d", total.Bets),
		fmt.Sprintf("M%.0f", total.Wagered),
		fmt.Sprintf("M%+.1f", total.Profit),
		fmt.Sprintf("%+.1f%%", total.ROI()*100),
		fmt.Sprintf("%.0f%%", total.WinRate()*100),
	)
	table.Render()
}
