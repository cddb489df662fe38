package strategy

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"dagonet/internal/config"
	"dagonet/internal/model"
	"dagonet/internal/qualifier"
)

// Reversion counter-trades large single-bet probability moves, on the
// theory that one trader shoving the price is more often overconfident
// than informed. The counterbet targets a partial reversion of the move
// in logit space, guarded by the market's recent moving average.
type Reversion struct {
	cfg       config.ReversionConfig
	positions qualifier.PositionSource
}

func NewReversion(cfg config.ReversionConfig, positions qualifier.PositionSource) *Reversion {
	return &Reversion{cfg: cfg, positions: positions}
}

func (r *Reversion) Name() string { return "reversion" }

func (r *Reversion) Qualifiers() []qualifier.Qualifier {
	return []qualifier.Qualifier{
		qualifier.MarketLiquidity{Min: r.cfg.MinLiquidity},
		qualifier.ExtremeProb{ThresholdPercent: r.cfg.ExtremeThreshold},
		qualifier.BetAmount{Min: r.cfg.MinTriggerAmount},
		qualifier.Overinvested{Max: r.cfg.MaxPosition, Positions: r.positions},
	}
}

func (r *Reversion) Propose(_ context.Context, qctx *qualifier.Context) ([]ProposedBet, error) {
	trigger := qctx.Trigger

	move := logitChange(trigger.ProbBefore, trigger.ProbAfter)
	if math.IsNaN(move) || move < r.cfg.MinLogitMove {
		return nil, nil
	}

	counter := model.FlipOutcome(trigger.Outcome)

	// An open counterbet on this side means we already faded a move here.
	for _, entry := range qctx.Counterbets {
		if entry.AnswerID == trigger.AnswerID && entry.Outcome == counter {
			slog.Debug("already countering this position",
				"market", trigger.ContractID, "answer", trigger.AnswerID, "outcome", counter)
			return nil, nil
		}
	}

	// Only fade moves that push the price away from the recent consensus.
	// A move back toward the moving average is more likely a correction.
	avg := movingAverageMarketValue(qctx.MarketBets, r.cfg.WindowSize, trigger.AnswerID, qctx.SelfUserID)
	if avg > 0 {
		movedUp := trigger.ProbAfter > trigger.ProbBefore
		if movedUp && trigger.ProbAfter <= avg {
			return nil, nil
		}
		if !movedUp && trigger.ProbAfter >= avg {
			return nil, nil
		}
	}

	limit := roundProb(logitReversion(trigger.ProbBefore, trigger.ProbAfter, r.cfg.ReversionFactor))

	return []ProposedBet{{
		MarketID:  trigger.ContractID,
		AnswerID:  trigger.AnswerID,
		Outcome:   counter,
		Amount:    r.cfg.BetAmount,
		LimitProb: &limit,
	}}, nil
}

// movingAverageMarketValue averages probAfter over the most recent bets,
// excluding the bot's own, narrowed to one answer when set.
func movingAverageMarketValue(bets []model.Bet, window int, answerID, selfUserID string) float64 {
	filtered := make([]model.Bet, 0, len(bets))
	for _, bet := range bets {
		if answerID != "" && bet.AnswerID != answerID {
			continue
		}
		if bet.UserID == selfUserID {
			continue
		}
		filtered = append(filtered, bet)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedTime.Before(filtered[j].CreatedTime.Time)
	})
	if len(filtered) > window {
		filtered = filtered[len(filtered)-window:]
	}
	if len(filtered) == 0 {
		return 0
	}
	var sum float64
	for _, bet := range filtered {
		sum += bet.ProbAfter
	}
	return clamp(sum/float64(len(filtered)), 0, 1)
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func invLogit(l float64) float64 {
	return 1 / (1 + math.Exp(-l))
}

func logitChange(p1, p2 float64) float64 {
	return math.Abs(logit(p1) - logit(p2))
}

// logitReversion returns the price implied by undoing factor of the move
// from probBefore to probAfter, computed in logit space so reversion
// behaves sensibly near the extremes.
func logitReversion(probBefore, probAfter, factor float64) float64 {
	after := logit(probAfter)
	diff := after - logit(probBefore)
	return invLogit(after - diff*factor)
}

// roundProb snaps to the two-decimal grid the platform accepts for limit
// orders and keeps the result inside the valid range.
func roundProb(p float64) float64 {
	return clamp(math.Round(p*100)/100, 0.01, 0.99)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
