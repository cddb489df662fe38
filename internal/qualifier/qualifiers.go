package qualifier

import (
	"context"
	"math"
	"strings"

	"dagonet/internal/model"
)

// MarketType fails anything other than binary and multiple-choice
// markets.
type MarketType struct{}

func (MarketType) Name() string { return "market_type" }

func (MarketType) Qualify(_ context.Context, qctx *Context) (Result, error) {
	t := qctx.Market.OutcomeType
	if t != model.OutcomeTypeBinary && t != model.OutcomeTypeMultipleChoice {
		return fail("UNSUPPORTED_MARKET_TYPE"), nil
	}
	return pass("SUPPORTED_MARKET_TYPE"), nil
}

// NoOwnMarkets fails when the market was created by the bot account.
type NoOwnMarkets struct{}

func (NoOwnMarkets) Name() string { return "no_own_markets" }

func (NoOwnMarkets) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if qctx.Market.CreatorID == qctx.SelfUserID {
		return fail("SELF_CREATED_MARKET"), nil
	}
	return pass("NOT_OWN_MARKET"), nil
}

// NoBots fails bets placed through the API. Countering other bots is a
// good way to get into a feedback loop.
type NoBots struct{}

func (NoBots) Name() string { return "no_bots" }

func (NoBots) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if qctx.Trigger.IsAPI {
		return fail("API_BET"), nil
	}
	return pass("NOT_API_BET"), nil
}

// NoSells fails sell orders, which carry negative amounts.
type NoSells struct{}

func (NoSells) Name() string { return "no_sells" }

func (NoSells) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if qctx.Trigger.Amount < 0 {
		return fail("SKIPPING_SELL_BET"), nil
	}
	return pass("NOT_SELL"), nil
}

// CreatorIsBettor fails when the bettor created the market or, on
// multiple-choice markets, the answer being bet on.
type CreatorIsBettor struct{}

func (CreatorIsBettor) Name() string { return "creator_is_bettor" }

func (CreatorIsBettor) Qualify(_ context.Context, qctx *Context) (Result, error) {
	bet := qctx.Trigger
	if bet.UserID == qctx.Market.CreatorID {
		return fail("MARKET_CREATOR_IS_BETTOR"), nil
	}
	if bet.AnswerID != "" {
		if answer := qctx.Market.AnswerByID(bet.AnswerID); answer != nil && bet.UserID == answer.UserID {
			return fail("ANSWER_CREATOR_IS_BETTOR"), nil
		}
	}
	return pass("BETTOR_NOT_CREATOR"), nil
}

// OptOut fails markets whose description carries the no-bot tag.
type OptOut struct{}

const optOutTag = "#no-bots"

func (OptOut) Name() string { return "opt_out" }

func (OptOut) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if strings.Contains(strings.ToLower(qctx.Market.DescriptionText()), optOutTag) {
		return fail("MARKET_OPTED_OUT"), nil
	}
	return pass("MARKET_HAS_NOT_OPTED_OUT"), nil
}

// LiquidityProvision fails liquidity provisions, which are not real
// directional bets.
type LiquidityProvision struct{}

func (LiquidityProvision) Name() string { return "liquidity_provision" }

func (LiquidityProvision) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if qctx.Trigger.IsLiquidityProvision {
		return fail("LIQUIDITY_PROVISION"), nil
	}
	return pass("NOT_LIQUIDITY_PROVISION"), nil
}

// MarketLiquidity fails thin markets. On independent multiple-choice
// markets the check applies to the triggering bet's answer.
type MarketLiquidity struct {
	Min float64
}

func (MarketLiquidity) Name() string { return "market_liquidity" }

func (q MarketLiquidity) Qualify(_ context.Context, qctx *Context) (Result, error) {
	market := qctx.Market
	independent := market.IsMultipleChoice() &&
		(market.ShouldAnswersSumToOne == nil || !*market.ShouldAnswersSumToOne)

	if independent {
		if qctx.Trigger.AnswerID == "" {
			return fail("MISSING_ANSWER_ID"), nil
		}
		liquidity, ok := market.AnswerLiquidity(qctx.Trigger.AnswerID)
		if !ok || liquidity < q.Min {
			return fail("LOW_ANSWER_LIQUIDITY"), nil
		}
		return pass("SUFFICIENT_LIQUIDITY"), nil
	}

	if market.TotalLiquidity < q.Min {
		return fail("LOW_LIQUIDITY"), nil
	}
	return pass("SUFFICIENT_LIQUIDITY"), nil
}

// ExtremeProb fails markets already trading near certainty, where
// counter-trading a move has no edge left.
type ExtremeProb struct {
	ThresholdPercent int
}

func (ExtremeProb) Name() string { return "extreme_prob" }

func (q ExtremeProb) Qualify(_ context.Context, qctx *Context) (Result, error) {
	market := qctx.Market

	var prob float64
	if market.IsMultipleChoice() {
		if qctx.Trigger.AnswerID == "" {
			return fail("MISSING_ANSWER_ID"), nil
		}
		p, ok := market.AnswerProbability(qctx.Trigger.AnswerID)
		if !ok {
			return fail("UNKNOWN_MARKET_PROBABILITY"), nil
		}
		prob = p
	} else {
		if market.Probability == nil {
			return fail("UNKNOWN_MARKET_PROBABILITY"), nil
		}
		prob = *market.Probability
	}

	lower := float64(q.ThresholdPercent) / 100
	if prob < lower || prob > 1-lower {
		return fail("EXTREME_MARKET_PROBABILITY"), nil
	}
	return pass("MARKET_PROBABILITY_WITHIN_RANGE"), nil
}

// BetAmount fails triggers too small to signal anything.
type BetAmount struct {
	Min float64
}

func (BetAmount) Name() string { return "bet_amount" }

func (q BetAmount) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if math.Abs(qctx.Trigger.Amount) < q.Min {
		return fail("SMALL_BET"), nil
	}
	return pass("SUFFICIENT_BET_AMOUNT"), nil
}

// OtherAnswer fails bets on the catch-all "Other" answer of
// multiple-choice markets.
type OtherAnswer struct{}

func (OtherAnswer) Name() string { return "other_answer" }

func (OtherAnswer) Qualify(_ context.Context, qctx *Context) (Result, error) {
	if qctx.Trigger.AnswerID == "" {
		return pass("NOT_MULTICHOICE"), nil
	}
	answer := qctx.Market.AnswerByID(qctx.Trigger.AnswerID)
	if answer == nil || answer.Text == "" {
		return pass("NO_ANSWER_TEXT"), nil
	}
	if answer.IsOther || strings.EqualFold(strings.TrimSpace(answer.Text), "other") {
		return fail("OTHER_ANSWER"), nil
	}
	return pass("ANSWER_NOT_OTHER"), nil
}

// PositionSource is the slice of the gateway that Overinvested needs.
type PositionSource interface {
	GetMarketPositions(ctx context.Context, marketID, userID, answerID string) ([]model.Position, error)
	GetMarketProbability(ctx context.Context, marketID, answerID string) (float64, error)
}

// Overinvested fails when countering the trigger would push the bot's
// position past its cap. The cap loosens while the position is
// profitable, up to double, and never tightens below a fifth.
type Overinvested struct {
	Max       float64
	Positions PositionSource
}

func (Overinvested) Name() string { return "overinvested" }

func (q Overinvested) Qualify(ctx context.Context, qctx *Context) (Result, error) {
	bet := qctx.Trigger
	positions, err := q.Positions.GetMarketPositions(ctx, qctx.Market.ID, qctx.SelfUserID, bet.AnswerID)
	if err != nil {
		return Result{}, err
	}
	if len(positions) == 0 {
		return pass("NO_CURRENT_POSITION"), nil
	}

	position := positions[0]
	direction := position.MaxSharesOutcome
	shares, ok := position.TotalShares[direction]
	if !ok {
		return pass("NO_CURRENT_POSITION"), nil
	}

	prob, err := q.Positions.GetMarketProbability(ctx, qctx.Market.ID, bet.AnswerID)
	if err != nil {
		return Result{}, err
	}

	value := shares * prob
	if direction == model.OutcomeNo {
		value = shares * (1 - prob)
	}

	adjustedMax := math.Max(q.Max*math.Min(1+position.Profit/q.Max, 2), q.Max/5)

	proposed := model.FlipOutcome(bet.Outcome)
	if direction == proposed && value >= adjustedMax {
		return fail("MAX_POSITION_EXCEEDED"), nil
	}
	return pass("POSITION_WITHIN_LIMITS"), nil
}
