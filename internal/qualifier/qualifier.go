// Package qualifier filters triggering bets before any strategy spends
// effort on them. Each qualifier checks one condition; a pipeline runs
// them in order and stops at the first failure.
package qualifier

import (
	"context"
	"time"

	"dagonet/internal/model"
)

// CounterbetEntry is a snapshot of one live counterbet, passed to
// qualifiers and strategies so they can avoid re-countering a position
// that is already open.
type CounterbetEntry struct {
	MarketID string
	AnswerID string
	Outcome  string
	PlacedAt time.Time
}

// Context carries everything a qualifier may inspect about a triggering
// bet. Counterbets holds the live entries for this market only.
type Context struct {
	Trigger     model.Bet
	Market      *model.Market
	MarketBets  []model.Bet
	Counterbets []CounterbetEntry
	SelfUserID  string
}

type Decision string

const (
	Pass Decision = "PASS"
	Fail Decision = "FAIL"
)

// Result is the outcome of a single check. Reason is a stable token
// recorded in diagnostics, e.g. "LOW_LIQUIDITY".
type Result struct {
	Decision Decision
	Reason   string
}

func pass(reason string) Result {
	return Result{Decision: Pass, Reason: reason}
}

func fail(reason string) Result {
	return Result{Decision: Fail, Reason: reason}
}

// Qualifier checks one condition of a triggering bet. Returning an error
// means the check itself could not run (e.g. a gateway failure) and is
// distinct from a FAIL decision.
type Qualifier interface {
	Name() string
	Qualify(ctx context.Context, qctx *Context) (Result, error)
}

// Failure identifies which qualifier rejected a bet and why.
type Failure struct {
	Qualifier string
	Reason    string
}

// Run evaluates qualifiers in order and short-circuits on the first
// FAIL. A nil Failure means every check passed.
func Run(ctx context.Context, qualifiers []Qualifier, qctx *Context) (*Failure, error) {
	for _, q := range qualifiers {
		result, err := q.Qualify(ctx, qctx)
		if err != nil {
			return nil, err
		}
		if result.Decision == Fail {
			return &Failure{Qualifier: q.Name(), Reason: result.Reason}, nil
		}
	}
	return nil, nil
}
