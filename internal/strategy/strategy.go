// Package strategy defines the contract every trading strategy follows
// and the shared evaluation entry point that runs a strategy behind its
// qualifier pipeline.
package strategy

import (
	"context"
	"fmt"
	"math"

	"dagonet/internal/qualifier"
)

// ProposedBet is a strategy's intent to place an order. LimitProb nil
// means a market order.
type ProposedBet struct {
	MarketID  string
	AnswerID  string
	Outcome   string
	Amount    float64
	LimitProb *float64
	Strategy  string
}

// Limits bounds the amounts a proposal may carry.
type Limits struct {
	MinAmount float64
	MaxAmount float64
}

// ValidationError marks a proposal the agent refuses to place. Invalid
// proposals are rejected outright, never adjusted to fit.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid proposal: " + e.Reason
}

// Validate checks a proposal against the platform's order constraints.
func (b ProposedBet) Validate(limits Limits) error {
	if b.MarketID == "" {
		return &ValidationError{Reason: "missing market id"}
	}
	if b.Outcome != "YES" && b.Outcome != "NO" {
		return &ValidationError{Reason: fmt.Sprintf("outcome %q is not YES or NO", b.Outcome)}
	}
	if b.Amount < limits.MinAmount {
		return &ValidationError{Reason: fmt.Sprintf("amount %v below minimum %v", b.Amount, limits.MinAmount)}
	}
	if b.Amount > limits.MaxAmount {
		return &ValidationError{Reason: fmt.Sprintf("amount %v above maximum %v", b.Amount, limits.MaxAmount)}
	}
	if b.LimitProb != nil {
		p := *b.LimitProb
		if p < 0.01 || p > 0.99 {
			return &ValidationError{Reason: fmt.Sprintf("limit prob %v outside [0.01, 0.99]", p)}
		}
		scaled := p * 100
		if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			return &ValidationError{Reason: fmt.Sprintf("limit prob %v has more than two decimals", p)}
		}
	}
	return nil
}

// Diagnostic records why a strategy produced no bets.
type Diagnostic struct {
	Strategy  string
	Qualifier string
	Reason    string
}

// Result is the outcome of one strategy evaluation: either proposals or
// a diagnostic, never both.
type Result struct {
	Bets       []ProposedBet
	Diagnostic *Diagnostic
}

// Strategy is one independent trading policy. Qualifiers returns the
// strategy's own checks, run after whatever base checks the caller
// prepends. Propose is only reached when every qualifier passed.
type Strategy interface {
	Name() string
	Qualifiers() []qualifier.Qualifier
	Propose(ctx context.Context, qctx *qualifier.Context) ([]ProposedBet, error)
}

// Evaluate runs one strategy against a triggering bet: base qualifiers,
// then the strategy's own, then Propose. Gateway failures inside
// qualifiers or Propose propagate to the caller; they are never folded
// into a diagnostic.
func Evaluate(ctx context.Context, s Strategy, base []qualifier.Qualifier, qctx *qualifier.Context) (Result, error) {
	qualifiers := make([]qualifier.Qualifier, 0, len(base)+len(s.Qualifiers()))
	qualifiers = append(qualifiers, base...)
	qualifiers = append(qualifiers, s.Qualifiers()...)

	failure, err := qualifier.Run(ctx, qualifiers, qctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s qualifiers: %w", s.Name(), err)
	}
	if failure != nil {
		return Result{Diagnostic: &Diagnostic{
			Strategy:  s.Name(),
			Qualifier: failure.Qualifier,
			Reason:    failure.Reason,
		}}, nil
	}

	bets, err := s.Propose(ctx, qctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s propose: %w", s.Name(), err)
	}
	if len(bets) == 0 {
		return Result{Diagnostic: &Diagnostic{
			Strategy: s.Name(),
			Reason:   "NO_PROPOSAL",
		}}, nil
	}

	for i := range bets {
		bets[i].Strategy = s.Name()
	}
	return Result{Bets: bets}, nil
}
