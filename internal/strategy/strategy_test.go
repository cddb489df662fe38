package strategy

import (
	"context"
	"errors"
	"testing"

	"dagonet/internal/model"
	"dagonet/internal/qualifier"
)

func limits() Limits {
	return Limits{MinAmount: 1, MaxAmount: 250}
}

func probPtr(p float64) *float64 { return &p }

func TestValidateAcceptsSaneBet(t *testing.T) {
	bet := ProposedBet{
		MarketID:  "m1",
		Outcome:   "YES",
		Amount:    25,
		LimitProb: probPtr(0.45),
	}
	if err := bet.Validate(limits()); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		bet  ProposedBet
	}{
		{"missing market", ProposedBet{Outcome: "YES", Amount: 10}},
		{"bad outcome", ProposedBet{MarketID: "m1", Outcome: "MAYBE", Amount: 10}},
		{"amount below min", ProposedBet{MarketID: "m1", Outcome: "YES", Amount: 0.5}},
		{"amount above max", ProposedBet{MarketID: "m1", Outcome: "YES", Amount: 1000}},
		{"limit prob too low", ProposedBet{MarketID: "m1", Outcome: "YES", Amount: 10, LimitProb: probPtr(0.001)}},
		{"limit prob too high", ProposedBet{MarketID: "m1", Outcome: "NO", Amount: 10, LimitProb: probPtr(0.999)}},
		{"limit prob three decimals", ProposedBet{MarketID: "m1", Outcome: "YES", Amount: 10, LimitProb: probPtr(0.455)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.bet.Validate(limits())
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}

type fakeStrategy struct {
	name       string
	qualifiers []qualifier.Qualifier
	bets       []ProposedBet
	err        error
}

func (f fakeStrategy) Name() string                       { return f.name }
func (f fakeStrategy) Qualifiers() []qualifier.Qualifier  { return f.qualifiers }
func (f fakeStrategy) Propose(context.Context, *qualifier.Context) ([]ProposedBet, error) {
	return f.bets, f.err
}

type failingQualifier struct{ reason string }

func (f failingQualifier) Name() string { return "failing" }
func (f failingQualifier) Qualify(context.Context, *qualifier.Context) (qualifier.Result, error) {
	return qualifier.Result{Decision: qualifier.Fail, Reason: f.reason}, nil
}

func evalContext() *qualifier.Context {
	return &qualifier.Context{
		Trigger: model.Bet{ID: "b1", ContractID: "m1", Outcome: "YES", Amount: 100},
		Market:  &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeBinary},
	}
}

func TestEvaluateQualifierFailBecomesDiagnostic(t *testing.T) {
	s := fakeStrategy{name: "test", bets: []ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 10}}}
	base := []qualifier.Qualifier{failingQualifier{reason: "LOW_LIQUIDITY"}}

	result, err := Evaluate(context.Background(), s, base, evalContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(result.Bets) != 0 {
		t.Error("failed qualification must not produce bets")
	}
	d := result.Diagnostic
	if d == nil || d.Strategy != "test" || d.Qualifier != "failing" || d.Reason != "LOW_LIQUIDITY" {
		t.Errorf("unexpected diagnostic %+v", d)
	}
}

func TestEvaluateStampsStrategyName(t *testing.T) {
	s := fakeStrategy{name: "test", bets: []ProposedBet{
		{MarketID: "m1", Outcome: "NO", Amount: 10},
		{MarketID: "m1", Outcome: "NO", Amount: 15},
	}}

	result, err := Evaluate(context.Background(), s, nil, evalContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Diagnostic != nil {
		t.Errorf("unexpected diagnostic %+v", result.Diagnostic)
	}
	for i, bet := range result.Bets {
		if bet.Strategy != "test" {
			t.Errorf("bet %d missing strategy stamp: %+v", i, bet)
		}
	}
}

func TestEvaluateEmptyProposalIsDiagnostic(t *testing.T) {
	result, err := Evaluate(context.Background(), fakeStrategy{name: "quiet"}, nil, evalContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Diagnostic == nil || result.Diagnostic.Reason != "NO_PROPOSAL" {
		t.Errorf("expected NO_PROPOSAL diagnostic, got %+v", result.Diagnostic)
	}
}

func TestEvaluatePropagatesProposeError(t *testing.T) {
	wantErr := errors.New("gateway down")
	_, err := Evaluate(context.Background(), fakeStrategy{name: "broken", err: wantErr}, nil, evalContext())
	if !errors.Is(err, wantErr) {
		t.Errorf("expected propagated error, got %v", err)
	}
}
