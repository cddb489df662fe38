package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"dagonet/internal/audit"
	"dagonet/internal/config"
	"dagonet/internal/gateway"
	"dagonet/internal/model"
	"dagonet/internal/qualifier"
	"dagonet/internal/strategy"
)

type fakeGateway struct {
	market    *model.Market
	marketErr error
	bets      []model.Bet
	placeErrs map[string]error
	placed    []gateway.BetRequest
}

func (f *fakeGateway) UserID() string { return "self" }

func (f *fakeGateway) GetMarket(context.Context, string) (*model.Market, error) {
	return f.market, f.marketErr
}

func (f *fakeGateway) GetBets(context.Context, string, int) ([]model.Bet, error) {
	return f.bets, nil
}

func (f *fakeGateway) PlaceBet(_ context.Context, req gateway.BetRequest) (*model.Bet, error) {
	if err := f.placeErrs[req.AnswerID]; err != nil {
		return nil, err
	}
	f.placed = append(f.placed, req)
	return &model.Bet{
		ID:     fmt.Sprintf("placed-%d", len(f.placed)),
		Shares: req.Amount * 1.5,
	}, nil
}

type fakeAuditor struct {
	placements  []audit.PlacementEvent
	diagnostics []audit.DiagnosticEvent
}

func (f *fakeAuditor) Placement(e audit.PlacementEvent)   { f.placements = append(f.placements, e) }
func (f *fakeAuditor) Diagnostic(e audit.DiagnosticEvent) { f.diagnostics = append(f.diagnostics, e) }

func (f *fakeAuditor) reasons() []string {
	var out []string
	for _, d := range f.diagnostics {
		out = append(out, d.Reason)
	}
	return out
}

type scriptedStrategy struct {
	name string
	bets []strategy.ProposedBet
	err  error
}

func (s scriptedStrategy) Name() string                      { return s.name }
func (s scriptedStrategy) Qualifiers() []qualifier.Qualifier { return nil }
func (s scriptedStrategy) Propose(context.Context, *qualifier.Context) ([]strategy.ProposedBet, error) {
	return s.bets, s.err
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		CounterbetTTL:   config.Duration{Duration: time.Hour},
		PruneInterval:   config.Duration{Duration: time.Minute},
		StrategyTimeout: config.Duration{Duration: 2 * time.Second},
		RecentBetLimit:  10,
		MinBetAmount:    1,
		MaxBetAmount:    250,
	}
}

func testOrchestrator(gw *fakeGateway, auditor *fakeAuditor, strategies ...strategy.Strategy) *Orchestrator {
	regs := make([]Registration, 0, len(strategies))
	for _, s := range strategies {
		regs = append(regs, Registration{Strategy: s})
	}
	return New(gw, nil, regs, NewRegistry(time.Hour), auditor, testConfig())
}

func trigger() model.Bet {
	return model.Bet{ID: "trigger1", UserID: "whale", ContractID: "m1", Outcome: "YES", Amount: 100}
}

func TestProcessTriggerMergesAndPlaces(t *testing.T) {
	gw := &fakeGateway{market: &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeBinary}}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "a", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 10}}},
		scriptedStrategy{name: "b", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 15}}},
	)

	o.processTrigger(context.Background(), trigger())

	if len(gw.placed) != 1 {
		t.Fatalf("expected one merged placement, got %d", len(gw.placed))
	}
	if gw.placed[0].Amount != 25 || gw.placed[0].Outcome != "NO" {
		t.Errorf("unexpected order %+v", gw.placed[0])
	}

	if len(auditor.placements) != 1 {
		t.Fatalf("expected one placement event, got %d", len(auditor.placements))
	}
	event := auditor.placements[0]
	if len(event.Strategies) != 2 {
		t.Errorf("expected both strategies credited, got %+v", event.Strategies)
	}
	if event.TriggerBetID != "trigger1" {
		t.Errorf("placement not linked to trigger: %+v", event)
	}

	if len(o.registry.Snapshot("m1")) != 1 {
		t.Error("expected a registry entry after placement")
	}
}

func TestProcessTriggerConflictingOutcomes(t *testing.T) {
	gw := &fakeGateway{market: &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeBinary}}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "bull", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "YES", Amount: 10}}},
		scriptedStrategy{name: "bear", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 15}}},
	)

	o.processTrigger(context.Background(), trigger())

	if len(gw.placed) != 0 {
		t.Errorf("conflicting proposals must place nothing, got %+v", gw.placed)
	}
	conflicts := 0
	for _, reason := range auditor.reasons() {
		if reason == "CONFLICTING_OUTCOMES" {
			conflicts++
		}
	}
	if conflicts != 2 {
		t.Errorf("expected a conflict diagnostic per strategy, got %v", auditor.reasons())
	}
}

func TestProcessTriggerContextLoadFailure(t *testing.T) {
	gw := &fakeGateway{marketErr: errors.New("api down")}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "a", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 10}}},
	)

	o.processTrigger(context.Background(), trigger())

	if len(gw.placed) != 0 {
		t.Error("no placement without market context")
	}
	if len(auditor.diagnostics) != 1 || auditor.diagnostics[0].Reason != "CONTEXT_LOAD_FAILED" {
		t.Errorf("expected context load diagnostic, got %+v", auditor.diagnostics)
	}
}

func TestProcessTriggerStrategyFailureIsIsolated(t *testing.T) {
	gw := &fakeGateway{market: &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeBinary}}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "broken", err: errors.New("boom")},
		scriptedStrategy{name: "working", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 20}}},
	)

	o.processTrigger(context.Background(), trigger())

	if len(gw.placed) != 1 || gw.placed[0].Amount != 20 {
		t.Errorf("healthy strategy should still place, got %+v", gw.placed)
	}
	found := false
	for _, d := range auditor.diagnostics {
		if d.Strategy == "broken" && d.Reason == "EVALUATION_ERROR" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected evaluation error diagnostic, got %+v", auditor.diagnostics)
	}
}

func TestProcessTriggerRejectsInvalidProposal(t *testing.T) {
	gw := &fakeGateway{market: &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeBinary}}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "greedy", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "YES", Amount: 10000}}},
	)

	o.processTrigger(context.Background(), trigger())

	if len(gw.placed) != 0 {
		t.Errorf("oversized proposal must be rejected, not clamped: %+v", gw.placed)
	}
	if len(auditor.diagnostics) == 0 || auditor.diagnostics[0].Reason != "INVALID_PROPOSAL" {
		t.Errorf("expected INVALID_PROPOSAL, got %+v", auditor.diagnostics)
	}
}

func TestPlacementFailureContinuesWithRest(t *testing.T) {
	gw := &fakeGateway{
		market:    &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeMultipleChoice},
		placeErrs: map[string]error{"a1": errors.New("rejected")},
	}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "a", bets: []strategy.ProposedBet{
			{MarketID: "m1", AnswerID: "a1", Outcome: "NO", Amount: 10},
			{MarketID: "m1", AnswerID: "a2", Outcome: "NO", Amount: 15},
		}},
	)

	o.processTrigger(context.Background(), trigger())

	if len(gw.placed) != 1 || gw.placed[0].AnswerID != "a2" {
		t.Errorf("expected the surviving order to place, got %+v", gw.placed)
	}
	found := false
	for _, d := range auditor.diagnostics {
		if d.Reason == "PLACEMENT_FAILED" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected placement failure diagnostic, got %+v", auditor.diagnostics)
	}
	// The failed order must not be registered as a live counterbet.
	for _, entry := range o.registry.Snapshot("m1") {
		if entry.AnswerID == "a1" {
			t.Error("failed placement leaked into the registry")
		}
	}
}

func TestProcessBatchSkipsOwnBets(t *testing.T) {
	gw := &fakeGateway{market: &model.Market{ID: "m1", OutcomeType: model.OutcomeTypeBinary}}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor,
		scriptedStrategy{name: "a", bets: []strategy.ProposedBet{{MarketID: "m1", Outcome: "NO", Amount: 10}}},
	)

	raw, _ := json.Marshal(model.BetBatch{Bets: []model.Bet{
		{ID: "own", UserID: "self", ContractID: "m1", Outcome: "YES", Amount: 10},
	}})
	o.processBatch(context.Background(), raw)

	if len(gw.placed) != 0 || len(auditor.diagnostics) != 0 {
		t.Error("the bot's own bets must never trigger evaluation")
	}
}

func TestProcessBatchSkipsMalformedPayload(t *testing.T) {
	gw := &fakeGateway{}
	auditor := &fakeAuditor{}
	o := testOrchestrator(gw, auditor)

	o.processBatch(context.Background(), json.RawMessage(`{"bets":"garbage"}`))
	o.processBatch(context.Background(), json.RawMessage(`not json`))

	if len(gw.placed) != 0 || len(auditor.diagnostics) != 0 {
		t.Error("malformed payloads must be skipped silently")
	}
}
