// Package orchestrator turns feed events into placed orders. Each batch
// from the realtime feed runs through a fixed pipeline: parse, load
// market context, evaluate every strategy concurrently, merge the
// proposals, place the merged orders and record everything.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dagonet/internal/audit"
	"dagonet/internal/config"
	"dagonet/internal/gateway"
	"dagonet/internal/model"
	"dagonet/internal/qualifier"
	"dagonet/internal/strategy"
)

const feedTopic = "global/new-bet"

// Gateway is the slice of the API client the orchestrator uses.
type Gateway interface {
	UserID() string
	GetMarket(ctx context.Context, marketID string) (*model.Market, error)
	GetBets(ctx context.Context, marketID string, limit int) ([]model.Bet, error)
	PlaceBet(ctx context.Context, req gateway.BetRequest) (*model.Bet, error)
}

// Feed delivers realtime broadcasts.
type Feed interface {
	Subscribe(topic string, h gateway.Handler)
	Run(ctx context.Context) error
}

// Auditor records placements and diagnostics.
type Auditor interface {
	Placement(e audit.PlacementEvent)
	Diagnostic(e audit.DiagnosticEvent)
}

// Registration pairs a strategy with the base qualifiers run before its
// own. Housekeeping registers with no base qualifiers so market
// conditions never starve it.
type Registration struct {
	Strategy strategy.Strategy
	Base     []qualifier.Qualifier
}

type Orchestrator struct {
	gw       Gateway
	feed     Feed
	regs     []Registration
	registry *Registry
	auditor  Auditor
	cfg      config.OrchestratorConfig
	batches  chan json.RawMessage
}

func New(gw Gateway, feed Feed, regs []Registration, registry *Registry, auditor Auditor, cfg config.OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		gw:       gw,
		feed:     feed,
		regs:     regs,
		registry: registry,
		auditor:  auditor,
		cfg:      cfg,
		batches:  make(chan json.RawMessage, 128),
	}
}

// Run subscribes to the feed and serves batches until ctx is cancelled.
// Batches are processed strictly in order by a single worker; a batch
// that has passed context loading finishes even through shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.feed.Subscribe(feedTopic, func(_ string, data json.RawMessage) {
		select {
		case o.batches <- data:
		default:
			slog.Warn("batch queue full, dropping feed event")
		}
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.registry.RunPruner(ctx, o.cfg.PruneInterval.Duration)
	}()
	go func() {
		defer wg.Done()
		o.worker(ctx)
	}()

	err := o.feed.Run(ctx)
	wg.Wait()
	return err
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-o.batches:
			o.processBatch(ctx, raw)
		}
	}
}

func (o *Orchestrator) processBatch(ctx context.Context, raw json.RawMessage) {
	batch, err := model.ParseBetBatch(raw)
	if err != nil {
		slog.Warn("skipping malformed feed batch", "error", err)
		return
	}

	for _, bet := range batch.Bets {
		if bet.UserID == o.gw.UserID() {
			continue
		}
		o.processTrigger(ctx, bet)
	}
}

func (o *Orchestrator) processTrigger(ctx context.Context, trigger model.Bet) {
	log := slog.With("trigger", trigger.ID, "market", trigger.ContractID)

	market, err := o.gw.GetMarket(ctx, trigger.ContractID)
	if err != nil {
		log.Warn("loading market failed, aborting batch", "error", err)
		o.auditor.Diagnostic(audit.DiagnosticEvent{
			MarketID:     trigger.ContractID,
			TriggerBetID: trigger.ID,
			Strategy:     "orchestrator",
			Reason:       "CONTEXT_LOAD_FAILED",
			At:           time.Now(),
		})
		return
	}
	marketBets, err := o.gw.GetBets(ctx, trigger.ContractID, o.cfg.RecentBetLimit)
	if err != nil {
		log.Warn("loading market bets failed, aborting batch", "error", err)
		o.auditor.Diagnostic(audit.DiagnosticEvent{
			MarketID:     trigger.ContractID,
			TriggerBetID: trigger.ID,
			Strategy:     "orchestrator",
			Reason:       "CONTEXT_LOAD_FAILED",
			At:           time.Now(),
		})
		return
	}

	// Past this point the batch runs to completion: cancelling ctx must
	// not leave a half-placed merge behind.
	dctx := context.WithoutCancel(ctx)

	qctx := &qualifier.Context{
		Trigger:     trigger,
		Market:      market,
		MarketBets:  marketBets,
		Counterbets: o.registry.Snapshot(trigger.ContractID),
		SelfUserID:  o.gw.UserID(),
	}

	proposals := o.evaluateAll(dctx, trigger, qctx)
	valid := o.validate(trigger, proposals)

	merged, mergeDiags := Merge(valid, market)
	for _, d := range mergeDiags {
		o.recordDiagnostic(trigger, d)
	}

	o.placeAll(dctx, trigger, market, merged)
}

type evaluation struct {
	name   string
	result strategy.Result
	err    error
}

// evaluateAll fans every registered strategy out concurrently, each
// under its own timeout. One slow or failing strategy costs only its own
// proposals.
func (o *Orchestrator) evaluateAll(ctx context.Context, trigger model.Bet, qctx *qualifier.Context) []strategy.ProposedBet {
	results := make(chan evaluation, len(o.regs))
	var wg sync.WaitGroup

	for _, reg := range o.regs {
		wg.Add(1)
		go func(reg Registration) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, o.cfg.StrategyTimeout.Duration)
			defer cancel()
			result, err := strategy.Evaluate(sctx, reg.Strategy, reg.Base, qctx)
			results <- evaluation{name: reg.Strategy.Name(), result: result, err: err}
		}(reg)
	}
	wg.Wait()
	close(results)

	var proposals []strategy.ProposedBet
	for eval := range results {
		if eval.err != nil {
			reason := "EVALUATION_ERROR"
			if errors.Is(eval.err, context.DeadlineExceeded) {
				reason = "STRATEGY_TIMEOUT"
			}
			slog.Warn("strategy evaluation failed",
				"strategy", eval.name, "trigger", trigger.ID, "error", eval.err)
			o.recordDiagnostic(trigger, strategy.Diagnostic{Strategy: eval.name, Reason: reason})
			continue
		}
		if d := eval.result.Diagnostic; d != nil {
			o.recordDiagnostic(trigger, *d)
			continue
		}
		proposals = append(proposals, eval.result.Bets...)
	}
	return proposals
}

// validate drops proposals that break order constraints. A bad proposal
// is rejected and logged, never adjusted.
func (o *Orchestrator) validate(trigger model.Bet, proposals []strategy.ProposedBet) []strategy.ProposedBet {
	limits := strategy.Limits{
		MinAmount: o.cfg.MinBetAmount,
		MaxAmount: o.cfg.MaxBetAmount,
	}

	valid := proposals[:0]
	for _, p := range proposals {
		if err := p.Validate(limits); err != nil {
			slog.Warn("rejecting invalid proposal",
				"strategy", p.Strategy, "trigger", trigger.ID, "error", err)
			o.recordDiagnostic(trigger, strategy.Diagnostic{
				Strategy: p.Strategy,
				Reason:   "INVALID_PROPOSAL",
			})
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

// placeAll places merged orders in order. A failed placement is recorded
// and skipped; the rest of the batch continues.
func (o *Orchestrator) placeAll(ctx context.Context, trigger model.Bet, market *model.Market, merged []strategy.ProposedBet) {
	for _, order := range merged {
		placed, err := o.gw.PlaceBet(ctx, gateway.BetRequest{
			ContractID: order.MarketID,
			AnswerID:   order.AnswerID,
			Outcome:    order.Outcome,
			Amount:     order.Amount,
			LimitProb:  order.LimitProb,
		})
		if err != nil {
			slog.Warn("placement failed",
				"strategy", order.Strategy, "market", order.MarketID, "error", err)
			o.recordDiagnostic(trigger, strategy.Diagnostic{
				Strategy: order.Strategy,
				Reason:   "PLACEMENT_FAILED",
			})
			continue
		}

		o.registry.Record(order.MarketID, order.AnswerID, order.Outcome)
		slog.Info("bet placed",
			"bet", placed.ID, "market", order.MarketID, "answer", order.AnswerID,
			"outcome", order.Outcome, "amount", order.Amount, "strategies", order.Strategy)

		o.auditor.Placement(audit.PlacementEvent{
			BetID:        placed.ID,
			TriggerBetID: trigger.ID,
			Market:       market,
			AnswerID:     order.AnswerID,
			Outcome:      order.Outcome,
			Amount:       order.Amount,
			LimitProb:    order.LimitProb,
			Shares:       placed.Shares,
			Strategies:   strings.Split(order.Strategy, ","),
			PlacedAt:     time.Now(),
		})
	}
}

func (o *Orchestrator) recordDiagnostic(trigger model.Bet, d strategy.Diagnostic) {
	slog.Debug("strategy declined",
		"strategy", d.Strategy, "qualifier", d.Qualifier, "reason", d.Reason, "trigger", trigger.ID)
	o.auditor.Diagnostic(audit.DiagnosticEvent{
		MarketID:     trigger.ContractID,
		TriggerBetID: trigger.ID,
		Strategy:     d.Strategy,
		Qualifier:    d.Qualifier,
		Reason:       d.Reason,
		At:           time.Now(),
	})
}
