package orchestrator

import (
	"strings"

	"dagonet/internal/model"
	"dagonet/internal/strategy"
)

type mergeKey struct {
	marketID string
	answerID string
}

// Merge combines proposals from independent strategies into at most one
// order per (market, answer). Amounts sum; the merged limit price is the
// most conservative of the proposals. Strategies proposing opposite
// outcomes on the same key cancel each other out: neither side is placed
// and each contributor gets a diagnostic. On multiple-choice markets a
// proposal without an answer is rejected here, attributed to the
// strategy that produced it.
func Merge(proposals []strategy.ProposedBet, market *model.Market) ([]strategy.ProposedBet, []strategy.Diagnostic) {
	var diagnostics []strategy.Diagnostic

	grouped := make(map[mergeKey][]strategy.ProposedBet)
	var order []mergeKey
	for _, p := range proposals {
		if market.IsMultipleChoice() && p.AnswerID == "" {
			diagnostics = append(diagnostics, strategy.Diagnostic{
				Strategy: p.Strategy,
				Reason:   "MISSING_ANSWER_ID",
			})
			continue
		}
		key := mergeKey{marketID: p.MarketID, answerID: p.AnswerID}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], p)
	}

	var merged []strategy.ProposedBet
	for _, key := range order {
		group := grouped[key]

		if conflicting(group) {
			for _, name := range strategyNames(group) {
				diagnostics = append(diagnostics, strategy.Diagnostic{
					Strategy: name,
					Reason:   "CONFLICTING_OUTCOMES",
				})
			}
			continue
		}

		merged = append(merged, mergeGroup(group))
	}
	return merged, diagnostics
}

func conflicting(group []strategy.ProposedBet) bool {
	for _, p := range group[1:] {
		if p.Outcome != group[0].Outcome {
			return true
		}
	}
	return false
}

// mergeGroup folds same-outcome proposals into one order. The limit
// price keeps the cheapest fill: the lowest for YES, the highest for NO
// (a NO share costs 1 minus the probability).
func mergeGroup(group []strategy.ProposedBet) strategy.ProposedBet {
	out := group[0]
	out.Strategy = strings.Join(strategyNames(group), ",")

	for _, p := range group[1:] {
		out.Amount += p.Amount
		if p.LimitProb == nil {
			continue
		}
		if out.LimitProb == nil {
			limit := *p.LimitProb
			out.LimitProb = &limit
			continue
		}
		better := *p.LimitProb < *out.LimitProb
		if out.Outcome == model.OutcomeNo {
			better = *p.LimitProb > *out.LimitProb
		}
		if better {
			limit := *p.LimitProb
			out.LimitProb = &limit
		}
	}
	return out
}

func strategyNames(group []strategy.ProposedBet) []string {
	var names []string
	seen := make(map[string]bool)
	for _, p := range group {
		if p.Strategy == "" || seen[p.Strategy] {
			continue
		}
		seen[p.Strategy] = true
		names = append(names, p.Strategy)
	}
	return names
}
