package audit

import (
	"database/sql"
	"testing"
	"time"

	"dagonet/internal/db"
	"dagonet/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return database
}

func TestPlacementPersisted(t *testing.T) {
	database := openTestDB(t)
	logger := New(database, 16)

	limit := 0.61
	logger.Placement(PlacementEvent{
		BetID:        "bet1",
		TriggerBetID: "trigger1",
		Market: &model.Market{
			ID:          "m1",
			Question:    "Will it rain?",
			OutcomeType: model.OutcomeTypeBinary,
			CreatorID:   "creator",
		},
		Outcome:    "NO",
		Amount:     25,
		LimitProb:  &limit,
		Shares:     40,
		Strategies: []string{"reversion", "other"},
		PlacedAt:   time.UnixMilli(1700000000000),
	})
	logger.Close()

	var betID, outcome, strategies string
	var amount, limitProb float64
	var placedAt int64
	err := database.QueryRow(
		`SELECT bet_id, outcome, amount, limit_prob, strategies, placed_at FROM placements`,
	).Scan(&betID, &outcome, &amount, &limitProb, &strategies, &placedAt)
	if err != nil {
		t.Fatalf("reading placement: %v", err)
	}
	if betID != "bet1" || outcome != "NO" || amount != 25 || limitProb != 0.61 {
		t.Errorf("unexpected placement: %s %s %v %v", betID, outcome, amount, limitProb)
	}
	if strategies != "reversion,other" {
		t.Errorf("expected joined strategy names, got %q", strategies)
	}
	if placedAt != 1700000000000 {
		t.Errorf("expected epoch millis, got %d", placedAt)
	}

	var question string
	if err := database.QueryRow(`SELECT question FROM markets WHERE id = 'm1'`).Scan(&question); err != nil {
		t.Fatalf("reading market: %v", err)
	}
	if question != "Will it rain?" {
		t.Errorf("unexpected market question %q", question)
	}
}

func TestDiagnosticPersisted(t *testing.T) {
	database := openTestDB(t)
	logger := New(database, 16)

	logger.Diagnostic(DiagnosticEvent{
		MarketID:     "m1",
		TriggerBetID: "trigger1",
		Strategy:     "reversion",
		Qualifier:    "market_liquidity",
		Reason:       "LOW_LIQUIDITY",
		At:           time.Now(),
	})
	logger.Close()

	var strategy, qualifier, reason string
	err := database.QueryRow(
		`SELECT strategy, qualifier, reason FROM diagnostics`,
	).Scan(&strategy, &qualifier, &reason)
	if err != nil {
		t.Fatalf("reading diagnostic: %v", err)
	}
	if strategy != "reversion" || qualifier != "market_liquidity" || reason != "LOW_LIQUIDITY" {
		t.Errorf("unexpected diagnostic: %s %s %s", strategy, qualifier, reason)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	database := openTestDB(t)
	logger := New(database, 64)

	for i := 0; i < 20; i++ {
		logger.Diagnostic(DiagnosticEvent{
			MarketID:     "m1",
			TriggerBetID: "t1",
			Strategy:     "reversion",
			Reason:       "NO_PROPOSAL",
			At:           time.Now(),
		})
	}
	logger.Close()

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM diagnostics`).Scan(&count); err != nil {
		t.Fatalf("counting diagnostics: %v", err)
	}
	if count != 20 {
		t.Errorf("expected all 20 events persisted before Close returned, got %d", count)
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	database := openTestDB(t)
	// Tiny buffer and no reader head start; some events will drop but
	// none of these calls may block.
	logger := New(database, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			logger.Diagnostic(DiagnosticEvent{MarketID: "m1", Reason: "NO_PROPOSAL", At: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("audit logging blocked the caller")
	}
	logger.Close()
}
