// Package audit persists what the agent did and why. Writes go through
// a buffered channel to a background writer so a slow disk never stalls
// bet placement; when the buffer is full events are dropped with a
// warning rather than blocking.
package audit

import (
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dagonet/internal/model"
)

// PlacementEvent records one order the agent placed.
type PlacementEvent struct {
	BetID        string
	TriggerBetID string
	Market       *model.Market
	AnswerID     string
	Outcome      string
	Amount       float64
	LimitProb    *float64
	Shares       float64
	Strategies   []string
	PlacedAt     time.Time
}

// DiagnosticEvent records why a strategy (or the merge stage) did not
// bet.
type DiagnosticEvent struct {
	MarketID     string
	TriggerBetID string
	Strategy     string
	Qualifier    string
	Reason       string
	At           time.Time
}

// Logger is the audit sink. Create with New, stop with Close.
type Logger struct {
	db     *sql.DB
	events chan any
	done   chan struct{}
	once   sync.Once
}

func New(database *sql.DB, buffer int) *Logger {
	l := &Logger{
		db:     database,
		events: make(chan any, buffer),
		done:   make(chan struct{}),
	}
	go l.write()
	return l
}

// Placement enqueues a placement event. Never blocks.
func (l *Logger) Placement(e PlacementEvent) {
	select {
	case l.events <- e:
	default:
		slog.Warn("audit buffer full, dropping placement event", "bet", e.BetID)
	}
}

// Diagnostic enqueues a diagnostic event. Never blocks.
func (l *Logger) Diagnostic(e DiagnosticEvent) {
	select {
	case l.events <- e:
	default:
		slog.Warn("audit buffer full, dropping diagnostic event", "market", e.MarketID)
	}
}

// Close drains queued events and stops the writer.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.events)
		<-l.done
	})
}

func (l *Logger) write() {
	defer close(l.done)
	for event := range l.events {
		switch e := event.(type) {
		case PlacementEvent:
			l.writePlacement(e)
		case DiagnosticEvent:
			l.writeDiagnostic(e)
		}
	}
}

func (l *Logger) writePlacement(e PlacementEvent) {
	_, err := l.db.Exec(
		`INSERT INTO markets (id, question, outcome_type, creator_id, url, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET last_seen_at = datetime('now')`,
		e.Market.ID, e.Market.Question, e.Market.OutcomeType, e.Market.CreatorID, e.Market.URL,
	)
	if err != nil {
		slog.Error("recording market failed", "market", e.Market.ID, "error", err)
		return
	}

	var limitProb any
	if e.LimitProb != nil {
		limitProb = *e.LimitProb
	}
	_, err = l.db.Exec(
		`INSERT INTO placements (id, bet_id, market_id, answer_id, outcome, amount, limit_prob, shares, strategies, trigger_bet_id, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.BetID, e.Market.ID, e.AnswerID, e.Outcome,
		e.Amount, limitProb, e.Shares, strings.Join(e.Strategies, ","),
		e.TriggerBetID, e.PlacedAt.UnixMilli(),
	)
	if err != nil {
		slog.Error("recording placement failed", "bet", e.BetID, "error", err)
	}
}

func (l *Logger) writeDiagnostic(e DiagnosticEvent) {
	_, err := l.db.Exec(
		`INSERT INTO diagnostics (id, market_id, trigger_bet_id, strategy, qualifier, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.MarketID, e.TriggerBetID, e.Strategy, e.Qualifier, e.Reason, e.At.UnixMilli(),
	)
	if err != nil {
		slog.Error("recording diagnostic failed", "market", e.MarketID, "error", err)
	}
}
