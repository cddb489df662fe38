package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dagonet/internal/config"
	"dagonet/internal/gateway"
	"dagonet/internal/model"
	"dagonet/internal/qualifier"
)

// AdminGateway is the slice of the gateway housekeeping needs for
// account maintenance.
type AdminGateway interface {
	GetUserByID(ctx context.Context, userID string) (*model.User, error)
	SendManagram(ctx context.Context, toIDs []string, amount float64, message string) error
	RequestLoan(ctx context.Context) (*gateway.LoanResult, error)
	GetTransactions(ctx context.Context, toID string, after time.Time, category string) ([]model.Transaction, error)
}

// Housekeeping rides the same strategy contract as the trading
// strategies but never proposes bets. On its interval it claims the
// daily loan, sweeps excess balance to the owner and checks for a remote
// killswitch managram. It runs with no base qualifiers so no market
// condition can starve it.
type Housekeeping struct {
	gw       AdminGateway
	cfg      config.HousekeepingConfig
	selfID   string
	shutdown func(reason string)

	mu          sync.Mutex
	lastRun     time.Time
	lastLoanDay string
}

// NewHousekeeping builds the strategy. shutdown is invoked when an
// authorized killswitch managram arrives.
func NewHousekeeping(gw AdminGateway, cfg config.HousekeepingConfig, selfID string, shutdown func(reason string)) *Housekeeping {
	return &Housekeeping{
		gw:       gw,
		cfg:      cfg,
		selfID:   selfID,
		shutdown: shutdown,
	}
}

func (h *Housekeeping) Name() string { return "housekeeping" }

func (h *Housekeeping) Qualifiers() []qualifier.Qualifier { return nil }

func (h *Housekeeping) Propose(ctx context.Context, _ *qualifier.Context) ([]ProposedBet, error) {
	now := time.Now()

	h.mu.Lock()
	if !h.lastRun.IsZero() && now.Sub(h.lastRun) < h.cfg.RunInterval.Duration {
		h.mu.Unlock()
		return nil, nil
	}
	h.lastRun = now
	h.mu.Unlock()

	if err := h.checkRemoteShutdown(ctx, now); err != nil {
		slog.Warn("killswitch check failed", "error", err)
	}
	h.requestLoan(ctx, now)
	if err := h.sweepExcessBalance(ctx); err != nil {
		return nil, fmt.Errorf("sweeping balance: %w", err)
	}
	return nil, nil
}

// checkRemoteShutdown scans recent incoming managrams for the killswitch
// phrase. Only the configured owner may trigger it; anyone else gets
// their mana bounced to the owner.
func (h *Housekeeping) checkRemoteShutdown(ctx context.Context, now time.Time) error {
	after := now.Add(-h.cfg.ShutdownLookback.Duration)
	txns, err := h.gw.GetTransactions(ctx, h.selfID, after, "MANA_PAYMENT")
	if err != nil {
		return err
	}

	for _, txn := range txns {
		message := managramMessage(txn)
		if !strings.Contains(message, h.cfg.KillswitchPhrase) {
			continue
		}
		if txn.FromID == h.cfg.RecipientUserID {
			slog.Info("remote shutdown activated", "txn", txn.ID)
			if err := h.gw.SendManagram(ctx, []string{txn.FromID}, txn.Amount, "shutting down, see you soon"); err != nil {
				slog.Warn("killswitch confirmation failed", "error", err)
			}
			h.shutdown("remote killswitch")
			return nil
		}
		slog.Warn("unauthorized killswitch attempt", "from", txn.FromID, "txn", txn.ID)
		if err := h.gw.SendManagram(ctx, []string{h.cfg.RecipientUserID}, txn.Amount, "someone tried the killswitch"); err != nil {
			slog.Warn("forwarding killswitch attempt failed", "error", err)
		}
	}
	return nil
}

// requestLoan claims the daily loan at most once per calendar day.
// Failures are logged, not fatal; the loan is a bonus, not a dependency.
func (h *Housekeeping) requestLoan(ctx context.Context, now time.Time) {
	day := now.Format("2006-01-02")

	h.mu.Lock()
	alreadyRequested := h.lastLoanDay == day
	h.mu.Unlock()
	if alreadyRequested {
		return
	}

	result, err := h.gw.RequestLoan(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Already awarded loan today") {
			h.markLoanDay(day)
		}
		slog.Warn("loan request failed", "error", err)
		return
	}
	h.markLoanDay(day)
	slog.Info("loan received", "payout", result.Payout)
}

func (h *Housekeeping) markLoanDay(day string) {
	h.mu.Lock()
	h.lastLoanDay = day
	h.mu.Unlock()
}

// sweepExcessBalance sends balance above the threshold down to the
// target back to the owner.
func (h *Housekeeping) sweepExcessBalance(ctx context.Context) error {
	user, err := h.gw.GetUserByID(ctx, h.selfID)
	if err != nil {
		return err
	}
	if user.Balance <= h.cfg.BalanceThreshold {
		return nil
	}

	amount := user.Balance - h.cfg.TargetBalance
	if err := h.gw.SendManagram(ctx, []string{h.cfg.RecipientUserID}, amount, "profit sweep"); err != nil {
		return err
	}
	slog.Info("excess balance swept",
		"old_balance", user.Balance, "sent", amount, "new_balance", user.Balance-amount)
	return nil
}

func managramMessage(txn model.Transaction) string {
	if len(txn.Data) == 0 {
		return ""
	}
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(txn.Data, &data); err != nil {
		return ""
	}
	return data.Message
}
