// Package ledger manages prepaid credit balances. The cache counter
// under "user_credit:<subject>" is the authority for admission and
// debits; the database row is the durable audit copy, reconciled to
// the counter by a periodic sweep over the dirty subjects.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/cache"
	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/models"
)

// LowBalanceThreshold is the balance auto-refill subjects must cross
// for the notifier webhook to fire.
const LowBalanceThreshold = 0.0

var zlog *zap.Logger

func init() {
	zlog = logger.New("ledger")
}

// ErrInsufficientCredits rejects requests from subjects whose balance
// is not positive. Handlers map it to 402.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrUnknownModel is returned when cost is requested for a model with
// no pricing entry.
var ErrUnknownModel = errors.New("unknown model")

func creditKey(subject string) string {
	return "user_credit:" + subject
}

// Ledger applies credits and debits against cached counters and keeps
// the durable rows in sync.
type Ledger struct {
	store    cache.Store
	balances repositories.CreditBalanceRepository
	history  repositories.CreditHistoryRepository
	pricing  models.PricingTable
	notifier *Notifier

	mu    sync.Mutex
	dirty map[string]struct{}
}

func New(store cache.Store, balances repositories.CreditBalanceRepository, history repositories.CreditHistoryRepository, pricing models.PricingTable, notifier *Notifier) *Ledger {
	return &Ledger{
		store:    store,
		balances: balances,
		history:  history,
		pricing:  pricing,
		notifier: notifier,
		dirty:    make(map[string]struct{}),
	}
}

// Balance returns the subject's current balance, seeding the cache
// counter from the durable row on a miss. Subjects without a row have a
// zero balance.
func (l *Ledger) Balance(ctx context.Context, subject string) (float64, error) {
	raw, err := l.store.Get(ctx, creditKey(subject))
	if err == nil {
		return strconv.ParseFloat(raw, 64)
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return 0, err
	}

	row, err := l.durableRow(ctx, subject)
	if err != nil {
		if errors.Is(err, repositories.NotFoundError) {
			return 0, nil
		}
		return 0, err
	}

	// SETNX so a concurrent seeder or debit that got there first is
	// never overwritten.
	seeded, err := l.store.SetNX(ctx, creditKey(subject), formatBalance(row.Credits), 0)
	if err != nil {
		return 0, err
	}
	if seeded {
		return row.Credits, nil
	}
	raw, err = l.store.Get(ctx, creditKey(subject))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

// Admit rejects the subject unless their balance is positive.
func (l *Ledger) Admit(ctx context.Context, subject string) error {
	balance, err := l.Balance(ctx, subject)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// Debit subtracts amount from the subject's counter and appends a
// history entry. The counter update is atomic, so concurrent debits
// never lose deltas. The durable row is not touched on the request
// path; the subject is marked dirty and reconciled by the periodic
// flush.
func (l *Ledger) Debit(ctx context.Context, subject string, amount float64, description string) (float64, error) {
	// Seed the counter before decrementing it, otherwise the decrement
	// would start from zero and erase the durable balance.
	if _, err := l.Balance(ctx, subject); err != nil {
		return 0, err
	}

	balance, err := l.store.IncrByFloat(ctx, creditKey(subject), -amount)
	if err != nil {
		return 0, err
	}
	l.markDirty(subject)

	if _, err := l.history.Create(ctx, models.CreditHistory{
		SubjectID:   subject,
		Amount:      -amount,
		Balance:     balance,
		Description: description,
	}); err != nil {
		zlog.Error("failed to append credit history", zap.String("subject", subject), zap.Error(err))
	}

	l.maybeNotify(subject, balance+amount, balance)
	return balance, nil
}

// Credit adds amount to the subject's balance. The durable row is
// written first; the counter follows, so a crash between the two leaves
// the counter stale at most until its next seed.
func (l *Ledger) Credit(ctx context.Context, subject string, amount float64, description string) (float64, error) {
	row, err := l.durableRow(ctx, subject)
	if errors.Is(err, repositories.NotFoundError) {
		row, err = l.balances.Create(ctx, models.CreditBalance{SubjectID: subject})
	}
	if err != nil {
		return 0, err
	}

	row.Credits += amount
	if _, err := l.balances.Update(ctx, row.ID, row); err != nil {
		return 0, err
	}

	if _, err := l.history.Create(ctx, models.CreditHistory{
		SubjectID:   subject,
		Amount:      amount,
		Balance:     row.Credits,
		Description: description,
	}); err != nil {
		zlog.Error("failed to append credit history", zap.String("subject", subject), zap.Error(err))
	}

	if err := l.writeCounter(ctx, subject, row.Credits); err != nil {
		return 0, err
	}
	return row.Credits, nil
}

// SetAutoRefill toggles low-balance notifications for the subject.
func (l *Ledger) SetAutoRefill(ctx context.Context, subject string, enabled bool) error {
	row, err := l.durableRow(ctx, subject)
	if errors.Is(err, repositories.NotFoundError) {
		row, err = l.balances.Create(ctx, models.CreditBalance{SubjectID: subject})
	}
	if err != nil {
		return err
	}
	row.AutoRefill = enabled
	_, err = l.balances.Update(ctx, row.ID, row)
	return err
}

// History returns the subject's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, subject string, limit, offset int) ([]models.CreditHistory, error) {
	query := l.history.GetQuery()
	query.Conditions = []repositories.QueryCondition{repositories.EQ("subject_id", subject)}
	query.SortBy = "created_at DESC"
	query.Limit = limit
	query.Offset = offset
	return l.history.FindAll(ctx, query)
}

// Cost computes the price of a request from its token usage. Pricing is
// keyed by the model the client requested, not the model that served.
func (l *Ledger) Cost(model string, usage models.Usage) (float64, error) {
	entry, ok := l.pricing.Lookup(model)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return float64(usage.PromptTokens)*entry.PromptTokenPrice +
		float64(usage.CompletionTokens)*entry.CompletionTokenPrice, nil
}

// Pricing exposes the configured pricing table.
func (l *Ledger) Pricing() models.PricingTable {
	return l.pricing
}

// Flush reconciles every dirty counter into its durable row. It runs on
// a cron schedule and may be called directly at shutdown.
func (l *Ledger) Flush(ctx context.Context) {
	l.mu.Lock()
	subjects := make([]string, 0, len(l.dirty))
	for subject := range l.dirty {
		subjects = append(subjects, subject)
	}
	l.mu.Unlock()

	for _, subject := range subjects {
		raw, err := l.store.Get(ctx, creditKey(subject))
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				l.clearDirty(subject)
			}
			continue
		}
		balance, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			zlog.Error("unparseable credit counter", zap.String("subject", subject), zap.Error(err))
			continue
		}
		if err := l.reconcile(ctx, subject, balance); err != nil {
			zlog.Warn("flush reconcile failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func (l *Ledger) durableRow(ctx context.Context, subject string) (models.CreditBalance, error) {
	query := l.balances.GetQuery()
	query.Conditions = []repositories.QueryCondition{repositories.EQ("subject_id", subject)}
	return l.balances.Find(ctx, query)
}

func formatBalance(balance float64) string {
	return strconv.FormatFloat(balance, 'f', -1, 64)
}

func (l *Ledger) writeCounter(ctx context.Context, subject string, balance float64) error {
	return l.store.Set(ctx, creditKey(subject), formatBalance(balance), 0)
}

// reconcile writes the counter value into the durable row and clears
// the dirty mark on success.
func (l *Ledger) reconcile(ctx context.Context, subject string, balance float64) error {
	row, err := l.durableRow(ctx, subject)
	if errors.Is(err, repositories.NotFoundError) {
		row, err = l.balances.Create(ctx, models.CreditBalance{SubjectID: subject})
	}
	if err != nil {
		return err
	}
	row.Credits = balance
	if _, err := l.balances.Update(ctx, row.ID, row); err != nil {
		return err
	}
	l.clearDirty(subject)
	return nil
}

func (l *Ledger) markDirty(subject string) {
	l.mu.Lock()
	l.dirty[subject] = struct{}{}
	l.mu.Unlock()
}

func (l *Ledger) clearDirty(subject string) {
	l.mu.Lock()
	delete(l.dirty, subject)
	l.mu.Unlock()
}

// maybeNotify fires the low-balance webhook when a debit crosses the
// threshold. Debits that were already below it stay silent, so a
// subject is reported once per crossing rather than on every request.
func (l *Ledger) maybeNotify(subject string, previous, balance float64) {
	if l.notifier == nil || previous <= LowBalanceThreshold || balance > LowBalanceThreshold {
		return
	}
	go func() {
		row, err := l.durableRow(context.Background(), subject)
		if err != nil || !row.AutoRefill {
			return
		}
		l.notifier.LowBalance(subject, balance)
	}()
}
