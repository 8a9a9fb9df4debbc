// Package quota reconciles the ledger's cached usage counters with the
// upstream host's live totals.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"tubepanel/internal/models"
	"tubepanel/internal/storage"
	"tubepanel/internal/upstream"
)

// DefaultInterval spaces consecutive upstream calls during a sweep so the
// host's per-client quota is not burned by the sync itself.
const DefaultInterval = time.Second

// Result is the per-account outcome of a sync pass.
type Result struct {
	Count     int    `json:"count"`
	Suspended bool   `json:"suspended"`
	Error     string `json:"error,omitempty"`
}

// Ledger is the slice of the account store the synchronizer needs.
type Ledger interface {
	List() []models.Account
	Get(email string) (models.Account, bool)
	RecordSyncResult(email string, count storage.CountValue, suspended *bool) error
}

// Synchronizer fetches live usage counters and writes them back to the
// ledger, classifying suspension along the way.
type Synchronizer struct {
	ledger  Ledger
	client  upstream.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSynchronizer constructs a synchronizer pacing upstream calls at one per
// interval. A non-positive interval falls back to DefaultInterval.
func NewSynchronizer(ledger Ledger, client upstream.Client, interval time.Duration, logger *slog.Logger) *Synchronizer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		ledger:  ledger,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
	}
}

// SyncAccount refreshes one account's counter. A suspension response is not
// an error: it records {count 0, suspended true} and returns that result.
// Any other upstream failure is recorded in the result and returned so the
// caller can decide whether to retry.
func (s *Synchronizer) SyncAccount(ctx context.Context, email string) (Result, error) {
	account, ok := s.ledger.Get(email)
	if !ok {
		return Result{}, fmt.Errorf("account %s not found", email)
	}
	if !account.HasGrant() {
		return Result{}, fmt.Errorf("account %s has no grant", email)
	}

	count, err := s.client.VideoCount(ctx, account)
	if err != nil {
		if upstream.IsSuspended(err) {
			suspended := true
			if recordErr := s.ledger.RecordSyncResult(email, storage.NewCount(0), &suspended); recordErr != nil {
				return Result{}, recordErr
			}
			s.logger.Warn("account suspended upstream", "account", email)
			return Result{Count: 0, Suspended: true}, nil
		}
		return Result{Error: err.Error()}, err
	}

	suspended := false
	if err := s.ledger.RecordSyncResult(email, storage.NewCount(count), &suspended); err != nil {
		return Result{}, err
	}
	s.logger.Info("synced account counter", "account", email, "count", count)
	return Result{Count: count, Suspended: false}, nil
}

// SyncAll sweeps every grant-holding account in ledger order, waiting out the
// pacing limiter between calls. Per-account failures land in the result map
// and never abort the sweep; only context cancellation stops it early.
func (s *Synchronizer) SyncAll(ctx context.Context) (map[string]Result, error) {
	results := make(map[string]Result)
	for _, account := range s.ledger.List() {
		if !account.HasGrant() {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return results, err
		}
		result, err := s.SyncAccount(ctx, account.Email)
		if err != nil {
			s.logger.Error("account sync failed", "account", account.Email, "error", err)
			if result.Error == "" {
				result.Error = err.Error()
			}
		}
		results[account.Email] = result
	}
	return results, nil
}
