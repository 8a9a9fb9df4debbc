package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tubepanel/internal/models"
	"tubepanel/internal/storage"
	"tubepanel/internal/upstream"
)

type stubClient struct {
	counts map[string]int
	errs   map[string]error
	calls  []string
}

func (s *stubClient) AuthURL(models.Account, string) (string, error) { return "", nil }

func (s *stubClient) ExchangeCode(context.Context, models.Account, string) (map[string]any, error) {
	return nil, nil
}

func (s *stubClient) Upload(context.Context, models.Account, models.VideoMeta, io.Reader) (string, error) {
	return "", nil
}

func (s *stubClient) VideoCount(_ context.Context, account models.Account) (int, error) {
	s.calls = append(s.calls, account.Email)
	if err, ok := s.errs[account.Email]; ok {
		return 0, err
	}
	return s.counts[account.Email], nil
}

func newSyncLedger(t *testing.T, accounts map[string]models.Account, order []string) *storage.Ledger {
	t.Helper()
	doc := storage.NewFileDocument(filepath.Join(t.TempDir(), "accounts_db.json"))
	ledger, err := storage.NewLedger(context.Background(), doc, slog.Default())
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	for _, email := range order {
		if err := ledger.Upsert(email, accounts[email]); err != nil {
			t.Fatalf("Upsert %s returned error: %v", email, err)
		}
	}
	return ledger
}

func granted() map[string]any {
	return map[string]any{"access_token": "tok"}
}

func TestSyncAccountRecordsLiveCount(t *testing.T) {
	ledger := newSyncLedger(t, map[string]models.Account{
		"a@example.com": {Grant: granted(), VideoCount: 1},
	}, []string{"a@example.com"})
	client := &stubClient{counts: map[string]int{"a@example.com": 9}}
	sync := NewSynchronizer(ledger, client, time.Millisecond, slog.Default())

	result, err := sync.SyncAccount(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("SyncAccount returned error: %v", err)
	}
	if result.Count != 9 || result.Suspended {
		t.Fatalf("unexpected result %+v", result)
	}
	account, _ := ledger.Get("a@example.com")
	if account.VideoCount != 9 {
		t.Fatalf("expected ledger count 9, got %d", account.VideoCount)
	}
	if account.LastUpdated.IsZero() {
		t.Fatal("expected LastUpdated to be stamped")
	}
}

func TestSyncAccountClassifiesSuspension(t *testing.T) {
	ledger := newSyncLedger(t, map[string]models.Account{
		"a@example.com": {Grant: granted(), VideoCount: 7},
	}, []string{"a@example.com"})
	client := &stubClient{errs: map[string]error{
		"a@example.com": errors.New("channel statistics request failed: account suspended"),
	}}
	sync := NewSynchronizer(ledger, client, time.Millisecond, slog.Default())

	result, err := sync.SyncAccount(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("expected suspension to be a recorded outcome, got error: %v", err)
	}
	if result.Count != 0 || !result.Suspended {
		t.Fatalf("expected zeroed suspended result, got %+v", result)
	}
	account, _ := ledger.Get("a@example.com")
	if !account.Suspended || account.VideoCount != 0 {
		t.Fatalf("expected ledger to record suspension, got %+v", account)
	}
}

func TestSyncAccountReturnsTransientErrors(t *testing.T) {
	ledger := newSyncLedger(t, map[string]models.Account{
		"a@example.com": {Grant: granted(), VideoCount: 7},
	}, []string{"a@example.com"})
	transient := errors.New("fetch channel statistics: connection refused")
	client := &stubClient{errs: map[string]error{"a@example.com": transient}}
	sync := NewSynchronizer(ledger, client, time.Millisecond, slog.Default())

	result, err := sync.SyncAccount(context.Background(), "a@example.com")
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error to propagate, got %v", err)
	}
	if result.Error == "" {
		t.Fatal("expected error captured in result")
	}
	account, _ := ledger.Get("a@example.com")
	if account.VideoCount != 7 || account.Suspended {
		t.Fatalf("expected ledger untouched on transient failure, got %+v", account)
	}
}

func TestSyncAllSkipsGrantlessAndSurvivesFailures(t *testing.T) {
	ledger := newSyncLedger(t, map[string]models.Account{
		"a@example.com": {Grant: granted(), VideoCount: 1},
		"b@example.com": {VideoCount: 0}, // never connected
		"c@example.com": {Grant: granted(), VideoCount: 2},
	}, []string{"a@example.com", "b@example.com", "c@example.com"})
	client := &stubClient{
		counts: map[string]int{"c@example.com": 5},
		errs:   map[string]error{"a@example.com": errors.New("boom")},
	}
	sync := NewSynchronizer(ledger, client, time.Millisecond, slog.Default())

	results, err := sync.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(results), results)
	}
	if results["a@example.com"].Error == "" {
		t.Fatal("expected failure recorded for a@example.com")
	}
	if results["c@example.com"].Count != 5 {
		t.Fatalf("expected c@example.com synced past the failure, got %+v", results["c@example.com"])
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected grantless account skipped, calls: %v", client.calls)
	}
}

func TestSyncAllPacesUpstreamCalls(t *testing.T) {
	accounts := map[string]models.Account{
		"a@example.com": {Grant: granted()},
		"b@example.com": {Grant: granted()},
		"c@example.com": {Grant: granted()},
	}
	ledger := newSyncLedger(t, accounts, []string{"a@example.com", "b@example.com", "c@example.com"})
	client := &stubClient{counts: map[string]int{}}
	interval := 50 * time.Millisecond
	sync := NewSynchronizer(ledger, client, interval, slog.Default())

	start := time.Now()
	if _, err := sync.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll returned error: %v", err)
	}
	// The limiter's burst of one is consumed by the first account, so two
	// full intervals must elapse before the third call.
	if elapsed := time.Since(start); elapsed < 2*interval {
		t.Fatalf("expected at least %v between three calls, took %v", 2*interval, elapsed)
	}
	if len(client.calls) != 3 {
		t.Fatalf("expected 3 calls, got %v", client.calls)
	}
}

func TestSyncAllHonorsCancellation(t *testing.T) {
	accounts := map[string]models.Account{
		"a@example.com": {Grant: granted()},
		"b@example.com": {Grant: granted()},
	}
	ledger := newSyncLedger(t, accounts, []string{"a@example.com", "b@example.com"})
	client := &stubClient{counts: map[string]int{}}
	sync := NewSynchronizer(ledger, client, time.Hour, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results, err := sync.SyncAll(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(results) > 1 {
		t.Fatalf("expected at most one account before cancellation, got %v", results)
	}
}

var _ upstream.Client = (*stubClient)(nil)
