package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"tubepanel/internal/models"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts_db.json")
	ledger, err := NewLedger(context.Background(), NewFileDocument(path), slog.Default())
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	return ledger, path
}

func grant() map[string]any {
	return map[string]any{"access_token": "tok", "refresh_token": "ref"}
}

func TestLeastLoadedSkipsIneligibleAccounts(t *testing.T) {
	ledger, _ := newTestLedger(t)
	seed := []struct {
		email   string
		account models.Account
	}{
		{"a@example.com", models.Account{Grant: grant(), VideoCount: 5}},
		{"b@example.com", models.Account{Grant: grant(), VideoCount: 2}},
		{"c@example.com", models.Account{VideoCount: 0}}, // no grant
	}
	for _, item := range seed {
		if err := ledger.Upsert(item.email, item.account); err != nil {
			t.Fatalf("Upsert %s returned error: %v", item.email, err)
		}
	}

	selected, ok := ledger.LeastLoaded()
	if !ok || selected.Email != "b@example.com" {
		t.Fatalf("expected b@example.com, got %v (ok=%v)", selected.Email, ok)
	}

	if err := ledger.IncrementUsage("b@example.com"); err != nil {
		t.Fatalf("IncrementUsage returned error: %v", err)
	}
	selected, ok = ledger.LeastLoaded()
	if !ok || selected.Email != "b@example.com" {
		t.Fatalf("expected b@example.com at count 3 to remain least loaded, got %v", selected.Email)
	}

	// Bring the counts level: the account appearing first in ledger order
	// must win the tie.
	for i := 0; i < 2; i++ {
		if err := ledger.IncrementUsage("b@example.com"); err != nil {
			t.Fatalf("IncrementUsage returned error: %v", err)
		}
	}
	selected, ok = ledger.LeastLoaded()
	if !ok || selected.Email != "a@example.com" {
		t.Fatalf("expected tie to break to a@example.com, got %v", selected.Email)
	}
}

func TestLeastLoadedExcludesSuspended(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Upsert("a@example.com", models.Account{Grant: grant(), VideoCount: 1, Suspended: true}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if err := ledger.Upsert("b@example.com", models.Account{Grant: grant(), VideoCount: 9}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	selected, ok := ledger.LeastLoaded()
	if !ok || selected.Email != "b@example.com" {
		t.Fatalf("expected suspended account to be skipped, got %v (ok=%v)", selected.Email, ok)
	}
}

func TestLeastLoadedReturnsFalseWhenNoneEligible(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Upsert("a@example.com", models.Account{VideoCount: 0}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if _, ok := ledger.LeastLoaded(); ok {
		t.Fatal("expected no eligible account")
	}
}

func TestIncrementUsageUnknownAccountIsNoop(t *testing.T) {
	ledger, path := newTestLedger(t)
	if err := ledger.IncrementUsage("ghost@example.com"); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected nothing persisted for unknown account")
	}
}

func TestRecordSyncResultNormalizesCountShapes(t *testing.T) {
	ledger, path := newTestLedger(t)
	if err := ledger.Upsert("a@example.com", models.Account{Grant: grant(), VideoCount: 1}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	var bare CountValue
	if err := json.Unmarshal([]byte(`7`), &bare); err != nil {
		t.Fatalf("decode bare count: %v", err)
	}
	var nested CountValue
	if err := json.Unmarshal([]byte(`{"count": 11}`), &nested); err != nil {
		t.Fatalf("decode nested count: %v", err)
	}
	var invalid CountValue
	if err := json.Unmarshal([]byte(`"eleven"`), &invalid); err == nil {
		t.Fatal("expected string count to be rejected")
	}

	suspended := true
	if err := ledger.RecordSyncResult("a@example.com", bare, &suspended); err != nil {
		t.Fatalf("RecordSyncResult returned error: %v", err)
	}
	account, _ := ledger.Get("a@example.com")
	if account.VideoCount != 7 || !account.Suspended {
		t.Fatalf("expected count 7 suspended, got %+v", account)
	}
	if account.LastUpdated.IsZero() {
		t.Fatal("expected LastUpdated to be stamped")
	}

	if err := ledger.RecordSyncResult("a@example.com", nested, nil); err != nil {
		t.Fatalf("RecordSyncResult returned error: %v", err)
	}
	account, _ = ledger.Get("a@example.com")
	if account.VideoCount != 11 {
		t.Fatalf("expected nested shape to normalize to 11, got %d", account.VideoCount)
	}
	if !account.Suspended {
		t.Fatal("expected nil suspended to leave flag untouched")
	}

	// The stored document must hold a plain integer, never the nested shape.
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger document: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("decode ledger document: %v", err)
	}
	if _, ok := raw["a@example.com"]["video_count"].(float64); !ok {
		t.Fatalf("expected plain numeric video_count, got %T", raw["a@example.com"]["video_count"])
	}
}

func TestLedgerOrderSurvivesReload(t *testing.T) {
	ledger, path := newTestLedger(t)
	emails := []string{"z@example.com", "a@example.com", "m@example.com"}
	for i, email := range emails {
		if err := ledger.Upsert(email, models.Account{Grant: grant(), VideoCount: i}); err != nil {
			t.Fatalf("Upsert returned error: %v", err)
		}
	}

	reloaded, err := NewLedger(context.Background(), NewFileDocument(path), slog.Default())
	if err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	listed := reloaded.List()
	if len(listed) != len(emails) {
		t.Fatalf("expected %d accounts, got %d", len(emails), len(listed))
	}
	for i, email := range emails {
		if listed[i].Email != email {
			t.Fatalf("position %d: expected %s, got %s", i, email, listed[i].Email)
		}
	}
}

func TestCorruptLedgerDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts_db.json")
	if err := os.WriteFile(path, []byte(`["not","an","object"]`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	ledger, err := NewLedger(context.Background(), NewFileDocument(path), slog.Default())
	if err != nil {
		t.Fatalf("expected corrupt ledger to degrade, got error: %v", err)
	}
	if accounts := ledger.List(); len(accounts) != 0 {
		t.Fatalf("expected empty ledger, got %d accounts", len(accounts))
	}
}

func TestSetGrantRequiresExistingAccount(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.SetGrant("ghost@example.com", grant()); err == nil {
		t.Fatal("expected error for unknown account")
	}
	if err := ledger.Upsert("a@example.com", models.Account{}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if err := ledger.SetGrant("a@example.com", grant()); err != nil {
		t.Fatalf("SetGrant returned error: %v", err)
	}
	account, _ := ledger.Get("a@example.com")
	if !account.HasGrant() {
		t.Fatal("expected grant to be stored")
	}
}
