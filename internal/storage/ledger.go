package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tubepanel/internal/models"
)

// CountValue is the boundary type for usage counters reported by older and
// newer callers: JSON decoding accepts either a bare number or a nested
// {"count": n} object, and the value is normalized to a plain integer before
// it ever reaches the ledger's stored representation.
type CountValue struct {
	value int
	set   bool
}

// NewCount wraps a plain integer counter value.
func NewCount(n int) CountValue {
	return CountValue{value: n, set: true}
}

// Int returns the normalized counter value.
func (c CountValue) Int() int {
	return c.value
}

// IsSet reports whether a value was decoded or assigned.
func (c CountValue) IsSet() bool {
	return c.set
}

// UnmarshalJSON accepts both counter shapes.
func (c *CountValue) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = CountValue{value: n, set: true}
		return nil
	}
	var nested struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &nested); err == nil {
		*c = CountValue{value: nested.Count, set: true}
		return nil
	}
	return fmt.Errorf("count must be a number or an object with a count field")
}

// MarshalJSON always emits the normalized plain integer.
func (c CountValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.value)
}

// Ledger is the sole writer of the account document. The document is a JSON
// object keyed by account email; key order is preserved across load and
// persist because selection tie-breaks depend on it.
type Ledger struct {
	mu     sync.RWMutex
	doc    DocumentStore
	logger *slog.Logger

	order    []string
	accounts map[string]models.Account
}

// NewLedger loads the account document. An unparseable document degrades to
// an empty ledger with a logged error rather than failing startup.
func NewLedger(ctx context.Context, doc DocumentStore, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ledger := &Ledger{
		doc:      doc,
		logger:   logger,
		accounts: make(map[string]models.Account),
	}

	body, err := doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return ledger, nil
	}
	if err := ledger.decode(body); err != nil {
		logger.Error("account ledger unparseable, starting empty", "error", err)
		ledger.order = nil
		ledger.accounts = make(map[string]models.Account)
	}
	return ledger, nil
}

// decode walks the document token by token so the object's key order
// survives the round trip; encoding/json's map decoding would lose it.
func (l *Ledger) decode(body []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	open, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("decode ledger: %w", err)
	}
	if delim, ok := open.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode ledger: expected object, got %v", open)
	}
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("decode ledger key: %w", err)
		}
		email, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("decode ledger key: unexpected token %v", keyToken)
		}
		var account models.Account
		if err := decoder.Decode(&account); err != nil {
			return fmt.Errorf("decode ledger account %s: %w", email, err)
		}
		if _, exists := l.accounts[email]; !exists {
			l.order = append(l.order, email)
		}
		l.accounts[email] = account
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("decode ledger: %w", err)
	}
	return nil
}

func (l *Ledger) encodeLocked() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, email := range l.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(email)
		if err != nil {
			return nil, fmt.Errorf("encode ledger key: %w", err)
		}
		value, err := json.Marshal(l.accounts[email])
		if err != nil {
			return nil, fmt.Errorf("encode ledger account %s: %w", email, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')

	var indented bytes.Buffer
	if err := json.Indent(&indented, buf.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("indent ledger: %w", err)
	}
	return indented.Bytes(), nil
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	body, err := l.encodeLocked()
	if err != nil {
		return err
	}
	return l.doc.Save(ctx, body)
}

// List returns every account in ledger order.
func (l *Ledger) List() []models.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	accounts := make([]models.Account, 0, len(l.order))
	for _, email := range l.order {
		accounts = append(accounts, l.cloneLocked(email))
	}
	return accounts
}

// Get returns the named account.
func (l *Ledger) Get(email string) (models.Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.accounts[email]; !ok {
		return models.Account{}, false
	}
	return l.cloneLocked(email), true
}

func (l *Ledger) cloneLocked(email string) models.Account {
	account := l.accounts[email]
	account.Email = email
	if account.Grant != nil {
		grant := make(map[string]any, len(account.Grant))
		for k, v := range account.Grant {
			grant[k] = v
		}
		account.Grant = grant
	}
	return account
}

// Upsert creates or replaces an account record, appending new identities to
// the end of the ledger order.
func (l *Ledger) Upsert(email string, account models.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous, existed := l.accounts[email]
	account.Email = ""
	if !existed {
		l.order = append(l.order, email)
	}
	l.accounts[email] = account
	if err := l.persistLocked(context.Background()); err != nil {
		if existed {
			l.accounts[email] = previous
		} else {
			delete(l.accounts, email)
			l.order = l.order[:len(l.order)-1]
		}
		return err
	}
	return nil
}

// SetGrant stores the authorization grant obtained from the upstream token
// exchange, making the account eligible for selection and sync.
func (l *Ledger) SetGrant(email string, grant map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[email]
	if !ok {
		return fmt.Errorf("account %s not found", email)
	}
	previous := account.Grant
	account.Grant = grant
	l.accounts[email] = account
	if err := l.persistLocked(context.Background()); err != nil {
		account.Grant = previous
		l.accounts[email] = account
		return err
	}
	return nil
}

// LeastLoaded returns the eligible account with the smallest cached usage
// counter. Eligible means a grant is present and the account is not
// suspended. Ties go to the account appearing first in ledger order. The
// second return is false when no account is eligible.
func (l *Ledger) LeastLoaded() (models.Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var selected string
	found := false
	for _, email := range l.order {
		account := l.accounts[email]
		if !account.HasGrant() || account.Suspended {
			continue
		}
		if !found || account.VideoCount < l.accounts[selected].VideoCount {
			selected = email
			found = true
		}
	}
	if !found {
		return models.Account{}, false
	}
	return l.cloneLocked(selected), true
}

// IncrementUsage bumps the named account's cached counter and persists the
// ledger. Unknown accounts are a no-op.
func (l *Ledger) IncrementUsage(email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[email]
	if !ok {
		return nil
	}
	account.VideoCount++
	l.accounts[email] = account
	if err := l.persistLocked(context.Background()); err != nil {
		account.VideoCount--
		l.accounts[email] = account
		return err
	}
	return nil
}

// RecordSyncResult overwrites the cached counter and, when provided, the
// suspension flag, stamping LastUpdated. The counter arrives as a CountValue
// so both caller shapes normalize to a stored plain integer.
func (l *Ledger) RecordSyncResult(email string, count CountValue, suspended *bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[email]
	if !ok {
		return fmt.Errorf("account %s not found", email)
	}
	previous := account
	if count.IsSet() {
		account.VideoCount = count.Int()
	}
	if suspended != nil {
		account.Suspended = *suspended
	}
	account.LastUpdated = time.Now().UTC()
	l.accounts[email] = account
	if err := l.persistLocked(context.Background()); err != nil {
		l.accounts[email] = previous
		return err
	}
	return nil
}
