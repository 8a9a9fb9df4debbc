package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tubepanel/internal/auth"
	"tubepanel/internal/models"
)

// Default operator account synthesized when no credential document exists.
const (
	DefaultAdminUsername = "superadmin"
	DefaultAdminPassword = "changeme"
)

// ErrInvalidCredentials is returned for any failed login attempt. It never
// distinguishes an unknown username from a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

type credentialDocument struct {
	Users map[string]models.User `json:"users"`
}

// CredentialStore is the sole writer of the credential document. Reads serve
// from an in-memory copy; every mutation rewrites the whole document.
type CredentialStore struct {
	mu     sync.RWMutex
	doc    DocumentStore
	secret string
	logger *slog.Logger
	users  map[string]models.User
}

// NewCredentialStore loads the credential document. An absent document
// synthesizes the default admin account and persists it; an unparseable one
// degrades to an empty store with a logged error, because keeping the login
// path available matters more than a single corrupt record.
func NewCredentialStore(ctx context.Context, doc DocumentStore, secret string, logger *slog.Logger) (*CredentialStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := &CredentialStore{
		doc:    doc,
		secret: secret,
		logger: logger,
		users:  make(map[string]models.User),
	}

	body, err := doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		if err := store.seedDefaultAdmin(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	var parsed credentialDocument
	if err := json.Unmarshal(body, &parsed); err != nil {
		logger.Error("credential document unparseable, starting empty", "error", err)
		return store, nil
	}
	if parsed.Users != nil {
		store.users = parsed.Users
	}
	return store, nil
}

func (s *CredentialStore) seedDefaultAdmin(ctx context.Context) error {
	s.users[DefaultAdminUsername] = models.User{
		PasswordHash: auth.HashPassword(DefaultAdminPassword, s.secret),
		Role:         models.RoleAdmin,
		Groups:       models.GroupsForRole(models.RoleAdmin),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.persistLocked(ctx); err != nil {
		return fmt.Errorf("seed default admin: %w", err)
	}
	s.logger.Warn("credential document missing, created default admin account; change its password before exposing this service",
		"username", DefaultAdminUsername)
	return nil
}

// CreateUserParams captures the attributes set by the operator setup step.
type CreateUserParams struct {
	Username string
	Password string
	Role     string
}

func validateUserParams(params CreateUserParams) (string, string, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return "", "", errors.New("username is required")
	}
	if params.Password == "" {
		return "", "", errors.New("password is required")
	}
	role := strings.ToLower(strings.TrimSpace(params.Role))
	if role != models.RoleAdmin && role != models.RoleUploader {
		return "", "", fmt.Errorf("role must be %s or %s", models.RoleAdmin, models.RoleUploader)
	}
	return username, role, nil
}

// CreateUser adds a new operator account. Group membership is derived from
// the role so the store invariant (uploader always carries the uploader
// group, admin carries both) cannot be violated by callers.
func (s *CredentialStore) CreateUser(params CreateUserParams) (models.User, error) {
	username, role, err := validateUserParams(params)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return models.User{}, fmt.Errorf("user %s already exists", username)
	}
	user := models.User{
		PasswordHash: auth.HashPassword(params.Password, s.secret),
		Role:         role,
		Groups:       models.GroupsForRole(role),
		CreatedAt:    time.Now().UTC(),
	}
	s.users[username] = user
	if err := s.persistLocked(context.Background()); err != nil {
		delete(s.users, username)
		return models.User{}, err
	}
	user.Username = username
	return user, nil
}

// UpsertUser creates or replaces an operator account. Used by the setup tool
// to rotate passwords or change roles.
func (s *CredentialStore) UpsertUser(params CreateUserParams) (models.User, error) {
	username, role, err := validateUserParams(params)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.users[username]
	user := models.User{
		PasswordHash: auth.HashPassword(params.Password, s.secret),
		Role:         role,
		Groups:       models.GroupsForRole(role),
		CreatedAt:    time.Now().UTC(),
	}
	if existed && !previous.CreatedAt.IsZero() {
		user.CreatedAt = previous.CreatedAt
	}
	s.users[username] = user
	if err := s.persistLocked(context.Background()); err != nil {
		if existed {
			s.users[username] = previous
		} else {
			delete(s.users, username)
		}
		return models.User{}, err
	}
	user.Username = username
	return user, nil
}

// GetUser returns the named user's current record.
func (s *CredentialStore) GetUser(username string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return models.User{}, false
	}
	user.Username = username
	return user, true
}

// ListUsers returns all users sorted by username.
func (s *CredentialStore) ListUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.users))
	for username, user := range s.users {
		user.Username = username
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users
}

// Authenticate verifies a username/password pair. Every failure path returns
// ErrInvalidCredentials so callers cannot leak which part was wrong.
func (s *CredentialStore) Authenticate(username, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, ok := s.GetUser(username)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(password, s.secret, user.PasswordHash) {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *CredentialStore) persistLocked(ctx context.Context) error {
	body, err := json.MarshalIndent(credentialDocument{Users: s.users}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential document: %w", err)
	}
	return s.doc.Save(ctx, body)
}
