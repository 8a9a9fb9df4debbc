// Command setup-users creates or updates operator accounts in the credential
// document.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"tubepanel/internal/models"
	"tubepanel/internal/storage"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "data", "directory holding users.json (TUBEPANEL_DATA_DIR)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres connection string; when set the credential document lives there")
		secret      = flag.String("secret", "", "secret keying the password hashes; must match the server's (TUBEPANEL_SECRET)")
		username    = flag.String("username", "", "operator username")
		role        = flag.String("role", models.RoleUploader, "operator role: admin or uploader")
		password    = flag.String("password", "", "password; omit to be prompted without echo")
		list        = flag.Bool("list", false, "list existing operators and exit")
	)
	flag.Parse()

	secretValue := strings.TrimSpace(*secret)
	if secretValue == "" {
		secretValue = strings.TrimSpace(os.Getenv("TUBEPANEL_SECRET"))
	}
	if secretValue == "" {
		fatalf("--secret or TUBEPANEL_SECRET is required; hashes keyed with a different secret will never verify")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doc, closeDoc, err := openDocument(ctx, *postgresDSN, *dataDir)
	if err != nil {
		fatalf("open credential document: %v", err)
	}
	defer closeDoc()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewCredentialStore(ctx, doc, secretValue, logger)
	if err != nil {
		fatalf("load credential store: %v", err)
	}

	if *list {
		for _, user := range store.ListUsers() {
			fmt.Printf("%-20s %-10s %s\n", user.Username, user.Role, strings.Join(user.Groups, ","))
		}
		return
	}

	if strings.TrimSpace(*username) == "" {
		fatalf("--username is required")
	}
	pass := *password
	if pass == "" {
		pass = promptPassword(*username)
	}
	if len(pass) < 8 {
		fatalf("password must be at least 8 characters")
	}

	user, err := store.UpsertUser(storage.CreateUserParams{
		Username: *username,
		Password: pass,
		Role:     *role,
	})
	if err != nil {
		fatalf("save user: %v", err)
	}
	fmt.Printf("Saved %s (%s, groups: %s).\n", user.Username, user.Role, strings.Join(user.Groups, ","))
}

func promptPassword(username string) string {
	fmt.Printf("Password for %s: ", username)
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fatalf("read password: %v", err)
	}
	fmt.Print("Repeat password: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fatalf("read password: %v", err)
	}
	if string(first) != string(second) {
		fatalf("passwords do not match")
	}
	return string(first)
}

func openDocument(ctx context.Context, dsn, dataDir string) (storage.DocumentStore, func(), error) {
	if strings.TrimSpace(dsn) != "" {
		doc, err := storage.NewPostgresDocument(ctx, dsn, "users")
		if err != nil {
			return nil, nil, err
		}
		return doc, doc.Close, nil
	}
	dir := firstNonEmpty(dataDir, os.Getenv("TUBEPANEL_DATA_DIR"), "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	return storage.NewFileDocument(filepath.Join(dir, "users.json")), func() {}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
