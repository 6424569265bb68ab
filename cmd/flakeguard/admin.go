package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thc1006/flakeguard/internal/apikeys"
	"github.com/thc1006/flakeguard/internal/audit"
	"github.com/thc1006/flakeguard/internal/db"
	"github.com/thc1006/flakeguard/internal/repos"
	"github.com/thc1006/flakeguard/internal/validation"
)

// actorAdmin marks audit entries written by CLI commands.
const actorAdmin = "admin"

func runAdmin(args []string) int {
	if len(args) == 0 {
		printAdminUsage()
		return 2
	}

	switch args[0] {
	case "migrate":
		return runMigrate(args[1:])
	case "add-repo":
		return runAddRepo(args[1:])
	case "create-api-key":
		return runCreateAPIKey(args[1:])
	case "revoke-api-key":
		return runRevokeAPIKey(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown admin command: %s\n", args[0])
		printAdminUsage()
		return 2
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  flakeguard admin migrate [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "  flakeguard admin add-repo --owner <owner> --name <name> [--provider github] [--installation-id <id>] [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "  flakeguard admin create-api-key --repo <owner/name> --name <label> [--scopes ingest,read] [--expires-in 720h] [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "  flakeguard admin revoke-api-key --id <key-id> [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Notes:")
	fmt.Fprintln(os.Stderr, "  - --db-dsn defaults to FG_DB_DSN.")
	fmt.Fprintln(os.Stderr, "  - create-api-key prints the token once; it cannot be recovered later.")
}

// adminPool connects directly; admin commands run without the app stack.
func adminPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("FG_DB_DSN"))
	}
	if dsn == "" {
		return nil, errors.New("--db-dsn is required (or set FG_DB_DSN)")
	}
	return pgxpool.New(ctx, dsn)
}

func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var dbDSN string
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := adminPool(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "Migrations failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(os.Stdout, "Migrations applied.")
	return 0
}

func runAddRepo(args []string) int {
	fs := flag.NewFlagSet("add-repo", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		owner          string
		name           string
		provider       string
		installationID int64
		dbDSN          string
	)
	fs.StringVar(&owner, "owner", "", "Repository owner (user or organization)")
	fs.StringVar(&name, "name", "", "Repository name")
	fs.StringVar(&provider, "provider", "github", "CI provider")
	fs.Int64Var(&installationID, "installation-id", 0, "Provider app installation ID")
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := validation.ValidateOwner(owner); err != nil {
		fmt.Fprintf(os.Stderr, "--owner: %v\n", err)
		return 2
	}
	if err := validation.ValidateRepoName(name); err != nil {
		fmt.Fprintf(os.Stderr, "--name: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := adminPool(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	params := repos.UpsertParams{Provider: provider, Owner: owner, Name: name}
	if installationID != 0 {
		params.InstallationID = &installationID
	}

	repo, err := repos.NewService(pool).Upsert(ctx, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register repository: %v\n", err)
		return 1
	}

	if err := audit.NewWriter(pool).LogRepoRegistered(ctx, repo.ID, actorAdmin, repo.Slug()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit write failed: %v\n", err)
	}

	fmt.Fprintf(os.Stdout, "Repository registered: %s (%s)\n", repo.Slug(), repo.ID)
	return 0
}

func runCreateAPIKey(args []string) int {
	fs := flag.NewFlagSet("create-api-key", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		repoSlug  string
		name      string
		scopesCSV string
		expiresIn time.Duration
		dbDSN     string
	)
	fs.StringVar(&repoSlug, "repo", "", "Repository as owner/name")
	fs.StringVar(&name, "name", "", "Key label, e.g. ci-uploader")
	fs.StringVar(&scopesCSV, "scopes", "ingest", "Comma-separated scopes (ingest, read)")
	fs.DurationVar(&expiresIn, "expires-in", 0, "Validity window, e.g. 720h (0 = no expiry)")
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	owner, repoName, err := validation.SplitSlug(repoSlug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--repo: %v\n", err)
		return 2
	}
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Fprintln(os.Stderr, "--name is required")
		return 2
	}

	var scopes []apikeys.Scope
	for _, s := range strings.Split(scopesCSV, ",") {
		switch scope := apikeys.Scope(strings.TrimSpace(s)); scope {
		case apikeys.ScopeIngest, apikeys.ScopeRead:
			scopes = append(scopes, scope)
		case "":
		default:
			fmt.Fprintf(os.Stderr, "Unknown scope: %s\n", scope)
			return 2
		}
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "--scopes must name at least one of: ingest, read")
		return 2
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		expiresAt = &t
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := adminPool(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	repo, err := repos.NewService(pool).GetBySlug(ctx, "github", owner, repoName)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Repository %s/%s is not registered; run add-repo first\n", owner, repoName)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to look up repository: %v\n", err)
		return 1
	}

	key, token, err := apikeys.NewService(pool).Create(ctx, repo.ID, name, scopes, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create API key: %v\n", err)
		return 1
	}

	if err := audit.NewWriter(pool).LogAPIKeyCreated(ctx, repo.ID, key.ID, actorAdmin, name); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit write failed: %v\n", err)
	}

	fmt.Fprintf(os.Stdout, "API key created: %s (repo %s)\n", key.ID, repo.Slug())
	if key.ExpiresAt != nil {
		fmt.Fprintf(os.Stdout, "Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(os.Stdout, "Token (shown once):")
	fmt.Fprintln(os.Stdout, token)
	return 0
}

func runRevokeAPIKey(args []string) int {
	fs := flag.NewFlagSet("revoke-api-key", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		idStr string
		dbDSN string
	)
	fs.StringVar(&idStr, "id", "", "API key ID")
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	id, err := uuid.Parse(strings.TrimSpace(idStr))
	if err != nil {
		fmt.Fprintln(os.Stderr, "--id must be a key UUID")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := adminPool(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := apikeys.NewService(pool).Revoke(ctx, id); err != nil {
		if errors.Is(err, apikeys.ErrKeyNotFound) {
			fmt.Fprintf(os.Stderr, "No active key with id %s\n", id)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to revoke API key: %v\n", err)
		return 1
	}

	if err := audit.NewWriter(pool).LogAPIKeyRevoked(ctx, id, actorAdmin); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit write failed: %v\n", err)
	}

	fmt.Fprintln(os.Stdout, "API key revoked.")
	return 0
}
