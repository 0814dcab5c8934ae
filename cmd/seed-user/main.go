// Command seed-user creates a login account for the generation API, for
// development and first-run setup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/modelsmith/cad-orchestrator/internal/config"
)

const minPasswordLength = 8

var emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

func main() {
	name := flag.String("name", "", "full name of the user")
	email := flag.String("email", "", "email address used as the login")
	password := flag.String("password", "", "password, min 8 chars with a letter and a digit")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(context.Background(), log, *name, *email, *password); err != nil {
		log.Fatal("seed-user failed", zap.Error(err))
	}
}

func run(ctx context.Context, log *zap.Logger, name, email, password string) error {
	if err := checkAccount(name, email, password); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	var userID string
	err = pool.QueryRow(ctx,
		`INSERT INTO users (name, email, hashed_password)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		name, normalizeEmail(email), string(hash),
	).Scan(&userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("a user with email %s already exists", email)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	log.Info("user created",
		zap.String("user_id", userID),
		zap.String("email", normalizeEmail(email)))
	return nil
}

func checkAccount(name, email, password string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name is required")
	}
	if !emailRe.MatchString(email) {
		return fmt.Errorf("invalid email address %q", email)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if !strings.ContainsAny(password, "0123456789") ||
		strings.IndexFunc(password, func(r rune) bool {
			return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		}) < 0 {
		return errors.New("password must contain at least one letter and one digit")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
