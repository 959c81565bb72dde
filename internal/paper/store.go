package paper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store is the Postgres-backed ledger. Balance mutations are single atomic
// upserts so concurrent sessions for the same owner cannot interleave a
// read-modify-write.
type Store struct {
	db *sql.DB
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS paper_balances (
			owner TEXT PRIMARY KEY,
			shares DOUBLE PRECISION NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}

	for _, query := range ddl {
		if _, err := s.exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, owner string) (float64, error) {
	row := s.queryRow(ctx, `SELECT shares FROM paper_balances WHERE owner = ?`, owner)

	var shares float64
	err := row.Scan(&shares)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return shares, nil
}

func (s *Store) Credit(ctx context.Context, owner string, shares float64) (float64, error) {
	row := s.queryRow(ctx, `
		INSERT INTO paper_balances (owner, shares, updated_at)
		VALUES (?, GREATEST(0, ?), ?)
		ON CONFLICT(owner) DO UPDATE SET
			shares = GREATEST(0, paper_balances.shares + ?),
			updated_at = excluded.updated_at
		RETURNING shares
	`, owner, shares, time.Now().Unix(), shares)

	var next float64
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Debit(ctx context.Context, owner string, shares float64) (float64, error) {
	return s.Credit(ctx, owner, -shares)
}

func (s *Store) Set(ctx context.Context, owner string, shares float64) error {
	_, err := s.exec(ctx, `
		INSERT INTO paper_balances (owner, shares, updated_at)
		VALUES (?, GREATEST(0, ?), ?)
		ON CONFLICT(owner) DO UPDATE SET
			shares = GREATEST(0, excluded.shares),
			updated_at = excluded.updated_at
	`, owner, shares, time.Now().Unix())
	return err
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}
