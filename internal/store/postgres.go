package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenCipher seals access tokens before they reach the bindings table.
type TokenCipher interface {
	Encrypt(plaintext, owner string) (string, error)
	Decrypt(encoded, owner string) (string, error)
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool     *pgxpool.Pool
	cipher   TokenCipher
	platform string
}

// Options configures New.
type Options struct {
	DSN      string
	MaxConns int32
	Cipher   TokenCipher
	// Platform restricts account resolution to one platform. Defaults to "instagram".
	Platform string
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Cipher == nil {
		return nil, errors.New("store: token cipher is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if opts.Platform == "" {
		opts.Platform = "instagram"
	}
	return &Store{pool: pool, cipher: opts.Cipher, platform: opts.Platform}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
