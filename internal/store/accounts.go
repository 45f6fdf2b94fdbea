package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"inbound-automation/internal/models"
)

// NotFoundError reports a lookup that matched no active row.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

const bindingColumns = `id, workspace_id, platform, page_id, business_account_id, is_active, access_token_enc, token_expires_at, updated_at`

// Resolve finds the active binding for an inbound account id. The platform
// reports either the page id or the business account id depending on the
// event, so the page id is tried first and the business id second.
func (s *Store) Resolve(ctx context.Context, platformAccountID string) (models.WorkspaceAccountBinding, error) {
	if platformAccountID == "" {
		return models.WorkspaceAccountBinding{}, &NotFoundError{Kind: "account binding", Key: platformAccountID}
	}
	b, err := s.bindingBy(ctx, `page_id = $2`, platformAccountID)
	if err == nil || !IsNotFound(err) {
		return b, err
	}
	return s.bindingBy(ctx, `business_account_id = $2`, platformAccountID)
}

func (s *Store) bindingBy(ctx context.Context, predicate, key string) (models.WorkspaceAccountBinding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+bindingColumns+`
		FROM workspace_account_bindings
		WHERE platform = $1 AND `+predicate+` AND is_active
		ORDER BY updated_at DESC
		LIMIT 1
	`, s.platform, key)
	b, err := s.scanBinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkspaceAccountBinding{}, &NotFoundError{Kind: "account binding", Key: key}
	}
	return b, err
}

// ActiveBindings lists every active binding on the configured platform.
func (s *Store) ActiveBindings(ctx context.Context) ([]models.WorkspaceAccountBinding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bindingColumns+`
		FROM workspace_account_bindings
		WHERE platform = $1 AND is_active
		ORDER BY workspace_id, id
	`, s.platform)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var out []models.WorkspaceAccountBinding
	for rows.Next() {
		b, err := s.scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveCredential encrypts and stores a refreshed token for a binding.
func (s *Store) SaveCredential(ctx context.Context, bindingID string, cred models.Credential) error {
	sealed, err := s.cipher.Encrypt(cred.AccessToken, bindingID)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	var expires *time.Time
	if !cred.ExpiresAt.IsZero() {
		expires = &cred.ExpiresAt
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspace_account_bindings
		SET access_token_enc = $2, token_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, bindingID, sealed, expires)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "account binding", Key: bindingID}
	}
	return nil
}

func (s *Store) scanBinding(row pgx.Row) (models.WorkspaceAccountBinding, error) {
	var (
		b        models.WorkspaceAccountBinding
		pageID   pgtype.Text
		bizID    pgtype.Text
		tokenEnc pgtype.Text
		expires  pgtype.Timestamptz
	)
	if err := row.Scan(&b.ID, &b.WorkspaceID, &b.Platform, &pageID, &bizID, &b.IsActive, &tokenEnc, &expires, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkspaceAccountBinding{}, err
		}
		return models.WorkspaceAccountBinding{}, fmt.Errorf("scan binding: %w", err)
	}
	b.PageID = textValue(pageID)
	b.BusinessAccountID = textValue(bizID)
	if expires.Valid {
		b.Credential.ExpiresAt = expires.Time
	}
	if enc := textValue(tokenEnc); enc != "" {
		token, err := s.cipher.Decrypt(enc, b.ID)
		if err != nil {
			return models.WorkspaceAccountBinding{}, fmt.Errorf("decrypt token for binding %s: %w", b.ID, err)
		}
		b.Credential.AccessToken = token
	}
	return b, nil
}
