package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/storage"
)

// GetDebtor retrieves the user's debtor profile.
func (q *queries) GetDebtor(ctx context.Context, userID int64) (*models.DebtorRecord, error) {
	var (
		d         models.DebtorRecord
		balanceTS int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, identity, balance, balance_ts, min_balance, interest_rate, config_uri
		FROM debtors WHERE user_id = ?
	`, userID).Scan(&d.UserID, &d.Identity, &d.Balance, &balanceTS, &d.MinBalance, &d.InterestRate, &d.ConfigURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get debtor for user %d: %w", userID, err)
	}
	d.BalanceTimestamp = microsToTime(balanceTS)
	return &d, nil
}

// PutDebtor overwrites the user's debtor profile wholesale.
func (q *queries) PutDebtor(ctx context.Context, d *models.DebtorRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO debtors (user_id, identity, balance, balance_ts, min_balance, interest_rate, config_uri)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			identity = excluded.identity,
			balance = excluded.balance,
			balance_ts = excluded.balance_ts,
			min_balance = excluded.min_balance,
			interest_rate = excluded.interest_rate,
			config_uri = excluded.config_uri
	`, d.UserID, d.Identity, d.Balance, timeToMicros(d.BalanceTimestamp), d.MinBalance, d.InterestRate, d.ConfigURI)
	if err != nil {
		return fmt.Errorf("failed to put debtor for user %d: %w", d.UserID, err)
	}
	return nil
}

// GetConfig retrieves the user's stored config.
func (q *queries) GetConfig(ctx context.Context, userID int64) (*models.ConfigRecord, error) {
	var c models.ConfigRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, uri, latest_update_id, config_data, document_uri
		FROM configs WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.URI, &c.LatestUpdateID, &c.ConfigData, &c.DocumentURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config for user %d: %w", userID, err)
	}
	return &c, nil
}

// PutConfig stores the config. The URI of an existing config is
// immutable; attempting to change it is a programming error.
func (q *queries) PutConfig(ctx context.Context, c *models.ConfigRecord) error {
	existing, err := q.GetConfig(ctx, c.UserID)
	if err != nil && !errors.Is(err, storage.ErrRecordDoesNotExist) {
		return err
	}
	if existing != nil && existing.URI != c.URI {
		return fmt.Errorf("config URI for user %d is immutable (%q -> %q)", c.UserID, existing.URI, c.URI)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO configs (user_id, uri, latest_update_id, config_data, document_uri)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			latest_update_id = excluded.latest_update_id,
			config_data = excluded.config_data,
			document_uri = excluded.document_uri
	`, c.UserID, c.URI, c.LatestUpdateID, c.ConfigData, c.DocumentURI)
	if err != nil {
		return fmt.Errorf("failed to put config for user %d: %w", c.UserID, err)
	}
	return nil
}

// GetDocument retrieves the user's stored document.
func (q *queries) GetDocument(ctx context.Context, userID int64) (*models.DocumentRecord, error) {
	var d models.DocumentRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, uri, content_type, content
		FROM documents WHERE user_id = ?
	`, userID).Scan(&d.UserID, &d.URI, &d.ContentType, &d.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document for user %d: %w", userID, err)
	}
	return &d, nil
}

// PutDocument replaces the user's document wholesale.
func (q *queries) PutDocument(ctx context.Context, d *models.DocumentRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO documents (user_id, uri, content_type, content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			uri = excluded.uri,
			content_type = excluded.content_type,
			content = excluded.content
	`, d.UserID, d.URI, d.ContentType, d.Content)
	if err != nil {
		return fmt.Errorf("failed to put document for user %d: %w", d.UserID, err)
	}
	return nil
}

// DeleteDocument discards the user's document, if any.
func (q *queries) DeleteDocument(ctx context.Context, userID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM documents WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete document for user %d: %w", userID, err)
	}
	return nil
}
