package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vbridge/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, email, display_name, provider,
	imap_host, imap_port, imap_use_tls, imap_username, encrypted_imap_password,
	smtp_host, smtp_port, smtp_security, smtp_username, encrypted_smtp_password,
	monitored_folders, aliases, signatures, analysis_models,
	max_recipients_per_message, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var signatures []byte

	err := row.Scan(
		&a.ID, &a.Email, &a.DisplayName, &a.Provider,
		&a.IMAPHost, &a.IMAPPort, &a.IMAPUseTLS, &a.IMAPUsername, &a.EncryptedIMAPPassword,
		&a.SMTPHost, &a.SMTPPort, &a.SMTPSecurity, &a.SMTPUsername, &a.EncryptedSMTPPassword,
		&a.MonitoredFolders, &a.Aliases, &signatures, &a.AnalysisModels,
		&a.MaxRecipientsPerMessage, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(signatures) > 0 {
		if err := json.Unmarshal(signatures, &a.Signatures); err != nil {
			return nil, fmt.Errorf("failed to decode signatures for account %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// CreateAccount inserts a new account and fills in its ID and timestamps.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, a *models.Account) error {
	signatures, err := json.Marshal(a.Signatures)
	if err != nil {
		return fmt.Errorf("failed to encode signatures: %w", err)
	}

	if a.MaxRecipientsPerMessage <= 0 {
		a.MaxRecipientsPerMessage = models.DefaultMaxRecipients
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO accounts (
			email, display_name, provider,
			imap_host, imap_port, imap_use_tls, imap_username, encrypted_imap_password,
			smtp_host, smtp_port, smtp_security, smtp_username, encrypted_smtp_password,
			monitored_folders, aliases, signatures, analysis_models,
			max_recipients_per_message, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at, updated_at
	`,
		a.Email, a.DisplayName, a.Provider,
		a.IMAPHost, a.IMAPPort, a.IMAPUseTLS, a.IMAPUsername, a.EncryptedIMAPPassword,
		a.SMTPHost, a.SMTPPort, a.SMTPSecurity, a.SMTPUsername, a.EncryptedSMTPPassword,
		emptyIfNil(a.Folders()), emptyIfNil(a.Aliases), signatures, emptyIfNil(a.AnalysisModels),
		a.MaxRecipientsPerMessage, a.IsActive,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	a.MonitoredFolders = a.Folders()
	return nil
}

// GetAccount returns an account by ID.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Account, error) {
	a, err := scanAccount(pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts, or only active ones when activeOnly is set.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool, activeOnly bool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE NOT $1 OR is_active
		ORDER BY created_at, id
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes the account. Threads, records, drafts and topics cascade.
func DeleteAccount(ctx context.Context, pool *pgxpool.Pool, id string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateSignatures replaces the account's signature set.
func UpdateSignatures(ctx context.Context, pool *pgxpool.Pool, accountID string, set models.SignatureSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode signatures: %w", err)
	}

	tag, err := pool.Exec(ctx, `
		UPDATE accounts SET signatures = $2, updated_at = now() WHERE id = $1
	`, accountID, data)
	if err != nil {
		return fmt.Errorf("failed to update signatures: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetSignaturePreference returns the remembered policy, and false when none was saved yet.
func GetSignaturePreference(ctx context.Context, pool *pgxpool.Pool, accountID string) (models.SignaturePolicy, bool, error) {
	var raw string
	err := pool.QueryRow(ctx, `
		SELECT policy FROM account_signature_prefs WHERE account_id = $1
	`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultSignature(), false, nil
	}
	if err != nil {
		return models.SignaturePolicy{}, false, fmt.Errorf("failed to get signature preference: %w", err)
	}

	policy, err := models.ParseSignaturePolicy(raw)
	if err != nil {
		return models.DefaultSignature(), false, nil
	}
	return policy, true, nil
}

// SaveSignaturePreference upserts the remembered policy for the account.
func SaveSignaturePreference(ctx context.Context, pool *pgxpool.Pool, accountID string, policy models.SignaturePolicy) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO account_signature_prefs (account_id, policy, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET
			policy = EXCLUDED.policy,
			updated_at = now()
	`, accountID, policy.String())
	if err != nil {
		return fmt.Errorf("failed to save signature preference: %w", err)
	}
	return nil
}
