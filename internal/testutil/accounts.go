package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InsertAccount stores a minimal active account and returns its ID. Passwords
// are placeholders; tests that dial need to seal real ones.
func InsertAccount(t *testing.T, pool *pgxpool.Pool, email string) string {
	t.Helper()

	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO accounts (
			email, imap_host, imap_username, encrypted_imap_password,
			smtp_host, smtp_username, encrypted_smtp_password
		) VALUES ($1, 'localhost', $1, '\x00', 'localhost', $1, '\x00')
		RETURNING id
	`, email).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to insert account %s: %v", email, err)
	}
	return id
}
