package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GetFolderValidity returns the UIDVALIDITY recorded for a folder. ok is false
// when the folder was never scanned.
func GetFolderValidity(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) (validity uint32, ok bool, err error) {
	var v int64
	err = pool.QueryRow(ctx, `
		SELECT uid_validity FROM folder_state WHERE account_id = $1 AND folder = $2
	`, accountID, strings.ToLower(folder)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get folder state: %w", err)
	}
	return uint32(v), true, nil
}

// SetFolderValidity records the folder's current UIDVALIDITY.
func SetFolderValidity(ctx context.Context, pool *pgxpool.Pool, accountID, folder string, validity uint32) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO folder_state (account_id, folder, uid_validity)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, folder) DO UPDATE
		SET uid_validity = EXCLUDED.uid_validity, updated_at = now()
	`, accountID, strings.ToLower(folder), int64(validity))
	if err != nil {
		return fmt.Errorf("failed to save folder state: %w", err)
	}
	return nil
}

// RemapFolderUIDs points a folder's inbound records at the UIDs the server
// assigned after a UIDVALIDITY change. Records whose identity is missing from
// uids get UID 0, which takes them out of ListMappedUIDs. It returns how many
// records were matched.
func RemapFolderUIDs(ctx context.Context, pool *pgxpool.Pool, accountID, folder string, uids map[string]uint32) (int, error) {
	matched := 0
	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE message_records SET uid = 0
			WHERE account_id = $1 AND lower(folder) = lower($2) AND direction = 'inbound'
		`, accountID, folder); err != nil {
			return fmt.Errorf("failed to clear folder uids: %w", err)
		}
		for identity, uid := range uids {
			tag, err := tx.Exec(ctx, `
				UPDATE message_records SET uid = $4
				WHERE account_id = $1 AND lower(folder) = lower($2) AND identity = $3 AND direction = 'inbound'
			`, accountID, folder, identity, int64(uid))
			if err != nil {
				return fmt.Errorf("failed to remap uid of %s: %w", identity, err)
			}
			matched += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}
