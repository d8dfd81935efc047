// Package accounts persists the tenant identity rows every entity row
// hangs off.
package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/registry"
)

// Store reads and writes account rows in one schema.
type Store struct {
	Pool   *pgxpool.Pool
	Schema string
}

// Account is one tenant row.
type Account struct {
	ID           string
	Object       json.RawMessage
	KeyHashes    []string
	LastSyncedAt int64
}

// DeleteReport is the outcome of a dangerous delete. Warnings carry
// problems that did not stop the delete (e.g. a remote webhook that
// could not be removed).
type DeleteReport struct {
	DeletedAccountID    string           `json:"deletedAccountId"`
	DeletedRecordCounts map[string]int64 `json:"deletedRecordCounts"`
	Warnings            []string         `json:"warnings"`
}

// KeyHash is the stored fingerprint of a secret key.
func KeyHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Ensure inserts or refreshes the account row from a freshly fetched
// provider document, appending the key's hash when it is new. The row id
// always comes from the document.
func (s *Store) Ensure(ctx context.Context, doc map[string]any, apiKey string) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return "", db.Errorf(db.KindPermanent, "account document has no id")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", db.Errorf(db.KindPermanent, "encode account %s: %v", id, err)
	}
	hash := ""
	if apiKey != "" {
		hash = KeyHash(apiKey)
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s.accounts AS a (id, object, api_key_hashes)
		VALUES ($1, $2, CASE WHEN $3 = '' THEN '{}'::text[] ELSE ARRAY[$3] END)
		ON CONFLICT (id) DO UPDATE SET
			object = EXCLUDED.object,
			api_key_hashes = CASE
				WHEN $3 = '' OR a.api_key_hashes @> ARRAY[$3] THEN a.api_key_hashes
				ELSE array_append(a.api_key_hashes, $3)
			END`, s.Schema)
	if _, err := s.Pool.Exec(ctx, sql, id, raw, hash); err != nil {
		return "", db.Classify(err)
	}
	return id, nil
}

// UpsertFromEvent applies an account document delivered by an event,
// keeping the newest write.
func (s *Store) UpsertFromEvent(ctx context.Context, doc map[string]any, lastSyncedAt int64) error {
	id, _ := doc["id"].(string)
	if id == "" {
		return db.Errorf(db.KindPermanent, "account document has no id")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return db.Errorf(db.KindPermanent, "encode account %s: %v", id, err)
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s.accounts AS a (id, object, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			object = EXCLUDED.object,
			last_synced_at = EXCLUDED.last_synced_at
		WHERE EXCLUDED.last_synced_at >= a.last_synced_at`, s.Schema)
	if _, err := s.Pool.Exec(ctx, sql, id, raw, lastSyncedAt); err != nil {
		return db.Classify(err)
	}
	return nil
}

// TouchLastSync stamps the account's last successful sync.
func (s *Store) TouchLastSync(ctx context.Context, id string) error {
	sql := fmt.Sprintf("UPDATE %s.accounts SET last_synced_at = $2 WHERE id = $1", s.Schema)
	tag, err := s.Pool.Exec(ctx, sql, id, time.Now().UnixMilli())
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return db.Errorf(db.KindNotFound, "account %s", id)
	}
	return nil
}

// IDs lists every known account id.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	sql := fmt.Sprintf("SELECT id FROM %s.accounts ORDER BY id", s.Schema)
	rows, err := s.Pool.Query(ctx, sql)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, db.Classify(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return ids, nil
}

// Get fetches one account row.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	sql := fmt.Sprintf("SELECT id, object, api_key_hashes, last_synced_at FROM %s.accounts WHERE id = $1", s.Schema)
	var a Account
	err := s.Pool.QueryRow(ctx, sql, id).Scan(&a.ID, &a.Object, &a.KeyHashes, &a.LastSyncedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	return &a, nil
}

// DangerousDelete removes the account and every row that belongs to it,
// children before parents, in one transaction. Remote webhook cleanup is
// the caller's job; its failures land in Warnings.
func (s *Store) DangerousDelete(ctx context.Context, accountID string) (*DeleteReport, error) {
	report := &DeleteReport{
		DeletedAccountID:    accountID,
		DeletedRecordCounts: map[string]int64{},
		Warnings:            []string{},
	}

	err := db.WithTx(ctx, s.Pool, func(tx pgx.Tx) error {
		if err := db.AdvisoryXactLock(ctx, tx, "delete:"+accountID); err != nil {
			return err
		}

		kinds := registry.All()
		for i := len(kinds) - 1; i >= 0; i-- {
			n, err := s.deleteByAccount(ctx, tx, kinds[i].Table, accountID)
			if err != nil {
				return err
			}
			report.DeletedRecordCounts[kinds[i].Table] = n
		}
		for _, table := range []string{"object_runs", "sync_runs", "sync_cursors", "managed_webhooks"} {
			n, err := s.deleteByAccount(ctx, tx, table, accountID)
			if err != nil {
				return err
			}
			report.DeletedRecordCounts[table] = n
		}

		tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s.accounts WHERE id = $1", s.Schema), accountID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return db.Errorf(db.KindNotFound, "account %s", accountID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().Str("account", accountID).Interface("counts", report.DeletedRecordCounts).Msg("account deleted")
	return report, nil
}

func (s *Store) deleteByAccount(ctx context.Context, tx pgx.Tx, table, accountID string) (int64, error) {
	sql := fmt.Sprintf("WITH del AS (DELETE FROM %s.%s WHERE account_id = $1 RETURNING 1) SELECT count(*) FROM del", s.Schema, table)
	var n int64
	if err := tx.QueryRow(ctx, sql, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return n, nil
}
