// Package migrate owns the schema. Migrations are a named, ordered
// bundle; `_migrations` records which names ran so re-running Apply is
// cheap. Schema evolution is append-only: new entries may add tables,
// columns, or indexes, never drop or narrow.
package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/registry"
)

// Migration is one named DDL step. SQL may use {{schema}}.
type Migration struct {
	Name string
	SQL  string
}

// fkColumns are the extracted columns that carry a real foreign key.
// Parents are backfilled first (registry priority), so these hold during
// backfill; event-path violations are handled by the upserter.
var fkColumns = map[string]string{
	"subscriptions.customer":          "customers",
	"invoices.customer":               "customers",
	"prices.product":                  "products",
	"subscription_items.subscription": "subscriptions",
}

// entityDDL renders the uniform entity table for one registry kind:
// raw document plus extracted generated columns for joins.
func entityDDL(k registry.Kind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS {{schema}}.%s (\n", k.Table)
	b.WriteString("  id TEXT PRIMARY KEY,\n")
	b.WriteString("  object JSONB NOT NULL,\n")
	b.WriteString("  account_id TEXT NOT NULL,\n")
	b.WriteString("  last_synced_at BIGINT NOT NULL,\n")
	b.WriteString("  deleted BOOLEAN NOT NULL DEFAULT FALSE")
	for _, ref := range k.Refs {
		fmt.Fprintf(&b, ",\n  %s TEXT GENERATED ALWAYS AS (object->>'%s') STORED", ref.Field, ref.Field)
		if target, ok := fkColumns[k.Table+"."+ref.Field]; ok {
			fmt.Fprintf(&b, " REFERENCES {{schema}}.%s (id)", target)
		}
	}
	b.WriteString("\n);\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s_account_id_idx ON {{schema}}.%s (account_id);\n", k.Table, k.Table)
	for _, ref := range k.Refs {
		if _, ok := fkColumns[k.Table+"."+ref.Field]; ok {
			fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s_%s_idx ON {{schema}}.%s (%s);\n", k.Table, ref.Field, k.Table, ref.Field)
		}
	}
	return b.String()
}

// Bundle returns the full ordered migration set. Entity DDL is derived
// from the registry so a new kind only needs a registry entry plus a new
// named migration for its table.
func Bundle() []Migration {
	var entities strings.Builder
	for _, k := range registry.All() {
		entities.WriteString(entityDDL(k))
	}

	return []Migration{
		{Name: "0001_accounts", SQL: `
CREATE TABLE IF NOT EXISTS {{schema}}.accounts (
  id TEXT PRIMARY KEY,
  object JSONB NOT NULL,
  api_key_hashes TEXT[] NOT NULL DEFAULT '{}',
  last_synced_at BIGINT NOT NULL DEFAULT 0,
  CONSTRAINT accounts_id_matches_object CHECK (id = object->>'id')
);
`},
		{Name: "0002_entities", SQL: entities.String()},
		{Name: "0003_sync_runs", SQL: `
CREATE TABLE IF NOT EXISTS {{schema}}.sync_runs (
  account_id TEXT NOT NULL,
  started_at BIGINT NOT NULL,
  trigger TEXT NOT NULL,
  max_concurrency INT NOT NULL DEFAULT 4,
  closed_at BIGINT,
  PRIMARY KEY (account_id, started_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS sync_runs_one_open_idx
  ON {{schema}}.sync_runs (account_id, trigger) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS {{schema}}.object_runs (
  account_id TEXT NOT NULL,
  run_started_at BIGINT NOT NULL,
  object TEXT NOT NULL,
  created_gte BIGINT NOT NULL DEFAULT 0,
  created_lte BIGINT,
  priority INT NOT NULL DEFAULT 100,
  status TEXT NOT NULL DEFAULT 'pending'
    CONSTRAINT object_runs_status_chk CHECK (status IN ('pending','running','complete','error')),
  cursor BIGINT,
  page_cursor TEXT,
  processed INT NOT NULL DEFAULT 0,
  error TEXT,
  completed_at BIGINT,
  updated_at BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (account_id, run_started_at, object, created_gte),
  FOREIGN KEY (account_id, run_started_at)
    REFERENCES {{schema}}.sync_runs (account_id, started_at) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS object_runs_claim_idx
  ON {{schema}}.object_runs (account_id, run_started_at, status, priority);

CREATE TABLE IF NOT EXISTS {{schema}}.sync_cursors (
  account_id TEXT NOT NULL,
  object TEXT NOT NULL,
  cursor BIGINT NOT NULL,
  updated_at BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (account_id, object)
);
`},
		{Name: "0004_managed_webhooks", SQL: `
CREATE TABLE IF NOT EXISTS {{schema}}.managed_webhooks (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  created_at BIGINT NOT NULL DEFAULT 0,
  CONSTRAINT managed_webhooks_account_url_uniq UNIQUE (account_id, url)
);
`},
		{Name: "0005_rate_counters", SQL: `
CREATE TABLE IF NOT EXISTS {{schema}}.rate_counters (
  name TEXT PRIMARY KEY,
  window_start BIGINT NOT NULL,
  count INT NOT NULL
);
`},
		{Name: "0006_run_summaries", SQL: `
CREATE OR REPLACE VIEW {{schema}}.run_summaries AS
SELECT
  r.account_id,
  r.started_at,
  r.trigger,
  r.max_concurrency,
  r.closed_at,
  count(o.object) AS total,
  count(*) FILTER (WHERE o.status = 'pending')  AS pending,
  count(*) FILTER (WHERE o.status = 'running')  AS running,
  count(*) FILTER (WHERE o.status = 'complete') AS complete,
  count(*) FILTER (WHERE o.status = 'error')    AS error,
  COALESCE(sum(o.processed), 0)::bigint AS processed,
  CASE
    WHEN r.closed_at IS NULL THEN 'running'
    WHEN count(*) FILTER (WHERE o.status = 'error') = 0 THEN 'complete'
    WHEN count(*) FILTER (WHERE o.status = 'complete') = 0 THEN 'error'
    ELSE 'partial'
  END AS status
FROM {{schema}}.sync_runs r
LEFT JOIN {{schema}}.object_runs o
  ON o.account_id = r.account_id AND o.run_started_at = r.started_at
GROUP BY r.account_id, r.started_at, r.trigger, r.max_concurrency, r.closed_at;
`},
	}
}

// Apply runs every pending migration inside one transaction, serialized
// across processes by an advisory lock. Returns the names applied.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) ([]string, error) {
	if strings.ContainsAny(schema, `";`) || schema == "" {
		return nil, db.Errorf(db.KindConfig, "invalid schema name %q", schema)
	}

	var applied []string
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if err := db.AdvisoryXactLock(ctx, tx, "migrate:"+schema); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s._migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())", schema)); err != nil {
			return fmt.Errorf("create ledger: %w", err)
		}

		done := map[string]bool{}
		rows, err := tx.Query(ctx, fmt.Sprintf("SELECT name FROM %s._migrations", schema))
		if err != nil {
			return err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			done[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range Bundle() {
			if done[m.Name] {
				continue
			}
			if _, err := tx.Exec(ctx, strings.ReplaceAll(m.SQL, "{{schema}}", schema)); err != nil {
				return fmt.Errorf("migration %s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s._migrations (name) VALUES ($1)", schema), m.Name); err != nil {
				return fmt.Errorf("record %s: %w", m.Name, err)
			}
			applied = append(applied, m.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		log.Info().Strs("applied", applied).Str("schema", schema).Msg("migrations applied")
	}
	return applied, nil
}

// ColumnDescription declares one extra column on a described table.
// Type names the logical type, not raw SQL.
type ColumnDescription struct {
	Name     string
	Type     string
	Nullable bool
}

// TableDescription declares a mirror table beyond the built-in registry
// set, keeping the uniform entity shape.
type TableDescription struct {
	Name    string
	Columns []ColumnDescription
}

var columnTypes = map[string]string{
	"text":        "TEXT",
	"bigint":      "BIGINT",
	"boolean":     "BOOLEAN",
	"numeric":     "NUMERIC",
	"jsonb":       "JSONB",
	"timestamptz": "TIMESTAMPTZ",
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ApplyDescribedTables creates mirror tables declared at runtime, for
// object kinds beyond the built-in registry set. A missing table is
// created with the uniform entity shape plus its described columns;
// re-describing a table adds newly declared columns as nullable and
// never drops or narrows anything.
func ApplyDescribedTables(ctx context.Context, pool *pgxpool.Pool, schema string, tables []TableDescription) error {
	if strings.ContainsAny(schema, `";`) || schema == "" {
		return db.Errorf(db.KindConfig, "invalid schema name %q", schema)
	}

	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if err := db.AdvisoryXactLock(ctx, tx, "migrate:"+schema); err != nil {
			return err
		}
		for _, t := range tables {
			ddl, err := describedDDL(schema, t)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("describe %s: %w", t.Name, err)
			}
			log.Debug().Str("table", t.Name).Str("schema", schema).Msg("described table ensured")
		}
		return nil
	})
}

func describedDDL(schema string, t TableDescription) (string, error) {
	if !validIdent(t.Name) {
		return "", db.Errorf(db.KindConfig, "invalid table name %q", t.Name)
	}

	cols := make([]string, 0, len(t.Columns))
	alters := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !validIdent(c.Name) {
			return "", db.Errorf(db.KindConfig, "invalid column name %q on table %q", c.Name, t.Name)
		}
		pg, ok := columnTypes[strings.ToLower(c.Type)]
		if !ok {
			return "", db.Errorf(db.KindConfig, "unsupported column type %q for %s.%s", c.Type, t.Name, c.Name)
		}
		null := ""
		if !c.Nullable {
			null = " NOT NULL"
		}
		cols = append(cols, fmt.Sprintf(",\n  %s %s%s", c.Name, pg, null))
		// On a pre-existing table new columns go in nullable; a NOT NULL
		// add would fail against populated rows.
		alters = append(alters, fmt.Sprintf("ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s %s;\n", schema, t.Name, c.Name, pg))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", schema, t.Name)
	b.WriteString("  id TEXT PRIMARY KEY,\n")
	b.WriteString("  object JSONB NOT NULL,\n")
	b.WriteString("  account_id TEXT NOT NULL,\n")
	b.WriteString("  last_synced_at BIGINT NOT NULL,\n")
	b.WriteString("  deleted BOOLEAN NOT NULL DEFAULT FALSE")
	for _, c := range cols {
		b.WriteString(c)
	}
	b.WriteString("\n);\n")
	for _, a := range alters {
		b.WriteString(a)
	}
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s_account_id_idx ON %s.%s (account_id);\n", t.Name, schema, t.Name)
	return b.String(), nil
}
