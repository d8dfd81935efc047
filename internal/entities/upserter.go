package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/metrics"
	"github.com/erauner12/stripesync/internal/registry"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

// ProviderClient is the slice of the API client the upserter needs for
// revalidation, sublist expansion, and parent backfill. Nil disables
// all three.
type ProviderClient interface {
	Retrieve(ctx context.Context, path, id string) (map[string]any, error)
	ListURL(ctx context.Context, rel, startingAfter string) (*stripeapi.List, error)
}

// Options toggle the enrichment passes around the core write.
type Options struct {
	AutoExpandLists bool
	BackfillRelated bool
	Revalidate      bool
}

// RowError is one document that could not be written.
type RowError struct {
	ID  string
	Err error
}

// Outcome aggregates per-row results for one batch. Skipped rows lost
// the timestamp race to a newer write; Ignored ones carried an unknown
// object discriminator.
type Outcome struct {
	Inserted int
	Updated  int
	Skipped  int
	Ignored  int
	Errored  int
	Errors   []RowError
}

func (o *Outcome) fail(id string, err error) {
	o.Errored++
	o.Errors = append(o.Errors, RowError{ID: id, Err: err})
}

// ErrorSummary folds row errors into one message for run bookkeeping.
func (o *Outcome) ErrorSummary() string {
	if len(o.Errors) == 0 {
		return ""
	}
	parts := make([]string, 0, len(o.Errors))
	for i, re := range o.Errors {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(o.Errors)-3))
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %v", re.ID, re.Err))
	}
	return strings.Join(parts, "; ")
}

// Upserter writes batches of provider documents. The destination table
// comes from each document's object discriminator; writes keep the
// newest version by last_synced_at.
type Upserter struct {
	Pool     *pgxpool.Pool
	Schema   string
	Provider ProviderClient
	Opts     Options
}

// Upsert writes a batch for one account. lastSyncedAt is the write's
// logical timestamp (event created in ms, or now for backfill pages).
// The returned error is reserved for batch-level failures worth
// retrying whole (transient DB trouble, cancellation); row-level
// problems land in the Outcome.
func (u *Upserter) Upsert(ctx context.Context, items []Doc, accountID string, lastSyncedAt int64) (*Outcome, error) {
	out := &Outcome{}

	groups := map[string][]Doc{}
	var order []string
	for _, doc := range items {
		name := kindOf(doc)
		if _, ok := registry.ByName(name); !ok || docID(doc) == "" {
			log.Debug().Str("object", name).Str("id", docID(doc)).Msg("ignoring untracked object")
			out.Ignored++
			metrics.RowsUpserted.WithLabelValues(name, "ignored").Inc()
			continue
		}
		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		groups[name] = append(groups[name], doc)
	}

	for _, name := range order {
		k, _ := registry.ByName(name)
		if err := u.upsertKind(ctx, k, dedupByID(groups[name]), accountID, lastSyncedAt, 0, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// dedupByID keeps the last occurrence of each id so one multi-row
// statement never touches the same row twice.
func dedupByID(docs []Doc) []Doc {
	idx := map[string]int{}
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if i, ok := idx[docID(d)]; ok {
			out[i] = d
			continue
		}
		idx[docID(d)] = len(out)
		out = append(out, d)
	}
	return out
}

func (u *Upserter) upsertKind(ctx context.Context, k registry.Kind, docs []Doc, accountID string, lastSyncedAt int64, depth int, out *Outcome) error {
	if depth == 0 && u.Opts.Revalidate && u.Provider != nil && k.Revalidatable() {
		docs = u.revalidate(ctx, k, docs, accountID, lastSyncedAt, out)
	}
	if u.Opts.AutoExpandLists && u.Provider != nil {
		for _, doc := range docs {
			for _, path := range k.ExpandPaths {
				if err := u.expandList(ctx, doc, path); err != nil {
					log.Warn().Err(err).Str("object", k.Name).Str("id", docID(doc)).Str("path", path).
						Msg("sublist expansion failed, keeping truncated list")
				}
			}
		}
	}
	if depth == 0 && u.Opts.BackfillRelated && u.Provider != nil {
		u.ensureParents(ctx, k, docs, accountID, depth, out)
	}

	rows := u.encodeRows(k, docs, out)
	if len(rows) == 0 {
		return nil
	}

	err := u.writeRows(ctx, k, rows, accountID, lastSyncedAt, out)
	if err == nil {
		return nil
	}
	if db.IsTransient(err) || ctx.Err() != nil {
		return db.Classify(err)
	}

	// The grouped statement failed outright. Degrade to row-at-a-time so
	// one poisoned document cannot sink its whole page.
	log.Warn().Err(err).Str("object", k.Name).Int("rows", len(rows)).Msg("batch upsert failed, retrying per row")
	for _, r := range rows {
		u.writeRowWithRetry(ctx, k, r, accountID, lastSyncedAt, depth, out)
	}
	return nil
}

// row is one encoded document ready to write.
type row struct {
	doc Doc
	id  string
	raw []byte
}

func (u *Upserter) encodeRows(k registry.Kind, docs []Doc, out *Outcome) []row {
	rows := make([]row, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			out.fail(docID(doc), db.Errorf(db.KindPermanent, "encode %s %s: %v", k.Name, docID(doc), err))
			metrics.RowsUpserted.WithLabelValues(k.Name, "errored").Inc()
			continue
		}
		rows = append(rows, row{doc: doc, id: docID(doc), raw: raw})
	}
	return rows
}

func (u *Upserter) writeRowWithRetry(ctx context.Context, k registry.Kind, r row, accountID string, lastSyncedAt int64, depth int, out *Outcome) {
	err := u.writeRows(ctx, k, []row{r}, accountID, lastSyncedAt, out)
	if err == nil {
		return
	}
	if db.IsForeignKeyViolation(err) && depth == 0 && u.Opts.BackfillRelated && u.Provider != nil {
		u.ensureParents(ctx, k, []Doc{r.doc}, accountID, depth, out)
		if err = u.writeRows(ctx, k, []row{r}, accountID, lastSyncedAt, out); err == nil {
			return
		}
	}
	log.Error().Err(err).Str("object", k.Name).Str("id", r.id).Msg("row upsert failed")
	out.fail(r.id, db.Classify(err))
	metrics.RowsUpserted.WithLabelValues(k.Name, "errored").Inc()
}

// writeRows runs one multi-row LWW upsert and records outcomes unless
// the statement itself fails, in which case the caller owns accounting.
func (u *Upserter) writeRows(ctx context.Context, k registry.Kind, rows []row, accountID string, lastSyncedAt int64, out *Outcome) error {
	var (
		values []string
		args   []any
	)
	for i, r := range rows {
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4))
		args = append(args, r.id, r.raw, accountID, lastSyncedAt)
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s.%s AS t (id, object, account_id, last_synced_at)
		VALUES %s
		ON CONFLICT (id) DO UPDATE SET
			object = EXCLUDED.object,
			account_id = EXCLUDED.account_id,
			last_synced_at = EXCLUDED.last_synced_at,
			deleted = FALSE
		WHERE EXCLUDED.last_synced_at >= t.last_synced_at
		RETURNING id, (xmax = 0) AS inserted`,
		u.Schema, k.Table, strings.Join(values, ", "))

	res, err := u.Pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	affected := map[string]bool{}
	for res.Next() {
		var id string
		var inserted bool
		if err := res.Scan(&id, &inserted); err != nil {
			res.Close()
			return err
		}
		affected[id] = inserted
	}
	res.Close()
	if err := res.Err(); err != nil {
		return err
	}

	for _, r := range rows {
		inserted, ok := affected[r.id]
		switch {
		case !ok:
			out.Skipped++
			metrics.RowsUpserted.WithLabelValues(k.Name, "skipped").Inc()
		case inserted:
			out.Inserted++
			metrics.RowsUpserted.WithLabelValues(k.Name, "inserted").Inc()
		default:
			out.Updated++
			metrics.RowsUpserted.WithLabelValues(k.Name, "updated").Inc()
		}
	}
	return nil
}

// revalidate swaps each payload for the provider's current document.
// An object the provider no longer knows becomes a tombstone.
func (u *Upserter) revalidate(ctx context.Context, k registry.Kind, docs []Doc, accountID string, lastSyncedAt int64, out *Outcome) []Doc {
	kept := docs[:0]
	for _, doc := range docs {
		fresh, err := u.Provider.Retrieve(ctx, k.RetrievePath, docID(doc))
		switch {
		case err == nil:
			kept = append(kept, fresh)
		case stripeapi.IsResourceMissing(err):
			if _, derr := u.SoftDelete(ctx, k.Name, docID(doc), accountID, lastSyncedAt); derr != nil {
				out.fail(docID(doc), derr)
			} else {
				log.Info().Str("object", k.Name).Str("id", docID(doc)).Msg("gone upstream, tombstoned")
			}
		default:
			// Keep the delivered payload; it is still signed truth.
			log.Warn().Err(err).Str("object", k.Name).Str("id", docID(doc)).Msg("revalidation failed, using payload")
			kept = append(kept, doc)
		}
	}
	return kept
}

// ensureParents fetches and writes referenced documents that are not in
// the store yet, one level deep.
func (u *Upserter) ensureParents(ctx context.Context, k registry.Kind, docs []Doc, accountID string, depth int, out *Outcome) {
	for _, ref := range k.Refs {
		parent, ok := registry.ByName(ref.Kind)
		if !ok || parent.RetrievePath == "" {
			continue
		}
		seen := map[string]bool{}
		var ids []string
		for _, doc := range docs {
			if v := refValue(doc, ref.Field); v != "" && !seen[v] {
				seen[v] = true
				ids = append(ids, v)
			}
		}
		if len(ids) == 0 {
			continue
		}
		missing, err := u.missingIDs(ctx, parent.Table, ids)
		if err != nil {
			log.Warn().Err(err).Str("table", parent.Table).Msg("parent presence check failed")
			continue
		}
		for _, id := range missing {
			doc, err := u.Provider.Retrieve(ctx, parent.RetrievePath, id)
			if err != nil {
				if stripeapi.IsResourceMissing(err) {
					log.Debug().Str("object", parent.Name).Str("id", id).Msg("referenced object gone upstream")
					continue
				}
				log.Warn().Err(err).Str("object", parent.Name).Str("id", id).Msg("parent fetch failed")
				continue
			}
			if err := u.upsertKind(ctx, parent, []Doc{doc}, accountID, time.Now().UnixMilli(), depth+1, out); err != nil {
				log.Warn().Err(err).Str("object", parent.Name).Str("id", id).Msg("parent upsert failed")
			}
		}
	}
}

func (u *Upserter) missingIDs(ctx context.Context, table string, ids []string) ([]string, error) {
	sql := fmt.Sprintf("SELECT id FROM %s.%s WHERE id = ANY($1)", u.Schema, table)
	res, err := u.Pool.Query(ctx, sql, ids)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer res.Close()

	present := map[string]bool{}
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, db.Classify(err)
		}
		present[id] = true
	}
	if err := res.Err(); err != nil {
		return nil, db.Classify(err)
	}

	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// expandList walks a truncated embedded sublist to completion using the
// relative URL the provider put in the stub.
func (u *Upserter) expandList(ctx context.Context, doc Doc, path string) error {
	stub, ok := listStub(doc[path])
	if !ok {
		return nil
	}
	if hasMore, _ := stub["has_more"].(bool); !hasMore {
		return nil
	}
	rel, _ := stub["url"].(string)
	if rel == "" {
		return nil
	}

	data, _ := stub["data"].([]any)
	after := ""
	if len(data) > 0 {
		if last, ok := data[len(data)-1].(map[string]any); ok {
			after, _ = last["id"].(string)
		}
	}
	for {
		page, err := u.Provider.ListURL(ctx, rel, after)
		if err != nil {
			return err
		}
		if len(page.Data) == 0 {
			break
		}
		for _, item := range page.Data {
			data = append(data, item)
		}
		after, _ = page.Data[len(page.Data)-1]["id"].(string)
		if !page.HasMore {
			break
		}
	}
	stub["data"] = data
	stub["has_more"] = false
	return nil
}

// SoftDelete writes a deletion tombstone. Absent rows get a stub so a
// late update older than the deletion cannot resurrect the object. The
// bool reports whether the tombstone won the timestamp race.
func (u *Upserter) SoftDelete(ctx context.Context, kindName, id, accountID string, lastSyncedAt int64) (bool, error) {
	k, ok := registry.ByName(kindName)
	if !ok {
		return false, db.Errorf(db.KindPermanent, "unknown object kind %q", kindName)
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s.%s AS t (id, object, account_id, last_synced_at, deleted)
		VALUES ($1, jsonb_build_object('id', $1::text, 'object', $2::text), $3, $4, TRUE)
		ON CONFLICT (id) DO UPDATE SET
			deleted = TRUE,
			last_synced_at = EXCLUDED.last_synced_at
		WHERE EXCLUDED.last_synced_at >= t.last_synced_at`,
		u.Schema, k.Table)
	tag, err := u.Pool.Exec(ctx, sql, id, k.Name, accountID, lastSyncedAt)
	if err != nil {
		return false, db.Classify(err)
	}
	return tag.RowsAffected() > 0, nil
}
