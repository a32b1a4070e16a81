package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// AlertStore persists normalized alert documents. Geohash prefixes are
// mirrored out of the attribute map into a TEXT[] column so the planner's
// cell-overlap predicate can hit a GIN index.
type AlertStore struct {
	pool Pool
}

func NewAlertStore(pool Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

const documentColumns = `id, identifier, source_url, feed_url, crawl_id, sent, expires, attributes, raw_hash, blob_uri, fetched_at`

func (s *AlertStore) UpsertDocument(ctx context.Context, doc alert.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_documents (id, identifier, source_url, feed_url, crawl_id, sent, expires, attributes, geohashes, raw_hash, blob_uri, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			identifier = EXCLUDED.identifier,
			source_url = EXCLUDED.source_url,
			feed_url = EXCLUDED.feed_url,
			crawl_id = EXCLUDED.crawl_id,
			sent = EXCLUDED.sent,
			expires = EXCLUDED.expires,
			attributes = EXCLUDED.attributes,
			geohashes = EXCLUDED.geohashes,
			raw_hash = EXCLUDED.raw_hash,
			blob_uri = EXCLUDED.blob_uri,
			fetched_at = EXCLUDED.fetched_at`,
		doc.ID, doc.Identifier, doc.SourceURL, doc.FeedURL, doc.CrawlID,
		doc.Sent, doc.Expires, doc.Attributes, geohashColumn(doc.Attributes),
		doc.RawHash, doc.BlobURI, doc.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// geohashColumn never returns nil so the NOT NULL column stays satisfied.
func geohashColumn(attrs alert.Attributes) []string {
	if cells := attrs.Get(alert.AttrAreaGeohash); cells != nil {
		return cells
	}
	return []string{}
}

func (s *AlertStore) GetDocument(ctx context.Context, id string) (alert.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM alert_documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *AlertStore) SearchDocuments(ctx context.Context, q store.DocumentQuery) ([]alert.Document, bool, error) {
	if q.Limit <= 0 {
		return nil, false, fmt.Errorf("search requires a positive limit")
	}
	query, args := buildSearchQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var docs []alert.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, false, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate documents: %w", err)
	}
	// One extra row was requested to detect truncation.
	if len(docs) > q.Limit {
		return docs[:q.Limit], true, nil
	}
	return docs, false, nil
}

// buildSearchQuery assembles the primary query. Attribute names are walked
// in sorted order so the generated SQL is stable.
func buildSearchQuery(q store.DocumentQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	names := make([]string, 0, len(q.Attrs))
	for name := range q.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := q.Attrs[name]
		if len(values) == 0 {
			continue
		}
		where = append(where, fmt.Sprintf("attributes->%s ?| %s", arg(name), arg(values)))
	}
	if q.SentAfter != nil {
		where = append(where, fmt.Sprintf("sent > %s", arg(*q.SentAfter)))
	}
	if q.SentBefore != nil {
		where = append(where, fmt.Sprintf("sent < %s", arg(*q.SentBefore)))
	}
	if len(q.GeohashCells) > 0 {
		where = append(where, fmt.Sprintf("geohashes && %s", arg(q.GeohashCells)))
	}
	if len(q.CrawlIDs) > 0 {
		where = append(where, fmt.Sprintf("crawl_id = ANY(%s)", arg(q.CrawlIDs)))
	}
	if q.AfterCrawlID != "" {
		a, b := arg(q.AfterCrawlID), arg(q.AfterIdentifier)
		where = append(where, fmt.Sprintf("(crawl_id < %s OR (crawl_id = %s AND identifier > %s))", a, a, b))
	}

	query := `SELECT ` + documentColumns + ` FROM alert_documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY crawl_id DESC, identifier ASC LIMIT %s", arg(q.Limit+1))
	return query, args
}

func (s *AlertStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_documents WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDocument(row pgx.Row) (alert.Document, error) {
	var doc alert.Document
	err := row.Scan(
		&doc.ID, &doc.Identifier, &doc.SourceURL, &doc.FeedURL, &doc.CrawlID,
		&doc.Sent, &doc.Expires, &doc.Attributes, &doc.RawHash, &doc.BlobURI, &doc.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Document{}, store.ErrNotFound
	}
	if err != nil {
		return alert.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}
