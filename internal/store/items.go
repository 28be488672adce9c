package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/sentinelpi/sentinel/pkg/source"
)

func (s *SQLiteStore) ItemExists(ctx context.Context, sourceID, guid string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM items WHERE source_id = ? AND guid = ?", sourceID, guid)
	if err != nil {
		return false, fmt.Errorf("item exists %s/%s: %w", sourceID, guid, err)
	}
	return n > 0, nil
}

// FindByContentHash returns the id of the earliest item carrying hash,
// or ErrNotFound.
func (s *SQLiteStore) FindByContentHash(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		"SELECT id FROM items WHERE content_hash = ? ORDER BY collected_at, id LIMIT 1", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find by content hash: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*source.Item, error) {
	var item source.Item
	err := s.db.GetContext(ctx, &item, "SELECT * FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	decodeItemJSON(&item)
	return &item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error) {
	query := "SELECT * FROM items WHERE 1=1"
	var args []any

	if opts.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, opts.SourceID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if !opts.Since.IsZero() {
		query += " AND collected_at >= ?"
		args = append(args, opts.Since)
	}

	if opts.ByScore {
		query += " ORDER BY relevance_score DESC, published_at DESC, guid"
	} else {
		query += " ORDER BY collected_at DESC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var items []source.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	for i := range items {
		decodeItemJSON(&items[i])
	}
	return items, nil
}

func (s *SQLiteStore) CountItemsBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT source_id, COUNT(*) AS cnt FROM items GROUP BY source_id")
	if err != nil {
		return nil, fmt.Errorf("count items by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var cnt int
		if err := rows.Scan(&id, &cnt); err != nil {
			return nil, err
		}
		counts[id] = cnt
	}
	return counts, rows.Err()
}

// CommitCycle persists the items, staged alerts, the log line and the
// source health counters of one collection cycle atomically.
func (s *SQLiteStore) CommitCycle(ctx context.Context, c *Cycle) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle: %w", err)
	}
	defer tx.Rollback()

	for i := range c.Items {
		if err := insertItem(ctx, tx, &c.Items[i]); err != nil {
			return err
		}
	}
	for i := range c.Alerts {
		if err := insertAlert(ctx, tx, &c.Alerts[i]); err != nil {
			return err
		}
	}

	log := c.Log
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collection_log (source_id, success, items_collected, items_new, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, log.SourceID, log.Success, log.ItemsCollected, log.ItemsNew,
		log.Error, log.DurationMS, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert collection log: %w", err)
	}

	src := c.Source
	_, err = tx.ExecContext(ctx, `
		UPDATE sources SET last_check = ?, last_success = ?, consecutive_errors = ?
		WHERE id = ?
	`, src.LastCheck, src.LastSuccess, src.ConsecutiveErrors, src.ID)
	if err != nil {
		return fmt.Errorf("update source health %s: %w", src.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle %s: %w", src.ID, err)
	}
	return nil
}

func insertItem(ctx context.Context, tx *sqlx.Tx, item *source.Item) error {
	encodeItemJSON(item)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (id, source_id, guid, title, url, author, content, summary,
			published_at, collected_at, image_url, media_urls, language, extra,
			content_hash, status, starred, relevance_score, keywords, tags, duplicate_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, guid) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			author = excluded.author,
			content = excluded.content,
			summary = excluded.summary,
			published_at = excluded.published_at,
			image_url = excluded.image_url,
			media_urls = excluded.media_urls,
			language = excluded.language,
			extra = excluded.extra,
			content_hash = excluded.content_hash,
			relevance_score = excluded.relevance_score,
			keywords = excluded.keywords,
			tags = excluded.tags
	`, item.ID, item.SourceID, item.GUID, item.Title, item.URL, item.Author,
		item.Content, item.Summary, item.PublishedAt, item.CollectedAt,
		item.ImageURL, item.MediaJSON, item.Language, item.ExtraJSON,
		item.ContentHash, item.Status, item.Starred, item.RelevanceScore,
		item.KeywordsJSON, item.TagsJSON, item.DuplicateOf)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.GUID, err)
	}
	return nil
}

func insertAlert(ctx context.Context, tx *sqlx.Tx, a *Alert) error {
	if a.State == "" {
		a.State = AlertPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.DeliveredJSON == "" {
		a.DeliveredJSON = "[]"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (id, item_id, filter_id, severity, state, delivered_channels, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ItemID, a.FilterID, a.Severity, a.State, a.DeliveredJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func encodeItemJSON(item *source.Item) {
	media, _ := json.Marshal(emptyList(item.MediaURLs))
	extra, _ := json.Marshal(item.Extra)
	keywords, _ := json.Marshal(emptyList(item.Keywords))
	tags, _ := json.Marshal(emptyList(item.Tags))
	item.MediaJSON = string(media)
	if item.Extra == nil {
		item.ExtraJSON = "{}"
	} else {
		item.ExtraJSON = string(extra)
	}
	item.KeywordsJSON = string(keywords)
	item.TagsJSON = string(tags)
}

func decodeItemJSON(item *source.Item) {
	json.Unmarshal([]byte(item.MediaJSON), &item.MediaURLs)
	json.Unmarshal([]byte(item.ExtraJSON), &item.Extra)
	json.Unmarshal([]byte(item.KeywordsJSON), &item.Keywords)
	json.Unmarshal([]byte(item.TagsJSON), &item.Tags)
}

func emptyList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
