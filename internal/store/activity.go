package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// User action kinds.
const (
	ActionStar    = "star"
	ActionRead    = "read"
	ActionArchive = "archive"
	ActionDelete  = "delete"
	ActionIgnore  = "ignore"
)

// itemStatusFor maps an action kind to the item status it implies.
var itemStatusFor = map[string]string{
	ActionRead:    "read",
	ActionArchive: "archived",
	ActionDelete:  "deleted",
}

// RecordAction appends a feedback event and advances the item's lifecycle
// state in the same transaction.
func (s *SQLiteStore) RecordAction(ctx context.Context, a *UserAction) error {
	if a.User == "" {
		a.User = "default"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin action: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_actions (user, item_id, kind, created_at)
		VALUES (?, ?, ?, ?)
	`, a.User, a.ItemID, a.Kind, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record action %s on %s: %w", a.Kind, a.ItemID, err)
	}
	a.ID, _ = res.LastInsertId()

	if a.Kind == ActionStar {
		if _, err := tx.ExecContext(ctx, "UPDATE items SET starred = 1 WHERE id = ?", a.ItemID); err != nil {
			return fmt.Errorf("star item %s: %w", a.ItemID, err)
		}
	} else if status, ok := itemStatusFor[a.Kind]; ok {
		if _, err := tx.ExecContext(ctx, "UPDATE items SET status = ? WHERE id = ?", status, a.ItemID); err != nil {
			return fmt.Errorf("set item %s status: %w", a.ItemID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) CountActions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM user_actions"); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListPreferences(ctx context.Context) ([]Preference, error) {
	var prefs []Preference
	err := s.db.SelectContext(ctx, &prefs,
		"SELECT * FROM user_preferences ORDER BY feature_type, feature_value")
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	return prefs, nil
}

// UpsertPreferences writes a batch of weights in one transaction.
func (s *SQLiteStore) UpsertPreferences(ctx context.Context, prefs []Preference) error {
	if len(prefs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin preferences: %w", err)
	}
	defer tx.Rollback()

	for i := range prefs {
		p := &prefs[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_preferences (feature_type, feature_value, weight, updated_at, decay_anchor_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(feature_type, feature_value) DO UPDATE SET
				weight = excluded.weight,
				updated_at = excluded.updated_at,
				decay_anchor_at = excluded.decay_anchor_at
		`, p.FeatureType, p.FeatureValue, p.Weight, p.UpdatedAt, p.DecayAnchorAt)
		if err != nil {
			return fmt.Errorf("upsert preference %s/%s: %w", p.FeatureType, p.FeatureValue, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	err := s.db.GetContext(ctx, &a, "SELECT * FROM alerts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	json.Unmarshal([]byte(a.DeliveredJSON), &a.DeliveredChannels)
	return &a, nil
}

func (s *SQLiteStore) ListAlertsByState(ctx context.Context, state string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var alerts []Alert
	err := s.db.SelectContext(ctx, &alerts,
		"SELECT * FROM alerts WHERE state = ? ORDER BY created_at LIMIT ?", state, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts %s: %w", state, err)
	}
	for i := range alerts {
		json.Unmarshal([]byte(alerts[i].DeliveredJSON), &alerts[i].DeliveredChannels)
	}
	return alerts, nil
}

// AlertDelivered reports whether channel already delivered this alert
// successfully. Failed attempts do not count; they may be retried.
func (s *SQLiteStore) AlertDelivered(ctx context.Context, alertID, channel string) (bool, error) {
	a, err := s.GetAlert(ctx, alertID)
	if err != nil {
		return false, err
	}
	for _, d := range a.DeliveredChannels {
		if d.Channel == channel && d.OK {
			return true, nil
		}
	}
	return false, nil
}

// RecordAlertDelivery appends one channel attempt to the alert's delivery
// history.
func (s *SQLiteStore) RecordAlertDelivery(ctx context.Context, alertID, channel string, ok bool, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivery: %w", err)
	}
	defer tx.Rollback()

	var deliveredJSON string
	err = tx.GetContext(ctx, &deliveredJSON, "SELECT delivered_channels FROM alerts WHERE id = ?", alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load alert %s: %w", alertID, err)
	}

	var deliveries []Delivery
	json.Unmarshal([]byte(deliveredJSON), &deliveries)
	deliveries = append(deliveries, Delivery{
		Channel: channel,
		OK:      ok,
		At:      time.Now().UTC(),
		Error:   errMsg,
	})
	buf, _ := json.Marshal(deliveries)

	_, err = tx.ExecContext(ctx, "UPDATE alerts SET delivered_channels = ? WHERE id = ?", string(buf), alertID)
	if err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", alertID, channel, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetAlertState(ctx context.Context, alertID, state string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE alerts SET state = ? WHERE id = ?", state, alertID)
	if err != nil {
		return fmt.Errorf("set alert %s state %s: %w", alertID, state, err)
	}
	return nil
}

func (s *SQLiteStore) RecentCollectionLogs(ctx context.Context, sourceID string, limit int) ([]CollectionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT * FROM collection_log"
	var args []any
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var logs []CollectionLog
	if err := s.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list collection logs: %w", err)
	}
	return logs, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"sources", &st.Sources},
		{"items", &st.Items},
		{"alerts", &st.Alerts},
		{"user_actions", &st.Actions},
		{"user_preferences", &st.Preferences},
		{"collection_log", &st.CollectionLogs},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, "SELECT COUNT(*) FROM "+c.table); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return nil, fmt.Errorf("page size: %w", err)
	}
	st.DatabaseBytes = pageCount * pageSize

	return &st, nil
}

func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
