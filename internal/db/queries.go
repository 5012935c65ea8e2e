package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
)

// QuotaPoint is one historical quota reading for a model.
type QuotaPoint struct {
	Timestamp time.Time
	Percent   int
}

// InsertAPICall logs a dispatched upstream call to the database.
func (db *DB) InsertAPICall(call *models.APICall) error {
	query := `
		INSERT INTO api_calls (
			timestamp, account_id, email, model, path, attempt,
			duration_ms, status_code, error, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	timestamp := call.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := db.ExecContext(context.Background(), query,
		timestamp.Unix(),
		call.AccountID,
		call.Email,
		nullString(call.Model),
		nullString(call.Path),
		call.Attempt,
		call.DurationMs,
		call.StatusCode,
		nullString(call.Error),
		nullString(call.RequestID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert API call: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		call.ID = id
	}

	return nil
}

// GetRecentAPICalls returns the most recent API calls.
func (db *DB) GetRecentAPICalls(limit int) ([]models.APICall, error) {
	query := `
		SELECT id, timestamp, account_id, email, model, path, attempt,
			   duration_ms, status_code, error, request_id
		FROM api_calls
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(context.Background(), query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent API calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []models.APICall
	for rows.Next() {
		var call models.APICall
		var ts int64
		var model, path, errStr, reqID sql.NullString

		err := rows.Scan(
			&call.ID,
			&ts,
			&call.AccountID,
			&call.Email,
			&model,
			&path,
			&call.Attempt,
			&call.DurationMs,
			&call.StatusCode,
			&errStr,
			&reqID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan API call: %w", err)
		}

		call.Timestamp = time.Unix(ts, 0)
		call.Model = model.String
		call.Path = path.String
		call.Error = errStr.String
		call.RequestID = reqID.String
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

// SaveCooldown stores the last-fired time of a warmup key.
func (db *DB) SaveCooldown(key string, firedAt time.Time) error {
	query := `
		INSERT INTO warmup_history (history_key, fired_at) VALUES (?, ?)
		ON CONFLICT(history_key) DO UPDATE SET fired_at = excluded.fired_at
	`
	if _, err := db.ExecContext(context.Background(), query, key, firedAt.Unix()); err != nil {
		return fmt.Errorf("failed to save warmup history: %w", err)
	}
	return nil
}

// LoadCooldowns returns every recorded warmup key with its last-fired time.
func (db *DB) LoadCooldowns() (map[string]time.Time, error) {
	rows, err := db.QueryContext(context.Background(), "SELECT history_key, fired_at FROM warmup_history")
	if err != nil {
		return nil, fmt.Errorf("failed to query warmup history: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var ts int64
		if err := rows.Scan(&key, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan warmup history: %w", err)
		}
		out[key] = time.Unix(ts, 0)
	}
	return out, rows.Err()
}

// RecordQuotaSnapshot appends one row per model of a freshly fetched snapshot.
func (db *DB) RecordQuotaSnapshot(snap *models.QuotaSnapshot) error {
	if snap == nil || len(snap.Models) == 0 {
		return nil
	}

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin quota history transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(context.Background(), `
		INSERT INTO quota_history (timestamp, account_id, email, model, percent, reset_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare quota history insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ts := snap.FetchedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	for _, name := range snap.ModelNames() {
		mq := snap.Models[name]
		var reset sql.NullInt64
		if mq.ResetTime != nil {
			reset = sql.NullInt64{Int64: mq.ResetTime.Unix(), Valid: true}
		}
		if _, err := stmt.ExecContext(context.Background(),
			ts.Unix(), snap.AccountID, snap.Email, name, mq.Percent, reset); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert quota history: %w", err)
		}
	}

	return tx.Commit()
}

// GetQuotaHistory returns readings for an account's model since the given
// time, oldest first.
func (db *DB) GetQuotaHistory(email, model string, since time.Time) ([]QuotaPoint, error) {
	query := `
		SELECT timestamp, percent
		FROM quota_history
		WHERE email = ? AND model = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := db.QueryContext(context.Background(), query, email, model, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query quota history: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var points []QuotaPoint
	for rows.Next() {
		var ts int64
		var p QuotaPoint
		if err := rows.Scan(&ts, &p.Percent); err != nil {
			return nil, fmt.Errorf("failed to scan quota history: %w", err)
		}
		p.Timestamp = time.Unix(ts, 0)
		points = append(points, p)
	}
	return points, rows.Err()
}

// LatestQuotaSnapshots rebuilds each account's most recent recorded
// snapshot, keyed by account id.
func (db *DB) LatestQuotaSnapshots() (map[string]*models.QuotaSnapshot, error) {
	query := `
		SELECT q.timestamp, q.account_id, q.email, q.model, q.percent, q.reset_time
		FROM quota_history q
		JOIN (
			SELECT account_id, MAX(timestamp) AS ts FROM quota_history GROUP BY account_id
		) latest ON q.account_id = latest.account_id AND q.timestamp = latest.ts
		ORDER BY q.id ASC
	`

	rows, err := db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest quota: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	out := make(map[string]*models.QuotaSnapshot)
	for rows.Next() {
		var (
			ts        int64
			accountID string
			email     string
			mq        models.ModelQuota
			reset     sql.NullInt64
		)
		if err := rows.Scan(&ts, &accountID, &email, &mq.Name, &mq.Percent, &reset); err != nil {
			return nil, fmt.Errorf("failed to scan latest quota: %w", err)
		}
		if reset.Valid {
			t := time.Unix(reset.Int64, 0)
			mq.ResetTime = &t
		}

		snap, ok := out[accountID]
		if !ok {
			snap = &models.QuotaSnapshot{
				FetchedAt: time.Unix(ts, 0),
				Models:    make(map[string]models.ModelQuota),
				AccountID: accountID,
				Email:     email,
			}
			out[accountID] = snap
		}
		snap.Models[mq.Name] = mq
	}
	return out, rows.Err()
}

// PruneQuotaHistory deletes readings older than the cutoff.
func (db *DB) PruneQuotaHistory(before time.Time) (int64, error) {
	res, err := db.ExecContext(context.Background(), "DELETE FROM quota_history WHERE timestamp < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune quota history: %w", err)
	}
	return res.RowsAffected()
}

// nullString returns a sql.NullString from a string.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
