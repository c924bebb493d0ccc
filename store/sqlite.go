// SPDX-License-Identifier: MIT
// Attestation Gateway - SQLite audit sink and trust scorer
//
// Persistent AuditSink and TrustScorer backed by the database opened by
// OpenDB. Metadata is stored as a JSON object. Trust updates read and
// write the row inside one transaction so concurrent updates for the same
// device never lose an outcome.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/szymonwilczek/attestgw/types"
)

// implements AuditSink using the audit_log table
type SQLiteAuditSink struct {
	db *sql.DB
}

func NewSQLiteAuditSink(db *sql.DB) *SQLiteAuditSink {
	return &SQLiteAuditSink{db: db}
}

func (s *SQLiteAuditSink) Append(ctx context.Context, e AuditLogEntry) error {
	if err := prepare(&e); err != nil {
		return err
	}

	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log
		 (timestamp, request_id, device_id, platform, validator, fingerprint,
		  result, reason, error_detail, metadata, duration_ms, cached)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.RequestID, e.DeviceID, string(e.Platform), e.Validator, e.Fingerprint,
		string(e.Result), string(e.Reason), e.ErrorDetail, string(metadata), e.DurationMs, e.Cached,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteAuditSink) Query(ctx context.Context, f AuditFilter) ([]AuditLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, string(f.Platform))
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(f.Result))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, timestamp, request_id, device_id, platform, validator, fingerprint,
	                 result, reason, error_detail, metadata, duration_ms, cached
	          FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var (
			e                        AuditLogEntry
			platform, result, reason string
			metadata                 string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RequestID, &e.DeviceID, &platform, &e.Validator,
			&e.Fingerprint, &result, &reason, &e.ErrorDetail, &metadata, &e.DurationMs, &e.Cached); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Platform = types.Platform(platform)
		e.Result = types.Status(result)
		e.Reason = types.Reason(reason)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// implements TrustScorer using the trust_scores table
type SQLiteTrustScorer struct {
	db     *sql.DB
	policy TrustPolicy
}

func NewSQLiteTrustScorer(db *sql.DB, policy TrustPolicy) *SQLiteTrustScorer {
	return &SQLiteTrustScorer{db: db, policy: policy}
}

const trustColumns = `device_id, score, consecutive_successes, total_validations, total_failures, first_seen, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrust(row rowScanner) (TrustScore, error) {
	var s TrustScore
	err := row.Scan(&s.DeviceID, &s.Score, &s.ConsecutiveSuccesses,
		&s.TotalValidations, &s.TotalFailures, &s.FirstSeen, &s.LastSeen)
	return s, err
}

func (s *SQLiteTrustScorer) Update(ctx context.Context, deviceID string, status types.Status, at time.Time) (TrustScore, error) {
	if deviceID == "" {
		return TrustScore{}, ErrMissingDeviceID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TrustScore{}, fmt.Errorf("begin trust update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanTrust(tx.QueryRowContext(ctx,
		"SELECT "+trustColumns+" FROM trust_scores WHERE device_id = ?", deviceID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return TrustScore{}, fmt.Errorf("read trust score: %w", err)
	}

	next := s.policy.Apply(current, status, at)
	next.DeviceID = deviceID

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trust_scores (`+trustColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			score = excluded.score,
			consecutive_successes = excluded.consecutive_successes,
			total_validations = excluded.total_validations,
			total_failures = excluded.total_failures,
			last_seen = excluded.last_seen`,
		next.DeviceID, next.Score, next.ConsecutiveSuccesses,
		next.TotalValidations, next.TotalFailures, next.FirstSeen, next.LastSeen,
	)
	if err != nil {
		return TrustScore{}, fmt.Errorf("write trust score: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TrustScore{}, fmt.Errorf("commit trust score: %w", err)
	}
	return next, nil
}

func (s *SQLiteTrustScorer) Get(ctx context.Context, deviceID string) (TrustScore, bool, error) {
	score, err := scanTrust(s.db.QueryRowContext(ctx,
		"SELECT "+trustColumns+" FROM trust_scores WHERE device_id = ?", deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return TrustScore{}, false, nil
	}
	if err != nil {
		return TrustScore{}, false, fmt.Errorf("read trust score: %w", err)
	}
	return score, true, nil
}

func (s *SQLiteTrustScorer) List(ctx context.Context, limit int) ([]TrustScore, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+trustColumns+" FROM trust_scores ORDER BY last_seen DESC, device_id LIMIT ?",
		AuditFilter{Limit: limit}.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("list trust scores: %w", err)
	}
	defer rows.Close()

	var scores []TrustScore
	for rows.Next() {
		score, err := scanTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust score: %w", err)
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}
