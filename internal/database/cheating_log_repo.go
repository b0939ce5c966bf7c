package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

const defaultLogLimit = 100

type CheatingLogRepository struct {
	db *DB
}

func NewCheatingLogRepository(db *DB) *CheatingLogRepository {
	return &CheatingLogRepository{db: db}
}

// SaveLog inserts a row. Empty IDs are generated and the description is
// cleaned before storage.
func (r *CheatingLogRepository) SaveLog(ctx context.Context, entry *models.CheatingLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Description = models.CleanDescription(entry.Description)
	entry.CreatedAt = time.Now().UTC()
	if entry.DetectedAt.IsZero() {
		entry.DetectedAt = entry.CreatedAt
	}
	entry.DetectedAt = entry.DetectedAt.UTC()

	query := r.db.rebind(`
		INSERT INTO cheating_logs
			(id, exam_session_id, candidate_id, incident_type, severity, description, evidence_path, detected_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.conn.ExecContext(ctx, query,
		entry.ID, entry.ExamSessionID, entry.CandidateID, entry.IncidentType, entry.Severity,
		entry.Description, nullString(entry.EvidencePath), entry.DetectedAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cheating log: %w", err)
	}
	return nil
}

// ListByCandidate returns a candidate's logs for one exam session, newest first.
func (r *CheatingLogRepository) ListByCandidate(ctx context.Context, examSessionID, candidateID string, filter models.LogFilter) ([]models.CheatingLog, error) {
	var where []string
	args := []any{examSessionID, candidateID}
	where = append(where, "exam_session_id = ?", "candidate_id = ?")

	if !filter.From.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "detected_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Type != "" {
		where = append(where, "incident_type = ?")
		args = append(args, filter.Type)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	args = append(args, limit)

	query := r.db.rebind(selectLogs + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY detected_at DESC LIMIT ?")

	return r.query(ctx, query, args...)
}

// ListRecent returns the newest logs across all sessions.
func (r *CheatingLogRepository) ListRecent(ctx context.Context, limit int) ([]models.CheatingLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return r.query(ctx, r.db.rebind(selectLogs+" ORDER BY detected_at DESC LIMIT ?"), limit)
}

// CountBySeverity groups a candidate's logs by severity label.
func (r *CheatingLogRepository) CountBySeverity(ctx context.Context, examSessionID, candidateID string) (map[string]int, error) {
	query := r.db.rebind(`
		SELECT severity, COUNT(*) FROM cheating_logs
		WHERE exam_session_id = ? AND candidate_id = ?
		GROUP BY severity`)

	rows, err := r.db.conn.QueryContext(ctx, query, examSessionID, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to count cheating logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}

const selectLogs = `
	SELECT id, exam_session_id, candidate_id, incident_type, severity, description, evidence_path, detected_at, created_at
	FROM cheating_logs`

func (r *CheatingLogRepository) query(ctx context.Context, query string, args ...any) ([]models.CheatingLog, error) {
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cheating logs: %w", err)
	}
	defer rows.Close()

	logs := []models.CheatingLog{}
	for rows.Next() {
		var l models.CheatingLog
		var evidence sql.NullString
		if err := rows.Scan(&l.ID, &l.ExamSessionID, &l.CandidateID, &l.IncidentType, &l.Severity,
			&l.Description, &evidence, &l.DetectedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cheating log: %w", err)
		}
		l.EvidencePath = evidence.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
