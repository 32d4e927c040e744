package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/detonator/internal/domain"
)

const (
	insertAlertQuery = `INSERT INTO alerts (alert_id, job_id, external_id, incident_id, source, severity, category, title,
		detection_source, detected_at, raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (job_id, external_id) DO NOTHING`

	listAlertsQuery = `SELECT alert_id, job_id, external_id, incident_id, source, severity, category, title,
		detection_source, detected_at, raw, resolved_at, resolution_comment, created_at
		FROM alerts WHERE job_id = $1 ORDER BY created_at ASC, alert_id ASC`

	resolveAlertQuery = `UPDATE alerts SET resolved_at = $1, resolution_comment = $2
		WHERE job_id = $3 AND external_id = $4`
)

// InsertAlertIfAbsent stores the alert unless the job already has one with
// the same external id. It reports whether a row was written.
func (s *Store) InsertAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}
	if err := alert.Validate(); err != nil {
		return false, err
	}
	if strings.TrimSpace(alert.ID) == "" {
		alert.ID = uuid.NewString()
	}
	rawJSON, err := encodeMetadata(alert.Raw)
	if err != nil {
		return false, fmt.Errorf("encode alert: %w", err)
	}
	createdAt := alert.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res, err := s.db.ExecContext(
		ctx,
		insertAlertQuery,
		alert.ID,
		alert.JobID,
		alert.ExternalID,
		nullIfEmpty(alert.IncidentID),
		string(alert.Source),
		nullIfEmpty(alert.Severity),
		nullIfEmpty(alert.Category),
		nullIfEmpty(alert.Title),
		nullIfEmpty(alert.DetectionSource),
		nullTime(alert.DetectedAt),
		rawJSON,
		createdAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) ListAlerts(ctx context.Context, jobID string) ([]domain.Alert, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listAlertsQuery, strings.TrimSpace(jobID))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Alert, 0)
	for rows.Next() {
		var a domain.Alert
		var source string
		var incident, severity, category, title, detectionSource, comment sql.NullString
		var detectedAt, resolvedAt sql.NullTime
		var rawJSON []byte
		if err := rows.Scan(&a.ID, &a.JobID, &a.ExternalID, &incident, &source, &severity, &category, &title,
			&detectionSource, &detectedAt, &rawJSON, &resolvedAt, &comment, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Source = domain.AlertSource(source)
		a.IncidentID = incident.String
		a.Severity = severity.String
		a.Category = category.String
		a.Title = title.String
		a.DetectionSource = detectionSource.String
		a.DetectedAt = timePtr(detectedAt)
		a.ResolvedAt = timePtr(resolvedAt)
		a.ResolutionComment = comment.String
		a.CreatedAt = a.CreatedAt.UTC()
		if a.Raw, err = decodeMetadata(rawJSON); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func (s *Store) MarkAlertResolved(ctx context.Context, jobID, externalID string, at time.Time, comment string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	res, err := s.db.ExecContext(ctx, resolveAlertQuery, at.UTC(), nullIfEmpty(comment), jobID, externalID)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	return checkAffected(res)
}
