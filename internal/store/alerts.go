package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/model"
)

const alertColumns = `id, device_id, experiment_id, type, category, field, message, severity,
	created_at, resolved_at, resolved_by, acknowledged_at, acknowledged_by`

const insertAlertSQL = `
    INSERT INTO alerts (
        id, device_id, experiment_id, type, category, field, message, severity, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertAlerts stores the batch in one transaction, assigning IDs in place.
func (s *Store) InsertAlerts(ctx context.Context, alerts []model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertAlertSQL)
		if err != nil {
			return errors.New().Wrap(ErrTransactionFailed, err)
		}
		defer stmt.Close()

		for i := range alerts {
			a := &alerts[i]
			if a.ID == "" {
				a.ID = newID()
			}

			if _, err := stmt.ExecContext(ctx,
				a.ID,
				nullString(a.DeviceID),
				nullString(a.ExperimentID),
				string(a.Type),
				string(a.Category),
				a.Field,
				a.Message,
				a.Severity,
				toMillis(a.CreatedAt),
			); err != nil {
				return accessError("insert_alert", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Int("alerts", len(alerts)).Msg("Alerts stored")

	return nil
}

// GetAlert returns the alert with the given ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New().WithData(ErrNotFound, struct {
			Alert string
		}{
			Alert: id,
		})
	}
	return a, err
}

// ListAlerts returns alerts matching f, newest first.
func (s *Store) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	var (
		where []string
		args  []any
	)

	if f.ExperimentID != "" {
		where = append(where, "experiment_id = ?")
		args = append(args, f.ExperimentID)
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Unresolved {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, accessError("list_alerts", err)
	}
	defer rows.Close()

	out := []model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, accessError("list_alerts", err)
	}

	return out, nil
}

// AcknowledgeAlert records who acknowledged the alert. The first
// acknowledgement wins.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error) {
	_, err := s.db.ExecContext(ctx, `
        UPDATE alerts SET acknowledged_at = ?, acknowledged_by = ?
        WHERE id = ? AND acknowledged_at IS NULL`, toMillis(at), by, id)
	if err != nil {
		return nil, accessError("acknowledge_alert", err)
	}
	return s.GetAlert(ctx, id)
}

// ResolveAlert records who resolved the alert. The first resolution wins.
func (s *Store) ResolveAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error) {
	_, err := s.db.ExecContext(ctx, `
        UPDATE alerts SET resolved_at = ?, resolved_by = ?
        WHERE id = ? AND resolved_at IS NULL`, toMillis(at), by, id)
	if err != nil {
		return nil, accessError("resolve_alert", err)
	}
	return s.GetAlert(ctx, id)
}

func scanAlert(sc scanner) (*model.Alert, error) {
	var (
		a            model.Alert
		deviceID     sql.NullString
		experimentID sql.NullString
		typ          string
		category     string
		createdAt    int64
		resolvedAt   sql.NullInt64
		ackAt        sql.NullInt64
	)

	err := sc.Scan(
		&a.ID, &deviceID, &experimentID, &typ, &category, &a.Field, &a.Message, &a.Severity,
		&createdAt, &resolvedAt, &a.ResolvedBy, &ackAt, &a.AcknowledgedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, accessError("scan_alert", err)
	}

	a.DeviceID = deviceID.String
	a.ExperimentID = experimentID.String
	a.Type = model.AlertType(typ)
	a.Category = model.AlertCategory(category)
	a.CreatedAt = fromMillis(createdAt)
	a.ResolvedAt = timePtr(resolvedAt)
	a.AcknowledgedAt = timePtr(ackAt)

	return &a, nil
}
