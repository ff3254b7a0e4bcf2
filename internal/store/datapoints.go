package store

import (
	"context"
	"database/sql"
	"strings"

	"codeberg.org/mutker/pvctl/internal/model"
)

var (
	dataPointColumns = "id, experiment_id, timestamp, " + strings.Join(model.Fields, ", ")

	// The point is only written while its experiment is running, so a
	// concurrent stop cannot be followed by a late insert.
	insertDataPointSQL = `
    INSERT INTO data_points (experiment_id, timestamp, ` + strings.Join(model.Fields, ", ") + `)
    SELECT ?, ?` + strings.Repeat(", ?", len(model.Fields)) + `
    WHERE EXISTS (SELECT 1 FROM experiments WHERE id = ? AND status = ?)`
)

// InsertDataPoint stores p for its running experiment and sets p.ID. It
// fails with ErrStaleStatus when the experiment is not running.
func (s *Store) InsertDataPoint(ctx context.Context, p *model.DataPoint) error {
	args := make([]any, 0, len(model.Fields)+4)
	args = append(args, p.ExperimentID, toMillis(p.Timestamp))
	for _, ref := range p.Refs() {
		args = append(args, nullFloat(*ref))
	}
	args = append(args, p.ExperimentID, string(model.StatusRunning))

	res, err := s.db.ExecContext(ctx, insertDataPointSQL, args...)
	if err != nil {
		return accessError("insert_data_point", err)
	}
	if err := expectOne(res, p.ExperimentID); err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return accessError("insert_data_point", err)
	}
	p.ID = id

	return nil
}

// ListDataPoints returns the points of an experiment in time order.
func (s *Store) ListDataPoints(ctx context.Context, experimentID string) ([]model.DataPoint, error) {
	return listDataPoints(ctx, s.db, experimentID)
}

func listDataPoints(ctx context.Context, q queryer, experimentID string) ([]model.DataPoint, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT `+dataPointColumns+`
        FROM data_points
        WHERE experiment_id = ?
        ORDER BY timestamp, id`, experimentID)
	if err != nil {
		return nil, accessError("list_data_points", err)
	}
	defer rows.Close()

	points := []model.DataPoint{}
	for rows.Next() {
		var (
			p      model.DataPoint
			ts     int64
			values = make([]sql.NullFloat64, len(model.Fields))
		)

		dest := []any{&p.ID, &p.ExperimentID, &ts}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, accessError("scan_data_point", err)
		}

		p.Timestamp = fromMillis(ts)
		for i, ref := range p.Refs() {
			if values[i].Valid {
				*ref = model.Float(values[i].Float64)
			}
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, accessError("list_data_points", err)
	}

	return points, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
