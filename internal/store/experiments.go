package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/model"
)

const experimentColumns = `id, name, description, template_id, parameters, status,
	created_at, started_at, ended_at, created_by, tags, results`

// CreateExperiment inserts e, assigning an ID when it has none.
func (s *Store) CreateExperiment(ctx context.Context, e *model.Experiment) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Parameters == nil {
		e.Parameters = map[string]any{}
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}

	params, err := encodeJSON(e.Parameters)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(e.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO experiments (
            id, name, description, template_id, parameters, status,
            created_at, created_by, tags
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Name,
		e.Description,
		nullString(e.TemplateID),
		params,
		string(e.Status),
		toMillis(e.CreatedAt),
		e.CreatedBy,
		tags,
	)
	if err != nil {
		return accessError("create_experiment", err)
	}

	s.logger.Debug().Str("experiment_id", e.ID).Str("name", e.Name).Msg("Experiment stored")

	return nil
}

// GetExperiment returns the experiment with the given ID.
func (s *Store) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	return getExperiment(ctx, s.db, id)
}

func getExperiment(ctx context.Context, q queryer, id string) (*model.Experiment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)

	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New().WithData(ErrNotFound, struct {
			Experiment string
		}{
			Experiment: id,
		})
	}
	if err != nil {
		return nil, err
	}

	return e, nil
}

// ListExperiments returns experiments matching f, newest first.
func (s *Store) ListExperiments(ctx context.Context, f model.ExperimentFilter) ([]model.Experiment, error) {
	var (
		where []string
		args  []any
	)

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(experiments.tags) WHERE value = ?)")
		args = append(args, f.Tag)
	}
	if f.Search != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + experimentColumns + ` FROM experiments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, accessError("list_experiments", err)
	}
	defer rows.Close()

	out := []model.Experiment{}
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, accessError("list_experiments", err)
	}

	return out, nil
}

// DeleteExperiments removes the given experiments together with their data
// points and returns how many were removed.
func (s *Store) DeleteExperiments(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Foreign keys cascade as well; the explicit delete keeps the
		// cascade independent of the connection pragma.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM data_points WHERE experiment_id IN (`+placeholders+`)`, args...); err != nil {
			return accessError("delete_data_points", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return accessError("delete_experiments", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return accessError("delete_experiments", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info().Int64("removed", removed).Int("requested", len(ids)).Msg("Experiments deleted")

	return removed, nil
}

// MarkStarted moves a pending experiment to running. It fails with
// ErrStaleStatus when the experiment is no longer pending.
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) (*model.Experiment, error) {
	var e *model.Experiment

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE experiments SET status = ?, started_at = ?
            WHERE id = ? AND status = ?`,
			string(model.StatusRunning), toMillis(at), id, string(model.StatusPending))
		if err != nil {
			return accessError("mark_started", err)
		}
		if err := expectOne(res, id); err != nil {
			return err
		}

		e, err = getExperiment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// MarkEnded moves a running experiment to the final status. Inside the same
// transaction it loads all data points and stores whatever summarize
// returns as results (nil leaves results unset).
func (s *Store) MarkEnded(
	ctx context.Context,
	id string,
	final model.Status,
	at time.Time,
	summarize func([]model.DataPoint) *model.Results,
) (*model.Experiment, error) {
	var e *model.Experiment

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		points, err := listDataPoints(ctx, tx, id)
		if err != nil {
			return err
		}

		var results sql.NullString
		if r := summarize(points); r != nil {
			doc, err := encodeJSON(r)
			if err != nil {
				return err
			}
			results = sql.NullString{String: doc, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
            UPDATE experiments SET status = ?, ended_at = ?, results = ?
            WHERE id = ? AND status = ?`,
			string(final), toMillis(at), results, id, string(model.StatusRunning))
		if err != nil {
			return accessError("mark_ended", err)
		}
		if err := expectOne(res, id); err != nil {
			return err
		}

		e, err = getExperiment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return accessError("rows_affected", err)
	}
	if n == 0 {
		return errors.New().WithData(ErrStaleStatus, struct {
			Experiment string
		}{
			Experiment: id,
		})
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(sc scanner) (*model.Experiment, error) {
	var (
		e          model.Experiment
		templateID sql.NullString
		params     string
		status     string
		createdAt  int64
		startedAt  sql.NullInt64
		endedAt    sql.NullInt64
		tags       string
		results    sql.NullString
	)

	err := sc.Scan(
		&e.ID, &e.Name, &e.Description, &templateID, &params, &status,
		&createdAt, &startedAt, &endedAt, &e.CreatedBy, &tags, &results,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, accessError("scan_experiment", err)
	}

	e.TemplateID = templateID.String
	e.Status = model.Status(status)
	e.CreatedAt = fromMillis(createdAt)
	e.StartedAt = timePtr(startedAt)
	e.EndedAt = timePtr(endedAt)

	e.Parameters = map[string]any{}
	if err := decodeJSON(params, &e.Parameters); err != nil {
		return nil, err
	}
	e.Tags = []string{}
	if err := decodeJSON(tags, &e.Tags); err != nil {
		return nil, err
	}
	if results.Valid {
		e.Results = &model.Results{}
		if err := decodeJSON(results.String, e.Results); err != nil {
			return nil, err
		}
	}

	return &e, nil
}
