package store

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/model"
)

// CreateTemplate inserts t, assigning an ID when it has none.
func (s *Store) CreateTemplate(ctx context.Context, t *model.Template) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{}
	}

	params, err := encodeJSON(t.Parameters)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO templates (id, name, category, parameters, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Category, params, toMillis(t.CreatedAt),
	); err != nil {
		return accessError("create_template", err)
	}

	return nil
}

// GetTemplate returns the template with the given ID.
func (s *Store) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, parameters, created_at FROM templates WHERE id = ?`, id)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New().WithData(ErrNotFound, struct {
			Template string
		}{
			Template: id,
		})
	}
	return t, err
}

// ListTemplates returns all templates ordered by category and name.
func (s *Store) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, parameters, created_at FROM templates ORDER BY category, name`)
	if err != nil {
		return nil, accessError("list_templates", err)
	}
	defer rows.Close()

	out := []model.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, accessError("list_templates", err)
	}

	return out, nil
}

func scanTemplate(sc scanner) (*model.Template, error) {
	var (
		t         model.Template
		params    string
		createdAt int64
	)

	err := sc.Scan(&t.ID, &t.Name, &t.Category, &params, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, accessError("scan_template", err)
	}

	t.CreatedAt = fromMillis(createdAt)
	t.Parameters = map[string]any{}
	if err := decodeJSON(params, &t.Parameters); err != nil {
		return nil, err
	}

	return &t, nil
}
