package store

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/model"
)

const deviceColumns = `id, name, type, connection, status, last_seen, last_error`

// UpsertDevice registers d by name. An existing device keeps its ID and
// runtime state while type and connection are refreshed. d.ID is set to
// the stored ID.
func (s *Store) UpsertDevice(ctx context.Context, d *model.Device) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.Status == "" {
		d.Status = model.DeviceOffline
	}

	conn, err := encodeJSON(d.Connection)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
        INSERT INTO devices (id, name, type, connection, status, last_error)
        VALUES (?, ?, ?, ?, ?, '')
        ON CONFLICT(name) DO UPDATE SET
            type = excluded.type,
            connection = excluded.connection
        RETURNING id`,
		d.ID, d.Name, string(d.Type), conn, string(d.Status),
	).Scan(&d.ID)
	if err != nil {
		return accessError("upsert_device", err)
	}

	return nil
}

// GetDevice returns the device with the given ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New().WithData(ErrNotFound, struct {
			Device string
		}{
			Device: id,
		})
	}
	return d, err
}

// ListDevices returns all registered devices ordered by name.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, accessError("list_devices", err)
	}
	defer rows.Close()

	out := []model.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, accessError("list_devices", err)
	}

	return out, nil
}

// TouchDevice records a status report from the device.
func (s *Store) TouchDevice(ctx context.Context, id string, status model.DeviceStatus, seen time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE devices SET status = ?, last_seen = ?, last_error = ?
        WHERE id = ?`, string(status), toMillis(seen), lastErr, id)
	if err != nil {
		return accessError("touch_device", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return accessError("touch_device", err)
	}
	if n == 0 {
		return errors.New().WithData(ErrNotFound, struct {
			Device string
		}{
			Device: id,
		})
	}

	return nil
}

func scanDevice(sc scanner) (*model.Device, error) {
	var (
		d        model.Device
		typ      string
		conn     string
		status   string
		lastSeen sql.NullInt64
	)

	err := sc.Scan(&d.ID, &d.Name, &typ, &conn, &status, &lastSeen, &d.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, accessError("scan_device", err)
	}

	d.Type = model.DeviceType(typ)
	d.Status = model.DeviceStatus(status)
	d.LastSeen = timePtr(lastSeen)
	if err := decodeJSON(conn, &d.Connection); err != nil {
		return nil, err
	}

	return &d, nil
}
