package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrDeviceNotFound = errors.New("device not found")

type Device struct {
	ID        int64
	DeviceID  string
	Name      string
	Type      string
	IsOnline  bool
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeviceModel struct {
	DB DBTX
}

// Register inserts a device or, if the device_id already exists, refreshes
// its name and type. The returned row is identical either way, which makes
// the registration endpoint idempotent.
func (m DeviceModel) Register(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (device_id, name, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE
		SET name = EXCLUDED.name, type = EXCLUDED.type, updated_at = NOW()
		RETURNING id, is_online, last_seen, created_at, updated_at
	`
	var lastSeen sql.NullTime
	err := m.DB.QueryRowContext(ctx, query, d.DeviceID, d.Name, d.Type).Scan(
		&d.ID, &d.IsOnline, &lastSeen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}
	return nil
}

func (m DeviceModel) GetByDeviceID(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT id, device_id, name, type, is_online, last_seen, created_at, updated_at
		FROM devices
		WHERE device_id = $1
	`
	var d Device
	var lastSeen sql.NullTime
	err := m.DB.QueryRowContext(ctx, query, deviceID).Scan(
		&d.ID, &d.DeviceID, &d.Name, &d.Type, &d.IsOnline, &lastSeen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}
	return &d, nil
}

// SetOnline flips the online flag. last_seen is written on both edges so
// status reads stay meaningful while the device is connected.
func (m DeviceModel) SetOnline(ctx context.Context, deviceID string, online bool, lastSeen time.Time) error {
	query := `
		UPDATE devices
		SET is_online = $1, last_seen = $2, updated_at = NOW()
		WHERE device_id = $3
	`
	res, err := m.DB.ExecContext(ctx, query, online, lastSeen.UTC(), deviceID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ListByOwner returns the devices paired to a user, newest first.
func (m DeviceModel) ListByOwner(ctx context.Context, userID int64) ([]*Device, error) {
	query := `
		SELECT d.id, d.device_id, d.name, d.type, d.is_online, d.last_seen, d.created_at, d.updated_at
		FROM devices d
		JOIN device_ownership o ON o.device_id = d.id
		WHERE o.user_id = $1
		ORDER BY d.created_at DESC
	`
	rows, err := m.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.Name, &d.Type, &d.IsOnline, &lastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			d.LastSeen = &lastSeen.Time
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// ListOwnerIDs returns the user ids paired to a device, for presence fanout.
func (m DeviceModel) ListOwnerIDs(ctx context.Context, deviceID string) ([]int64, error) {
	query := `
		SELECT o.user_id
		FROM device_ownership o
		JOIN devices d ON d.id = o.device_id
		WHERE d.device_id = $1
	`
	rows, err := m.DB.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

// IsOwnedBy reports whether an ownership row links the user to the device.
func (m DeviceModel) IsOwnedBy(ctx context.Context, userID int64, deviceID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM device_ownership o
			JOIN devices d ON d.id = o.device_id
			WHERE o.user_id = $1 AND d.device_id = $2
		)
	`
	var owned bool
	err := m.DB.QueryRowContext(ctx, query, userID, deviceID).Scan(&owned)
	return owned, err
}
