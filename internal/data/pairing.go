package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrPairingCodeNotFound = errors.New("pairing code not found")

type PairingCode struct {
	ID        int64
	Code      string
	DeviceID  int64
	IsUsed    bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

type PairingModel struct {
	DB DBTX
}

// Create persists a freshly generated code for a device.
func (m PairingModel) Create(ctx context.Context, p *PairingCode) error {
	query := `
		INSERT INTO pairing_codes (code, device_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := m.DB.QueryRowContext(ctx, query, p.Code, p.DeviceID, p.ExpiresAt.UTC()).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// CodeOutstanding reports whether an unexpired, unused row already holds code.
// Used by the generator to avoid handing out colliding codes.
func (m PairingModel) CodeOutstanding(ctx context.Context, code string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM pairing_codes
			WHERE code = $1 AND is_used = FALSE AND expires_at > NOW()
		)
	`
	var exists bool
	err := m.DB.QueryRowContext(ctx, query, code).Scan(&exists)
	return exists, err
}

// Consume redeems a code for userID: it marks the row used and inserts the
// ownership row in one transaction. The conditional UPDATE is the atomicity
// guard; under concurrent redemption exactly one caller gets the row, the
// rest see ErrPairingCodeNotFound. Returns the paired device.
func (m PairingModel) Consume(ctx context.Context, db *sql.DB, code string, userID int64) (*Device, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	update := `
		UPDATE pairing_codes
		SET is_used = TRUE
		WHERE code = $1 AND is_used = FALSE AND expires_at > NOW()
		RETURNING device_id
	`
	var deviceRef int64
	err = tx.QueryRowContext(ctx, update, code).Scan(&deviceRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPairingCodeNotFound
		}
		return nil, err
	}

	own := `
		INSERT INTO device_ownership (user_id, device_id, role)
		VALUES ($1, $2, 'owner')
		ON CONFLICT (user_id, device_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, own, userID, deviceRef); err != nil {
		return nil, err
	}

	sel := `
		SELECT id, device_id, name, type, is_online, last_seen, created_at, updated_at
		FROM devices
		WHERE id = $1
	`
	var d Device
	var lastSeen sql.NullTime
	err = tx.QueryRowContext(ctx, sel, deviceRef).Scan(
		&d.ID, &d.DeviceID, &d.Name, &d.Type, &d.IsOnline, &lastSeen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &d, nil
}
