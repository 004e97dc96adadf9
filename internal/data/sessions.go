package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
)

const (
	SessionPending = "pending"
	SessionActive  = "active"
	SessionEnded   = "ended"
)

type WatchSession struct {
	ID        int64
	SessionID string
	UserID    int64
	DeviceID  int64
	// DeviceStringID is the devices.device_id join column, the key the
	// connection registry is indexed by.
	DeviceStringID string
	Status         string
	StartedAt      time.Time
	EndedAt        *time.Time
	EndedReason    *string
}

// EndedSession is the join row returned by the disconnect fanout queries:
// enough identity to notify the surviving peer.
type EndedSession struct {
	SessionID      string
	UserID         int64
	DeviceStringID string
}

type SessionModel struct {
	DB DBTX
}

// Create inserts a session in status pending.
func (m SessionModel) Create(ctx context.Context, s *WatchSession) error {
	query := `
		INSERT INTO watch_sessions (session_id, user_id, device_id, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING id, started_at
	`
	err := m.DB.QueryRowContext(ctx, query, s.SessionID, s.UserID, s.DeviceID).Scan(&s.ID, &s.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	s.Status = SessionPending
	return nil
}

func (m SessionModel) GetBySessionID(ctx context.Context, sessionID string) (*WatchSession, error) {
	query := `
		SELECT s.id, s.session_id, s.user_id, s.device_id, d.device_id, s.status, s.started_at, s.ended_at, s.ended_reason
		FROM watch_sessions s
		JOIN devices d ON d.id = s.device_id
		WHERE s.session_id = $1
	`
	var s WatchSession
	var endedAt sql.NullTime
	var reason sql.NullString
	err := m.DB.QueryRowContext(ctx, query, sessionID).Scan(
		&s.ID, &s.SessionID, &s.UserID, &s.DeviceID, &s.DeviceStringID, &s.Status, &s.StartedAt, &endedAt, &reason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if reason.Valid {
		s.EndedReason = &reason.String
	}
	return &s, nil
}

// SetActive promotes pending -> active. Any other starting status is a no-op
// reported as ErrSessionEnded so callers drop the message.
func (m SessionModel) SetActive(ctx context.Context, sessionID string) error {
	query := `
		UPDATE watch_sessions
		SET status = 'active'
		WHERE session_id = $1 AND status = 'pending'
	`
	res, err := m.DB.ExecContext(ctx, query, sessionID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrSessionEnded
	}
	return nil
}

// End terminates a session with the given reason. Ended rows are immutable:
// the guard keeps a second End from overwriting the original reason.
func (m SessionModel) End(ctx context.Context, sessionID, reason string) error {
	query := `
		UPDATE watch_sessions
		SET status = 'ended', ended_at = NOW(), ended_reason = $1
		WHERE session_id = $2 AND status <> 'ended'
	`
	res, err := m.DB.ExecContext(ctx, query, reason, sessionID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrSessionEnded
	}
	return nil
}

// EndAllForDevice ends every live session on a device and returns the rows
// needed to notify each session's viewer.
func (m SessionModel) EndAllForDevice(ctx context.Context, deviceStringID, reason string) ([]EndedSession, error) {
	query := `
		UPDATE watch_sessions s
		SET status = 'ended', ended_at = NOW(), ended_reason = $1
		FROM devices d
		WHERE s.device_id = d.id AND d.device_id = $2 AND s.status IN ('pending', 'active')
		RETURNING s.session_id, s.user_id, d.device_id
	`
	return m.collectEnded(ctx, query, reason, deviceStringID)
}

// EndAllForUser ends every live session held by a viewer and returns the rows
// needed to notify each session's device.
func (m SessionModel) EndAllForUser(ctx context.Context, userID int64, reason string) ([]EndedSession, error) {
	query := `
		UPDATE watch_sessions s
		SET status = 'ended', ended_at = NOW(), ended_reason = $1
		FROM devices d
		WHERE s.device_id = d.id AND s.user_id = $2 AND s.status IN ('pending', 'active')
		RETURNING s.session_id, s.user_id, d.device_id
	`
	return m.collectEnded(ctx, query, reason, userID)
}

func (m SessionModel) collectEnded(ctx context.Context, query string, args ...any) ([]EndedSession, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ended []EndedSession
	for rows.Next() {
		var e EndedSession
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.DeviceStringID); err != nil {
			return nil, err
		}
		ended = append(ended, e)
	}
	return ended, rows.Err()
}
