// Package presence tracks soft device state: online markers, cached
// capabilities, go2rtc endpoints, session records, and proxy response
// mailboxes. Everything here is advisory with TTLs; the connection
// registry remains the source of truth for liveness.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("presence: not found")

// Store is the soft-state backend. The Redis implementation is used in
// production; the in-memory one serves single-node deployments and tests.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, name, field, value string) error
	HGet(ctx context.Context, name, field string) (string, error)
	HDel(ctx context.Context, name string, fields ...string) error
	HGetAll(ctx context.Context, name string) (map[string]string, error)
}

// HashOnlineDevices maps device_id -> connect timestamp for every device
// the hub currently considers online.
const HashOnlineDevices = "devices:online"

func KeyCapabilities(deviceID string) string {
	return fmt.Sprintf("device:capabilities:%s", deviceID)
}

func KeyDevicePresence(deviceID string) string {
	return fmt.Sprintf("device:presence:%s", deviceID)
}

func KeyGo2RTC(deviceID string) string {
	return fmt.Sprintf("device:go2rtc:%s", deviceID)
}

func KeySession(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func KeyProxyResponse(rid string) string {
	return fmt.Sprintf("proxy:response:%s", rid)
}
