// Package storage defines the persistence interfaces consumed by every
// other component of the gateway: API-key CRUD for the registry, request
// log/payload/daily-metric writes for the accumulator, gateway events for
// the audit trail, and retention/compaction for maintenance. The sqlite
// subpackage is the sole implementation.
package storage

import (
	"context"
	"time"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// LogFilter narrows a GET /api/logs query.
type LogFilter struct {
	Since      *time.Time
	Until      *time.Time
	ProviderID string
	Model      string
	Endpoint   string
	APIKeyID   string
	Status     int
	Limit      int
	Cursor     string
}

// APIKeyStore manages API-key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
	InsertAuditLog(ctx context.Context, keyID, action, detail, actor string) error
}

// LogStore manages request log / payload / daily-metric persistence.
type LogStore interface {
	InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error
	InsertPayload(ctx context.Context, logID string, compressedPrompt, compressedResponse []byte) error
	UpsertDailyMetrics(ctx context.Context, logs []gateway.RequestLog) error
	QueryLogs(ctx context.Context, filter LogFilter) ([]gateway.RequestLog, error)
	GetLog(ctx context.Context, id string) (*gateway.RequestLog, *gateway.RequestPayload, error)
	QueryDailyMetrics(ctx context.Context, since, until time.Time) ([]gateway.DailyMetric, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Compact(ctx context.Context) error
	DBSize(ctx context.Context) (int64, error)
}

// EventStore manages the gateway_events audit table.
type EventStore interface {
	InsertEvent(ctx context.Context, ev gateway.GatewayEvent) error
	ListEvents(ctx context.Context, limit int) ([]gateway.GatewayEvent, error)
}

// Store combines all storage interfaces implemented by the sqlite package.
type Store interface {
	APIKeyStore
	LogStore
	EventStore

	Ping(ctx context.Context) error
	Close() error
}
