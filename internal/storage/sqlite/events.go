package sqlite

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// InsertEvent records a structured gateway event (auth denial, config
// change, listener panic, upstream failure) for operator visibility at
// GET /api/events.
func (s *Store) InsertEvent(ctx context.Context, ev gateway.GatewayEvent) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO gateway_events (id, timestamp_ms, level, type, source, title, message,
		 api_key_id, endpoint, user_agent, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), ev.TimestampMs, ev.Level, ev.Type, ev.Source, ev.Title, ev.Message,
		ev.APIKeyID, ev.Endpoint, ev.UserAgent, string(detail),
	)
	return err
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]gateway.GatewayEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT timestamp_ms, level, type, source, title, message, api_key_id, endpoint, user_agent, detail
		 FROM gateway_events ORDER BY timestamp_ms DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.GatewayEvent
	for rows.Next() {
		var ev gateway.GatewayEvent
		var detail string
		if err := rows.Scan(&ev.TimestampMs, &ev.Level, &ev.Type, &ev.Source, &ev.Title, &ev.Message,
			&ev.APIKeyID, &ev.Endpoint, &ev.UserAgent, &detail); err != nil {
			return nil, err
		}
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &ev.Detail)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
