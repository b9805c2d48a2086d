package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/storage"
)

// InsertRequestLogs bulk-inserts a batch of request_logs rows inside one
// transaction, the shape the background usage recorder flushes in.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO request_logs
		(id, request_id, timestamp_ms, endpoint, provider_id, upstream_model, client_model,
		 stream, latency_ms, http_status, input_tokens, output_tokens, cached_tokens,
		 ttft_ms, tpot_ms, error_message, api_key_id, api_key_name, api_key_masked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx,
			l.ID, l.RequestID, l.TimestampMs, string(l.Endpoint), l.ProviderID, l.UpstreamModel,
			l.ClientModel, boolToInt(l.Stream), l.LatencyMs, l.HTTPStatus, l.InputTokens,
			l.OutputTokens, l.CachedTokens, l.TTFTMs, l.TPOTMs, l.ErrorMessage,
			l.APIKeyID, l.APIKeyName, l.APIKeyMasked,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertPayload writes the 1:1 compressed prompt/response row for a log.
// Called only when persistPayloads is enabled in the live config snapshot.
func (s *Store) InsertPayload(ctx context.Context, logID string, compressedPrompt, compressedResponse []byte) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_payloads (log_id, compressed_prompt, compressed_response) VALUES (?, ?, ?)`,
		logID, compressedPrompt, compressedResponse,
	)
	return err
}

// UpsertDailyMetrics folds a batch of request logs into their (date,
// endpoint) aggregate rows, one upsert per distinct key in the batch.
func (s *Store) UpsertDailyMetrics(ctx context.Context, logs []gateway.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	type agg struct {
		date, endpoint                             string
		requests, input, output, cached, latencySum int64
	}
	byKey := make(map[string]*agg)
	for _, l := range logs {
		date := dateKey(l.TimestampMs)
		key := date + "|" + string(l.Endpoint)
		a, ok := byKey[key]
		if !ok {
			a = &agg{date: date, endpoint: string(l.Endpoint)}
			byKey[key] = a
		}
		a.requests++
		a.input += int64(l.InputTokens)
		a.output += int64(l.OutputTokens)
		a.cached += int64(l.CachedTokens)
		a.latencySum += l.LatencyMs
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO daily_metrics
		(date, endpoint, request_count, input_tokens, output_tokens, cached_tokens, latency_sum_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, endpoint) DO UPDATE SET
		 request_count = request_count + excluded.request_count,
		 input_tokens = input_tokens + excluded.input_tokens,
		 output_tokens = output_tokens + excluded.output_tokens,
		 cached_tokens = cached_tokens + excluded.cached_tokens,
		 latency_sum_ms = latency_sum_ms + excluded.latency_sum_ms`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range byKey {
		if _, err := stmt.ExecContext(ctx, a.date, a.endpoint, a.requests, a.input, a.output, a.cached, a.latencySum); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryLogs applies filter and returns matching rows, most recent first.
func (s *Store) QueryLogs(ctx context.Context, filter storage.LogFilter) ([]gateway.RequestLog, error) {
	var where []string
	var args []any

	if filter.Since != nil {
		where = append(where, "timestamp_ms >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if filter.Until != nil {
		where = append(where, "timestamp_ms <= ?")
		args = append(args, filter.Until.UnixMilli())
	}
	if filter.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, filter.ProviderID)
	}
	if filter.Model != "" {
		where = append(where, "(upstream_model = ? OR client_model = ?)")
		args = append(args, filter.Model, filter.Model)
	}
	if filter.Endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, filter.Endpoint)
	}
	if filter.APIKeyID != "" {
		where = append(where, "api_key_id = ?")
		args = append(args, filter.APIKeyID)
	}
	if filter.Status != 0 {
		where = append(where, "http_status = ?")
		args = append(args, filter.Status)
	}
	if filter.Cursor != "" {
		where = append(where, "id < ?")
		args = append(args, filter.Cursor)
	}

	query := `SELECT ` + logCols + ` FROM request_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_ms DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.RequestLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLog returns a single request log plus its payload row (if any).
func (s *Store) GetLog(ctx context.Context, id string) (*gateway.RequestLog, *gateway.RequestPayload, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+logCols+` FROM request_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if err != nil {
		return nil, nil, notFoundErr(err)
	}

	var payload gateway.RequestPayload
	err = s.read.QueryRowContext(ctx,
		`SELECT log_id, compressed_prompt, compressed_response FROM request_payloads WHERE log_id = ?`, id,
	).Scan(&payload.LogID, &payload.CompressedPrompt, &payload.CompressedResponse)
	if err != nil {
		return &l, nil, nil
	}
	return &l, &payload, nil
}

// QueryDailyMetrics returns aggregate rows between since and until, inclusive.
func (s *Store) QueryDailyMetrics(ctx context.Context, since, until time.Time) ([]gateway.DailyMetric, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT date, endpoint, request_count, input_tokens, output_tokens, cached_tokens, latency_sum_ms
		 FROM daily_metrics WHERE date >= ? AND date <= ? ORDER BY date ASC`,
		since.UTC().Format("2006-01-02"), until.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.DailyMetric
	for rows.Next() {
		var m gateway.DailyMetric
		var endpoint string
		if err := rows.Scan(&m.Date, &endpoint, &m.RequestCount, &m.InputTokens, &m.OutputTokens, &m.CachedTokens, &m.LatencySumMs); err != nil {
			return nil, err
		}
		m.Endpoint = gateway.EndpointFamily(endpoint)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteLogsBefore removes every request_logs row (and, via ON DELETE
// CASCADE, its request_payloads row) older than cutoff, inside one
// transaction so the cascade is atomic.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Compact runs wal_checkpoint(TRUNCATE) followed by VACUUM.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return err
	}
	_, err := s.write.ExecContext(ctx, `VACUUM`)
	return err
}

// DBSize returns the on-disk size of the main database file in bytes.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.read.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.read.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

const logCols = `id, request_id, timestamp_ms, endpoint, provider_id, upstream_model, client_model,
	stream, latency_ms, http_status, input_tokens, output_tokens, cached_tokens,
	ttft_ms, tpot_ms, error_message, api_key_id, api_key_name, api_key_masked`

func scanLog(s scanner) (gateway.RequestLog, error) {
	var l gateway.RequestLog
	var endpoint string
	var stream int
	if err := s.Scan(
		&l.ID, &l.RequestID, &l.TimestampMs, &endpoint, &l.ProviderID, &l.UpstreamModel, &l.ClientModel,
		&stream, &l.LatencyMs, &l.HTTPStatus, &l.InputTokens, &l.OutputTokens, &l.CachedTokens,
		&l.TTFTMs, &l.TPOTMs, &l.ErrorMessage, &l.APIKeyID, &l.APIKeyName, &l.APIKeyMasked,
	); err != nil {
		return l, err
	}
	l.Endpoint = gateway.EndpointFamily(endpoint)
	l.Stream = stream != 0
	return l, nil
}
