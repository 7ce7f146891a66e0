package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"geotrack/internal/geo"
	"geotrack/internal/model"
)

// dialect captures the few places Postgres and SQLite SQL differ.
type dialect struct {
	name string
	// numbered placeholders ($1..$n) instead of ?
	numbered bool
	// row-lock clause appended to the claim subquery
	claimLock string
}

// sqlStore implements Store over database/sql. Queries are written with ? placeholders and
// rebound for the dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

// Raw samples

func (s *sqlStore) AppendRawSample(ctx context.Context, smp model.LocationSample) error {
	if !geo.ValidCoordinates(smp.Lat, smp.Lng) {
		return &model.InvalidSampleError{Reason: "coordinates out of range"}
	}
	if smp.AccuracyM < 0 {
		return &model.InvalidSampleError{Reason: "negative accuracy"}
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO location_samples
        (worker_id, captured_at, lat, lng, accuracy_m, altitude, heading, speed, device_meta, stored_at)
        VALUES (?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT (worker_id, captured_at) DO NOTHING`),
		smp.WorkerID, smp.CapturedAt.UTC(), smp.Lat, smp.Lng, smp.AccuracyM,
		nullFloat(smp.Altitude), nullFloat(smp.Heading), nullFloat(smp.Speed), toJSON(smp.DeviceMeta), time.Now().UTC())
	return err
}

func (s *sqlStore) ListRawSamples(ctx context.Context, workerID string, from, to time.Time) ([]model.LocationSample, error) {
	query := `SELECT worker_id, captured_at, lat, lng, accuracy_m, altitude, heading, speed, device_meta
        FROM location_samples WHERE captured_at >= ? AND captured_at < ?`
	args := []any{from.UTC(), to.UTC()}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY captured_at, worker_id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LocationSample{}
	for rows.Next() {
		var smp model.LocationSample
		var alt, hdg, spd sql.NullFloat64
		var meta sql.NullString
		if err := rows.Scan(&smp.WorkerID, &smp.CapturedAt, &smp.Lat, &smp.Lng, &smp.AccuracyM, &alt, &hdg, &spd, &meta); err != nil {
			return nil, err
		}
		smp.CapturedAt = smp.CapturedAt.UTC()
		smp.Altitude, smp.Heading, smp.Speed = floatPtr(alt), floatPtr(hdg), floatPtr(spd)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &smp.DeviceMeta)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Processed locations

func (s *sqlStore) UpsertProcessedLocation(ctx context.Context, p model.ProcessedLocation) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO processed_locations
        (worker_id, captured_at, lat, lng, place_name, place_type, enriched_at, source)
        VALUES (?,?,?,?,?,?,?,?)
        ON CONFLICT (worker_id, captured_at) DO UPDATE SET
            lat = excluded.lat, lng = excluded.lng, place_name = excluded.place_name,
            place_type = excluded.place_type, enriched_at = excluded.enriched_at, source = excluded.source`),
		p.WorkerID, p.CapturedAt.UTC(), p.Lat, p.Lng, p.PlaceName, p.PlaceType, p.EnrichedAt.UTC(), string(p.Source))
	return err
}

func (s *sqlStore) ListProcessedLocations(ctx context.Context, workerID string, from, to time.Time) ([]model.ProcessedLocation, error) {
	query := `SELECT worker_id, captured_at, lat, lng, place_name, place_type, enriched_at, COALESCE(source, '')
        FROM processed_locations WHERE captured_at >= ? AND captured_at < ?`
	args := []any{from.UTC(), to.UTC()}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY captured_at, worker_id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ProcessedLocation{}
	for rows.Next() {
		var p model.ProcessedLocation
		var src string
		if err := rows.Scan(&p.WorkerID, &p.CapturedAt, &p.Lat, &p.Lng, &p.PlaceName, &p.PlaceType, &p.EnrichedAt, &src); err != nil {
			return nil, err
		}
		p.CapturedAt, p.EnrichedAt = p.CapturedAt.UTC(), p.EnrichedAt.UTC()
		p.Source = model.EnrichmentSource(src)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Validation log

func (s *sqlStore) AppendValidationLogEntry(ctx context.Context, e model.ValidationLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO validation_log
        (worker_id, captured_at, validation_type, result, details, validated_by, action_taken, created_at)
        VALUES (?,?,?,?,?,?,?,?)`),
		e.WorkerID, e.CapturedAt.UTC(), e.ValidationType, string(e.Result), toJSON(e.Details), e.ValidatedBy, nullIfEmpty(e.ActionTaken), e.CreatedAt.UTC())
	return err
}

func (s *sqlStore) ListValidationLogEntries(ctx context.Context, workerID string, from, to time.Time) ([]model.ValidationLogEntry, error) {
	query := `SELECT id, worker_id, captured_at, validation_type, result, details, validated_by, COALESCE(action_taken, ''), created_at
        FROM validation_log WHERE captured_at >= ? AND captured_at < ?`
	args := []any{from.UTC(), to.UTC()}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ValidationLogEntry{}
	for rows.Next() {
		var e model.ValidationLogEntry
		var result string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.CapturedAt, &e.ValidationType, &result, &details, &e.ValidatedBy, &e.ActionTaken, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CapturedAt, e.CreatedAt = e.CapturedAt.UTC(), e.CreatedAt.UTC()
		e.Result = model.ValidationResult(result)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Batch queue

const batchColumns = `id, member_ids, status, priority, scheduled_at, started_at, completed_at,
    success_count, failure_count, retry_count, max_retries, COALESCE(error_details, '')`

func (s *sqlStore) EnqueueBatches(ctx context.Context, batches []model.PollingBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt := s.q(`INSERT INTO polling_batches
        (id, member_ids, status, priority, scheduled_at, success_count, failure_count, retry_count, max_retries)
        VALUES (?,?,?,?,?,0,0,?,?)`)
	for _, b := range batches {
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		if b.Status == "" {
			b.Status = model.BatchPending
		}
		members, err := json.Marshal(b.MemberIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, b.ID, string(members), string(b.Status), b.Priority, b.ScheduledAt.UTC(), b.RetryCount, b.MaxRetries); err != nil {
			return fmt.Errorf("enqueue batch %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ClaimNextBatch(ctx context.Context, now time.Time) (model.PollingBatch, bool, error) {
	now = now.UTC()
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`UPDATE polling_batches SET status = 'processing', started_at = ?, completed_at = NULL
        WHERE id = (
            SELECT id FROM polling_batches
            WHERE status = 'pending' AND scheduled_at <= ?
            ORDER BY priority, scheduled_at, id
            LIMIT 1 `+s.d.claimLock+`
        ) AND status = 'pending'
        RETURNING id`), now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PollingBatch{}, false, nil
	}
	if err != nil {
		return model.PollingBatch{}, false, err
	}
	// the row is ours now; read it back with typed columns
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return model.PollingBatch{}, false, err
	}
	return b, true, nil
}

func (s *sqlStore) CompleteBatch(ctx context.Context, id string, success, failure int, at time.Time) error {
	return s.execOne(ctx, `UPDATE polling_batches SET status = 'completed', success_count = ?, failure_count = ?, completed_at = ?
        WHERE id = ?`, success, failure, at.UTC(), id)
}

func (s *sqlStore) RequeueBatch(ctx context.Context, id string, retryCount int, scheduledAt time.Time, details string) error {
	return s.execOne(ctx, `UPDATE polling_batches SET status = 'pending', retry_count = ?, scheduled_at = ?, started_at = NULL, error_details = ?
        WHERE id = ?`, retryCount, scheduledAt.UTC(), nullIfEmpty(details), id)
}

func (s *sqlStore) FailBatch(ctx context.Context, id string, retryCount int, details string, at time.Time) error {
	return s.execOne(ctx, `UPDATE polling_batches SET status = 'failed', retry_count = ?, error_details = ?, completed_at = ?
        WHERE id = ?`, retryCount, nullIfEmpty(details), at.UTC(), id)
}

func (s *sqlStore) ResetStaleBatches(ctx context.Context, startedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE polling_batches SET status = 'pending', started_at = NULL
        WHERE status = 'processing' AND started_at < ?`), startedBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) GetBatch(ctx context.Context, id string) (model.PollingBatch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, s.q(`SELECT `+batchColumns+` FROM polling_batches WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PollingBatch{}, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) CountBatches(ctx context.Context, status model.BatchStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM polling_batches`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM polling_batches WHERE status = ?`), string(status)).Scan(&n)
	}
	return n, err
}

func (s *sqlStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(r rowScanner) (model.PollingBatch, error) {
	var b model.PollingBatch
	var members, status string
	var started, completed sql.NullTime
	if err := r.Scan(&b.ID, &members, &status, &b.Priority, &b.ScheduledAt, &started, &completed,
		&b.SuccessCount, &b.FailureCount, &b.RetryCount, &b.MaxRetries, &b.ErrorDetails); err != nil {
		return model.PollingBatch{}, err
	}
	if err := json.Unmarshal([]byte(members), &b.MemberIDs); err != nil {
		return model.PollingBatch{}, fmt.Errorf("batch %s members: %w", b.ID, err)
	}
	b.Status = model.BatchStatus(status)
	b.ScheduledAt = b.ScheduledAt.UTC()
	if started.Valid {
		t := started.Time.UTC()
		b.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		b.CompletedAt = &t
	}
	return b, nil
}

// Cluster queue

func (s *sqlStore) EnqueueClusterEntries(ctx context.Context, samples []model.LocationSample, at time.Time) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt := s.q(`INSERT INTO cluster_queue (worker_id, captured_at, lat, lng, accuracy_m, enqueued_at)
        VALUES (?,?,?,?,?,?) ON CONFLICT (worker_id, captured_at) DO NOTHING`)
	for _, smp := range samples {
		if _, err := tx.ExecContext(ctx, stmt, smp.WorkerID, smp.CapturedAt.UTC(), smp.Lat, smp.Lng, smp.AccuracyM, at.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) PendingClusterEntries(ctx context.Context, limit int) ([]model.ClusterBatchEntry, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, worker_id, captured_at, lat, lng, accuracy_m, enqueued_at
        FROM cluster_queue ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ClusterBatchEntry{}
	for rows.Next() {
		var e model.ClusterBatchEntry
		if err := rows.Scan(&e.ID, &e.Sample.WorkerID, &e.Sample.CapturedAt, &e.Sample.Lat, &e.Sample.Lng, &e.Sample.AccuracyM, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		e.Sample.CapturedAt, e.EnqueuedAt = e.Sample.CapturedAt.UTC(), e.EnqueuedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteClusterEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM cluster_queue WHERE id IN (`+ph+`)`), args...)
	return err
}

// Roster & zones

func (s *sqlStore) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM workers WHERE active = ? ORDER BY id`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertWorker(ctx context.Context, w model.Worker) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO workers (id, active, updated_at) VALUES (?,?,?)
        ON CONFLICT (id) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at`),
		w.ID, w.Active, time.Now().UTC())
	return err
}

func (s *sqlStore) ListZones(ctx context.Context) ([]model.GeofenceZone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, COALESCE(owner_worker_id, ''), center_lat, center_lng, radius_m, zone_type
        FROM geofence_zones ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.GeofenceZone{}
	for rows.Next() {
		var z model.GeofenceZone
		var zt string
		if err := rows.Scan(&z.ID, &z.Name, &z.OwnerWorkerID, &z.CenterLat, &z.CenterLng, &z.RadiusM, &zt); err != nil {
			return nil, err
		}
		z.ZoneType = model.ZoneType(zt)
		out = append(out, z)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertZone(ctx context.Context, z model.GeofenceZone) (model.GeofenceZone, error) {
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO geofence_zones (id, name, owner_worker_id, center_lat, center_lng, radius_m, zone_type)
        VALUES (?,?,?,?,?,?,?)
        ON CONFLICT (id) DO UPDATE SET name = excluded.name, owner_worker_id = excluded.owner_worker_id,
            center_lat = excluded.center_lat, center_lng = excluded.center_lng, radius_m = excluded.radius_m, zone_type = excluded.zone_type`),
		z.ID, z.Name, nullIfEmpty(z.OwnerWorkerID), z.CenterLat, z.CenterLng, z.RadiusM, string(z.ZoneType))
	if err != nil {
		return model.GeofenceZone{}, err
	}
	return z, nil
}

func (s *sqlStore) DeleteZone(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM geofence_zones WHERE id = ?`, id)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func toJSON(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}
