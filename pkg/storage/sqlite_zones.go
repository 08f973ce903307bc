package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ListZones returns all configured zones ordered by name.
func (s *SQLiteStorage) ListZones(ctx context.Context) ([]*Zone, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, serial, enabled, allow_axfr, allow_ddns, created_at, updated_at
		FROM zones ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list zones failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var zones []*Zone
	for rows.Next() {
		var z Zone
		var createdAt, updatedAt string
		if err := rows.Scan(&z.ID, &z.Name, &z.Serial, &z.Enabled, &z.AllowAXFR, &z.AllowDDNS, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan zone failed: %w", err)
		}
		z.CreatedAt = parseSQLiteTime(createdAt)
		z.UpdatedAt = parseSQLiteTime(updatedAt)
		zones = append(zones, &z)
	}
	return zones, rows.Err()
}

// UpsertZone creates or updates a zone by name.
func (s *SQLiteStorage) UpsertZone(ctx context.Context, z *Zone) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (name, serial, enabled, allow_axfr, allow_ddns, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			serial = excluded.serial,
			enabled = excluded.enabled,
			allow_axfr = excluded.allow_axfr,
			allow_ddns = excluded.allow_ddns,
			updated_at = CURRENT_TIMESTAMP
	`, z.Name, z.Serial, z.Enabled, z.AllowAXFR, z.AllowDDNS)
	if err != nil {
		return 0, fmt.Errorf("upsert zone failed: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM zones WHERE name = ?`, z.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve zone id failed: %w", err)
	}
	return id, nil
}

// DeleteZone removes a zone and cascades to its records, changes, and keys.
func (s *SQLiteStorage) DeleteZone(ctx context.Context, zoneID int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, zoneID)
	if err != nil {
		return fmt.Errorf("delete zone failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetZoneRecords returns every record stored for a zone.
func (s *SQLiteStorage) GetZoneRecords(ctx context.Context, zoneID int64) ([]*ZoneRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, zone_id, name, rrtype, ttl, rdata
		FROM zone_records WHERE zone_id = ? ORDER BY name ASC, rrtype ASC
	`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("query zone records failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*ZoneRecord
	for rows.Next() {
		var r ZoneRecord
		if err := rows.Scan(&r.ID, &r.ZoneID, &r.Name, &r.Type, &r.TTL, &r.RData); err != nil {
			return nil, fmt.Errorf("scan zone record failed: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// PutZoneRecord inserts or replaces a zone record and appends a matching
// zone_changes row at the given serial so AXFR/IXFR clients can observe it.
func (s *SQLiteStorage) PutZoneRecord(ctx context.Context, rec *ZoneRecord, serial uint32) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO zone_records (zone_id, name, rrtype, ttl, rdata, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, rec.ZoneID, rec.Name, rec.Type, rec.TTL, rec.RData); err != nil {
		return fmt.Errorf("insert zone record failed: %w", err)
	}

	if err := appendZoneChange(ctx, tx, rec.ZoneID, serial, "add", rec.Name, rec.Type, rec.TTL, rec.RData); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteZoneRecord removes a zone record and records the deletion as a
// zone_changes row so IXFR can replay it.
func (s *SQLiteStorage) DeleteZoneRecord(ctx context.Context, rec *ZoneRecord, serial uint32) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM zone_records WHERE zone_id = ? AND name = ? AND rrtype = ? AND rdata = ?
	`, rec.ZoneID, rec.Name, rec.Type, rec.RData); err != nil {
		return fmt.Errorf("delete zone record failed: %w", err)
	}

	if err := appendZoneChange(ctx, tx, rec.ZoneID, serial, "delete", rec.Name, rec.Type, rec.TTL, rec.RData); err != nil {
		return err
	}

	return tx.Commit()
}

func appendZoneChange(ctx context.Context, tx *sql.Tx, zoneID int64, serial uint32, op, name, rrtype string, ttl uint32, rdata string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO zone_changes (zone_id, serial, op, name, rrtype, ttl, rdata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, zoneID, serial, op, name, rrtype, ttl, rdata)
	if err != nil {
		return fmt.Errorf("append zone change failed: %w", err)
	}
	return nil
}

// GetZoneChangesSince returns changes applied after fromSerial, in serial
// order, for IXFR replay. An empty result with a nil error and fromSerial
// below the oldest retained change means the caller must fall back to AXFR.
func (s *SQLiteStorage) GetZoneChangesSince(ctx context.Context, zoneID int64, fromSerial uint32) ([]*ZoneChange, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, zone_id, serial, op, name, rrtype, ttl, rdata, applied_at
		FROM zone_changes WHERE zone_id = ? AND serial > ? ORDER BY serial ASC, id ASC
	`, zoneID, fromSerial)
	if err != nil {
		return nil, fmt.Errorf("query zone changes failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []*ZoneChange
	for rows.Next() {
		var c ZoneChange
		var appliedAt string
		if err := rows.Scan(&c.ID, &c.ZoneID, &c.Serial, &c.Op, &c.Name, &c.Type, &c.TTL, &c.RData, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan zone change failed: %w", err)
		}
		c.AppliedAt = parseSQLiteTime(appliedAt)
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

// OldestRetainedSerial returns the smallest serial recorded in zone_changes
// for a zone, or ok=false if no changes are retained (fresh zone, or the
// history was pruned — either way IXFR must fall back to AXFR).
func (s *SQLiteStorage) OldestRetainedSerial(ctx context.Context, zoneID int64) (serial uint32, ok bool, err error) {
	if s == nil || s.db == nil {
		return 0, false, ErrClosed
	}

	var v sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MIN(serial) FROM zone_changes WHERE zone_id = ?`, zoneID).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("query oldest serial failed: %w", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return uint32(v.Int64), true, nil
}

// GetTSIGKeys returns TSIG keys scoped to a zone, plus any global
// (zone_id IS NULL) keys.
func (s *SQLiteStorage) GetTSIGKeys(ctx context.Context, zoneID int64) ([]*TSIGKey, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, algorithm, secret, COALESCE(zone_id, 0)
		FROM tsig_keys WHERE zone_id IS NULL OR zone_id = ?
	`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("query tsig keys failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*TSIGKey
	for rows.Next() {
		var k TSIGKey
		if err := rows.Scan(&k.ID, &k.Name, &k.Algorithm, &k.Secret, &k.ZoneID); err != nil {
			return nil, fmt.Errorf("scan tsig key failed: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// UpsertTSIGKey creates or replaces a named TSIG key.
func (s *SQLiteStorage) UpsertTSIGKey(ctx context.Context, key *TSIGKey) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	var zoneID any
	if key.ZoneID != 0 {
		zoneID = key.ZoneID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tsig_keys (name, algorithm, secret, zone_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			algorithm = excluded.algorithm,
			secret = excluded.secret,
			zone_id = excluded.zone_id
	`, key.Name, key.Algorithm, key.Secret, zoneID)
	if err != nil {
		return fmt.Errorf("upsert tsig key failed: %w", err)
	}
	return nil
}
