// Package relaystore is the mixnet's optional sqlite3-backed at-rest layer:
// a relay's pool survives a restart inside the same accept-timeout window,
// dropped packets get a diagnostic log (never replayed), and a collector's
// delivered records get a durable log alongside its in-memory sink.
package relaystore

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PoolStore persists a relay's pooled-but-not-yet-released packets, so a
// restarted relay can reload them into its pool, and logs packets dropped
// for SendFailed/MalformedEnvelope/CryptoFailure purely for operational
// diagnosis. The drop log is never read back for re-forwarding — that
// would violate the no-retransmission guarantee.
type PoolStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPoolStore opens (or creates) a WAL-mode sqlite3 database at dbPath.
// ttl bounds how long a persisted pool entry or drop record survives
// before background cleanup removes it; zero defaults to 24 hours, well
// past any relay's SOCKET_TIMEOUT-bounded restart window.
func NewPoolStore(dbPath string, ttl time.Duration) (*PoolStore, error) {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("relaystore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("relaystore: enable WAL: %w", err)
	}
	ps := &PoolStore{db: db, ttl: ttl}
	if err := ps.initSchema(); err != nil {
		return nil, err
	}
	go ps.cleanupLoop()
	return ps, nil
}

func (ps *PoolStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pooled_packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		dest_host TEXT NOT NULL,
		dest_port INTEGER NOT NULL,
		queued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pooled_expires ON pooled_packets(expires_at);

	CREATE TABLE IF NOT EXISTS dropped_packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reason TEXT NOT NULL,
		dropped_at INTEGER NOT NULL
	);
	`
	_, err := ps.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("relaystore: init schema: %w", err)
	}
	return nil
}

// PersistPacket records a pooled packet so a restart within ttl does not
// silently drop something that was close to a batch release, returning the
// row id so the caller can ClearPacket once it is released or re-pooled.
func (ps *PoolStore) PersistPacket(payload []byte, destHost string, destPort int) (int64, error) {
	now := time.Now().Unix()
	res, err := ps.db.Exec(
		`INSERT INTO pooled_packets (payload, dest_host, dest_port, queued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		payload, destHost, destPort, now, now+int64(ps.ttl.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("relaystore: persist packet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("relaystore: persist packet: %w", err)
	}
	return id, nil
}

// PersistedPacket is a pool entry recovered from a prior process lifetime.
type PersistedPacket struct {
	ID       int64
	Payload  []byte
	DestHost string
	DestPort int
}

// LoadPool returns every non-expired persisted packet, oldest first, so a
// freshly restarted relay can re-seed its in-memory pool.
func (ps *PoolStore) LoadPool() ([]PersistedPacket, error) {
	rows, err := ps.db.Query(
		`SELECT id, payload, dest_host, dest_port FROM pooled_packets WHERE expires_at > ? ORDER BY queued_at ASC`,
		time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("relaystore: load pool: %w", err)
	}
	defer rows.Close()

	var out []PersistedPacket
	for rows.Next() {
		var p PersistedPacket
		if err := rows.Scan(&p.ID, &p.Payload, &p.DestHost, &p.DestPort); err != nil {
			return nil, fmt.Errorf("relaystore: scan pool row: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ClearPacket removes a persisted packet, typically once it has been
// folded into the in-memory pool or released in a batch.
func (ps *PoolStore) ClearPacket(id int64) error {
	_, err := ps.db.Exec(`DELETE FROM pooled_packets WHERE id = ?`, id)
	return err
}

// LogDrop records a dropped packet's reason for operational diagnosis.
func (ps *PoolStore) LogDrop(reason string) error {
	_, err := ps.db.Exec(
		`INSERT INTO dropped_packets (reason, dropped_at) VALUES (?, ?)`,
		reason, time.Now().Unix(),
	)
	return err
}

// DropCount returns the number of drops logged, for admin-surface stats.
func (ps *PoolStore) DropCount() (int, error) {
	var count int
	err := ps.db.QueryRow(`SELECT COUNT(*) FROM dropped_packets`).Scan(&count)
	return count, err
}

func (ps *PoolStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now().Unix()
		if _, err := ps.db.Exec(`DELETE FROM pooled_packets WHERE expires_at <= ?`, now); err != nil {
			log.Printf("[relaystore] cleanup failed: %v", err)
		}
		if _, err := ps.db.Exec(`DELETE FROM dropped_packets WHERE dropped_at <= ?`, now-int64(ps.ttl.Seconds())); err != nil {
			log.Printf("[relaystore] cleanup failed: %v", err)
		}
	}
}

// Close closes the underlying database connection.
func (ps *PoolStore) Close() error {
	return ps.db.Close()
}

// RecordStore is the collector's durable log of delivered plaintext
// records, kept alongside (not instead of) the in-memory FIFO sink.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens (or creates) a WAL-mode sqlite3 database at dbPath.
func NewRecordStore(dbPath string) (*RecordStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("relaystore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("relaystore: enable WAL: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS delivered_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record BLOB NOT NULL,
		delivered_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("relaystore: init schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Append durably logs a delivered plaintext record.
func (rs *RecordStore) Append(record []byte) error {
	_, err := rs.db.Exec(
		`INSERT INTO delivered_records (record, delivered_at) VALUES (?, ?)`,
		record, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("relaystore: append record: %w", err)
	}
	return nil
}

// Count returns the number of records ever durably logged.
func (rs *RecordStore) Count() (int, error) {
	var count int
	err := rs.db.QueryRow(`SELECT COUNT(*) FROM delivered_records`).Scan(&count)
	return count, err
}

// All returns every durably logged record, delivery order.
func (rs *RecordStore) All() ([][]byte, error) {
	rows, err := rs.db.Query(`SELECT record FROM delivered_records ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("relaystore: query records: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var r []byte
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("relaystore: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (rs *RecordStore) Close() error {
	return rs.db.Close()
}
