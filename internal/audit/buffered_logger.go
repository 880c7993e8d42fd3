// Package audit provides a tamper-evident, HMAC-chained record of every
// node-state transition the failover engine commits and every
// failover_command that exits non-zero. Watchdog reconciliations,
// split-brain detections and status-file errors are not written here by
// any caller. Events are batched into SQLite for throughput and replayed
// by the read-only admin HTTP surface (internal/api).
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp int64
	Actor     string // "failover", "watchdogsync", "registry", or a remote node id
	Action    string // e.g. "node_down", "node_up", "promote", "split_brain_detected"
	Resource  string // backend id, node id, or worker pid as a string
	Details   string
	Success   bool
}

// BufferedLogger implements batched, hash-chained audit logging over SQLite.
type BufferedLogger struct {
	db            *sql.DB
	buffer        []Event
	bufferMutex   sync.Mutex
	flushTicker   *time.Ticker
	stopChan      chan struct{}
	maxBuffer     int
	flushInterval time.Duration
	hmacKey       []byte // 32-byte key for audit chain integrity; nil = chain disabled
}

// NewBufferedLogger creates a new buffered audit logger.
// Batches events to reduce SQLite I/O, flushing every flushInterval or once
// the buffer reaches maxBuffer entries, whichever comes first.
func NewBufferedLogger(db *sql.DB, maxBuffer int, flushInterval time.Duration, hmacKey []byte) *BufferedLogger {
	if maxBuffer <= 0 {
		maxBuffer = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	return &BufferedLogger{
		db:            db,
		buffer:        make([]Event, 0, maxBuffer),
		maxBuffer:     maxBuffer,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
		hmacKey:       hmacKey,
	}
}

// Start begins the background flushing goroutine.
func (bl *BufferedLogger) Start() {
	bl.flushTicker = time.NewTicker(bl.flushInterval)

	go func() {
		for {
			select {
			case <-bl.flushTicker.C:
				if err := bl.Flush(); err != nil {
					log.Printf("[audit] flush error: %v", err)
				}
			case <-bl.stopChan:
				bl.flushTicker.Stop()
				if err := bl.Flush(); err != nil {
					log.Printf("[audit] final flush error: %v", err)
				}
				return
			}
		}
	}()
}

// Stop gracefully stops the buffered logger after a final flush.
func (bl *BufferedLogger) Stop() {
	close(bl.stopChan)
}

// CriticalActions lists action strings that must bypass the buffer and write
// directly to SQLite. These must never be lost on crash or SIGKILL, because
// they are exactly the events a forensic reconstruction after an incident
// needs: split-brain detection, a shell command failure, status-file IO
// errors, and a child's FATAL exit. Callers of other actions get batched,
// lower-overhead logging.
var CriticalActions = map[string]bool{
	"split_brain_detected": true,
	"shell_command_failed": true,
	"status_file_io_error": true,
	"child_fatal_exit":     true,
}

// Log adds an event to the buffer, or writes it directly if it's critical.
// Thread-safe: can be called from multiple goroutines.
func (bl *BufferedLogger) Log(event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	if CriticalActions[event.Action] {
		return bl.writeDirect([]Event{event})
	}

	bl.bufferMutex.Lock()
	bl.buffer = append(bl.buffer, event)
	needFlush := len(bl.buffer) >= bl.maxBuffer
	bl.bufferMutex.Unlock()

	if needFlush {
		return bl.Flush()
	}
	return nil
}

// writeDirect writes events synchronously to SQLite, bypassing the buffer.
func (bl *BufferedLogger) writeDirect(events []Event) error {
	tx, err := bl.db.Begin()
	if err != nil {
		return fmt.Errorf("audit direct write: begin: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	if bl.hmacKey != nil {
		_ = tx.QueryRow(
			`SELECT COALESCE(row_hash,'') FROM audit_logs ORDER BY id DESC LIMIT 1`,
		).Scan(&prevHash)
	}

	stmt, err := tx.Prepare(`INSERT INTO audit_logs
		(timestamp, actor, action, resource, details, success, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit direct write: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		rowHash := computeRowHash(bl.hmacKey, prevHash, e)
		if _, err := stmt.Exec(e.Timestamp, e.Actor, e.Action, e.Resource, e.Details, e.Success, prevHash, rowHash); err != nil {
			log.Printf("[audit] direct write exec: %v", err)
			continue
		}
		prevHash = rowHash
	}
	return tx.Commit()
}

// Flush writes all buffered events to SQLite in a single transaction,
// threading the HMAC chain through them in buffer order.
func (bl *BufferedLogger) Flush() error {
	bl.bufferMutex.Lock()
	if len(bl.buffer) == 0 {
		bl.bufferMutex.Unlock()
		return nil
	}
	events := make([]Event, len(bl.buffer))
	copy(events, bl.buffer)
	bl.buffer = bl.buffer[:0]
	bl.bufferMutex.Unlock()

	tx, err := bl.db.Begin()
	if err != nil {
		return fmt.Errorf("audit flush: begin: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	if bl.hmacKey != nil {
		_ = tx.QueryRow(
			`SELECT COALESCE(row_hash,'') FROM audit_logs ORDER BY id DESC LIMIT 1`,
		).Scan(&prevHash)
	}

	stmt, err := tx.Prepare(`INSERT INTO audit_logs
		(timestamp, actor, action, resource, details, success, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit flush: prepare: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		rowHash := computeRowHash(bl.hmacKey, prevHash, event)
		if _, err := stmt.Exec(event.Timestamp, event.Actor, event.Action, event.Resource, event.Details, event.Success, prevHash, rowHash); err != nil {
			log.Printf("[audit] flush exec: %v", err)
			continue
		}
		prevHash = rowHash
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit flush: commit: %w", err)
	}
	return nil
}

// Recent returns the most recently committed audit rows, newest first.
func (bl *BufferedLogger) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := bl.db.Query(
		`SELECT timestamp, actor, action, resource, details, success
		 FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Timestamp, &e.Actor, &e.Action, &e.Resource, &e.Details, &e.Success); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EnsureSchema creates the audit_logs table if it doesn't already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL,
			resource  TEXT NOT NULL DEFAULT '',
			details   TEXT NOT NULL DEFAULT '',
			success   INTEGER NOT NULL DEFAULT 1,
			prev_hash TEXT NOT NULL DEFAULT '',
			row_hash  TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// GetStats returns buffer statistics.
func (bl *BufferedLogger) GetStats() map[string]interface{} {
	bl.bufferMutex.Lock()
	defer bl.bufferMutex.Unlock()

	return map[string]interface{}{
		"buffer_size":     len(bl.buffer),
		"max_buffer":      bl.maxBuffer,
		"flush_interval":  bl.flushInterval.String(),
		"buffer_capacity": cap(bl.buffer),
	}
}
