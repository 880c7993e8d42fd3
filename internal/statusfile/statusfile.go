// Package statusfile persists the backend status vector to a
// recoverable text file between supervisor restarts, per spec.md
// §4.9. Grounded on networkdwriter's tmp-then-rename atomic write
// idiom (os.CreateTemp in the target directory, WriteString, Close,
// os.Rename) — adapted here from systemd-network unit files to a flat
// status vector, one line per backend.
package statusfile

import (
	"bufio"
	"bytes"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/poolsuper/poolsuper/internal/shmem"
)

// legacyMagic identifies the binary format this supervisor's
// predecessor used: a 4-byte magic, then one status byte per backend
// (0=unused,1=down,2=connect_wait,3=up). Auto-detected on read so a
// pre-rewrite status file keeps working.
var legacyMagic = [4]byte{'P', 'S', 'F', 1}

// Load reads path and returns one status per line ("up", "down",
// "connect_wait"; anything else reads as unused). It transparently
// decodes the legacy binary
// format if the file starts with legacyMagic. Missing file returns an
// empty slice, nil error (first-ever start).
func Load(path string) ([]shmem.BackendStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statusfile: read %s: %w", path, err)
	}
	if len(data) >= 4 && bytes.Equal(data[:4], legacyMagic[:]) {
		return decodeLegacy(data[4:]), nil
	}
	return decodeText(data), nil
}

func decodeLegacy(body []byte) []shmem.BackendStatus {
	out := make([]shmem.BackendStatus, len(body))
	for i, b := range body {
		switch b {
		case 1:
			out[i] = shmem.StatusDown
		case 2:
			out[i] = shmem.StatusConnectWait
		case 3:
			out[i] = shmem.StatusUp
		default:
			out[i] = shmem.StatusUnused
		}
	}
	return out
}

func decodeText(data []byte) []shmem.BackendStatus {
	var out []shmem.BackendStatus
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, parseStatus(line))
	}
	return out
}

func parseStatus(s string) shmem.BackendStatus {
	switch strings.ToLower(s) {
	case "up":
		return shmem.StatusUp
	case "down":
		return shmem.StatusDown
	case "connect_wait":
		return shmem.StatusConnectWait
	default:
		return shmem.StatusUnused
	}
}

func statusToText(s shmem.BackendStatus) string {
	switch s {
	case shmem.StatusUp:
		return "up"
	case shmem.StatusDown:
		return "down"
	case shmem.StatusConnectWait:
		return "connect_wait"
	default:
		return "unused"
	}
}

// Normalize applies spec.md §4.9's two sanity rules to a loaded
// vector: "all-DOWN declines to write" (handled by the caller choosing
// not to call Save) is not this function's job — Normalize instead
// coerces a vector with no UP/CONNECT_WAIT entries at all ("bogus")
// so every backend starts in CONNECT_WAIT.
func Normalize(statuses []shmem.BackendStatus) []shmem.BackendStatus {
	hasLive := false
	for _, s := range statuses {
		if s == shmem.StatusUp || s == shmem.StatusConnectWait {
			hasLive = true
			break
		}
	}
	if hasLive || len(statuses) == 0 {
		return statuses
	}
	out := make([]shmem.BackendStatus, len(statuses))
	for i := range out {
		out[i] = shmem.StatusConnectWait
	}
	return out
}

// Save writes statuses to path using the atomic tmp-then-rename
// pattern, unless every entry is DOWN — spec.md §4.9's "decline to
// write when all-DOWN" rule, which preserves the prior up-set across
// an ambiguous restart instead of overwriting it with a snapshot that
// looks like a total outage.
func Save(path string, statuses []shmem.BackendStatus) error {
	allDown := true
	for _, s := range statuses {
		if s != shmem.StatusDown {
			allDown = false
			break
		}
	}
	if allDown && len(statuses) > 0 {
		log.Printf("[statusfile] all backends DOWN, declining to overwrite %s", path)
		return nil
	}

	var sb strings.Builder
	for _, s := range statuses {
		sb.WriteString(statusToText(s))
		sb.WriteByte('\n')
	}
	return atomicWrite(path, sb.String())
}

// Discard removes path, used when discard_status is requested at
// startup so every backend starts fresh in CONNECT_WAIT.
func Discard(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statusfile: discard %s: %w", path, err)
	}
	return nil
}

func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statusfile: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("statusfile: create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statusfile: write tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statusfile: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statusfile: rename: %w", err)
	}
	return nil
}

// EncodeLegacy serializes statuses in the pre-rewrite binary format.
// Exposed only so tests and migration tooling can produce fixtures;
// Save always writes the text format going forward.
func EncodeLegacy(statuses []shmem.BackendStatus) []byte {
	buf := make([]byte, 0, 4+len(statuses))
	buf = append(buf, legacyMagic[:]...)
	for _, s := range statuses {
		var b byte
		switch s {
		case shmem.StatusDown:
			b = 1
		case shmem.StatusConnectWait:
			b = 2
		case shmem.StatusUp:
			b = 3
		}
		buf = append(buf, b)
	}
	return buf
}

// HistoryRow is one appended row of backend_status_history.
type HistoryRow struct {
	BackendID int
	Status    string
}

// EnsureSchema creates the additive SQLite history table — the text
// file remains the crash-recovery source of truth, this is only for
// the read-only admin HTTP surface's history view.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS backend_status_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			backend_id INTEGER NOT NULL,
			status     TEXT NOT NULL,
			changed_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)
	`)
	return err
}

// RecordHistory appends one row per backend transition.
func RecordHistory(db *sql.DB, rows []HistoryRow) error {
	if db == nil || len(rows) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO backend_status_history (backend_id, status) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.BackendID, r.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}
