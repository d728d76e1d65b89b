package journal

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"iptv-tuner/work/logger"

	_ "github.com/mattn/go-sqlite3"
	"github.com/panjf2000/ants/v2"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Event is one recorded session lifecycle event.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	ChannelID string    `json:"channelId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal persists session lifecycle events to SQLite for after-the-fact
// diagnostics: which generations were superseded, when stalls happened, how
// often fallback kicked in. Writes are submitted to a worker pool so the
// session manager's hot path never blocks on disk.
type Journal struct {
	db   *sql.DB
	pool *ants.Pool
}

// Open creates (or reuses) the journal database at path with WAL mode and
// runs the embedded migrations.
func Open(path string, pool *ants.Pool) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// a single writer is plenty for lifecycle events and sidesteps SQLite
	// write contention
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, pool: pool}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}

	logger.Debug("{journal - Open} Session journal opened at %s", path)
	return j, nil
}

// migrate applies the embedded migration files in name order.
func (j *Journal) migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := j.db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Record writes an event asynchronously via the worker pool, falling back to
// a synchronous write when the pool is full or absent.
func (j *Journal) Record(sessionID, channelID, event, detail string) {
	write := func() {
		if err := j.insert(sessionID, channelID, event, detail); err != nil {
			logger.Warn("{journal - Record} Failed to record %s for %s: %v", event, sessionID, err)
		}
	}

	if j.pool == nil || j.pool.Submit(write) != nil {
		write()
	}
}

func (j *Journal) insert(sessionID, channelID, event, detail string) error {
	_, err := j.db.Exec(
		`INSERT INTO session_events (session_id, channel_id, event, detail) VALUES (?, ?, ?, ?)`,
		sessionID, channelID, event, detail,
	)
	return err
}

// Recent returns the newest events, most recent first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.Query(
		`SELECT id, session_id, channel_id, event, detail, created_at
		 FROM session_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ChannelID, &ev.Event, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close shuts down the database handle. Pending pool writes may be dropped.
func (j *Journal) Close() error {
	return j.db.Close()
}
