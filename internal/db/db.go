// Package db journals bus traffic to SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/monitoring"
)

// Direction of a journaled frame.
type Direction string

const (
	DirectionRX Direction = "rx"
	DirectionTX Direction = "tx"
)

// pragmas applied to every connection in the pool.
const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"

type DB struct {
	*sql.DB
	path    string
	session string
	log     zerolog.Logger
}

// NewDB opens (or creates) the journal at path and applies pending
// migrations. Every DB gets a fresh session id so frames from separate runs
// can be told apart.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?"+pragmas)
	if err != nil {
		return nil, err
	}
	d := &DB{
		DB:      db,
		path:    path,
		session: uuid.NewString(),
		log:     monitoring.Component("db"),
	}
	if err := d.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Session returns the id stamped on frames recorded through d.
func (db *DB) Session() string { return db.session }

// Frame is one journaled bus frame.
type Frame struct {
	ID          int64     `json:"id"`
	Session     string    `json:"session"`
	Time        time.Time `json:"time"`
	Direction   Direction `json:"direction"`
	Source      int       `json:"source"`
	Destination int       `json:"destination"`
	// Opcode is nil for polls.
	Opcode   *int   `json:"opcode,omitempty"`
	Data     string `json:"data"`
	Outcome  string `json:"outcome,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s (%d->%d) %s %s", f.Time.Format(time.RFC3339Nano), f.Direction, f.Source, f.Destination, f.Data, f.Outcome)
}

// NewFrame describes p as seen at t.
func NewFrame(dir Direction, p cec.Packet, t time.Time) Frame {
	f := Frame{
		Time:        t,
		Direction:   dir,
		Source:      int(p.Source),
		Destination: int(p.Destination),
		Data:        p.String(),
	}
	if op, ok := p.Opcode(); ok {
		n := int(op)
		f.Opcode = &n
	}
	return f
}

// RecordFrame appends f to the journal under the current session.
func (db *DB) RecordFrame(f Frame) error {
	var opcode sql.NullInt64
	if f.Opcode != nil {
		opcode = sql.NullInt64{Int64: int64(*f.Opcode), Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO frames (
			session_id, recorded_unix_nanos, direction, source, destination,
			opcode, data, outcome, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.session, f.Time.UnixNano(), string(f.Direction), f.Source, f.Destination,
		opcode, f.Data, f.Outcome, f.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to record frame: %w", err)
	}
	return nil
}

// RecentFrames returns up to limit frames, newest first.
func (db *DB) RecentFrames(limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT frame_id, session_id, recorded_unix_nanos, direction,
			source, destination, opcode, data, outcome, attempts
		FROM frames ORDER BY frame_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var (
			f      Frame
			nanos  int64
			dir    string
			opcode sql.NullInt64
		)
		if err := rows.Scan(
			&f.ID,
			&f.Session,
			&nanos,
			&dir,
			&f.Source,
			&f.Destination,
			&opcode,
			&f.Data,
			&f.Outcome,
			&f.Attempts,
		); err != nil {
			return nil, err
		}
		f.Time = time.Unix(0, nanos).UTC()
		f.Direction = Direction(dir)
		if opcode.Valid {
			n := int(opcode.Int64)
			f.Opcode = &n
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// OpcodeCount is the number of journaled frames carrying one opcode.
type OpcodeCount struct {
	Opcode int `json:"opcode"`
	Count  int `json:"count"`
}

// OpcodeCounts tallies journaled frames by opcode. Polls are not counted.
func (db *DB) OpcodeCounts() ([]OpcodeCount, error) {
	rows, err := db.Query(`SELECT opcode, COUNT(*) FROM frames
		WHERE opcode IS NOT NULL GROUP BY opcode ORDER BY opcode`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []OpcodeCount
	for rows.Next() {
		var c OpcodeCount
		if err := rows.Scan(&c.Opcode, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "CEC frame journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("cec-journal-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			db.log.Warn().Err(err).Str("path", backupPath).Msg("failed to remove backup file")
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		db.log.Error().Err(err).Msg("failed to stream backup")
	}
}
