package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"example.com/openrobot-bt/internal/behavior"
	"example.com/openrobot-bt/internal/trace"
)

var ErrNotFound = errors.New("db: not found")

// OfflineAfter is how long an agent may go without a heartbeat before it is
// reported offline.
const OfflineAfter = time.Minute

type DB struct {
	SQL  *sql.DB
	Path string
}

type Agent struct {
	AgentID       string         `json:"agent_id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	IP            string         `json:"ip"`
	Status        string         `json:"status"`
	Session       string         `json:"session"`
	Cycle         uint64         `json:"cycle"`
	Root          string         `json:"root"`
	TickHz        int            `json:"tick_hz"`
	JobStatus     string         `json:"job_status,omitempty"`
	JobError      string         `json:"job_error,omitempty"`
	LastSeen      time.Time      `json:"last_seen"`
	InstallConfig *InstallConfig `json:"install_config,omitempty"`
}

type InstallConfig struct {
	Address string `json:"address"`
	User    string `json:"user"`
	SSHKey  string `json:"ssh_key"`
}

const defaultInstallConfigKey = "default_install_config"

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	// a single connection avoids SQLITE_BUSY between writers; callers must
	// close result sets before issuing the next query
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &DB{SQL: db, Path: path}, nil
}

func (d *DB) Close() error {
	return d.SQL.Close()
}

func migrate(db *sql.DB) error {
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT,
			type TEXT DEFAULT 'robot',
			ip TEXT,
			status TEXT,
			session TEXT,
			cycle INTEGER DEFAULT 0,
			root TEXT,
			tick_hz INTEGER DEFAULT 0,
			job_status TEXT,
			job_error TEXT,
			last_seen TIMESTAMP,
			shape_json TEXT,
			ssh_address TEXT,
			ssh_user TEXT,
			ssh_key TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			session TEXT,
			cycle INTEGER NOT NULL,
			at TIMESTAMP,
			root TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS cycles_agent ON cycles (agent_id, id);`,
		`CREATE TABLE IF NOT EXISTS node_records (
			cycle_id INTEGER NOT NULL,
			node_id INTEGER NOT NULL,
			name TEXT,
			kind TEXT,
			status TEXT,
			entered INTEGER,
			exited INTEGER,
			seq INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS node_records_cycle ON node_records (cycle_id, seq);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			log.Printf("[db] migration failed: %v", err)
			return err
		}
	}
	return nil
}

func buildInstallConfig(addr, user, key sql.NullString) *InstallConfig {
	cfg := InstallConfig{Address: addr.String, User: user.String, SSHKey: key.String}
	if cfg.Address == "" && cfg.User == "" && cfg.SSHKey == "" {
		return nil
	}
	return &cfg
}

const agentColumns = `agent_id, name, type, ip, status, session, cycle, root, tick_hz, job_status, job_error, last_seen, ssh_address, ssh_user, ssh_key`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var a Agent
	var name, rType, ip, status, session, root, jobStatus, jobError sql.NullString
	var cycle, tickHz sql.NullInt64
	var lastSeen sql.NullTime
	var sshAddr, sshUser, sshKey sql.NullString
	if err := row.Scan(&a.AgentID, &name, &rType, &ip, &status, &session, &cycle, &root, &tickHz, &jobStatus, &jobError, &lastSeen, &sshAddr, &sshUser, &sshKey); err != nil {
		return a, err
	}
	a.Name = name.String
	a.Type = rType.String
	if a.Type == "" {
		a.Type = "robot"
	}
	a.IP = ip.String
	a.Status = status.String
	a.Session = session.String
	a.Cycle = uint64(cycle.Int64)
	a.Root = root.String
	a.TickHz = int(tickHz.Int64)
	a.JobStatus = jobStatus.String
	a.JobError = jobError.String
	if lastSeen.Valid {
		a.LastSeen = lastSeen.Time
	}
	a.InstallConfig = buildInstallConfig(sshAddr, sshUser, sshKey)

	switch {
	case a.LastSeen.IsZero():
		a.Status = "unknown"
	case time.Since(a.LastSeen) > OfflineAfter:
		a.Status = "offline"
	}
	return a, nil
}

func (d *DB) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	agents := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (d *DB) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := d.SQL.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// UpsertAgentStatus records a heartbeat. LastSeen is stamped with the
// controller's clock.
func (d *DB) UpsertAgentStatus(ctx context.Context, a Agent) error {
	if a.AgentID == "" {
		return errors.New("agent_id required")
	}
	stmt, err := d.SQL.PrepareContext(ctx, `INSERT INTO agents (agent_id, name, type, ip, status, session, cycle, root, tick_hz, job_status, job_error, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET
	name=excluded.name,
	ip=excluded.ip,
	status=excluded.status,
	session=excluded.session,
	cycle=excluded.cycle,
	root=excluded.root,
	tick_hz=excluded.tick_hz,
	job_status=excluded.job_status,
	job_error=excluded.job_error,
	last_seen=excluded.last_seen,
	type=CASE WHEN excluded.type != '' THEN excluded.type ELSE agents.type END`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.ExecContext(ctx, a.AgentID, a.Name, a.Type, a.IP, a.Status, a.Session, int64(a.Cycle), a.Root, a.TickHz, a.JobStatus, a.JobError, time.Now().UTC())
	return err
}

func (d *DB) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmts := []string{
		`DELETE FROM node_records WHERE cycle_id IN (SELECT id FROM cycles WHERE agent_id = ?)`,
		`DELETE FROM cycles WHERE agent_id = ?`,
		`DELETE FROM agents WHERE agent_id = ?`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, agentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveTreeShape stores the latest shape an agent published, creating the
// agent row if no heartbeat arrived yet.
func (d *DB) SaveTreeShape(ctx context.Context, shape trace.Shape) error {
	if shape.AgentID == "" {
		return errors.New("agent_id required")
	}
	data, err := json.Marshal(shape)
	if err != nil {
		return err
	}
	_, err = d.SQL.ExecContext(ctx, `INSERT INTO agents (agent_id, shape_json) VALUES (?, ?)
ON CONFLICT(agent_id) DO UPDATE SET shape_json = excluded.shape_json`, shape.AgentID, string(data))
	return err
}

func (d *DB) GetTreeShape(ctx context.Context, agentID string) (trace.Shape, error) {
	var shape trace.Shape
	var val sql.NullString
	err := d.SQL.QueryRowContext(ctx, `SELECT shape_json FROM agents WHERE agent_id = ?`, agentID).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && val.String == "") {
		return shape, ErrNotFound
	}
	if err != nil {
		return shape, err
	}
	if err := json.Unmarshal([]byte(val.String), &shape); err != nil {
		return shape, fmt.Errorf("decode shape: %w", err)
	}
	return shape, nil
}

// InsertCycle stores a cycle and its records in one transaction.
func (d *DB) InsertCycle(ctx context.Context, c trace.Cycle) (int64, error) {
	if c.AgentID == "" {
		return 0, errors.New("agent_id required")
	}
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO cycles (agent_id, session, cycle, at, root) VALUES (?, ?, ?, ?, ?)`,
		c.AgentID, c.Session, int64(c.Cycle), c.At.UTC(), c.Root.String())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO node_records (cycle_id, node_id, name, kind, status, entered, exited, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, r := range c.Records {
		if _, err := stmt.ExecContext(ctx, id, r.NodeID, r.Name, r.Kind.String(), r.Status.String(), r.Entered, r.Exited, i); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// ListCycles returns up to limit cycles for agentID, newest first.
func (d *DB) ListCycles(ctx context.Context, agentID string, limit int) ([]trace.Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.SQL.QueryContext(ctx, `SELECT id, session, cycle, at, root FROM cycles WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	var ids []any
	index := make(map[int64]int)
	cycles := []trace.Cycle{}
	for rows.Next() {
		var id int64
		var session, root sql.NullString
		var cycle int64
		var at sql.NullTime
		if err := rows.Scan(&id, &session, &cycle, &at, &root); err != nil {
			rows.Close()
			return nil, err
		}
		c := trace.Cycle{AgentID: agentID, Session: session.String, Cycle: uint64(cycle), At: at.Time, Records: []behavior.Record{}}
		if err := c.Root.UnmarshalText([]byte(root.String)); err != nil {
			rows.Close()
			return nil, err
		}
		index[id] = len(cycles)
		ids = append(ids, id)
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return cycles, nil
	}
	if err := d.attachRecords(ctx, cycles, index, ids); err != nil {
		return nil, err
	}
	return cycles, nil
}

// attachRecords loads the records of every listed cycle in one query.
func (d *DB) attachRecords(ctx context.Context, cycles []trace.Cycle, index map[int64]int, ids []any) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := d.SQL.QueryContext(ctx, `SELECT cycle_id, node_id, name, kind, status, entered, exited FROM node_records
WHERE cycle_id IN (`+placeholders+`) ORDER BY cycle_id, seq`, ids...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cycleID int64
		var r behavior.Record
		var kind, status string
		if err := rows.Scan(&cycleID, &r.NodeID, &r.Name, &kind, &status, &r.Entered, &r.Exited); err != nil {
			return err
		}
		if err := r.Kind.UnmarshalText([]byte(kind)); err != nil {
			return err
		}
		if err := r.Status.UnmarshalText([]byte(status)); err != nil {
			return err
		}
		c := &cycles[index[cycleID]]
		r.Cycle = c.Cycle
		c.Records = append(c.Records, r)
	}
	return rows.Err()
}

// PruneCycles keeps the newest keep cycles of agentID and deletes the rest.
func (d *DB) PruneCycles(ctx context.Context, agentID string, keep int) (int64, error) {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM cycles WHERE agent_id = ? AND id NOT IN (
	SELECT id FROM cycles WHERE agent_id = ? ORDER BY id DESC LIMIT ?)`
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_records WHERE cycle_id IN (`+stale+`)`, agentID, agentID, keep); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE id IN (`+stale+`)`, agentID, agentID, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (d *DB) UpdateAgentInstallConfig(ctx context.Context, agentID string, cfg InstallConfig) error {
	_, err := d.SQL.ExecContext(ctx, `INSERT INTO agents (agent_id, ssh_address, ssh_user, ssh_key) VALUES (?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET ssh_address = excluded.ssh_address, ssh_user = excluded.ssh_user, ssh_key = excluded.ssh_key`,
		agentID, cfg.Address, cfg.User, cfg.SSHKey)
	return err
}

func (d *DB) GetDefaultInstallConfig(ctx context.Context) (*InstallConfig, error) {
	var val sql.NullString
	err := d.SQL.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, defaultInstallConfigKey).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !val.Valid || val.String == "" {
		return nil, nil
	}
	var cfg InstallConfig
	if err := json.Unmarshal([]byte(val.String), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (d *DB) SaveDefaultInstallConfig(ctx context.Context, cfg InstallConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = d.SQL.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, defaultInstallConfigKey, string(data))
	return err
}
