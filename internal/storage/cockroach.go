package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/concord/kernel/pkg/models"
)

// NewCockroachStore opens a Postgres/CockroachDB-backed Store using dsn as
// the remote document-database implementation named in the Persistence
// interface (SPEC_FULL.md §6). Schema is created on first use via
// ensureSchema, using Postgres-style $n placeholders.
func NewCockroachStore(dsn string, config *CockroachConfig) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &sqlStore{db: db, dialect: dialectPostgres}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// sqlStore is a database/sql-backed Store shared by the SQLite (on-disk) and
// CockroachDB/Postgres (remote document database) implementations named in
// the Persistence interface. The only dialect-sensitive piece is placeholder
// syntax (ph) and the CREATE TABLE statements in ensureSchema.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// ph renders the nth bind placeholder for the store's dialect.
func (s *sqlStore) ph(n int) string {
	if s.dialect == dialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	autoIncrement := "BIGSERIAL"
	jsonType := "JSONB"
	if s.dialect == dialectSQLite {
		autoIncrement = "INTEGER"
		jsonType = "TEXT"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_messages (
			seq %s PRIMARY KEY,
			session_id TEXT NOT NULL,
			message %s NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, autoIncrement, jsonType),
		`CREATE TABLE IF NOT EXISTS tasks (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			parent_run_id TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			record JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subtask_runs (
			run_id TEXT PRIMARY KEY,
			record JSONB NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS compaction_records (
			seq %s PRIMARY KEY,
			session_id TEXT NOT NULL,
			record %s NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, autoIncrement, jsonType),
	}
	if s.dialect == dialectSQLite {
		for i, stmt := range stmts {
			stmts[i] = strings.ReplaceAll(stmt, "JSONB", "TEXT")
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) CreateSession(ctx context.Context, sessionID, agentID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO sessions (id, agent_id, created_at, updated_at) VALUES (%s,%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4)),
		sessionID, agentID, now, now)
	return err
}

func (s *sqlStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, agent_id, created_at, updated_at FROM sessions WHERE id = %s`, s.ph(1)),
		sessionID)
	var session models.Session
	if err := row.Scan(&session.ID, &session.AgentID, &session.CreatedAt, &session.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *sqlStore) AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO session_messages (session_id, message, created_at) VALUES (%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3)),
		sessionID, string(payload), time.Now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET updated_at = %s WHERE id = %s`, s.ph(1), s.ph(2)),
		time.Now(), sessionID)
	return err
}

func (s *sqlStore) loadMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT message FROM session_messages WHERE session_id = %s ORDER BY seq ASC`, s.ph(1)),
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetCurrentContext(ctx context.Context, sessionID string) (*ContextSnapshot, error) {
	msgs, err := s.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &ContextSnapshot{SessionID: sessionID, Messages: msgs}, nil
}

func (s *sqlStore) GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.loadMessages(ctx, sessionID)
}

func (s *sqlStore) CompactContext(ctx context.Context, sessionID string, opts CompactOptions) error {
	msgs, err := s.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	if opts.KeepLastN < 0 || opts.KeepLastN > len(msgs) {
		return nil
	}

	var suffix []*models.Message
	if opts.KeepLastN > 0 {
		suffix = msgs[len(msgs)-opts.KeepLastN:]
	}
	rebuilt := make([]*models.Message, 0, len(suffix)+2)
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		rebuilt = append(rebuilt, msgs[0])
		if len(suffix) > 0 && suffix[0] == msgs[0] {
			suffix = suffix[1:]
		}
	}
	if opts.SummaryMessage != nil {
		rebuilt = append(rebuilt, opts.SummaryMessage)
	}
	rebuilt = append(rebuilt, suffix...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM session_messages WHERE session_id = %s`, s.ph(1)), sessionID); err != nil {
		return err
	}
	for _, msg := range rebuilt {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO session_messages (session_id, message, created_at) VALUES (%s,%s,%s)`,
				s.ph(1), s.ph(2), s.ph(3)),
			sessionID, string(payload), time.Now()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SaveTask(ctx context.Context, run *models.RunRecord) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	upsert := `INSERT INTO tasks (run_id, agent_id, parent_run_id, status, created_at, record)
		VALUES (%s,%s,%s,%s,%s,%s)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, record = excluded.record`
	if s.dialect == dialectSQLite {
		upsert = strings.ReplaceAll(upsert, "excluded", "excluded")
	}
	query := fmt.Sprintf(upsert, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err = s.db.ExecContext(ctx, query,
		run.RunID, run.AgentID, run.ParentRunID, string(run.Status), run.CreatedAt, string(payload))
	return err
}

func (s *sqlStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*models.RunRecord, error) {
	query := `SELECT record FROM tasks WHERE 1=1`
	var args []any
	n := 1
	add := func(clause string, arg any) {
		query += fmt.Sprintf(" AND %s %s", clause, s.ph(n))
		args = append(args, arg)
		n++
	}
	if filter.RunID != "" {
		add("run_id =", filter.RunID)
	}
	if filter.AgentID != "" {
		add("agent_id =", filter.AgentID)
	}
	if filter.ParentRunID != "" {
		add("parent_run_id =", filter.ParentRunID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statusSet := make(map[models.RunStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statusSet[st] = true
	}

	var out []*models.RunRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var run models.RunRecord
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		if len(statusSet) > 0 && !statusSet[run.Status] {
			continue
		}
		out = append(out, &run)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveSubTaskRun(ctx context.Context, sub *models.SubTaskRun) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subtask: %w", err)
	}
	upsert := `INSERT INTO subtask_runs (run_id, record) VALUES (%s,%s)
		ON CONFLICT (run_id) DO UPDATE SET record = excluded.record`
	query := fmt.Sprintf(upsert, s.ph(1), s.ph(2))
	_, err = s.db.ExecContext(ctx, query, sub.RunID, string(payload))
	return err
}

func (s *sqlStore) GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT record FROM subtask_runs WHERE run_id = %s`, s.ph(1)), runID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sub models.SubTaskRun
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subtask: %w", err)
	}
	return &sub, nil
}

func (s *sqlStore) GetCompactionRecords(ctx context.Context, sessionID string) ([]models.CompactionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT record FROM compaction_records WHERE session_id = %s ORDER BY seq ASC`, s.ph(1)),
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CompactionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec models.CompactionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal compaction record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendCompactionRecord(ctx context.Context, sessionID string, rec models.CompactionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal compaction record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO compaction_records (session_id, record, created_at) VALUES (%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3)),
		sessionID, string(payload), time.Now())
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
