package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arcdash/arc/domain"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: sqlite serializes writers anyway, and a pool of one
	// keeps :memory: databases from fragmenting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT,
			max_turns INTEGER NOT NULL DEFAULT 0,
			allowed_tools TEXT,
			working_dir TEXT,
			telegram_chat_id TEXT,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON chat_sessions(agent_id)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS squads (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			agent_ids TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			squad_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			assigned_agent_id TEXT,
			result TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (squad_id) REFERENCES squads(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_squad ON tasks(squad_id, status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, agent_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.Title, session.Status, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, title, status, created_at, updated_at FROM chat_sessions WHERE id = ?`,
		id).Scan(&session.ID, &session.AgentID, &session.Title, &session.Status, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions lists sessions, optionally filtered by agent, most recently
// updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, agentID string) ([]domain.Session, error) {
	query := `SELECT id, agent_id, title, status, created_at, updated_at FROM chat_sessions`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		if err := rows.Scan(&session.ID, &session.AgentID, &session.Title, &session.Status, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession applies a patch to a session. UpdatedAt is always set.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	fields := []string{"updated_at = ?"}
	args := []interface{}{time.Now()}
	if patch.Title != nil {
		fields = append(fields, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Status != nil {
		fields = append(fields, "status = ?")
		args = append(args, *patch.Status)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chat_sessions SET %s WHERE id = ?`, strings.Join(fields, ", ")), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSessions returns the total number of sessions.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&n)
	return n, err
}

// SaveMessage appends a message to a session's transcript.
func (s *SQLiteStore) SaveMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, message.Role, message.Content, message.CreatedAt)
	return err
}

// GetMessages retrieves all messages for a session in creation order.
// Insertion order breaks ties between equal timestamps.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpsertAgent registers or updates an agent.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	tools, _ := json.Marshal(agent.AllowedTools)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, description, system_prompt, model, max_turns, allowed_tools, working_dir, telegram_chat_id, status, last_seen, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			max_turns = excluded.max_turns,
			allowed_tools = excluded.allowed_tools,
			working_dir = excluded.working_dir,
			telegram_chat_id = excluded.telegram_chat_id,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Description, agent.SystemPrompt,
		nullString(agent.Model), agent.MaxTurns, string(tools),
		nullString(agent.WorkingDir), nullString(agent.TelegramChatID),
		agent.Status, nullTime(agent.LastSeen), agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, system_prompt, model, max_turns, allowed_tools, working_dir, telegram_chat_id, status, last_seen, created_at, updated_at FROM agents WHERE id = ?`,
		id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents lists all agents ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, system_prompt, model, max_turns, allowed_tools, working_dir, telegram_chat_id, status, last_seen, created_at, updated_at FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus updates an agent's status and last-seen time.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		status, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSquad creates a new squad.
func (s *SQLiteStore) CreateSquad(ctx context.Context, squad *domain.Squad) error {
	ids, _ := json.Marshal(squad.AgentIDs)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO squads (id, name, description, agent_ids, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		squad.ID, squad.Name, squad.Description, string(ids), squad.CreatedAt, squad.UpdatedAt)
	return err
}

// GetSquad retrieves a squad by ID.
func (s *SQLiteStore) GetSquad(ctx context.Context, id string) (*domain.Squad, error) {
	var squad domain.Squad
	var ids string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, agent_ids, created_at, updated_at FROM squads WHERE id = ?`,
		id).Scan(&squad.ID, &squad.Name, &squad.Description, &ids, &squad.CreatedAt, &squad.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &squad.AgentIDs); err != nil {
		return nil, fmt.Errorf("failed to decode agent_ids: %w", err)
	}
	return &squad, nil
}

// ListSquads lists all squads ordered by name.
func (s *SQLiteStore) ListSquads(ctx context.Context) ([]domain.Squad, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, agent_ids, created_at, updated_at FROM squads ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var squads []domain.Squad
	for rows.Next() {
		var squad domain.Squad
		var ids string
		if err := rows.Scan(&squad.ID, &squad.Name, &squad.Description, &ids, &squad.CreatedAt, &squad.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &squad.AgentIDs); err != nil {
			return nil, fmt.Errorf("failed to decode agent_ids: %w", err)
		}
		squads = append(squads, squad)
	}
	return squads, rows.Err()
}

// UpdateSquad applies a patch to a squad.
func (s *SQLiteStore) UpdateSquad(ctx context.Context, id string, patch SquadPatch) error {
	fields := []string{"updated_at = ?"}
	args := []interface{}{time.Now()}
	if patch.Name != nil {
		fields = append(fields, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Description != nil {
		fields = append(fields, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.AgentIDs != nil {
		ids, _ := json.Marshal(patch.AgentIDs)
		fields = append(fields, "agent_ids = ?")
		args = append(args, string(ids))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE squads SET %s WHERE id = ?`, strings.Join(fields, ", ")), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSquad removes a squad.
func (s *SQLiteStore) DeleteSquad(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM squads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTask creates a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, squad_id, title, description, status, assigned_agent_id, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.SquadID, task.Title, task.Description, task.Status,
		nullString(task.AssignedAgentID), nullString(task.Result), task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	var assigned, result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, squad_id, title, description, status, assigned_agent_id, result, created_at, updated_at FROM tasks WHERE id = ?`,
		id).Scan(&task.ID, &task.SquadID, &task.Title, &task.Description, &task.Status, &assigned, &result, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.AssignedAgentID = assigned.String
	task.Result = result.String
	return &task, nil
}

// ListTasks lists tasks, optionally filtered by squad and status, newest
// first.
func (s *SQLiteStore) ListTasks(ctx context.Context, squadID string, status domain.TaskStatus) ([]domain.Task, error) {
	query := `SELECT id, squad_id, title, description, status, assigned_agent_id, result, created_at, updated_at FROM tasks WHERE 1=1`
	args := []interface{}{}
	if squadID != "" {
		query += ` AND squad_id = ?`
		args = append(args, squadID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		var assigned, result sql.NullString
		if err := rows.Scan(&task.ID, &task.SquadID, &task.Title, &task.Description, &task.Status, &assigned, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		task.AssignedAgentID = assigned.String
		task.Result = result.String
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a patch to a task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	fields := []string{"updated_at = ?"}
	args := []interface{}{time.Now()}
	if patch.Title != nil {
		fields = append(fields, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		fields = append(fields, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Status != nil {
		fields = append(fields, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.AssignedAgentID != nil {
		fields = append(fields, "assigned_agent_id = ?")
		args = append(args, *patch.AssignedAgentID)
	}
	if patch.Result != nil {
		fields = append(fields, "result = ?")
		args = append(args, *patch.Result)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(fields, ", ")), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var agent domain.Agent
	var model, tools, workingDir, chatID sql.NullString
	var lastSeen sql.NullTime
	err := row.Scan(&agent.ID, &agent.Name, &agent.Description, &agent.SystemPrompt,
		&model, &agent.MaxTurns, &tools, &workingDir, &chatID,
		&agent.Status, &lastSeen, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	agent.Model = model.String
	agent.WorkingDir = workingDir.String
	agent.TelegramChatID = chatID.String
	if lastSeen.Valid {
		agent.LastSeen = lastSeen.Time
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &agent.AllowedTools); err != nil {
			return nil, fmt.Errorf("failed to decode allowed_tools: %w", err)
		}
	}
	return &agent, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
