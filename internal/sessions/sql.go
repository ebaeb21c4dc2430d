package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kohtravel/agentd/pkg/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLConfig holds connection pool settings for SQL-backed stores.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	// AutoMigrate applies pending embedded migrations on open.
	AutoMigrate bool
}

// DefaultSQLConfig returns default configuration.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		AutoMigrate:     true,
	}
}

// SQLStore implements Store on PostgreSQL (lib/pq) or SQLite (modernc).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. The schema must already exist.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewPostgresStore opens a PostgreSQL-backed store from a DSN or URL.
func NewPostgresStore(dsn string, config *SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	return openSQLStore("postgres", dsn, DialectPostgres, config)
}

// NewSQLiteStore opens a SQLite-backed store at path. ":memory:" is allowed.
func NewSQLiteStore(path string, config *SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	if config == nil {
		config = DefaultSQLConfig()
	}
	cfg := *config
	// A single connection serializes writers and keeps :memory: databases shared.
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.ConnMaxLifetime = 0
	cfg.ConnMaxIdleTime = 0
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}
	return openSQLStore("sqlite", dsn, DialectSQLite, &cfg)
}

func openSQLStore(driver, dsn string, dialect Dialect, config *SQLConfig) (*SQLStore, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		migrator, err := NewMigrator(db, dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		if _, err := migrator.Up(ctx, 0); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// DB exposes the underlying database connection for the DB locker.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect reports the SQL flavor of the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := validateMessage(sessionID, msg); err != nil {
		return err
	}
	now := time.Now().UTC()
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := marshalNullable(msg.ToolResults, len(msg.ToolResults) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	metadata, err := marshalNullable(msg.Metadata, len(msg.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`), sessionID, now); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`), id, sessionID, string(msg.Role), msg.Content, toolCalls, toolResults, metadata, createdAt); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	msg.ID = id
	msg.SessionID = sessionID
	msg.CreatedAt = createdAt
	return nil
}

func (s *SQLStore) History(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, role, content, tool_calls, tool_results, metadata, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY seq ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var toolCalls, toolResults, metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content,
			&toolCalls, &toolResults, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if err := unmarshalNullable(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
		if err := unmarshalNullable(toolResults, &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
		}
		if err := unmarshalNullable(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func (s *SQLStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = $1`), sessionID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, user_id, project, system_prompt, metadata, created_at, updated_at
		FROM sessions WHERE id = $1
	`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session ID is required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	metadata, err := marshalNullable(session.Metadata, len(session.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, user_id, project, system_prompt, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			project = EXCLUDED.project,
			system_prompt = EXCLUDED.system_prompt,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`), session.ID, session.UserID, session.Project, session.SystemPrompt, metadata,
		session.CreatedAt, session.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if opts.UserID != "" {
		add("user_id = $%d", opts.UserID)
	}
	if opts.Project != "" {
		add("project = $%d", opts.Project)
	}
	if !opts.UpdatedBefore.IsZero() {
		add("updated_at < $%d", opts.UpdatedBefore.UTC())
	}

	query := `SELECT id, user_id, project, system_prompt, metadata, created_at, updated_at FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	switch {
	case opts.Limit > 0:
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	case opts.Offset > 0 && s.dialect == DialectSQLite:
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = $1`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM sessions), (SELECT COUNT(*) FROM messages)`,
	).Scan(&stats.Sessions, &stats.Messages)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count sessions: %w", err)
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var metadata sql.NullString
	if err := row.Scan(&session.ID, &session.UserID, &session.Project, &session.SystemPrompt,
		&metadata, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(metadata, &session.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return session, nil
}

// marshalNullable encodes v as a JSON string parameter, or NULL when empty.
// JSON is passed as text so lib/pq does not send it as bytea.
func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}
