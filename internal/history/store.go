// Package history archives finished workflow runs to a local sqlite
// database: the document that was analysed, every conversation held about
// it and the generated test cases.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"docpilot/internal/backend"
	"docpilot/internal/chat"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	path       string
	db         *sql.DB
	ftsEnabled bool
	mu         sync.Mutex
}

func Open(path string, reset bool) (*Store, error) {
	if reset {
		_ = os.Remove(path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{path: path, db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tool TEXT,
			document_id TEXT,
			document_name TEXT,
			chunk_count INTEGER,
			uploaded_ts INTEGER,
			archived_ts INTEGER,
			message_count INTEGER,
			test_case_count INTEGER,
			preview TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS run_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			conversation TEXT,
			ts INTEGER,
			role TEXT,
			content TEXT,
			sources TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_messages_run_id ON run_messages(run_id, conversation, id);`,
		`CREATE TABLE IF NOT EXISTS run_test_cases (
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER,
			test_case_id TEXT,
			feature TEXT,
			scenario TEXT,
			test_steps TEXT,
			expected_result TEXT,
			priority TEXT,
			category TEXT,
			PRIMARY KEY(run_id, position)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return s.ensureFTSTable()
}

func (s *Store) ensureFTSTable() error {
	var sqlDef string
	err := s.db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'run_messages_fts'`).Scan(&sqlDef)
	if err == nil {
		lower := strings.ToLower(sqlDef)
		s.ftsEnabled = strings.Contains(lower, "virtual table") && strings.Contains(lower, "fts5")
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inspect run_messages_fts table: %w", err)
	}

	_, err = s.db.Exec(`CREATE VIRTUAL TABLE run_messages_fts USING fts5(
		run_id UNINDEXED,
		content
	);`)
	if err == nil {
		s.ftsEnabled = true
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no such module: fts5") {
		return fmt.Errorf("create run_messages_fts: %w", err)
	}

	// sqlite builds without FTS5 search run_messages with LIKE instead.
	s.ftsEnabled = false
	return nil
}

// Run is one archived pass through the workflow.
type Run struct {
	ID            string
	Tool          string
	DocumentID    string
	DocumentName  string
	ChunkCount    int
	UploadedAt    time.Time
	ArchivedAt    time.Time
	Conversations []Conversation
	TestCases     []backend.TestCase
}

type Conversation struct {
	Name     string
	Messages []chat.Message
}

// Summary is the row shown when listing runs.
type Summary struct {
	ID            string
	Tool          string
	DocumentName  string
	ArchivedTS    int64
	MessageCount  int
	TestCaseCount int
	Preview       string
}

type Message struct {
	ID           int64
	RunID        string
	Conversation string
	TS           int64
	Role         string
	Content      string
	Sources      []string
}

// Archive writes run in one transaction. Archiving the same id again
// replaces the earlier copy.
func (s *Store) Archive(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("archive run: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_messages_fts WHERE run_id = ?`, run.ID); err != nil {
			return fmt.Errorf("clear fts rows for run %s: %w", run.ID, err)
		}
	}
	for _, stmt := range []string{
		`DELETE FROM run_messages WHERE run_id = ?`,
		`DELETE FROM run_test_cases WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, run.ID); err != nil {
			return fmt.Errorf("clear run %s: %w", run.ID, err)
		}
	}

	messageCount := 0
	for _, c := range run.Conversations {
		messageCount += len(c.Messages)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs(id, tool, document_id, document_name, chunk_count, uploaded_ts, archived_ts, message_count, test_case_count, preview)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Tool, run.DocumentID, run.DocumentName, run.ChunkCount,
		unixOrNil(run.UploadedAt), unixOrNil(run.ArchivedAt), messageCount, len(run.TestCases), trimPreview(pickPreview(run))); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	insertMsgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_messages(run_id, conversation, ts, role, content, sources)
		VALUES(?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer insertMsgStmt.Close()

	for _, c := range run.Conversations {
		for _, m := range c.Messages {
			sources, err := json.Marshal(m.Sources)
			if err != nil {
				return fmt.Errorf("encode sources: %w", err)
			}
			res, err := insertMsgStmt.ExecContext(ctx, run.ID, c.Name, unixOrNil(m.Timestamp), string(m.Role), m.Content, string(sources))
			if err != nil {
				return fmt.Errorf("insert message for run %s: %w", run.ID, err)
			}
			if !s.ftsEnabled {
				continue
			}
			rowID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("message row id: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO run_messages_fts(rowid, run_id, content) VALUES(?, ?, ?)`, rowID, run.ID, m.Content); err != nil {
				return fmt.Errorf("index message for run %s: %w", run.ID, err)
			}
		}
	}

	insertTCStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_test_cases(run_id, position, test_case_id, feature, scenario, test_steps, expected_result, priority, category)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare test case insert: %w", err)
	}
	defer insertTCStmt.Close()

	for pos, tc := range run.TestCases {
		if _, err := insertTCStmt.ExecContext(ctx, run.ID, pos, tc.TestCaseID, tc.Feature, tc.Scenario, tc.TestSteps, tc.ExpectedResult, tc.Priority, tc.Category); err != nil {
			return fmt.Errorf("insert test case for run %s: %w", run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive %s: %w", run.ID, err)
	}
	return nil
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func pickPreview(run Run) string {
	for _, c := range run.Conversations {
		for _, m := range c.Messages {
			if m.Role == chat.RoleUser && strings.TrimSpace(m.Content) != "" {
				return m.Content
			}
		}
	}
	if len(run.TestCases) > 0 {
		return fmt.Sprintf("%d test cases generated", len(run.TestCases))
	}
	return run.DocumentName
}

func trimPreview(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= 120 {
		return s
	}
	return s[:117] + "..."
}
