package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"docpilot/internal/backend"
)

// ListRuns returns archived runs, newest first. A non-empty query matches
// message content.
func (s *Store) ListRuns(query string, limit int) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	query = strings.TrimSpace(query)

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case query == "":
		rows, err = s.db.Query(`
			SELECT id, COALESCE(tool, ''), COALESCE(document_name, ''), COALESCE(archived_ts, 0),
				COALESCE(message_count, 0), COALESCE(test_case_count, 0), COALESCE(preview, '')
			FROM runs
			ORDER BY archived_ts DESC, id
			LIMIT ?
		`, limit)
	case s.ftsEnabled:
		rows, err = s.db.Query(`
			SELECT r.id, COALESCE(r.tool, ''), COALESCE(r.document_name, ''), COALESCE(r.archived_ts, 0),
				COALESCE(r.message_count, 0), COALESCE(r.test_case_count, 0), COALESCE(r.preview, '')
			FROM runs r
			WHERE r.id IN (SELECT run_id FROM run_messages_fts WHERE run_messages_fts MATCH ?)
			ORDER BY r.archived_ts DESC, r.id
			LIMIT ?
		`, buildFTSQuery(query), limit)
	default:
		rows, err = s.searchRowsLike(query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0, 32)
	for rows.Next() {
		var r Summary
		if err := rows.Scan(&r.ID, &r.Tool, &r.DocumentName, &r.ArchivedTS, &r.MessageCount, &r.TestCaseCount, &r.Preview); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func (s *Store) searchRowsLike(query string, limit int) (*sql.Rows, error) {
	terms := tokenizeSearchTerms(query)
	if len(terms) == 0 {
		terms = []string{query}
	}
	var (
		where []string
		args  []any
	)
	for _, term := range terms {
		where = append(where, `r.id IN (SELECT run_id FROM run_messages WHERE content LIKE ? ESCAPE '\')`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	args = append(args, limit)
	return s.db.Query(`
		SELECT r.id, COALESCE(r.tool, ''), COALESCE(r.document_name, ''), COALESCE(r.archived_ts, 0),
			COALESCE(r.message_count, 0), COALESCE(r.test_case_count, 0), COALESCE(r.preview, '')
		FROM runs r
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY r.archived_ts DESC, r.id
		LIMIT ?
	`, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func buildFTSQuery(raw string) string {
	terms := tokenizeSearchTerms(raw)
	if len(terms) == 0 {
		return `""`
	}
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		parts = append(parts, `"`+strings.ReplaceAll(term, `"`, `""`)+`"*`)
	}
	return strings.Join(parts, " AND ")
}

func tokenizeSearchTerms(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '"', '(', ')':
			return true
		}
		return false
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// GetMessages returns every archived message of a run in the order the
// conversations recorded them.
func (s *Store) GetMessages(runID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, COALESCE(conversation, ''), COALESCE(ts, 0), role, content, COALESCE(sources, '')
		FROM run_messages
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		var (
			m       Message
			sources string
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.Conversation, &m.TS, &m.Role, &m.Content, &sources); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if sources != "" && sources != "null" {
			if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
				return nil, fmt.Errorf("decode sources of message %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// GetTestCases returns the archived test cases of a run in generation order.
func (s *Store) GetTestCases(runID string) ([]backend.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT test_case_id, feature, scenario, test_steps, expected_result, priority, category
		FROM run_test_cases
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run test cases: %w", err)
	}
	defer rows.Close()

	var out []backend.TestCase
	for rows.Next() {
		var tc backend.TestCase
		if err := rows.Scan(&tc.TestCaseID, &tc.Feature, &tc.Scenario, &tc.TestSteps, &tc.ExpectedResult, &tc.Priority, &tc.Category); err != nil {
			return nil, fmt.Errorf("scan test case row: %w", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test cases: %w", err)
	}
	return out, nil
}

func FormatUnix(ts int64) string {
	if ts <= 0 {
		return "unknown"
	}
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04")
}
