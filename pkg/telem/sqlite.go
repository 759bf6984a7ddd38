package telem

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/covmon/covmon/pkg/logx"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore is a SQLite backed table store. Columns are untyped; SQLite keeps
// the value affinity of whatever is inserted.
type SQLStore struct {
	db     *sql.DB
	path   string
	logger *logx.Logger

	mu      sync.Mutex
	columns map[string]map[string]bool // table -> known columns
}

// OpenSQLStore opens (or creates) the database at path
func OpenSQLStore(path string, logger *logx.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = logx.New("error")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps :memory: databases and ALTERs coherent
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.Info("table store opened", "database_path", path)
	return &SQLStore{
		db:      db,
		path:    path,
		logger:  logger,
		columns: make(map[string]map[string]bool),
	}, nil
}

// Declare creates table if missing and adds any missing columns
func (s *SQLStore) Declare(table string, columns []string) error {
	if !identPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for _, c := range columns {
		if !identPattern.MatchString(c) {
			return fmt.Errorf("invalid column name %q in table %s", c, table)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range columns {
		if c == "id" {
			continue
		}
		defs = append(defs, quoteIdent(c))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	known, err := s.loadColumnsLocked(table)
	if err != nil {
		return err
	}
	for _, c := range columns {
		if err := s.addColumnLocked(table, known, c); err != nil {
			return err
		}
	}
	return nil
}

// Insert writes one row. Columns not yet present are added first.
func (s *SQLStore) Insert(table string, row map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, ok := s.columns[table]
	if !ok {
		return fmt.Errorf("table %s not declared", table)
	}

	keys := make([]string, 0, len(row))
	for k := range row {
		if k == "id" {
			continue
		}
		if !identPattern.MatchString(k) {
			s.logger.Debug("skipping field with invalid column name", "table", table, "field", k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		if err := s.addColumnLocked(table, known, k); err != nil {
			return err
		}
		cols[i] = quoteIdent(k)
		marks[i] = "?"
		v, err := sqlValue(row[k])
		if err != nil {
			return fmt.Errorf("column %s: %w", k, err)
		}
		args[i] = v
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if len(keys) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(table))
	}
	if _, err := s.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in table
func (s *SQLStore) Count(table string) (int, error) {
	if !identPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + quoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Rows returns up to limit rows of table, oldest first
func (s *SQLStore) Rows(table string, limit int) ([]map[string]interface{}, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query("SELECT * FROM "+quoteIdent(table)+" ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Columns returns the known columns of table, sorted
func (s *SQLStore) Columns(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.columns[table]))
	for c := range s.columns[table] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Close closes the database
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) loadColumnsLocked(table string) (map[string]bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + quoteIdent(table) + ")")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
		}
		known[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.columns[table] = known
	return known, nil
}

func (s *SQLStore) addColumnLocked(table string, known map[string]bool, column string) error {
	if known[column] {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), quoteIdent(column))
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to add column %s to %s: %w", column, table, err)
	}
	known[column] = true
	s.logger.Debug("column added", "table", table, "column", column)
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// sqlValue converts a row value into something the driver accepts
func sqlValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, []byte:
		return t, nil
	case time.Time:
		return t.UnixMilli(), nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}
