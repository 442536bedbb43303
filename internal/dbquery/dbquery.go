// Package dbquery implements the read-only database query endpoint.
//
// Security:
//   - Only read-only SQL statements allowed (SELECT, EXPLAIN, SHOW,
//     DESCRIBE, WITH)
//   - Write and DDL statements blocked by prefix before touching the DB
//   - Single statement per request
//   - Query timeout enforced via context
//   - Row limit enforced to prevent OOM
//   - DSN is a dedicated target database, separate from the gateway's
//     internal store
package dbquery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/sandboxd/sandboxd/internal/config"
)

// blockedPrefixes are SQL statement prefixes that indicate write or DDL
// operations.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH", "SECURITY",
}

// allowedPrefixes are the only SQL statement prefixes permitted.
var allowedPrefixes = []string{
	"SELECT", "EXPLAIN", "SHOW", "DESCRIBE", "WITH",
}

// Result is the structured outcome of a read-only query.
type Result struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	Truncated  bool     `json:"truncated"`
	DurationMS int64    `json:"duration_ms"`
}

// Service runs read-only SQL queries against a configured database.
// Disabled (ErrDisabled) when no DSN is configured.
type Service struct {
	cfg    config.DatabaseConfig
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// ErrDisabled is returned when no query database is configured.
var ErrDisabled = fmt.Errorf("database query endpoint is not configured")

// NewService creates a database query service. The connection is opened
// lazily on first query.
func NewService(cfg config.DatabaseConfig, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, logger: logger}
}

// Enabled reports whether a target DSN is configured.
func (s *Service) Enabled() bool {
	return s.cfg.DSN != ""
}

// Query validates and runs a read-only SQL statement.
func (s *Service) Query(ctx context.Context, query string, maxRows int) (*Result, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}

	db, err := s.ensureConnected()
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	capRows := s.cfg.Rows()
	if maxRows <= 0 || maxRows > capRows {
		maxRows = capRows
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	s.logger.InfoContext(ctx, "running read-only query",
		slog.String("query_prefix", TruncateQuery(query, 100)),
		slog.Int("max_rows", maxRows),
	)

	start := time.Now()
	rows, err := db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	defer rows.Close()

	res, err := collectRows(rows, maxRows)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}

// Ping checks connectivity for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	db, err := s.ensureConnected()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the connection pool if one was opened.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ensureConnected opens the database connection if not already open.
func (s *Service) ensureConnected() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("pgx", s.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Conservative pool: this endpoint is a side channel, not the hot path.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s.db = db
	return db, nil
}

// ValidateReadOnly checks that a SQL statement is safe for read-only
// execution.
func ValidateReadOnly(query string) error {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}

	// Strip leading comments (-- or /* */) to find the actual statement.
	normalized = stripLeadingComments(normalized)
	upper := strings.ToUpper(normalized)

	// Blocked prefixes first, for clear error messages.
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed (read-only mode)", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	// Block multiple statements (semicolons not at the end).
	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}

	return nil
}

// stripLeadingComments removes SQL comments from the beginning of a query.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "--") {
			if idx := strings.Index(s, "\n"); idx >= 0 {
				s = s[idx+1:]
			} else {
				return ""
			}
		} else if strings.HasPrefix(s, "/*") {
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = s[idx+2:]
			} else {
				return ""
			}
		} else {
			return s
		}
	}
}

// collectRows reads SQL rows into a structured result.
func collectRows(rows *sql.Rows, maxRows int) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	res := &Result{Columns: cols, Rows: [][]any{}}

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if res.RowCount >= maxRows {
			res.Truncated = true
			break
		}

		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", res.RowCount, err)
		}

		row := make([]any, len(cols))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		res.Rows = append(res.Rows, row)
		res.RowCount++
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return res, nil
}

// normalizeValue converts a scanned SQL value to a JSON-friendly form.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

// TruncateQuery returns the first n characters of a query for logging.
func TruncateQuery(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}
