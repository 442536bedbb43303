package dbquery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/sandboxd/sandboxd/internal/config"
)

func TestValidateReadOnly(t *testing.T) {
	valid := []string{
		"SELECT * FROM users",
		"select count(*) from orders",
		"  EXPLAIN SELECT 1",
		"SHOW server_version",
		"WITH t AS (SELECT 1) SELECT * FROM t",
		"SELECT 1;",
		"-- leading comment\nSELECT 1",
		"/* block comment */ SELECT 1",
	}
	for _, q := range valid {
		if err := ValidateReadOnly(q); err != nil {
			t.Errorf("ValidateReadOnly(%q) = %v, want nil", q, err)
		}
	}

	invalid := []struct {
		query   string
		wantSub string
	}{
		{"", "empty"},
		{"DROP TABLE users", "DROP"},
		{"delete from users", "DELETE"},
		{"INSERT INTO t VALUES (1)", "INSERT"},
		{"UPDATE t SET x = 1", "UPDATE"},
		{"TRUNCATE t", "TRUNCATE"},
		{"BEGIN; DROP TABLE t", "BEGIN"},
		{"SET role admin", "SET"},
		{"VACUUM", "VACUUM"},
		{"SELECT 1; DROP TABLE t", "multiple statements"},
		{"-- sneaky\nDROP TABLE t", "DROP"},
		{"/* hidden */ DELETE FROM t", "DELETE"},
		{"CALL do_thing()", "must start with"},
	}
	for _, tc := range invalid {
		err := ValidateReadOnly(tc.query)
		if err == nil {
			t.Errorf("ValidateReadOnly(%q) = nil, want error", tc.query)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantSub) {
			t.Errorf("ValidateReadOnly(%q) = %q, want substring %q", tc.query, err, tc.wantSub)
		}
	}
}

func TestStripLeadingComments(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"-- c\nSELECT 1", "SELECT 1"},
		{"/* c */SELECT 1", "SELECT 1"},
		{"-- a\n-- b\nSELECT 1", "SELECT 1"},
		{"-- only a comment", ""},
		{"/* unterminated", ""},
	}
	for _, tc := range tests {
		if got := stripLeadingComments(tc.in); got != tc.want {
			t.Errorf("stripLeadingComments(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestQueryDisabledWithoutDSN(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewService(config.DatabaseConfig{}, logger)

	if s.Enabled() {
		t.Error("service should be disabled without a DSN")
	}
	if _, err := s.Query(context.Background(), "SELECT 1", 0); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Ping err = %v, want ErrDisabled", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestQueryValidatesBeforeConnecting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// DSN is set but unreachable; validation failures must surface first.
	s := NewService(config.DatabaseConfig{DSN: "postgres://nobody@127.0.0.1:1/none"}, logger)

	_, err := s.Query(context.Background(), "DROP TABLE users", 0)
	if err == nil || !strings.Contains(err.Error(), "DROP") {
		t.Errorf("err = %v, want prefix rejection before any connection", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	if got := normalizeValue([]byte("abc")); got != "abc" {
		t.Errorf("[]byte = %v", got)
	}
	if got := normalizeValue(nil); got != nil {
		t.Errorf("nil = %v", got)
	}
	if got := normalizeValue(int64(7)); got != int64(7) {
		t.Errorf("int64 = %v", got)
	}
}

func TestTruncateQuery(t *testing.T) {
	long := strings.Repeat("x", 200)
	if got := TruncateQuery(long, 100); len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Errorf("TruncateQuery length = %d", len(got))
	}
	if got := TruncateQuery("SELECT\n1", 100); got != "SELECT 1" {
		t.Errorf("newlines not flattened: %q", got)
	}
}
