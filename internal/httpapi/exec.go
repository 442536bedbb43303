package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/runner"
	"github.com/sandboxd/sandboxd/internal/storage"
)

func (s *Server) registerExecRoutes() {
	s.group.Post("/exec", s.handleExec,
		okapi.DocSummary("Execute a shell command in the sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	if s.store != nil {
		s.group.Get("/exec/history", s.handleExecHistory,
			okapi.DocSummary("List recent executions for the calling user"),
			okapi.DocTags("Execution"),
			okapi.DocResponse([]storage.ExecutionRecord{}),
		)
		s.group.Get("/audit", s.handleAuditQuery,
			okapi.DocSummary("List recent audit events for the calling user"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
		)
	}
}

// ExecOptions tunes a single execution.
type ExecOptions struct {
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	CaptureOutput    *bool             `json:"capture_output,omitempty"` // nil = true.
}

// ExecRequest is the JSON body for POST /api/v1/exec.
type ExecRequest struct {
	Command string       `json:"command"`
	Options *ExecOptions `json:"options,omitempty"`
}

// ExecResponse is the JSON response for POST /api/v1/exec.
type ExecResponse struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	Command       string `json:"command"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleExec(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return c.AbortBadRequest("command is required")
	}
	opts := req.Options
	if opts == nil {
		opts = &ExecOptions{}
	}

	command := s.commands.Sanitize(req.Command)
	correlationID := newCorrelationID()

	if !s.commands.IsAllowed(command) {
		s.config.Anomaly.RecordDenial(userID)
		event := audit.NewEvent(userID, audit.OpExecute, command, audit.ResultDenied)
		event.Violation = "command policy"
		s.recordAudit(c.Context(), event)
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "command denied by policy"})
	}
	s.config.Anomaly.RecordAllowed(userID)

	workdir := opts.WorkingDirectory
	if workdir != "" {
		if !s.paths.IsAllowed(workdir) {
			s.config.Anomaly.RecordDenial(userID)
			event := audit.NewEvent(userID, audit.OpExecute, command, audit.ResultDenied)
			event.Violation = "path policy"
			s.recordAudit(c.Context(), event)
			return c.JSON(http.StatusForbidden, ErrorBody{Error: "working directory denied by policy"})
		}
	} else if s.workspace != nil {
		wd, err := s.workspace.NewExecWorkdir()
		if err != nil {
			s.logger.ErrorContext(c.Context(), "workdir allocation failed",
				slog.String("error", err.Error()))
			return c.AbortInternalServerError("workspace unavailable")
		}
		workdir = wd
	}

	res, err := s.runner.Execute(c.Context(), runner.Request{
		Command:    command,
		Timeout:    time.Duration(opts.TimeoutSeconds) * time.Second,
		WorkingDir: workdir,
		Env:        opts.Environment,
	})
	strategy := s.runner.StrategyName()
	if err != nil {
		event := audit.NewEvent(userID, audit.OpExecute, command, audit.ResultFailure)
		event.Error = err.Error()
		s.recordAudit(c.Context(), event)
		if s.config.Metrics != nil {
			s.config.Metrics.ExecutionsTotal.WithLabelValues(strategy, "error").Inc()
		}
		return c.AbortInternalServerError("execution failed to launch")
	}

	status := "success"
	if !res.Success {
		status = "failure"
	}
	if res.TimedOut {
		status = "timeout"
	}
	if s.config.Metrics != nil {
		s.config.Metrics.ExecutionsTotal.WithLabelValues(strategy, status).Inc()
		s.config.Metrics.ExecutionDuration.WithLabelValues(strategy).Observe(res.Duration.Seconds())
	}

	result := audit.ResultSuccess
	if !res.Success {
		result = audit.ResultFailure
	}
	event := audit.NewEvent(userID, audit.OpExecute, command, result)
	event.Parameters = map[string]any{
		"exit_code":      res.ExitCode,
		"timed_out":      res.TimedOut,
		"correlation_id": correlationID,
	}
	event.DurationMS = res.Duration.Milliseconds()
	s.recordAudit(c.Context(), event)

	if s.store != nil {
		rec := storage.ExecutionRecord{
			ID:         uuid.New(),
			UserID:     userID,
			Command:    command,
			ExitCode:   res.ExitCode,
			Success:    res.Success,
			TimedOut:   res.TimedOut,
			Strategy:   strategy,
			WorkingDir: workdir,
			DurationMS: res.Duration.Milliseconds(),
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.Executions().Insert(c.Context(), rec); err != nil {
			s.logger.ErrorContext(c.Context(), "execution record insert failed",
				slog.String("error", err.Error()))
		}
	}

	stdout, stderr := res.Stdout, res.Stderr
	if opts.CaptureOutput != nil && !*opts.CaptureOutput {
		stdout, stderr = "", ""
	}

	return c.OK(ExecResponse{
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      res.ExitCode,
		Success:       res.Success,
		DurationMS:    res.Duration.Milliseconds(),
		Command:       res.Command,
		TimedOut:      res.TimedOut,
		CorrelationID: correlationID,
	})
}

func (s *Server) handleExecHistory(c *okapi.Context) error {
	userID := c.GetString("userID")
	limit := queryLimit(c, 50)

	records, err := s.store.Executions().ListRecent(c.Context(), userID, limit)
	if err != nil {
		s.logger.ErrorContext(c.Context(), "execution history query failed",
			slog.String("error", err.Error()))
		return c.AbortInternalServerError("history unavailable")
	}
	if records == nil {
		records = []storage.ExecutionRecord{}
	}
	return c.OK(records)
}

func (s *Server) handleAuditQuery(c *okapi.Context) error {
	userID := c.GetString("userID")
	limit := queryLimit(c, 100)

	events, err := s.store.Audit().Query(c.Context(), userID, limit)
	if err != nil {
		s.logger.ErrorContext(c.Context(), "audit query failed",
			slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit trail unavailable")
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(events)
}

// queryLimit parses the limit query parameter with a default cap.
func queryLimit(c *okapi.Context, fallback int) int {
	raw := c.Request().URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return fallback
	}
	return n
}
