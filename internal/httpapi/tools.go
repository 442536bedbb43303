package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/dbquery"
	"github.com/sandboxd/sandboxd/internal/netfetch"
	"github.com/sandboxd/sandboxd/internal/policy"
	"github.com/sandboxd/sandboxd/internal/system"
)

func (s *Server) registerToolRoutes() {
	if s.network != nil {
		s.group.Post("/network/request", s.handleNetworkRequest,
			okapi.DocSummary("Proxy an outbound HTTP request through the network policy"),
			okapi.DocTags("Network"),
			okapi.DocRequestBody(NetworkRequest{}),
			okapi.DocResponse(netfetch.Response{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
	}
	if s.database != nil {
		s.group.Post("/database/query", s.handleDatabaseQuery,
			okapi.DocSummary("Run a read-only SQL query against the configured database"),
			okapi.DocTags("Database"),
			okapi.DocRequestBody(DatabaseQueryRequest{}),
			okapi.DocResponse(dbquery.Result{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		)
	}
	if s.containers != nil {
		s.group.Post("/docker/run", s.handleDockerRun,
			okapi.DocSummary("Run a command in an ephemeral hardened container"),
			okapi.DocTags("Docker"),
			okapi.DocRequestBody(containers.RunRequest{}),
			okapi.DocResponse(containers.RunResult{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
		s.group.Get("/docker/list", s.handleDockerList,
			okapi.DocSummary("List managed containers"),
			okapi.DocTags("Docker"),
			okapi.DocResponse([]containers.Info{}),
			okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		)
	}
	if s.system != nil {
		s.group.Get("/system/info", s.handleSystemInfo,
			okapi.DocSummary("Report host and runtime information"),
			okapi.DocTags("System"),
			okapi.DocResponse(system.Info{}),
		)
		s.group.Get("/system/metrics", s.handleSystemMetrics,
			okapi.DocSummary("Snapshot the metrics registry as JSON"),
			okapi.DocTags("System"),
			okapi.DocResponse([]system.MetricFamily{}),
		)
	}
}

// NetworkRequest is the JSON body for POST /api/v1/network/request.
type NetworkRequest struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Data           string            `json:"data,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleNetworkRequest(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req NetworkRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	resp, err := s.network.Do(c.Context(), netfetch.Request{
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Body:    req.Data,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, policy.ErrDenied) {
			s.config.Anomaly.RecordDenial(userID)
			event := audit.NewEvent(userID, audit.OpNetworkRequest, req.URL, audit.ResultDenied)
			event.Violation = err.Error()
			s.recordAudit(c.Context(), event)
			return c.JSON(http.StatusForbidden, ErrorBody{Error: "target denied by policy"})
		}
		event := audit.NewEvent(userID, audit.OpNetworkRequest, req.URL, audit.ResultFailure)
		event.Error = err.Error()
		s.recordAudit(c.Context(), event)
		return c.AbortBadRequest(err.Error())
	}

	if s.config.Metrics != nil {
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		s.config.Metrics.NetworkRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		s.config.Metrics.NetworkRequestDuration.WithLabelValues(method).Observe(float64(resp.DurationMS) / 1000)
	}

	event := audit.NewEvent(userID, audit.OpNetworkRequest, req.URL, audit.ResultSuccess)
	event.Parameters = map[string]any{"status_code": resp.StatusCode}
	event.DurationMS = resp.DurationMS
	s.recordAudit(c.Context(), event)
	return c.OK(resp)
}

// DatabaseQueryRequest is the JSON body for POST /api/v1/database/query.
type DatabaseQueryRequest struct {
	Query   string `json:"query"`
	MaxRows int    `json:"max_rows,omitempty"`
}

func (s *Server) handleDatabaseQuery(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req DatabaseQueryRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Query == "" {
		return c.AbortBadRequest("query is required")
	}

	result, err := s.database.Query(c.Context(), req.Query, req.MaxRows)
	if err != nil {
		if errors.Is(err, dbquery.ErrDisabled) {
			return c.AbortServiceUnavailable("database access is not configured")
		}
		event := audit.NewEvent(userID, audit.OpDatabaseQuery, dbquery.TruncateQuery(req.Query, 100), audit.ResultDenied)
		event.Error = err.Error()
		s.recordAudit(c.Context(), event)
		return c.AbortBadRequest(err.Error())
	}

	event := audit.NewEvent(userID, audit.OpDatabaseQuery, dbquery.TruncateQuery(req.Query, 100), audit.ResultSuccess)
	event.Parameters = map[string]any{"row_count": result.RowCount, "truncated": result.Truncated}
	event.DurationMS = result.DurationMS
	s.recordAudit(c.Context(), event)
	return c.OK(result)
}

func (s *Server) handleDockerRun(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req containers.RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	result, err := s.containers.Run(c.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, containers.ErrDisabled):
			return c.AbortServiceUnavailable("container execution is not configured")
		case errors.Is(err, policy.ErrDenied):
			s.config.Anomaly.RecordDenial(userID)
			event := audit.NewEvent(userID, audit.OpDockerRun, req.Image, audit.ResultDenied)
			event.Violation = err.Error()
			s.recordAudit(c.Context(), event)
			return c.JSON(http.StatusForbidden, ErrorBody{Error: "image denied by policy"})
		default:
			event := audit.NewEvent(userID, audit.OpDockerRun, req.Image, audit.ResultFailure)
			event.Error = err.Error()
			s.recordAudit(c.Context(), event)
			return c.AbortInternalServerError("container run failed")
		}
	}

	auditResult := audit.ResultSuccess
	if !result.Success {
		auditResult = audit.ResultFailure
	}
	event := audit.NewEvent(userID, audit.OpDockerRun, req.Image, auditResult)
	event.Parameters = map[string]any{"exit_code": result.ExitCode, "container": result.Container}
	event.DurationMS = result.DurationMS
	s.recordAudit(c.Context(), event)
	return c.OK(result)
}

func (s *Server) handleDockerList(c *okapi.Context) error {
	infos, err := s.containers.List(c.Context())
	if err != nil {
		if errors.Is(err, containers.ErrDisabled) {
			return c.AbortServiceUnavailable("container execution is not configured")
		}
		s.logger.ErrorContext(c.Context(), "container list failed",
			slog.String("error", err.Error()))
		return c.AbortInternalServerError("container list failed")
	}
	if infos == nil {
		infos = []containers.Info{}
	}
	return c.OK(infos)
}

func (s *Server) handleSystemInfo(c *okapi.Context) error {
	return c.OK(s.system.Info())
}

func (s *Server) handleSystemMetrics(c *okapi.Context) error {
	families, err := s.system.MetricsSnapshot()
	if err != nil {
		s.logger.ErrorContext(c.Context(), "metrics snapshot failed",
			slog.String("error", err.Error()))
		return c.AbortInternalServerError("metrics snapshot failed")
	}
	return c.OK(families)
}
