package httpapi

import (
	"errors"
	"net/http"
	"os"

	"github.com/jkaninda/okapi"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/files"
	"github.com/sandboxd/sandboxd/internal/policy"
)

func (s *Server) registerFileRoutes() {
	s.group.Post("/file/write", s.handleFileWrite,
		okapi.DocSummary("Write a file inside the allowed paths"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(files.FileInfo{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	s.group.Post("/file/read", s.handleFileRead,
		okapi.DocSummary("Read a file inside the allowed paths"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FilePathRequest{}),
		okapi.DocResponse(FileReadResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Post("/file/list", s.handleFileList,
		okapi.DocSummary("List a directory inside the allowed paths"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileListRequest{}),
		okapi.DocResponse([]files.Entry{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Delete("/file/delete", s.handleFileDelete,
		okapi.DocSummary("Delete a file inside the allowed paths"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FilePathRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// FileWriteRequest is the JSON body for POST /api/v1/file/write.
type FileWriteRequest struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// FilePathRequest is the JSON body for read and delete operations.
type FilePathRequest struct {
	FilePath string `json:"filePath"`
}

// FileListRequest is the JSON body for POST /api/v1/file/list.
type FileListRequest struct {
	Path string `json:"path"`
}

// FileReadResponse is the JSON response for POST /api/v1/file/read.
type FileReadResponse struct {
	Content string          `json:"content"`
	Info    *files.FileInfo `json:"info"`
}

func (s *Server) handleFileWrite(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.FilePath == "" {
		return c.AbortBadRequest("filePath is required")
	}

	info, err := s.files.Write(c.Context(), req.FilePath, req.Content)
	if err != nil {
		return s.fileError(c, userID, audit.OpFileWrite, req.FilePath, err)
	}

	s.auditFileSuccess(c, userID, audit.OpFileWrite, req.FilePath)
	return c.OK(info)
}

func (s *Server) handleFileRead(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req FilePathRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.FilePath == "" {
		return c.AbortBadRequest("filePath is required")
	}

	content, info, err := s.files.Read(c.Context(), req.FilePath)
	if err != nil {
		return s.fileError(c, userID, audit.OpFileRead, req.FilePath, err)
	}

	s.auditFileSuccess(c, userID, audit.OpFileRead, req.FilePath)
	return c.OK(FileReadResponse{Content: content, Info: info})
}

func (s *Server) handleFileList(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req FileListRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	entries, err := s.files.List(c.Context(), req.Path)
	if err != nil {
		return s.fileError(c, userID, audit.OpFileList, req.Path, err)
	}
	if entries == nil {
		entries = []files.Entry{}
	}

	s.auditFileSuccess(c, userID, audit.OpFileList, req.Path)
	return c.OK(entries)
}

func (s *Server) handleFileDelete(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req FilePathRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.FilePath == "" {
		return c.AbortBadRequest("filePath is required")
	}

	if err := s.files.Delete(c.Context(), req.FilePath); err != nil {
		return s.fileError(c, userID, audit.OpFileDelete, req.FilePath, err)
	}

	s.auditFileSuccess(c, userID, audit.OpFileDelete, req.FilePath)
	return c.OK(map[string]string{"status": "deleted"})
}

func (s *Server) auditFileSuccess(c *okapi.Context, userID, op, path string) {
	s.config.Anomaly.RecordAllowed(userID)
	if s.config.Metrics != nil {
		s.config.Metrics.FileOperationsTotal.WithLabelValues(op, "success").Inc()
	}
	s.recordAudit(c.Context(), audit.NewEvent(userID, op, path, audit.ResultSuccess))
}

// fileError maps file service errors to HTTP responses and records the
// audit event for denials and failures.
func (s *Server) fileError(c *okapi.Context, userID, op, path string, err error) error {
	switch {
	case errors.Is(err, policy.ErrDenied):
		s.config.Anomaly.RecordDenial(userID)
		if s.config.Metrics != nil {
			s.config.Metrics.FileOperationsTotal.WithLabelValues(op, "denied").Inc()
		}
		event := audit.NewEvent(userID, op, path, audit.ResultDenied)
		event.Violation = err.Error()
		s.recordAudit(c.Context(), event)
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "path denied by policy"})
	case errors.Is(err, os.ErrNotExist):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "not found"})
	default:
		if s.config.Metrics != nil {
			s.config.Metrics.FileOperationsTotal.WithLabelValues(op, "failure").Inc()
		}
		event := audit.NewEvent(userID, op, path, audit.ResultFailure)
		event.Error = err.Error()
		s.recordAudit(c.Context(), event)
		return c.AbortBadRequest(err.Error())
	}
}
