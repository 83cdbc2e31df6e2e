package endpoints

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/labstack/echo/v4"
)

type workflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	Published bool      `json:"published"`
	Trigger   string    `json:"trigger,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func summarize(w *model.Workflow) workflowSummary {
	s := workflowSummary{
		ID:        w.ID,
		Name:      w.Name,
		Version:   w.Version,
		Published: w.Published,
		UpdatedAt: w.UpdatedAt,
	}
	if t, ok := w.Trigger(); ok {
		s.Trigger = string(t.Connector)
	}
	return s
}

type credentialRequest struct {
	Token string            `json:"token"`
	Extra map[string]string `json:"extra"`
}

func (s *Server) registerWorkflowAPI(e *echo.Echo) {
	api := e.Group("/api/workflows")
	api.GET("", s.handleListWorkflows)
	api.GET("/:id", s.handleGetWorkflow)
	api.PUT("/:id", s.handleSaveWorkflow)
	api.POST("/:id/publish", s.handlePublish)
	api.POST("/:id/unpublish", s.handleUnpublish)
	api.PUT("/:id/credentials/:connector", s.handlePutCredential)
}

// errorStatus maps engine and store errors to HTTP codes.
func errorStatus(err error) int {
	var malformed *model.MalformedGraphError
	var cyclic *model.CyclicGraphError
	switch {
	case errors.Is(err, model.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.As(err, &malformed), errors.As(err, &cyclic):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnknownConnector), errors.Is(err, model.ErrSchemaVersion):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func replyError(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed", "path", c.Path(), logger.Err(err))
	}
	return c.JSON(code, echo.Map{"error": err.Error()})
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	ws, err := s.store.ListWorkflows(c.Request().Context())
	if err != nil {
		return replyError(c, err)
	}
	out := make([]workflowSummary, len(ws))
	for i, w := range ws {
		out[i] = summarize(w)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	w, err := s.store.LoadWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return replyError(c, err)
	}
	doc, err := model.EncodeWorkflow(w)
	if err != nil {
		return replyError(c, err)
	}
	return c.JSONBlob(http.StatusOK, doc)
}

// handleSaveWorkflow stores a workflow document. A published workflow stays
// published and its next run uses the new version.
func (s *Server) handleSaveWorkflow(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxHookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	w, err := model.DecodeWorkflow(body)
	if err != nil {
		if errors.Is(err, model.ErrSchemaVersion) || errors.Is(err, model.ErrUnknownConnector) {
			return replyError(c, err)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if w.ID == "" {
		w.ID = c.Param("id")
	}
	if w.ID != c.Param("id") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "workflow id does not match the url"})
	}
	if err := s.engine.SaveWorkflow(c.Request().Context(), w); err != nil {
		return replyError(c, err)
	}
	logger.Info("workflow saved", "workflow", w.ID, "version", w.Version)
	return c.JSON(http.StatusOK, summarize(w))
}

func (s *Server) handlePublish(c echo.Context) error {
	paths, err := s.engine.Publish(c.Request().Context(), c.Param("id"))
	if err != nil {
		return replyError(c, err)
	}
	out := make([][]string, len(paths))
	for i, p := range paths {
		out[i] = p.IDs()
	}
	return c.JSON(http.StatusOK, echo.Map{"workflow": c.Param("id"), "published": true, "paths": out})
}

func (s *Server) handleUnpublish(c echo.Context) error {
	if err := s.engine.Unpublish(c.Request().Context(), c.Param("id")); err != nil {
		return replyError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"workflow": c.Param("id"), "published": false})
}

func (s *Server) handlePutCredential(c echo.Context) error {
	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid credential"})
	}
	cred := model.Credential{
		WorkflowID: c.Param("id"),
		Connector:  model.ConnectorType(c.Param("connector")),
		Token:      req.Token,
		Extra:      req.Extra,
	}
	if err := s.store.PutCredential(c.Request().Context(), cred); err != nil {
		return replyError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
