package endpoints

import (
	"net/http"
	"sort"

	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/process"
	"github.com/labstack/echo/v4"
	"golang.org/x/net/websocket"
)

const streamBuffer = 256

func (s *Server) registerRuns(e *echo.Echo) {
	e.GET("/runs", s.handleListRuns)
	e.GET("/runs/ws", s.handleRunStream)
	e.GET("/runs/:id", s.handleGetRun)
	e.GET("/runs/:id/steps", s.handleRunSteps)
	e.DELETE("/runs/:id", s.handleKillRun)
	e.DELETE("/runs", s.handleKillAll)
}

func (s *Server) handleListRuns(c echo.Context) error {
	all := s.runs.GetAll()
	out := make([]process.Process, 0, len(all))
	for _, p := range all {
		if wf := c.QueryParam("workflow"); wf != "" && p.WorkflowID != wf {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRun(c echo.Context) error {
	p, ok := s.runs.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleRunSteps(c echo.Context) error {
	steps, err := s.store.RunSteps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return replyError(c, err)
	}
	return c.JSON(http.StatusOK, steps)
}

func (s *Server) handleKillRun(c echo.Context) error {
	id := c.Param("id")
	if !s.runs.Kill(id) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "run not found or not running"})
	}
	logger.Info("run killed", "run", id)
	return c.JSON(http.StatusOK, echo.Map{"run": id, "state": process.StateKilled})
}

func (s *Server) handleKillAll(c echo.Context) error {
	n := s.runs.KillAll()
	logger.Info("runs killed", "count", n)
	return c.JSON(http.StatusOK, echo.Map{"killed": n})
}

// handleRunStream pushes every process.Update as a JSON frame until the
// client goes away. ?workflow= narrows the stream to one workflow.
func (s *Server) handleRunStream(c echo.Context) error {
	workflow := c.QueryParam("workflow")
	websocket.Handler(func(ws *websocket.Conn) {
		defer ws.Close()
		updates, unsubscribe := s.runs.Subscribe(streamBuffer)
		defer unsubscribe()

		// the client never sends; a read error means it closed
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			var discard string
			for websocket.Message.Receive(ws, &discard) == nil {
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-s.baseCtx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if workflow != "" && u.WorkflowID != workflow {
					continue
				}
				if err := websocket.JSON.Send(ws, u); err != nil {
					logger.Verbose("run stream closed", logger.Err(err))
					return
				}
			}
		}
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}
