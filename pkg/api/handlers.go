package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/logabell/conversator/pkg/models"
	"github.com/logabell/conversator/pkg/orchestrator"
	"github.com/logabell/conversator/pkg/transcript"
	"github.com/logabell/conversator/pkg/version"
)

func versionString() string {
	return version.Full()
}

// listTasksHandler handles GET /api/v1/tasks?status=a,b.
func (s *Server) listTasksHandler(c *echo.Context) error {
	snap := s.store.Snapshot()

	var statusFilter map[models.TaskStatus]bool
	if v := c.QueryParam("status"); v != "" {
		statusFilter = make(map[models.TaskStatus]bool)
		for _, st := range splitComma(v) {
			status := models.TaskStatus(st)
			if !models.ValidStatuses[status] {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+st)
			}
			statusFilter[status] = true
		}
	}

	tasks := make([]*models.Task, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if statusFilter != nil && !statusFilter[t.Status] {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	return c.JSON(http.StatusOK, &TaskListResponse{Tasks: tasks, LastSeq: snap.LastSeq})
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	snap := s.store.Snapshot()
	task := snap.Tasks[c.Param("id")]
	if task == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	resp := &TaskDetailResponse{Task: task, LastSeq: snap.LastSeq}
	if task.BuilderSessionID != "" {
		resp.Session = snap.Sessions[task.BuilderSessionID]
	}
	return c.JSON(http.StatusOK, resp)
}

// listInboxHandler handles GET /api/v1/inbox?unread=true&limit=N.
func (s *Server) listInboxHandler(c *echo.Context) error {
	unreadOnly := c.QueryParam("unread") == "true"
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	items, err := s.inboxService.List(c.Request().Context(), unreadOnly, limit)
	if err != nil {
		return mapServiceError(err)
	}
	unread, err := s.inboxService.UnreadCount(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &InboxResponse{Items: items, Unread: unread})
}

// pendingDeliveryHandler handles GET /api/v1/inbox/pending-delivery.
// Consumed by the voice layer at natural pauses.
func (s *Server) pendingDeliveryHandler(c *echo.Context) error {
	hints, err := s.inboxService.PollPendingDelivery(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"hints": hints})
}

// ackInboxHandler handles POST /api/v1/inbox/ack.
func (s *Server) ackInboxHandler(c *echo.Context) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := s.inboxService.Acknowledge(c.Request().Context(), req.IDs)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &AckResponse{Acknowledged: n})
}

// listBuildersHandler handles GET /api/v1/builders.
func (s *Server) listBuildersHandler(c *echo.Context) error {
	reqCtx := c.Request().Context()
	resp := &BuildersResponse{}
	for _, name := range s.registry.Names() {
		bc := s.registry.Config(name)
		info := &BuilderInfo{Name: name, Kind: string(bc.Kind), Endpoint: bc.Endpoint}
		adapter, err := s.registry.Get(name)
		if err == nil {
			pingCtx, cancel := contextWithTimeout(reqCtx, 3*time.Second)
			if err := adapter.Ping(pingCtx); err != nil {
				info.Error = err.Error()
			} else {
				info.Healthy = true
			}
			cancel()
		}
		resp.Builders = append(resp.Builders, info)
	}
	sort.Slice(resp.Builders, func(i, j int) bool {
		return resp.Builders[i].Name < resp.Builders[j].Name
	})
	return c.JSON(http.StatusOK, resp)
}

// listTranscriptHandler handles GET /api/v1/transcript?limit=N.
func (s *Server) listTranscriptHandler(c *echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": s.feed.Recent(limit)})
}

// appendTranscriptHandler handles POST /api/v1/transcript. The voice layer
// records what was said; the core only stores and fans it out.
func (s *Server) appendTranscriptHandler(c *echo.Context) error {
	var req struct {
		Role   string `json:"role"`
		Text   string `json:"text"`
		TaskID string `json:"task_id,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	role := transcript.Role(req.Role)
	if role != transcript.RoleUser && role != transcript.RoleAssistant && role != transcript.RoleSystem {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	entry := s.feed.Append(role, req.Text, req.TaskID)
	return c.JSON(http.StatusCreated, entry)
}

// createTaskHandler handles POST /api/v1/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req orchestrator.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := s.orch.CreateTask(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

// updatePromptHandler handles POST /api/v1/tasks/:id/prompt.
func (s *Server) updatePromptHandler(c *echo.Context) error {
	var req orchestrator.UpdatePromptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.UpdateWorkingPrompt(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// raiseQuestionsHandler handles POST /api/v1/tasks/:id/questions.
func (s *Server) raiseQuestionsHandler(c *echo.Context) error {
	var req orchestrator.QuestionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.RaiseQuestions(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// answerQuestionsHandler handles POST /api/v1/tasks/:id/answers.
func (s *Server) answerQuestionsHandler(c *echo.Context) error {
	var req orchestrator.AnswersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.AnswerQuestions(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// freezeHandler handles POST /api/v1/tasks/:id/freeze.
func (s *Server) freezeHandler(c *echo.Context) error {
	var req orchestrator.FreezeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.FreezePrompt(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// dispatchHandler handles POST /api/v1/tasks/:id/dispatch.
func (s *Server) dispatchHandler(c *echo.Context) error {
	var req orchestrator.DispatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.Dispatch(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// resolveGateHandler handles POST /api/v1/tasks/:id/gate.
func (s *Server) resolveGateHandler(c *echo.Context) error {
	var req orchestrator.GateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.ResolveGate(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// cancelHandler handles POST /api/v1/tasks/:id/cancel.
func (s *Server) cancelHandler(c *echo.Context) error {
	var req orchestrator.CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.Cancel(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// linkExternalHandler handles POST /api/v1/tasks/:id/link.
func (s *Server) linkExternalHandler(c *echo.Context) error {
	var req orchestrator.LinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TaskID = c.Param("id")
	result, err := s.orch.LinkExternal(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// quickDispatchHandler handles POST /api/v1/quick-dispatch.
func (s *Server) quickDispatchHandler(c *echo.Context) error {
	var req orchestrator.QuickDispatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := s.orch.QuickDispatch(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
