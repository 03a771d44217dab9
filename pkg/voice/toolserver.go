// Package voice exposes the narrow tool surface consumed by the real-time
// voice layer, served over MCP. Tool calls are synchronous: they return an
// immediate result, or a pending handle (for dispatch, the builder session
// id) that the caller resolves by following the event stream.
package voice

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/inbox"
	"github.com/logabell/conversator/pkg/models"
	"github.com/logabell/conversator/pkg/orchestrator"
	"github.com/logabell/conversator/pkg/version"
)

// ToolServer bridges MCP tool calls to the orchestrator command surface.
type ToolServer struct {
	orch   *orchestrator.Orchestrator
	inbox  *inbox.Service
	lookup ContextLookup
	server *mcpsdk.Server
	logger *slog.Logger
}

// NewToolServer builds the MCP server with every tool registered.
func NewToolServer(orch *orchestrator.Orchestrator, inboxService *inbox.Service, lookup ContextLookup) *ToolServer {
	t := &ToolServer{
		orch:   orch,
		inbox:  inboxService,
		lookup: lookup,
		logger: slog.With("component", "voice"),
	}
	t.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	t.registerTools()
	return t
}

// Run serves the tool surface over stdio until ctx is done.
func (t *ToolServer) Run(ctx context.Context) error {
	t.logger.Info("Voice tool surface listening on stdio")
	return t.server.Run(ctx, &mcpsdk.StdioTransport{})
}

// Server exposes the underlying MCP server for in-process transports (tests).
func (t *ToolServer) Server() *mcpsdk.Server {
	return t.server
}

// statusOutput is the get_status result for one task or the whole board.
type statusOutput struct {
	Tasks   []*models.Task `json:"tasks"`
	LastSeq int64          `json:"last_seq"`
	Unread  int            `json:"unread"`
}

type taskIDInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"task id to fetch; empty for the whole board"`
}

type lookupInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type lookupOutput struct {
	Pointers []ContextPointer `json:"pointers"`
}

type ackInput struct {
	IDs []string `json:"ids"`
}

type ackOutput struct {
	Acknowledged int `json:"acknowledged"`
}

type hintsOutput struct {
	Hints []*inbox.DeliveryHint `json:"hints"`
}

func (t *ToolServer) registerTools() {
	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "create_task",
		Description: "Create a new draft task from a spoken request.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.CreateTaskRequest) (*mcpsdk.CallToolResult, *orchestrator.CreateTaskResult, error) {
		out, err := t.orch.CreateTask(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "update_working_prompt",
		Description: "Overwrite a task's working prompt with refined content.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.UpdatePromptRequest) (*mcpsdk.CallToolResult, *orchestrator.UpdatePromptResult, error) {
		out, err := t.orch.UpdateWorkingPrompt(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "raise_questions",
		Description: "Record clarifying questions; the task waits on the user.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.QuestionsRequest) (*mcpsdk.CallToolResult, *orchestrator.SeqResult, error) {
		out, err := t.orch.RaiseQuestions(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "answer_questions",
		Description: "Record the user's answers; refinement resumes.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.AnswersRequest) (*mcpsdk.CallToolResult, *orchestrator.SeqResult, error) {
		out, err := t.orch.AnswerQuestions(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "freeze_prompt",
		Description: "Freeze the working prompt into the immutable handoff pair.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.FreezeRequest) (*mcpsdk.CallToolResult, *orchestrator.FreezeResult, error) {
		out, err := t.orch.FreezePrompt(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "dispatch",
		Description: "Hand a frozen task to a builder. Returns the session id as a pending handle.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.DispatchRequest) (*mcpsdk.CallToolResult, *orchestrator.DispatchResult, error) {
		out, err := t.orch.Dispatch(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "resolve_gate",
		Description: "Approve or deny the pending authorization gate on a task.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.GateRequest) (*mcpsdk.CallToolResult, *orchestrator.SeqResult, error) {
		out, err := t.orch.ResolveGate(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "cancel_task",
		Description: "Cooperatively cancel a task; a pending gate is auto-denied.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.CancelRequest) (*mcpsdk.CallToolResult, *orchestrator.SeqResult, error) {
		out, err := t.orch.Cancel(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "link_external",
		Description: "Attach the external task-graph id to a task (write-once).",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.LinkRequest) (*mcpsdk.CallToolResult, *orchestrator.SeqResult, error) {
		out, err := t.orch.LinkExternal(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "quick_dispatch",
		Description: "Capture, freeze, and dispatch a one-shot request in one step.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in orchestrator.QuickDispatchRequest) (*mcpsdk.CallToolResult, *orchestrator.QuickDispatchResult, error) {
		out, err := t.orch.QuickDispatch(ctx, &in)
		return nil, out, err
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "get_status",
		Description: "Snapshot of one task or the whole board.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in taskIDInput) (*mcpsdk.CallToolResult, *statusOutput, error) {
		snap := t.orch.Snapshot()
		out := &statusOutput{LastSeq: snap.LastSeq}
		if in.TaskID != "" {
			task := snap.Tasks[in.TaskID]
			if task == nil {
				return nil, nil, eventlog.ErrTaskNotFound
			}
			out.Tasks = []*models.Task{task}
		} else {
			for _, task := range snap.Tasks {
				out.Tasks = append(out.Tasks, task)
			}
		}
		if unread, err := t.inbox.UnreadCount(ctx); err == nil {
			out.Unread = unread
		}
		return nil, out, nil
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "poll_pending_delivery",
		Description: "Delivery hints for unread notifications; call at natural pauses.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, *hintsOutput, error) {
		hints, err := t.inbox.PollPendingDelivery(ctx)
		if err != nil {
			return nil, nil, err
		}
		return nil, &hintsOutput{Hints: hints}, nil
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "acknowledge_inbox",
		Description: "Mark delivered notifications as read.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in ackInput) (*mcpsdk.CallToolResult, *ackOutput, error) {
		n, err := t.inbox.Acknowledge(ctx, in.IDs)
		if err != nil {
			return nil, nil, err
		}
		return nil, &ackOutput{Acknowledged: n}, nil
	})

	mcpsdk.AddTool(t.server, &mcpsdk.Tool{
		Name:        "lookup_context",
		Description: "Pointer-first context lookup: paths and summaries, never bodies.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in lookupInput) (*mcpsdk.CallToolResult, *lookupOutput, error) {
		pointers, err := t.lookup.Lookup(ctx, in.Query, in.Limit)
		if err != nil {
			return nil, nil, err
		}
		return nil, &lookupOutput{Pointers: pointers}, nil
	})
}
