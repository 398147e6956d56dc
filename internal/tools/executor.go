package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/telemetry"
)

// Request asks the executor to run one tool.
type Request struct {
	ToolName   string
	Parameters map[string]any
	Context    Context
}

// Result is the outcome of one execution. Failures are values, not errors.
type Result struct {
	ExecutionID string    `json:"execution_id"`
	ToolName    string    `json:"tool_name"`
	Success     bool      `json:"success"`
	Data        any       `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// ExecutorOpts configures an Executor.
type ExecutorOpts struct {
	Registry  *Registry
	Audit     *auditlog.Logger // optional
	Logger    *slog.Logger
	Telemetry *telemetry.Provider
}

// Executor validates and runs tool requests, recording an audit row for
// every attempt.
type Executor struct {
	registry *Registry
	audit    *auditlog.Logger
	log      *slog.Logger
	tel      *telemetry.Provider
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOpts) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("tools: registry is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		registry: opts.Registry,
		audit:    opts.Audit,
		log:      log.With("component", "executor"),
		tel:      telemetry.OrNoop(opts.Telemetry),
		now:      time.Now,
	}, nil
}

// Registry returns the executor's tool catalog.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs req. Lookup, context and parameter failures, tool errors and
// panics all come back as an unsuccessful Result.
func (e *Executor) Execute(ctx context.Context, req Request) (res Result) {
	start := e.now()
	res = Result{
		ExecutionID: uuid.NewString(),
		ToolName:    req.ToolName,
		ExecutedAt:  start,
	}

	ctx, span := telemetry.StartSpan(ctx, e.tel.Tracer, "tool.execute",
		telemetry.AttrToolName.String(req.ToolName),
		telemetry.AttrThreadID.String(req.Context.ThreadID),
	)
	defer func() {
		elapsed := e.now().Sub(start)
		res.DurationMs = elapsed.Milliseconds()
		span.SetAttributes(telemetry.AttrToolSuccess.Bool(res.Success))
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
		e.tel.Metrics.ToolExecuted(ctx, req.ToolName, elapsed.Seconds(), res.Success)
		e.record(ctx, req, res, elapsed)
	}()

	tool, ok := e.registry.Get(req.ToolName)
	if !ok {
		res.Error = fmt.Sprintf("Tool %s not found", req.ToolName)
		e.log.Warn("unknown tool requested", "tool", req.ToolName, "thread", req.Context.ThreadID)
		return res
	}
	def := tool.Definition()

	if err := CheckContext(ctx, def, req.Context); err != nil {
		res.Error = "Context validation failed: " + err.Error()
		return res
	}
	params, err := ValidateParams(def, req.Parameters)
	if err != nil {
		res.Error = "Parameter validation failed: " + err.Error()
		return res
	}

	e.log.Debug("executing tool", "tool", req.ToolName, "thread", req.Context.ThreadID)
	data, err := e.invoke(ctx, tool, Call{Context: req.Context, Params: params})
	if err != nil {
		res.Error = err.Error()
		e.log.Error("tool execution failed", "tool", req.ToolName, "thread", req.Context.ThreadID, "error", err)
		return res
	}
	res.Success = true
	res.Data = data
	e.log.Info("tool executed", "tool", req.ToolName, "thread", req.Context.ThreadID,
		"duration_ms", e.now().Sub(start).Milliseconds())
	return res
}

// ExecuteSequence runs reqs in order and stops after the first failure.
func (e *Executor) ExecuteSequence(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		r := e.Execute(ctx, req)
		results = append(results, r)
		if !r.Success {
			e.log.Warn("tool sequence stopped", "tool", r.ToolName, "error", r.Error)
			break
		}
	}
	return results
}

// CanExecute reports whether the named tool may run in tc, and why not.
func (e *Executor) CanExecute(ctx context.Context, name string, tc Context) (bool, string) {
	tool, ok := e.registry.Get(name)
	if !ok {
		return false, "Tool not found"
	}
	if err := CheckContext(ctx, tool.Definition(), tc); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Available returns the definitions of every tool that passes context
// validation in tc, sorted by name.
func (e *Executor) Available(ctx context.Context, tc Context) []Definition {
	var defs []Definition
	for _, t := range e.registry.List() {
		def := t.Definition()
		if CheckContext(ctx, def, tc) == nil {
			defs = append(defs, def)
		}
	}
	return defs
}

func (e *Executor) invoke(ctx context.Context, t Tool, call Call) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return t.Execute(ctx, call)
}

func (e *Executor) record(ctx context.Context, req Request, res Result, elapsed time.Duration) {
	var result any
	if res.Success {
		result = res.Data
	}
	e.audit.Record(ctx, auditlog.Entry{
		ThreadID:       req.Context.ThreadID,
		LogType:        models.LogToolExecution,
		ChannelID:      req.Context.ChannelID,
		GuildID:        req.Context.GuildID,
		UserID:         req.Context.UserID,
		ToolName:       req.ToolName,
		ToolParameters: req.Parameters,
		ToolResult:     result,
		Duration:       elapsed,
		Success:        auditlog.Bool(res.Success),
		Error:          res.Error,
		Metadata:       map[string]any{"execution_id": res.ExecutionID},
	})
}
