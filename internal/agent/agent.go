// Package agent drives the bounded model/tool conversation for one task
// thread.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/batcher"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/telemetry"
	"github.com/zulandar/ery/internal/tools"
)

const fallbackMaxTokens = 1000

// Stop reasons reported in Result.StopReason.
const (
	StopDone          = "done"
	StopMaxIterations = "max_iterations"
	StopTimeout       = "timeout"
)

// ErrNotConfigured is the failure reported when the provider has no
// credentials.
var ErrNotConfigured = errors.New("AI provider not configured")

// ToolRunner validates and executes tool calls.
type ToolRunner interface {
	Execute(ctx context.Context, req tools.Request) tools.Result
	Available(ctx context.Context, tc tools.Context) []tools.Definition
}

// Opts configures an Agent.
type Opts struct {
	Provider          Provider
	Tools             ToolRunner
	Permissions       tools.PermissionChecker // optional
	Identity          batcher.BotIdentity     // optional; marks the bot's own messages
	Audit             *auditlog.Logger        // optional
	Model             string
	FallbackModel     string
	MaxTokens         int
	Temperature       float64
	MaxIterations     int
	MaxProcessingTime time.Duration
	ExcerptLength     int
	ExcerptSuffix     string
	SystemPrompt      string
	AllowDMs          bool
	Logger            *slog.Logger
	Telemetry         *telemetry.Provider
}

// Result summarizes one run.
type Result struct {
	Success            bool           `json:"success"`
	ToolExecutions     []tools.Result `json:"tool_executions"`
	LoopIterations     int            `json:"loop_iterations"`
	ConversationLength int            `json:"conversation_length"`
	Usage              Usage          `json:"usage"`
	StopReason         string         `json:"stop_reason,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// Summary is a one-line description of the run for logs and the thread row.
func (r *Result) Summary(messageCount int) string {
	if !r.Success {
		return "Failed to process batch: " + r.Error
	}
	return fmt.Sprintf("Processed %d messages with %d tool executions in %d iterations",
		messageCount, len(r.ToolExecutions), r.LoopIterations)
}

// Agent runs conversations against a Provider.
type Agent struct {
	opts Opts
	log  *slog.Logger
	tel  *telemetry.Provider
	now  func() time.Time
}

// New creates an Agent.
func New(opts Opts) (*Agent, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("agent: tools are required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("agent: model is required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.MaxProcessingTime <= 0 {
		opts.MaxProcessingTime = 30 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		opts: opts,
		log:  log.With("component", "agent"),
		tel:  telemetry.OrNoop(opts.Telemetry),
		now:  time.Now,
	}, nil
}

// Ready reports whether the provider is configured.
func (a *Agent) Ready() bool { return a.opts.Provider.Ready() }

// Run drives the conversation for batch. Precondition failures come back as
// an unsuccessful Result with a nil error; a provider failure that survives
// the fallback returns an error.
func (a *Agent) Run(ctx context.Context, threadID string, batch *batcher.MessageBatch) (*Result, error) {
	res := &Result{ToolExecutions: []tools.Result{}}

	if !a.opts.Provider.Ready() {
		res.Error = ErrNotConfigured.Error()
		return res, nil
	}
	if batch == nil || len(batch.Messages) == 0 {
		res.Error = "empty batch"
		return res, nil
	}
	trigger := batch.TriggerMessage()
	if batch.GuildID == "" && !a.opts.AllowDMs {
		res.Error = "unsupported channel"
		return res, nil
	}

	ctx, span := telemetry.StartSpan(ctx, a.tel.Tracer, "agent.run",
		telemetry.AttrThreadID.String(threadID),
		telemetry.AttrBatchID.String(batch.ID),
		telemetry.AttrChannelID.String(batch.ChannelID),
		telemetry.AttrGuildID.String(batch.GuildID),
		telemetry.AttrTrigger.String(string(batch.Trigger)),
	)
	defer span.End()

	log := a.log.With("thread", threadID, "channel", batch.ChannelID)
	entry := func(logType string) auditlog.Entry {
		return auditlog.Entry{
			ThreadID:  threadID,
			LogType:   logType,
			ChannelID: batch.ChannelID,
			GuildID:   batch.GuildID,
			UserID:    trigger.AuthorID,
		}
	}

	tc := tools.Context{
		ThreadID:    threadID,
		GuildID:     batch.GuildID,
		ChannelID:   batch.ChannelID,
		UserID:      trigger.AuthorID,
		MessageID:   trigger.ID,
		IsDM:        batch.GuildID == "",
		Permissions: a.opts.Permissions,
	}
	specs := toolSpecs(a.opts.Tools.Available(ctx, tc))

	cb := contextBuilder{excerptLength: a.opts.ExcerptLength, excerptSuffix: a.opts.ExcerptSuffix}
	if a.opts.Identity != nil {
		cb.botUserID = a.opts.Identity.BotUserID()
	}
	conv := cb.build(a.opts.SystemPrompt, batch)

	start := a.now()
	e := entry(models.LogAgentStart)
	e.AIModel = a.opts.Model
	e.Metadata = map[string]any{
		"batch_id":      batch.ID,
		"trigger":       batch.Trigger,
		"message_count": len(batch.Messages),
		"tools":         len(specs),
	}
	a.opts.Audit.Record(ctx, e)
	log.Info("agent run started", "batch", batch.ID, "messages", len(batch.Messages), "tools", len(specs))

	for {
		if res.LoopIterations >= a.opts.MaxIterations {
			res.StopReason = StopMaxIterations
			log.Info("agent stopped at iteration limit", "iterations", res.LoopIterations)
			break
		}
		if elapsed := a.now().Sub(start); elapsed >= a.opts.MaxProcessingTime {
			res.StopReason = StopTimeout
			log.Info("agent stopped at processing time limit", "iterations", res.LoopIterations, "elapsed", elapsed)
			break
		}
		if err := ctx.Err(); err != nil {
			return a.fail(ctx, span, res, conv, entry(models.LogError), fmt.Errorf("agent: %w", err))
		}
		res.LoopIterations++
		a.tel.Metrics.LoopIterations.Add(ctx, 1)

		resp, usage, err := a.complete(ctx, log, conv, specs, res.LoopIterations, entry(models.LogAIResponse))
		if err != nil {
			return a.fail(ctx, span, res, conv, entry(models.LogError), err)
		}
		res.Usage.Add(usage)

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) != "" {
				log.Debug("discarding model text without tool calls", "length", len(resp.Content))
			}
			res.StopReason = StopDone
			break
		}

		conv = append(conv, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			r := a.runTool(ctx, tc, call)
			res.ToolExecutions = append(res.ToolExecutions, r)
			conv = append(conv, Message{Role: RoleTool, Content: toolResultContent(r), ToolCallID: call.ID})
		}
	}

	res.Success = true
	res.ConversationLength = len(conv)

	e = entry(models.LogAgentComplete)
	e.AIModel = a.opts.Model
	e.PromptTokens = res.Usage.PromptTokens
	e.CompletionTokens = res.Usage.CompletionTokens
	e.TotalTokens = res.Usage.TotalTokens
	e.Duration = a.now().Sub(start)
	e.Success = auditlog.Bool(true)
	e.Metadata = map[string]any{
		"iterations":      res.LoopIterations,
		"tool_executions": len(res.ToolExecutions),
		"stop_reason":     res.StopReason,
	}
	a.opts.Audit.Record(ctx, e)

	span.SetAttributes(telemetry.AttrIteration.Int(res.LoopIterations), telemetry.AttrStatus.String(res.StopReason))
	log.Info("agent run finished", "iterations", res.LoopIterations, "tools", len(res.ToolExecutions),
		"stop", res.StopReason, "tokens", res.Usage.TotalTokens)
	return res, nil
}

func (a *Agent) fail(ctx context.Context, span trace.Span, res *Result, conv []Message, e auditlog.Entry, err error) (*Result, error) {
	res.Error = err.Error()
	res.ConversationLength = len(conv)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.Error = err.Error()
	e.Success = auditlog.Bool(false)
	e.Metadata = map[string]any{"iterations": res.LoopIterations}
	a.opts.Audit.Record(ctx, e)
	return res, err
}

// complete calls the primary model, falling back once to the secondary
// model with a reduced token budget. The returned usage is that of the call
// that succeeded.
func (a *Agent) complete(ctx context.Context, log *slog.Logger, conv []Message, specs []ToolSpec, iteration int, e auditlog.Entry) (*ChatResponse, Usage, error) {
	req := ChatRequest{
		Model:       a.opts.Model,
		Messages:    conv,
		Tools:       specs,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	resp, err := a.chat(ctx, req, iteration, false, e)
	if err == nil {
		return resp, resp.Usage, nil
	}

	fallback := a.opts.FallbackModel
	if fallback == "" || fallback == a.opts.Model {
		return nil, Usage{}, fmt.Errorf("agent: model %s: %w", a.opts.Model, err)
	}
	log.Warn("primary model failed, retrying with fallback", "model", a.opts.Model, "fallback", fallback, "error", err)

	req.Model = fallback
	req.MaxTokens = min(a.opts.MaxTokens, fallbackMaxTokens)
	resp, ferr := a.chat(ctx, req, iteration, true, e)
	if ferr != nil {
		return nil, Usage{}, fmt.Errorf("agent: both primary and fallback models failed: %w", errors.Join(err, ferr))
	}
	return resp, resp.Usage, nil
}

// chat performs one provider call with its span, metrics and audit row.
func (a *Agent) chat(ctx context.Context, req ChatRequest, iteration int, fallback bool, e auditlog.Entry) (*ChatResponse, error) {
	ctx, span := telemetry.StartClientSpan(ctx, a.tel.Tracer, "llm.chat",
		telemetry.AttrModel.String(req.Model),
		telemetry.AttrFallback.Bool(fallback),
		telemetry.AttrIteration.Int(iteration),
	)
	defer span.End()

	start := a.now()
	resp, err := a.opts.Provider.Chat(ctx, req)
	elapsed := a.now().Sub(start)
	a.tel.Metrics.LLMCallDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(telemetry.AttrModel.String(req.Model)))
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}

	e.AIModel = req.Model
	e.Duration = elapsed
	e.Metadata = map[string]any{"iteration": iteration, "fallback": fallback}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.Success = auditlog.Bool(false)
		e.Error = err.Error()
		a.opts.Audit.Record(ctx, e)
		return nil, err
	}

	span.SetAttributes(
		telemetry.AttrTokensInput.Int(resp.Usage.PromptTokens),
		telemetry.AttrTokensOutput.Int(resp.Usage.CompletionTokens),
	)
	a.tel.Metrics.TokensUsed.Add(ctx, int64(resp.Usage.TotalTokens),
		metric.WithAttributes(telemetry.AttrModel.String(req.Model)))

	e.Success = auditlog.Bool(true)
	e.PromptTokens = resp.Usage.PromptTokens
	e.CompletionTokens = resp.Usage.CompletionTokens
	e.TotalTokens = resp.Usage.TotalTokens
	e.Metadata["finish_reason"] = resp.FinishReason
	e.Metadata["tool_calls"] = len(resp.ToolCalls)
	if len(resp.ToolCalls) == 0 && resp.Content != "" {
		e.Metadata["discarded_content"] = resp.Content
	}
	a.opts.Audit.Record(ctx, e)
	return resp, nil
}

// runTool executes one model tool call. Arguments that are not a JSON
// object become a failed result without reaching the executor.
func (a *Agent) runTool(ctx context.Context, tc tools.Context, call ToolCall) tools.Result {
	params := map[string]any{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			r := tools.Result{
				ExecutionID: uuid.NewString(),
				ToolName:    call.Name,
				Error:       "Invalid tool arguments: " + err.Error(),
				ExecutedAt:  a.now(),
			}
			a.opts.Audit.Record(ctx, auditlog.Entry{
				ThreadID:       tc.ThreadID,
				LogType:        models.LogToolExecution,
				ChannelID:      tc.ChannelID,
				GuildID:        tc.GuildID,
				UserID:         tc.UserID,
				ToolName:       call.Name,
				ToolParameters: call.Arguments,
				Success:        auditlog.Bool(false),
				Error:          r.Error,
			})
			return r
		}
	}
	return a.opts.Tools.Execute(ctx, tools.Request{ToolName: call.Name, Parameters: params, Context: tc})
}

func toolSpecs(defs []tools.Definition) []ToolSpec {
	specs := make([]ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Schema()})
	}
	return specs
}

// toolResultContent renders a tool result as the JSON body of a tool turn.
func toolResultContent(r tools.Result) string {
	body := map[string]any{
		"success":       r.Success,
		"executionTime": fmt.Sprintf("%dms", r.DurationMs),
	}
	if r.Success {
		body["data"] = r.Data
	} else {
		body["error"] = r.Error
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "unencodable tool result: "+err.Error())
	}
	return string(data)
}
