// Package agent implements the tool-call loop: repeated model calls that
// execute requested tools and feed their results back until the model
// replies in plain text or the iteration budget runs out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/tools"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

// StopReason says how a loop run ended.
type StopReason string

const (
	// StopDone means the model answered with plain text.
	StopDone StopReason = "done"
	// StopExhausted means the model was still requesting tools when the
	// iteration budget ran out.
	StopExhausted StopReason = "exhausted"
)

// DefaultFallbackReply is returned when the budget is exhausted.
const DefaultFallbackReply = "I wasn't able to finish that within the steps I'm allowed. Here is what I got done so far."

// LoopConfig tunes one loop.
type LoopConfig struct {
	// MaxIterations is the number of model calls allowed to execute
	// tools. The loop makes at most MaxIterations+1 model calls.
	MaxIterations int

	// Parallel executes the requests of one model turn concurrently.
	// Results are still appended in request order.
	Parallel bool

	FallbackReply string
	Model         string

	// CallTimeout bounds each model call. Zero relies on ctx alone.
	CallTimeout time.Duration
}

// DefaultLoopConfig returns the production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 30,
		Parallel:      true,
		FallbackReply: DefaultFallbackReply,
		CallTimeout:   60 * time.Second,
	}
}

// Input is one loop invocation.
type Input struct {
	// Messages is the initial message list, normally from [Assemble]
	// with a system prompt in front.
	Messages []llm.Message

	// Tools is the capability set for this run. Nil runs without tools.
	Tools *tools.Registry

	// Caller holds caller-scoped values ("user_id", "conversation_id")
	// injected into tool arguments the model left out.
	Caller map[string]string

	// Now timestamps generated turns. Zero uses the wall clock.
	Now time.Time
}

// ToolCallRecord pairs an executed request with its result.
type ToolCallRecord struct {
	Request  transcript.ToolCallRequest `json:"request"`
	Result   tools.Result               `json:"result"`
	Duration time.Duration              `json:"duration"`
}

// Result is the outcome of a loop run.
type Result struct {
	Reply      string
	StopReason StopReason

	// Iterations is the number of model calls made.
	Iterations int

	// ToolCalls in execution order.
	ToolCalls []ToolCallRecord

	// Messages is the final message list, including the input.
	Messages []llm.Message

	// NewTurns are the assistant and tool turns this run produced.
	NewTurns []transcript.Turn
}

// Loop runs the bounded tool-call cycle against one model client.
type Loop struct {
	llm    llm.Client
	cfg    LoopConfig
	logger *slog.Logger
}

// NewLoop creates a loop. A negative MaxIterations is treated as zero.
func NewLoop(client llm.Client, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	return &Loop{llm: client, cfg: cfg, logger: logger.With("component", "agent")}
}

// Config returns the loop's effective configuration.
func (l *Loop) Config() LoopConfig { return l.cfg }

// Run executes the loop. Tool failures and unknown tools are fed back to
// the model as failed results. A model failure ends the run immediately
// with an [*llm.CapabilityError]; the partial result is still returned.
func (l *Loop) Run(ctx context.Context, in Input) (*Result, error) {
	res := &Result{Messages: append([]llm.Message(nil), in.Messages...)}

	var schemas []map[string]any
	if in.Tools != nil {
		schemas = in.Tools.Schemas()
	}
	mode := llm.ToolModeAuto
	if len(schemas) == 0 {
		mode = llm.ToolModeNone
	}

	for call := 1; ; call++ {
		resp, err := l.chat(ctx, llm.ChatRequest{
			Model:    l.cfg.Model,
			Messages: res.Messages,
			Tools:    schemas,
			Mode:     mode,
		})
		res.Iterations = call
		if err != nil {
			l.logger.Error("model call failed", "iteration", call, "error", err)
			return res, err
		}

		if !resp.HasToolCalls() {
			res.Reply = resp.Message.Content
			if res.Reply == "" {
				res.Reply = l.cfg.FallbackReply
			}
			res.StopReason = StopDone
			l.finish(res, in.Now)
			return res, nil
		}

		if call > l.cfg.MaxIterations {
			l.logger.Warn("iteration budget exhausted",
				"iterations", call,
				"max_iterations", l.cfg.MaxIterations,
				"pending_tools", len(resp.Message.ToolCalls),
			)
			res.Reply = l.cfg.FallbackReply
			res.StopReason = StopExhausted
			l.finish(res, in.Now)
			return res, nil
		}

		assistant := llm.Message{Role: "assistant", Content: resp.Message.Content, ToolCalls: resp.Message.ToolCalls}
		res.Messages = append(res.Messages, assistant)
		res.NewTurns = append(res.NewTurns, toTurn(assistant, stamp(in.Now)))

		records := l.execute(ctx, in, resp.Message.ToolCalls)
		for _, rec := range records {
			msg := llm.Message{Role: "tool", Content: rec.Result.Content(), ToolCallID: rec.Request.ID}
			res.Messages = append(res.Messages, msg)
			res.NewTurns = append(res.NewTurns, toTurn(msg, stamp(in.Now)))
		}
		res.ToolCalls = append(res.ToolCalls, records...)
	}
}

// finish appends the final assistant reply and logs the outcome.
func (l *Loop) finish(res *Result, now time.Time) {
	reply := llm.Message{Role: "assistant", Content: res.Reply}
	res.Messages = append(res.Messages, reply)
	res.NewTurns = append(res.NewTurns, toTurn(reply, stamp(now)))

	l.logger.Info("tool call loop finished",
		"reason", res.StopReason,
		"iterations", res.Iterations,
		"tool_calls", len(res.ToolCalls),
	)
}

func (l *Loop) chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if l.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
	}

	resp, err := l.llm.Chat(ctx, req)
	if err != nil {
		return nil, llm.Capability("chat", err)
	}
	if resp == nil {
		return nil, llm.Capability("chat", fmt.Errorf("%w: empty response", llm.ErrMalformedResponse))
	}
	return resp, nil
}

// execute runs every request from one model turn. The returned records
// are in request order regardless of completion order.
func (l *Loop) execute(ctx context.Context, in Input, calls []llm.ToolCall) []ToolCallRecord {
	ctx = tools.WithConversationID(ctx, in.Caller["conversation_id"])
	ctx = tools.WithUserID(ctx, in.Caller["user_id"])

	records := make([]ToolCallRecord, len(calls))
	run := func(i int) {
		req := toRequest(calls[i])
		if in.Tools != nil {
			if t := in.Tools.Get(req.Name); t != nil {
				req.Arguments = t.InjectCallerFields(req.Arguments, in.Caller)
			}
		}

		start := time.Now()
		var result tools.Result
		if in.Tools == nil {
			result = tools.Result{CallID: req.ID, Name: req.Name, Kind: tools.KindGeneric,
				Error: (&tools.ErrToolUnavailable{ToolName: req.Name}).Error()}
		} else {
			result = in.Tools.Invoke(ctx, req.ID, req.Name, req.Arguments)
		}
		records[i] = ToolCallRecord{Request: req, Result: result, Duration: time.Since(start)}

		if result.Success {
			l.logger.Debug("tool executed", "tool", req.Name, "elapsed", records[i].Duration)
		} else {
			l.logger.Warn("tool failed", "tool", req.Name, "elapsed", records[i].Duration, "error", result.Error)
		}
	}

	if !l.cfg.Parallel || len(calls) < 2 {
		for i := range calls {
			run(i)
		}
		return records
	}

	var g errgroup.Group
	for i := range calls {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func stamp(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now()
	}
	return now
}
