package router

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Spardaa/unilife-backend-sub000/internal/agent"
	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/prompts"
	"github.com/Spardaa/unilife-backend-sub000/internal/tools"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

// singlePass lets one loop select tools, execute them, and phrase the
// reply.
func (r *Router) singlePass(ctx context.Context, req Request, msgs []llm.Message) (*Envelope, error) {
	in := agent.Input{
		Messages: withSystem(prompts.SinglePassSystemPrompt(req.Now), msgs),
		Tools:    r.tools,
		Caller:   caller(req),
		Now:      req.Now,
	}
	res, err := r.loop.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Reply:      res.Reply,
		Actions:    res.ToolCalls,
		SideData:   SideData(res.ToolCalls),
		StopReason: res.StopReason,
		NewTurns:   res.NewTurns,
	}, nil
}

// multiStage classifies the turn, runs an execution loop unless the
// turn is chat, then phrases the reply in a tool-free call.
func (r *Router) multiStage(ctx context.Context, req Request, msgs []llm.Message) (*Envelope, error) {
	intent, err := r.classify(ctx, msgs)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Intent: intent, StopReason: agent.StopDone}

	if intent != IntentChat {
		res, err := r.loop.Run(ctx, agent.Input{
			Messages: withSystem(prompts.ExecutionSystemPrompt(req.Now, string(intent)), msgs),
			Tools:    r.stageTools(intent),
			Caller:   caller(req),
			Now:      req.Now,
		})
		if err != nil {
			return env, err
		}
		env.Actions = res.ToolCalls
		env.SideData = SideData(res.ToolCalls)
		env.StopReason = res.StopReason

		// The execution stage's closing note is internal; the shaped
		// reply replaces it.
		if n := len(res.NewTurns); n > 0 {
			env.NewTurns = append(env.NewTurns, res.NewTurns[:n-1]...)
		}
	}

	resp, err := r.chat(ctx, "shape response", llm.ChatRequest{
		Messages: withSystem(prompts.ResponseShapingPrompt(SummarizeResults(env.Actions)), msgs),
		Mode:     llm.ToolModeNone,
	})
	if err != nil {
		return env, err
	}
	env.Reply, env.Suggestions = parseShapedReply(resp.Message.Content)
	if env.Reply == "" {
		env.Reply = r.loop.Config().FallbackReply
	}
	env.NewTurns = append(env.NewTurns, transcript.Turn{
		Role:      transcript.RoleAssistant,
		Content:   env.Reply,
		Timestamp: req.Now,
	})
	return env, nil
}

// stageTools narrows the registry for the execution stage. Query turns
// get tools tagged "query"; action turns get everything.
func (r *Router) stageTools(intent Intent) *tools.Registry {
	if intent == IntentQuery {
		if subset := r.tools.WithTags([]string{string(IntentQuery)}); subset.Len() > 0 {
			return subset
		}
	}
	return r.tools
}

func withSystem(system string, msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: "system", Content: system})
	return append(out, msgs...)
}

// parseShapedReply decodes {"reply": ..., "suggestions": [...]}. Output
// that is not that JSON is used verbatim as the reply.
func parseShapedReply(content string) (string, []string) {
	raw := strings.TrimSpace(content)
	body := stripCodeFence(raw)

	var shaped struct {
		Reply       string   `json:"reply"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(body), &shaped); err != nil || shaped.Reply == "" {
		return raw, nil
	}
	return shaped.Reply, shaped.Suggestions
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
