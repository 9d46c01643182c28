// Package agent implements the ask-agent orchestration behind the
// metamcp__ask tool: shortlist candidate tools, check the token budget,
// ask an LLM for a plan, execute the allowed tool calls, and ask the LLM
// for a final report.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/llm"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
	"github.com/metamcp/metamcp/pkg/metamcp/smart"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
	"github.com/metamcp/metamcp/pkg/metamcp/tokens"
)

const (
	// shortlistLimit is how many candidate tools the planner sees.
	shortlistLimit = 12

	// maxResultChars truncates stringified tool results fed to the report
	// step.
	maxResultChars = 6000

	defaultModel        = "gpt-4o-mini"
	defaultSystemPrompt = "You are a tool-routing agent for an MCP gateway. " +
		"Answer the user's query using the candidate tools provided. " +
		"Respond with a single JSON object and nothing else."
)

// Exposer replaces a session's exposed tool set. Satisfied by the smart
// discovery service.
type Exposer interface {
	ReplaceExposed(sessionID string, namespaceUUID uuid.UUID, names []string)
}

// ExecutedCall records one planned tool call and its outcome. Refused calls
// carry OK=false and a reason; failed upstream calls carry OK=false and the
// error text.
type ExecutedCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	OK        bool           `json:"ok"`
	Reason    string         `json:"reason,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// TokenBreakdown itemizes the pre-flight token count.
type TokenBreakdown struct {
	SystemPrompt    int `json:"systemPrompt"`
	ToolCandidates  int `json:"toolCandidates"`
	References      int `json:"references"`
	Query           int `json:"query"`
	PlanningPayload int `json:"planningPayload"`
	Total           int `json:"total"`
}

// Usage summarizes one run.
type Usage struct {
	ToolCallsPlanned  int `json:"toolCallsPlanned"`
	ToolCallsExecuted int `json:"toolCallsExecuted"`
	ToolsExposed      int `json:"toolsExposed"`
}

// Report is the JSON document returned to the downstream caller.
type Report struct {
	Answer            string         `json:"answer"`
	ToolCallsExecuted []ExecutedCall `json:"toolCallsExecuted"`
	SuggestedTools    []string       `json:"suggestedTools,omitempty"`
	ExposedTools      []string       `json:"exposedTools"`
	Followups         []string       `json:"followups,omitempty"`
	Usage             Usage          `json:"usage"`
	TokenUsage        TokenBreakdown `json:"tokenUsage"`
}

// plannedCall is one tool call proposed by the planning step.
type plannedCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// planOutput is the expected shape of the planning completion.
type planOutput struct {
	DirectAnswer string        `json:"directAnswer,omitempty"`
	ToolCalls    []plannedCall `json:"toolCalls,omitempty"`
	ExposeTools  []string      `json:"exposeTools,omitempty"`
	Followups    []string      `json:"followups,omitempty"`
}

// reportOutput is the expected shape of the report completion.
type reportOutput struct {
	Answer         string   `json:"answer"`
	SuggestedTools []string `json:"suggestedTools,omitempty"`
	ExposeTools    []string `json:"exposeTools,omitempty"`
	Followups      []string `json:"followups,omitempty"`
}

// candidate is one shortlisted tool as shown to the planner.
type candidate struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Score       float64         `json:"relevanceScore"`
	Allowed     bool            `json:"allowed"`
}

// Orchestrator runs ask-agent queries for namespaces.
type Orchestrator struct {
	store   store.Store
	index   *discovery.Index
	llm     llm.Client // nil when no API key is configured
	counter *tokens.Counter
	exposer Exposer
}

// NewOrchestrator wires the orchestrator. llmClient may be nil; Ask then
// fails fast with a descriptive error.
func NewOrchestrator(st store.Store, index *discovery.Index, llmClient llm.Client, counter *tokens.Counter, exposer Exposer) *Orchestrator {
	return &Orchestrator{
		store:   st,
		index:   index,
		llm:     llmClient,
		counter: counter,
		exposer: exposer,
	}
}

var _ smart.AskAgent = (*Orchestrator)(nil)

// Ask implements smart.AskAgent.
func (o *Orchestrator) Ask(ctx context.Context, mw *middleware.Context, req smart.AskRequest) (any, error) {
	ns, err := o.store.GetNamespace(ctx, mw.NamespaceUUID)
	if err != nil {
		return nil, err
	}
	if ns.AskAgentUUID == nil {
		return nil, fmt.Errorf("%w: namespace %q has no ask agent", metamcp.ErrNotFound, ns.Name)
	}
	cfg, err := o.store.GetAgent(ctx, *ns.AskAgentUUID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &Report{Answer: fmt.Sprintf("The agent %q is disabled for this namespace.", cfg.Name)}, nil
	}
	if o.llm == nil {
		return nil, fmt.Errorf("%w: no LLM API key configured for the ask agent", metamcp.ErrValidation)
	}

	return o.run(ctx, mw, ns, cfg, req)
}

func (o *Orchestrator) run(
	ctx context.Context,
	mw *middleware.Context,
	ns *metamcp.Namespace,
	cfg *metamcp.NamespaceAgent,
	req smart.AskRequest,
) (*Report, error) {
	maxCalls := clamp(firstPositive(req.MaxToolCalls, cfg.MaxToolCalls), metamcp.MaxAgentToolCalls)
	exposeLimit := clamp(firstPositive(req.ExposeLimit, cfg.ExposeLimit), metamcp.MaxAgentExposeLimit)

	// Shortlist.
	matches, err := o.index.Search(ctx, ns.UUID, req.Query, shortlistLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("shortlisting tools: %w", err)
	}
	candidates := make([]candidate, len(matches))
	for i, m := range matches {
		candidates[i] = candidate{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: m.InputSchema,
			Score:       m.Score,
			Allowed:     isAllowed(cfg, m.Name),
		}
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	references, err := o.buildReferences(ctx, cfg)
	if err != nil {
		return nil, err
	}

	candidatesJSON, _ := json.Marshal(candidates)
	planningPayload, _ := json.Marshal(map[string]any{
		"namespace":   map[string]string{"name": ns.Name, "description": ns.Description},
		"constraints": map[string]int{"maxToolCalls": maxCalls, "exposeLimit": exposeLimit},
		"tools":       json.RawMessage(candidatesJSON),
		"references":  json.RawMessage(references),
		"query":       req.Query,
	})

	// Budget check. On overflow nothing is sent to the LLM.
	breakdown := TokenBreakdown{
		SystemPrompt:    o.counter.Count(model, systemPrompt),
		ToolCandidates:  o.counter.Count(model, string(candidatesJSON)),
		References:      o.counter.Count(model, string(references)),
		Query:           o.counter.Count(model, req.Query),
		PlanningPayload: o.counter.Count(model, string(planningPayload)),
	}
	breakdown.Total = breakdown.SystemPrompt + breakdown.ToolCandidates +
		breakdown.References + breakdown.Query + breakdown.PlanningPayload
	if breakdown.Total > metamcp.AgentTokenBudget {
		return &Report{
			Answer: fmt.Sprintf(
				"Cannot run: the prompt would use %d tokens, over the %d-token budget. Reduce documents or references.",
				breakdown.Total, metamcp.AgentTokenBudget),
			ToolCallsExecuted: []ExecutedCall{},
			ExposedTools:      []string{},
			TokenUsage:        breakdown,
		}, nil
	}

	// Plan.
	var plan planOutput
	err = o.llm.ChatJSON(ctx, llm.Request{
		Model:  model,
		System: systemPrompt,
		User:   string(planningPayload),
	}, &plan)
	if err != nil {
		return nil, fmt.Errorf("planning step failed: %w", err)
	}

	// Execute.
	executed := o.execute(ctx, mw, cfg, plan.ToolCalls, maxCalls)

	// Report.
	executedJSON, _ := json.Marshal(executed)
	planJSON, _ := json.Marshal(plan)
	reportPayload, _ := json.Marshal(map[string]any{
		"shortlist":         json.RawMessage(candidatesJSON),
		"plan":              json.RawMessage(planJSON),
		"toolCallsExecuted": json.RawMessage(executedJSON),
		"query":             req.Query,
	})
	var rep reportOutput
	err = o.llm.ChatJSON(ctx, llm.Request{
		Model:  model,
		System: systemPrompt,
		User:   string(reportPayload),
	}, &rep)
	if err != nil {
		return nil, fmt.Errorf("report step failed: %w", err)
	}
	answer := rep.Answer
	if answer == "" {
		answer = plan.DirectAnswer
	}

	// Expose.
	exposedNames := o.expose(mw, cfg, rep.ExposeTools, plan.ExposeTools, exposeLimit)

	followups := rep.Followups
	if len(followups) == 0 {
		followups = plan.Followups
	}
	return &Report{
		Answer:            answer,
		ToolCallsExecuted: executed,
		SuggestedTools:    rep.SuggestedTools,
		ExposedTools:      exposedNames,
		Followups:         followups,
		Usage: Usage{
			ToolCallsPlanned:  len(plan.ToolCalls),
			ToolCallsExecuted: len(executed),
			ToolsExposed:      len(exposedNames),
		},
		TokenUsage: breakdown,
	}, nil
}

// execute runs the first maxCalls planned calls through the upstream
// executor. Refusals and failures are recorded; they never abort the loop.
func (o *Orchestrator) execute(
	ctx context.Context,
	mw *middleware.Context,
	cfg *metamcp.NamespaceAgent,
	planned []plannedCall,
	maxCalls int,
) []ExecutedCall {
	if len(planned) > maxCalls {
		planned = planned[:maxCalls]
	}
	executed := make([]ExecutedCall, 0, len(planned))
	for _, call := range planned {
		record := ExecutedCall{Name: call.Name, Arguments: call.Arguments}
		switch {
		case call.Name == smart.FindToolName || call.Name == smart.AskToolName:
			record.Reason = "Refusing recursive call"
		case !isAllowed(cfg, call.Name):
			record.Reason = fmt.Sprintf("Tool not allowed by agent policy: %s", call.Name)
		default:
			result, err := mw.Executor.Execute(ctx, mw.NamespaceUUID, call.Name, call.Arguments)
			if err != nil {
				record.Error = err.Error()
			} else {
				record.OK = !result.IsError
				record.Result = truncate(stringifyResult(result), maxResultChars)
				if result.IsError {
					record.Error = record.Result
					record.Result = ""
				}
			}
		}
		executed = append(executed, record)
		if ctx.Err() != nil {
			logger.Debugf("Ask-agent execution cancelled after %d calls", len(executed))
			break
		}
	}
	return executed
}

// expose replaces the session's exposed tool set with the plan and report
// suggestions, filtered and clamped.
func (o *Orchestrator) expose(
	mw *middleware.Context,
	cfg *metamcp.NamespaceAgent,
	fromReport, fromPlan []string,
	limit int,
) []string {
	seen := make(map[string]bool)
	names := make([]string, 0, len(fromReport)+len(fromPlan))
	for _, name := range append(append([]string{}, fromReport...), fromPlan...) {
		if seen[name] || name == smart.FindToolName || name == smart.AskToolName || !isAllowed(cfg, name) {
			continue
		}
		seen[name] = true
		names = append(names, name)
		if len(names) == limit {
			break
		}
	}
	if o.exposer != nil {
		o.exposer.ReplaceExposed(mw.SessionID, mw.NamespaceUUID, names)
	}
	return names
}

// buildReferences renders the reference material shown to the planner: the
// agent's ragDocuments entries plus its uploaded documents.
func (o *Orchestrator) buildReferences(ctx context.Context, cfg *metamcp.NamespaceAgent) (json.RawMessage, error) {
	refs := map[string]any{}
	if docs := gjson.GetBytes(cfg.References, "ragDocuments"); docs.Exists() {
		var rag []string
		for _, d := range docs.Array() {
			rag = append(rag, d.String())
		}
		refs["ragDocuments"] = rag
	}

	docs, err := o.store.ListAgentDocuments(ctx, cfg.UUID)
	if err != nil {
		return nil, fmt.Errorf("loading agent documents: %w", err)
	}
	if len(docs) > 0 {
		uploaded := make([]map[string]string, len(docs))
		for i, doc := range docs {
			uploaded[i] = map[string]string{"filename": doc.Filename, "content": doc.Content}
		}
		refs["documents"] = uploaded
	}

	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("marshaling references: %w", err)
	}
	return data, nil
}

// isAllowed applies the agent's deny and allow lists to a full tool name.
func isAllowed(cfg *metamcp.NamespaceAgent, name string) bool {
	for _, denied := range cfg.DeniedTools {
		if denied == name {
			return false
		}
	}
	if len(cfg.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range cfg.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// stringifyResult flattens a tool result's content into one string.
func stringifyResult(result *mcp.CallToolResult) string {
	var out string
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			if out != "" {
				out += "\n"
			}
			out += text.Text
			continue
		}
		data, err := json.Marshal(content)
		if err != nil {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += string(data)
	}
	return out
}

// truncate cuts s to at most n bytes, backing up to a rune boundary so the
// cut never splits a UTF-8 sequence, and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…(truncated)"
}

// firstPositive returns the first strictly positive value.
func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// clamp floors v at zero and caps it at max.
func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
