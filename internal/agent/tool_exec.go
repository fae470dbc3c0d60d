package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/infra"
	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/internal/tools"
)

// runBatch executes a turn's tool calls in order, routing each through
// the confirmation gate first. When a call is held for approval it
// returns the pending result; the rest of the batch runs later through
// the resume callback. A nil return means the whole batch finished and
// results is fully populated.
func (o *Orchestrator) runBatch(ctx context.Context, st *runState, text string, calls []llm.ToolCall, results []llm.ToolResult, start int) *Result {
	for i := start; i < len(calls); i++ {
		tc := calls[i]
		params, _ := decodeParams(tc.Args)

		verdict, err := o.gate.Check(ctx, actions.CallRequest{
			TenantID:  st.req.TenantID,
			ChannelID: st.req.ChannelID,
			ThreadID:  st.req.ThreadID,
			Tool:      tc.Name,
			Params:    params,
			Mode:      st.req.Mode,
			Resume: func(rctx context.Context, approved bool) {
				o.resume(rctx, st, text, calls, results, i, approved)
			},
		})
		if err != nil {
			st.errorTotal++
			st.errorRun++
			results[i] = errorResult(tc, "error", err.Error())
			continue
		}
		if !verdict.Allowed {
			o.logger.Info(ctx, "tool call held for approval",
				"tool", tc.Name,
				"action_type", string(verdict.Type),
				"tenant_id", st.req.TenantID,
			)
			pending := actions.NewPendingResult(verdict.Pending)
			result := o.finalize(st, pending.Message)
			result.Pending = &pending
			return result
		}
		results[i] = o.executeCall(ctx, st, tc, params)
	}
	return nil
}

// resume re-enters a run after the user answered an approval prompt.
// The held call either executes or records a decline, then the rest of
// the batch and the loop continue; any output goes through the Poster.
func (o *Orchestrator) resume(ctx context.Context, st *runState, text string, calls []llm.ToolCall, results []llm.ToolResult, idx int, approved bool) {
	if approved {
		params, _ := decodeParams(calls[idx].Args)
		results[idx] = o.executeCall(ctx, st, calls[idx], params)
	} else {
		results[idx] = llm.ToolResult{
			CallID:  calls[idx].ID,
			Content: "The user declined this action. Do not retry it; adjust or wrap up.",
		}
	}

	if paused := o.runBatch(ctx, st, text, calls, results, idx+1); paused != nil {
		o.deliver(ctx, st, paused)
		return
	}
	o.appendTurn(st, text, calls, results)
	trimPayload(st.messages)

	if result := o.checkpoint(ctx, st); result != nil {
		o.deliver(ctx, st, result)
		return
	}

	result, err := o.loop(ctx, st)
	if err != nil {
		o.logger.Error(ctx, "resumed run failed",
			"tenant_id", st.req.TenantID,
			"thread_id", st.req.ThreadID,
			"error", err,
		)
		return
	}
	o.deliver(ctx, st, result)
}

// executeCall runs one allowed tool call end to end: argument checks,
// per-API rate limit, per-app circuit breaker, timeout, and result
// truncation. Failures come back as transcript feedback, never as a
// run-ending error.
func (o *Orchestrator) executeCall(ctx context.Context, st *runState, tc llm.ToolCall, params map[string]any) llm.ToolResult {
	st.toolCalls++
	start := time.Now()

	if len(tc.Args) > 0 && params == nil {
		o.metrics.RecordToolCall(tc.Name, time.Since(start), "invalid_params")
		st.errorTotal++
		st.errorRun++
		return errorResult(tc, "invalid_params", "tool arguments were not a JSON object")
	}

	desc, ok := o.tools.Get(tc.Name)
	if !ok {
		o.metrics.RecordUnknownTool(tc.Name)
		o.metrics.RecordToolCall(tc.Name, time.Since(start), "unknown_tool")
		st.errorTotal++
		st.errorRun++
		o.logger.Warn(ctx, "model called unknown tool", "tool", tc.Name, "tenant_id", st.req.TenantID)
		return errorResult(tc, "unknown_tool", fmt.Sprintf("tool not available: %s", tc.Name))
	}

	if o.cfg.Limiter != nil {
		if api := o.cfg.Limiter.ClassifyAPIFromTool(tc.Name, params); api != "" {
			if !o.cfg.Limiter.AcquireAPI(ctx, api, o.cfg.APIAcquireTimeout) {
				o.metrics.RecordRateLimited("api")
				o.metrics.RecordToolCall(tc.Name, time.Since(start), "rate_limited")
				st.errorTotal++
				st.errorRun++
				return errorResult(tc, "rate_limited",
					fmt.Sprintf("the %s API is rate limited right now; wait before retrying", api))
			}
		}
	}

	tctx, cancel := context.WithTimeout(ctx, desc.Timeout())
	defer cancel()

	tctx, span := o.tracer.TraceToolExecution(tctx, tc.Name)
	out, err := o.executeThroughBreaker(tctx, desc, tools.Call{
		TenantID: st.req.TenantID,
		Name:     tc.Name,
		Params:   params,
	})
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	span.End()
	elapsed := time.Since(start)

	if err != nil {
		errType := classifyToolError(err)
		o.metrics.RecordToolCall(tc.Name, elapsed, errType)
		st.errorTotal++
		st.errorRun++
		o.logger.Warn(ctx, "tool call failed",
			"tool", tc.Name,
			"error_type", errType,
			"duration_ms", elapsed.Milliseconds(),
			"tenant_id", st.req.TenantID,
			"error", err,
		)
		return errorResult(tc, errType, err.Error())
	}

	o.metrics.RecordToolCall(tc.Name, elapsed, "")
	st.errorRun = 0
	o.catalog.RecordUsage(ctx, st.req.TenantID, tc.Name)

	content := out
	if len(content) > toolResultMaxChars {
		content = truncateChars(content, toolResultMaxChars) +
			fmt.Sprintf("\n... [truncated, %d chars total]", len(out))
	}
	return llm.ToolResult{CallID: tc.ID, Content: content}
}

func (o *Orchestrator) executeThroughBreaker(ctx context.Context, desc *tools.Descriptor, call tools.Call) (string, error) {
	if o.cfg.Breakers == nil {
		return o.tools.Execute(ctx, call)
	}
	breaker := o.cfg.Breakers.Get(breakerNameFor(desc))
	return infra.ExecuteWithResult(breaker, ctx, func(ctx context.Context) (string, error) {
		return o.tools.Execute(ctx, call)
	})
}

// breakerNameFor groups tools by app so one integration melting down
// does not open the circuit for the rest.
func breakerNameFor(desc *tools.Descriptor) string {
	if desc.App != "" {
		return desc.App
	}
	if app := retrieval.AppForTool(desc.Name); app != "" {
		return app
	}
	return defaultToolBreaker
}

func classifyToolError(err error) string {
	switch {
	case errors.Is(err, tools.ErrInvalidArgs):
		return "invalid_params"
	case errors.Is(err, tools.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, infra.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// errorResult turns a failure into structured feedback the model can
// act on in the next turn.
func errorResult(tc llm.ToolCall, kind, message string) llm.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": kind, "message": message})
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, kind))
	}
	return llm.ToolResult{CallID: tc.ID, Content: string(payload), IsError: true}
}

func decodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}
