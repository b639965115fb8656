package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
)

const eventSource = "conversation"

// ResponseRequest is what a participant is asked to answer.
type ResponseRequest struct {
	TurnID   ids.TurnID
	Bot      ids.BotID
	Context  Context
	Prior    []Message // in-turn outputs of earlier participants
	Strategy string
}

// Responder produces one participant's contribution to a turn. How the
// participant is reached and which model answers is up to the implementation.
type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (ResponseResult, error)
}

type ResponderFunc func(ctx context.Context, req ResponseRequest) (ResponseResult, error)

func (f ResponderFunc) Respond(ctx context.Context, req ResponseRequest) (ResponseResult, error) {
	return f(ctx, req)
}

// ToolDecision is a ToolGate verdict. Code is set when Allowed is false.
type ToolDecision struct {
	Allowed bool
	Code    string
	Reason  string
}

// ToolGate decides whether a requested tool may run. It may block while a
// human decides; it must return when ctx is done.
type ToolGate interface {
	Authorize(ctx context.Context, bot ids.BotID, call ToolCall) (ToolDecision, error)
}

type ToolRunner interface {
	Run(ctx context.Context, bot ids.BotID, call ToolCall) (ToolResult, error)
}

// AdaptivePolicy picks sequential or parallel execution for an adaptive turn.
type AdaptivePolicy func(p TurnParams) Mode

// TokenBudgetPolicy runs in parallel while the token budget covers floor
// tokens for every participant, and sequentially otherwise.
func TokenBudgetPolicy(floor int64) AdaptivePolicy {
	return func(p TurnParams) Mode {
		need := int64(len(p.Participants)) * floor
		if p.Budget.Tokens > 0 && p.Budget.Tokens >= need {
			return ModeParallel
		}
		return ModeSequential
	}
}

type ExecutorConfig struct {
	Gate   ToolGate
	Tools  ToolRunner
	Policy AdaptivePolicy
	Bus    events.Publisher
}

type Executor struct {
	responder Responder
	gate      ToolGate
	tools     ToolRunner
	policy    AdaptivePolicy
	bus       events.Publisher
	now       func() time.Time
}

func NewExecutor(responder Responder, cfg ExecutorConfig) *Executor {
	e := &Executor{
		responder: responder,
		gate:      cfg.Gate,
		tools:     cfg.Tools,
		policy:    cfg.Policy,
		bus:       cfg.Bus,
		now:       time.Now,
	}
	if e.policy == nil {
		e.policy = TokenBudgetPolicy(2000)
	}
	if e.bus == nil {
		e.bus = events.Discard
	}
	return e
}

// Execute runs one turn. Participants that fail, time out or are cancelled
// still get a ResponseResult; only malformed params return an error.
func (e *Executor) Execute(ctx context.Context, p TurnParams) (*TurnResult, error) {
	if len(p.Participants) == 0 {
		return nil, fmt.Errorf("turn %s: no participants", p.TurnID)
	}
	seen := make(map[ids.BotID]bool, len(p.Participants))
	for _, b := range p.Participants {
		if seen[b] {
			return nil, fmt.Errorf("turn %s: duplicate participant %s", p.TurnID, b)
		}
		seen[b] = true
	}

	mode := p.Mode
	switch mode {
	case "":
		mode = ModeSequential
	case ModeAdaptive:
		mode = e.policy(p)
	case ModeSequential, ModeParallel:
	default:
		return nil, fmt.Errorf("turn %s: unknown execution mode %q", p.TurnID, mode)
	}

	start := e.now()
	if p.TurnID == "" {
		p.TurnID = ids.NewTurnID(p.Context.SwarmID, start)
	}

	e.publish(events.TypeTurnStarted, p, map[string]any{
		"mode":         string(mode),
		"participants": botStrings(p.Participants),
	})
	slog.Debug("turn started", "turn", p.TurnID, "swarm", p.Context.SwarmID, "mode", mode, "participants", len(p.Participants))

	turnCtx := ctx
	if p.Budget.Time > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(p.Budget.Time)*time.Millisecond)
		defer cancel()
	}

	var results map[ids.BotID]ResponseResult
	if mode == ModeParallel {
		results = e.runParallel(ctx, turnCtx, p)
	} else {
		results = e.runSequential(ctx, turnCtx, p)
	}

	res := assemble(p, mode, results, e.now().Sub(start))

	e.publish(events.TypeTurnCompleted, p, map[string]any{
		"mode":         string(mode),
		"participants": botStrings(p.Participants),
		"failed":       botStrings(res.Failed()),
		"messageCount": res.Metrics.MessageCount,
		"toolCalls":    res.Metrics.ToolCallCount,
		"durationMs":   res.Metrics.TotalDuration.Milliseconds(),
		"usage":        res.Usage.Map(),
	})
	return res, nil
}

func (e *Executor) runSequential(parent, ctx context.Context, p TurnParams) map[ids.BotID]ResponseResult {
	results := make(map[ids.BotID]ResponseResult, len(p.Participants))
	var prior []Message
	for _, bot := range p.Participants {
		if ctx.Err() != nil {
			results[bot] = interrupted(parent)
			continue
		}
		r := e.callParticipant(parent, ctx, p, bot, append([]Message(nil), prior...))
		results[bot] = r
		if r.Success {
			prior = append(prior, r.Messages...)
		}
	}
	return results
}

func (e *Executor) runParallel(parent, ctx context.Context, p TurnParams) map[ids.BotID]ResponseResult {
	results := make(map[ids.BotID]ResponseResult, len(p.Participants))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for _, bot := range p.Participants {
		wg.Add(1)
		go func(bot ids.BotID) {
			defer wg.Done()
			r := e.callParticipant(parent, ctx, p, bot, nil)
			mu.Lock()
			results[bot] = r
			mu.Unlock()
		}(bot)
	}

	// Wait with deadline
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Info("turn budget exhausted, assembling partial results", "turn", p.TurnID)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[ids.BotID]ResponseResult, len(p.Participants))
	for _, bot := range p.Participants {
		if r, ok := results[bot]; ok {
			out[bot] = r
		} else {
			out[bot] = interrupted(parent)
		}
	}
	return out
}

type outcome struct {
	res ResponseResult
	err error
}

func (e *Executor) callParticipant(parent, ctx context.Context, p TurnParams, bot ids.BotID, prior []Message) ResponseResult {
	start := e.now()
	req := ResponseRequest{
		TurnID:   p.TurnID,
		Bot:      bot,
		Context:  p.Context,
		Prior:    prior,
		Strategy: p.Strategy,
	}

	ch := make(chan outcome, 1)
	go func() {
		res, err := e.responder.Respond(ctx, req)
		ch <- outcome{res: res, err: err}
	}()

	var r ResponseResult
	select {
	case o := <-ch:
		if o.err != nil {
			r = responderFailure(parent, o.err)
			slog.Warn("participant failed", "turn", p.TurnID, "bot", bot, "error", o.err)
			break
		}
		r = o.res
		if !r.Success && r.Error == nil {
			r.Error = &ResponseError{Code: CodeResponder, Message: "participant reported failure"}
		}
		stampMessages(r.Messages, bot, e.now())
		if r.Success {
			e.runTools(ctx, bot, &r)
		}
	case <-ctx.Done():
		r = interrupted(parent)
	}
	r.Duration = e.now().Sub(start)
	return r
}

func (e *Executor) runTools(ctx context.Context, bot ids.BotID, r *ResponseResult) {
	for _, call := range r.ToolCalls {
		tr := e.runTool(ctx, bot, call)
		r.Usage.Credits += tr.CreditsUsed
		r.ToolResults = append(r.ToolResults, tr)
	}
}

func (e *Executor) runTool(ctx context.Context, bot ids.BotID, call ToolCall) ToolResult {
	if ctx.Err() != nil {
		return FailedTool(call, CodeTimeout, "turn budget exhausted before tool call")
	}
	if e.gate != nil {
		d, err := e.gate.Authorize(ctx, bot, call)
		if err != nil {
			code := fault.Code(err)
			if errors.Is(err, fault.ErrTimeout) {
				code = CodeToolTimeout
			}
			return FailedTool(call, code, err.Error())
		}
		if !d.Allowed {
			code := d.Code
			if code == "" {
				code = CodeToolRejected
			}
			return FailedTool(call, code, d.Reason)
		}
	}
	if e.tools == nil {
		return FailedTool(call, CodeToolNoRunner, "no tool runner configured")
	}

	start := e.now()
	tr, err := e.tools.Run(ctx, bot, call)
	if err != nil {
		return FailedTool(call, CodeToolFailed, err.Error())
	}
	tr.ToolCall = call
	if tr.ExecutionTime == 0 {
		tr.ExecutionTime = e.now().Sub(start)
	}
	return tr
}

func (e *Executor) publish(eventType string, p TurnParams, data map[string]any) {
	data["turnId"] = string(p.TurnID)
	data["swarmId"] = string(p.Context.SwarmID)
	e.bus.Publish(events.TopicTurns, events.New(eventType, eventSource, data))
}

func assemble(p TurnParams, mode Mode, results map[ids.BotID]ResponseResult, d time.Duration) *TurnResult {
	res := &TurnResult{
		TurnID:             p.TurnID,
		ParticipantResults: results,
		Metrics: &TurnMetrics{
			TotalDuration:    d,
			ParticipantCount: len(p.Participants),
			Mode:             mode,
		},
	}

	var confSum float64
	var confN int
	for _, bot := range p.Participants {
		r := results[bot]
		res.Usage = res.Usage.Add(r.Usage)
		res.Metrics.ToolCallCount += len(r.ToolCalls)
		if r.Confidence != nil {
			confSum += *r.Confidence
			confN++
		}
		if r.Success {
			res.Messages = append(res.Messages, r.Messages...)
		}
	}
	res.Metrics.MessageCount = len(res.Messages)
	if confN > 0 {
		avg := confSum / float64(confN)
		res.Metrics.AvgConfidence = &avg
	}
	return res
}

// interrupted reports a participant cut off by the turn deadline, or by the
// caller when parent itself is done.
func interrupted(parent context.Context) ResponseResult {
	if parent.Err() != nil {
		return failed(CodeCancelled, "turn cancelled")
	}
	return failed(CodeTimeout, "turn time budget exhausted")
}

func responderFailure(parent context.Context, err error) ResponseResult {
	switch {
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		return failed(CodeCancelled, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, fault.ErrTimeout):
		return failed(CodeTimeout, err.Error())
	}
	code := fault.Code(err)
	if code == "internal" {
		code = CodeResponder
	}
	return failed(code, err.Error())
}

func stampMessages(msgs []Message, bot ids.BotID, now time.Time) {
	for i := range msgs {
		if msgs[i].Sender == "" {
			msgs[i].Sender = string(bot)
		}
		if msgs[i].Role == "" {
			msgs[i].Role = RoleAssistant
		}
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
}

func botStrings(bots []ids.BotID) []string {
	out := make([]string, len(bots))
	for i, b := range bots {
		out[i] = string(b)
	}
	return out
}
