package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
)

// meteredResponder gives every participant its own step scope inside the
// run, charges one API call before the call goes out and books the
// reported usage afterwards.
type meteredResponder struct {
	inner conversation.Responder
	res   *resources.Manager
	swarm ids.SwarmID
	run   ids.RunID
	share resources.Amount
}

// stepShare is the step tier default, capped at an even split of what the
// run has left so parallel participants cannot starve each other.
func stepShare(def, runLeft resources.Amount, participants int) resources.Amount {
	n := int64(max(participants, 1))
	even := resources.Amount{
		Credits:  runLeft.Credits / n,
		Time:     runLeft.Time / n,
		Memory:   runLeft.Memory / n,
		Tokens:   runLeft.Tokens / n,
		APICalls: runLeft.APICalls / n,
	}
	return def.Min(even)
}

var oneCall = resources.Amount{APICalls: 1}

func (m *meteredResponder) Respond(ctx context.Context, req conversation.ResponseRequest) (conversation.ResponseResult, error) {
	share := m.share
	step, err := m.res.OpenStep(m.swarm, m.run, ids.StepID(req.Bot), &share)
	if err != nil {
		return conversation.ResponseResult{}, err
	}
	defer func() { _ = m.res.Close(step.Key()) }()

	if limit := step.Snapshot().Allocated.Time; limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(limit)*time.Millisecond)
		defer cancel()
	}

	h, err := step.Reserve(oneCall)
	if err != nil {
		return conversation.ResponseResult{}, err
	}
	if err := step.Consume(h, oneCall); err != nil {
		return conversation.ResponseResult{}, err
	}

	start := time.Now()
	res, err := m.inner.Respond(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Usage.Time == 0 {
		res.Usage.Time = time.Since(start).Milliseconds()
	}

	// The API call was booked up front.
	extra := res.Usage
	extra.APICalls = max(extra.APICalls-1, 0)
	if extra.IsZero() {
		res.Usage.APICalls = max(res.Usage.APICalls, 1)
		return res, nil
	}
	h, err = step.Reserve(extra)
	if err == nil {
		err = step.Consume(h, extra)
	}
	if err != nil {
		slog.Warn("participant overran its step budget", "scope", step.Key(), "usage", extra.Map(), "error", err)
		return conversation.ResponseResult{}, fmt.Errorf("bot %s: %w", req.Bot, err)
	}
	res.Usage.APICalls = max(res.Usage.APICalls, 1)
	return res, nil
}
