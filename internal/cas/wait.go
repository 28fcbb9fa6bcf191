package cas

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

// WaitForAllAgents polls until every agent reaches a terminal state.
// Each agent gets its own jittered exponential poll interval up to a
// ceiling, so pollers for many agents do not synchronize. Per-agent
// terminal failures come back in the map keyed by agent ID; the error
// covers cancellation and other whole-wait failures only.
func (c *Client) WaitForAllAgents(ctx context.Context, agentIDs []string) (map[string]error, error) {
	stopPulse := c.startPulse(ctx, len(agentIDs), "waiting for agents")
	defer stopPulse()

	var mu sync.Mutex
	failures := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		g.Go(func() error {
			err := c.waitForAgent(ctx, agentID)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			mu.Lock()
			failures[agentID] = err
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

func (c *Client) waitForAgent(ctx context.Context, agentID string) error {
	interval := c.pollBackOff()
	for {
		status, err := c.Status(ctx, agentID)
		if err != nil {
			return err
		}

		switch status.State {
		case core.AgentFinished:
			return nil
		case core.AgentErrored:
			return core.ErrAgent(core.CodeAgentErrored,
				fmt.Sprintf("agent %s reported ERRORED", agentID))
		case core.AgentCancelled:
			return core.ErrAgent(core.CodeAgentCancelled,
				fmt.Sprintf("agent %s reported CANCELLED", agentID))
		}

		if c.verbose {
			c.logger.Debug("agent still running", "agent_id", agentID, "state", status.State)
		}
		if err := sleep(ctx, interval.NextBackOff()); err != nil {
			return err
		}
	}
}

// WaitForAllFollowups polls until, for each agent, the conversation
// holds more messages than the recorded baseline and the newest message
// is from the assistant. It never posts follow-ups, which makes it safe
// to re-enter after a crash with the persisted baselines.
func (c *Client) WaitForAllFollowups(ctx context.Context, baselines map[string]int) (map[string]error, error) {
	agentIDs := make([]string, 0, len(baselines))
	for id := range baselines {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	stopPulse := c.startPulse(ctx, len(agentIDs), "waiting for responses")
	defer stopPulse()

	var mu sync.Mutex
	failures := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		baseline := baselines[agentID]
		g.Go(func() error {
			err := c.waitForFollowup(ctx, agentID, baseline)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			mu.Lock()
			failures[agentID] = err
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

func (c *Client) waitForFollowup(ctx context.Context, agentID string, baseline int) error {
	interval := c.pollBackOff()
	for {
		messages, err := c.Conversation(ctx, agentID)
		if err != nil {
			return err
		}

		if len(messages) > baseline && messages[len(messages)-1].Role == core.RoleAssistant {
			return nil
		}

		if c.verbose {
			c.logger.Debug("awaiting assistant response",
				"agent_id", agentID, "baseline", baseline, "messages", len(messages))
		}
		if err := sleep(ctx, interval.NextBackOff()); err != nil {
			return err
		}
	}
}

// pollBackOff builds the per-agent poll interval source: gentle
// exponential growth with jitter, capped at the configured ceiling,
// never giving up on its own.
func (c *Client) pollBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInitial
	b.MaxInterval = c.pollMax
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	return b
}

// startPulse emits a heartbeat dot every few seconds while a wait is in
// flight so the operator can see the run is live. Verbose mode relies
// on the structured debug lines instead.
func (c *Client) startPulse(ctx context.Context, agents int, activity string) func() {
	if c.verbose {
		c.logger.Debug("polling CAS", "agents", agents, "activity", activity)
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Fprint(c.heartbeat, ".")
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			close(done)
			fmt.Fprintln(c.heartbeat)
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
