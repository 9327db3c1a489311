package invalidation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// scheduleLocked arms a recurring timer for one scheduled rule. The caller
// holds m.mu. Each job owns a cancellable context derived from the manager's
// run context, so Stop, RemoveRule, and a disabling upsert all share one
// guaranteed cancellation path.
func (m *Manager) scheduleLocked(id string, state ruleState) {
	ctx, cancel := context.WithCancel(m.runCtx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.jobs[id] = j

	interval := state.rule.Schedule.Interval
	batch := state.rule.Schedule.MaxBatchSize

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// The registry may have a fresher enabled flag than the
				// snapshot this timer was armed with.
				m.mu.Lock()
				current, ok := m.rules[id]
				m.mu.Unlock()
				if !ok || !current.rule.Enabled {
					continue
				}
				if _, err := m.execute(ctx, current, batch); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					// A failing tick is logged and swallowed; the timer
					// keeps running and the host process stays up.
					m.logger.Error("scheduled invalidation failed",
						slog.String("rule_id", id),
						slog.Any("error", err))
				}
			}
		}
	}()
	m.logger.Info("invalidation rule scheduled",
		slog.String("rule_id", id),
		slog.Duration("interval", interval),
		slog.Int("max_batch", batch))
}

// cancelJobLocked tears down the timer for id if one is armed. The caller
// holds m.mu; waiting for the goroutine under the lock would deadlock with a
// tick's registry read, so the done channel is drained from a detached
// goroutine.
func (m *Manager) cancelJobLocked(id string) {
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	delete(m.jobs, id)
	j.cancel()
	go func() { <-j.done }()
}
