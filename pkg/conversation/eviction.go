package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const evictionTimeout = time.Minute

// evictionParser accepts five-field expressions and descriptors such as
// "@every 5m".
var evictionParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseEvictionSchedule validates a sweep schedule.
func ParseEvictionSchedule(spec string) error {
	if _, err := evictionParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid eviction schedule %q: %w", spec, err)
	}
	return nil
}

// ScheduleEviction runs EvictIdle on spec until stop is called. A sweep
// still running when the next one is due is skipped. stop waits for a
// running sweep to finish.
func (m *Manager) ScheduleEviction(spec string, maxIdle time.Duration) (stop func(), err error) {
	if maxIdle <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive, got %s", maxIdle)
	}

	c := cron.New(
		cron.WithParser(evictionParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() { m.sweep(maxIdle) }); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", spec, err)
	}
	c.Start()

	m.logger.Info().Str("schedule", spec).Dur("idle_timeout", maxIdle).Msg("Idle eviction scheduled")
	return func() { <-c.Stop().Done() }, nil
}

func (m *Manager) sweep(maxIdle time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), evictionTimeout)
	defer cancel()

	if _, err := m.EvictIdle(ctx, maxIdle); err != nil {
		m.logger.Warn().Err(err).Msg("Idle eviction failed")
	}
}
