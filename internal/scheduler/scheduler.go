// Package scheduler runs the periodic housekeeping around live channels:
// status snapshots for subscribers, stale peer cleanup and journal pruning.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/config"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/network"
)

// StaleCleaner closes peers that stopped talking.
type StaleCleaner interface {
	CleanStale(timeout time.Duration) int
}

// Pruner deletes journal rows older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	endpoints network.EndpointSource

	// Optional; nil disables the task.
	Cleaner StaleCleaner
	Journal Pruner
}

// NewScheduler creates a scheduler over the running role's endpoints.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, endpoints network.EndpointSource) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		eventBus:  eventBus,
		endpoints: endpoints,
	}
}

// Start runs every enabled task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	timers := s.cfg.GetApplicationData().Timers
	log.Info().Msg("scheduler started")

	go s.every(ctx, seconds(timers.StatsInterval), s.publishStats)

	if s.Cleaner != nil {
		go s.every(ctx, seconds(timers.StaleCheckInterval), s.cleanStale)
	}

	if s.Journal != nil && timers.JournalRetention > 0 {
		go s.every(ctx, time.Hour, s.pruneJournal)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// publishStats emits a channel_stats event per endpoint.
func (s *Scheduler) publishStats(ctx context.Context) {
	for _, ep := range s.endpoints.Endpoints() {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventChannelStats,
			Source:  "scheduler",
			Payload: ep.Status(),
		})
	}
}

// cleanStale catches peers whose loop missed its own timeout, for
// example because it is wedged behind a full inbox.
func (s *Scheduler) cleanStale(ctx context.Context) {
	timeout := s.cfg.GetChannel().Timeout() * 2
	if n := s.Cleaner.CleanStale(timeout); n > 0 {
		log.Warn().Int("cleaned", n).Msg("stale peers removed")
	}
}

func (s *Scheduler) pruneJournal(ctx context.Context) {
	days := s.cfg.GetApplicationData().Timers.JournalRetention
	cutoff := time.Now().AddDate(0, 0, -days)

	n, err := s.Journal.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("journal prune failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("journal pruned")
	}
}

func seconds(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * time.Second
}
