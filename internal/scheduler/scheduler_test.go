package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netchan/internal/config"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/network"
)

type fakeEndpoint struct{ id string }

func (f fakeEndpoint) ID() string                    { return f.id }
func (f fakeEndpoint) Status() network.ChannelStatus { return network.ChannelStatus{ID: f.id} }
func (f fakeEndpoint) SendCommand(string) error      { return nil }
func (f fakeEndpoint) QueueSideband([]byte) error    { return nil }

type fakeSource []network.Endpoint

func (s fakeSource) Endpoints() []network.Endpoint { return s }

func (s fakeSource) Endpoint(id string) (network.Endpoint, bool) { return nil, false }

type fakeCleaner struct{ timeout time.Duration }

func (f *fakeCleaner) CleanStale(timeout time.Duration) int {
	f.timeout = timeout
	return 1
}

type fakePruner struct {
	cutoff time.Time
	err    error
}

func (f *fakePruner) Prune(cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

func TestPublishStats(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.Event, 4)
	bus.Subscribe("test", func(_ context.Context, e events.Event) error {
		got <- e
		return nil
	}, events.EventChannelStats)

	s := NewScheduler(config.DefaultConfig(), bus, fakeSource{fakeEndpoint{"a"}, fakeEndpoint{"b"}})
	s.publishStats(context.Background())

	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			assert.Equal(t, "scheduler", e.Source)
			ids[e.Payload.(network.ChannelStatus).ID] = true
		case <-time.After(time.Second):
			t.Fatal("missing stats event")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, ids)
}

func TestCleanStaleDoublesTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channel.TimeoutSec = 7
	cleaner := &fakeCleaner{}

	s := NewScheduler(cfg, events.NewEventBus(), fakeSource{})
	s.Cleaner = cleaner
	s.cleanStale(context.Background())

	assert.Equal(t, 14*time.Second, cleaner.timeout)
}

func TestPruneJournal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Timers.JournalRetention = 2
	pruner := &fakePruner{}

	s := NewScheduler(cfg, events.NewEventBus(), fakeSource{})
	s.Journal = pruner
	s.pruneJournal(context.Background())

	want := time.Now().AddDate(0, 0, -2)
	assert.WithinDuration(t, want, pruner.cutoff, time.Minute)

	pruner.err = errors.New("disk full")
	s.pruneJournal(context.Background())
}

func TestStartStopsWithContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Timers.StatsInterval = 1
	s := NewScheduler(cfg, events.NewEventBus(), fakeSource{})
	s.Cleaner = &fakeCleaner{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "scheduler did not stop")
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, time.Second, seconds(0))
	assert.Equal(t, 5*time.Second, seconds(5))
}
