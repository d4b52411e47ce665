// Package scheduler runs emitflow pipelines on a schedule: at a point in
// time, after a delay, at a fixed interval, or on a cron expression. Each
// firing builds a fresh chain through the entry's PipelineFunc, because a
// chain executes at most once.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// PipelineFunc builds the chain for one firing and returns any node of it.
// Returning nil skips the firing.
type PipelineFunc func() *pipe.Pipe

// Entry describes one scheduled pipeline.
type Entry struct {
	ID       string
	RunAt    time.Time
	Interval time.Duration // zero for one-time and cron entries
	Created  time.Time
}

// Scheduler triggers pipeline runs on time-based schedules.
type Scheduler interface {
	// Schedule registers a one-time run at runAt.
	Schedule(id string, build PipelineFunc, runAt time.Time) error

	// ScheduleAfter registers a one-time run after delay.
	ScheduleAfter(id string, build PipelineFunc, delay time.Duration) error

	// ScheduleRepeating registers a run every interval.
	ScheduleRepeating(id string, build PipelineFunc, interval time.Duration) error

	// ScheduleCron registers runs according to a cron expression with a
	// seconds field, e.g. "0 */5 * * * *".
	ScheduleCron(id string, cronExpr string, build PipelineFunc) error

	// Cancel removes an entry; it reports whether the entry existed.
	Cancel(id string) bool

	// CancelAll removes every entry.
	CancelAll()

	// List returns the registered entries sorted by next run time.
	List() []Entry

	// Start begins triggering due entries.
	Start() error

	// Stop stops triggering and returns a channel that closes once
	// in-flight pipeline runs have finished.
	Stop() <-chan struct{}
}

// Config holds scheduler configuration.
type Config struct {
	Location     *time.Location // for cron evaluation; defaults to time.Local
	TickInterval time.Duration  // how often due entries are checked (default 50ms)
	MaxEntries   int            // maximum registered entries (default 10000)
	Logger       *zap.Logger    // run outcomes are logged here; defaults to no-op
	Run          pipe.RunConfig // applied to every pipeline run
}

type scheduled struct {
	id           string
	build        PipelineFunc
	runAt        time.Time
	interval     time.Duration
	cronSchedule cron.Schedule
	created      time.Time
}

type scheduler struct {
	location     *time.Location
	tickInterval time.Duration
	maxEntries   int
	cronParser   cron.Parser
	logger       *zap.Logger
	runCfg       pipe.RunConfig

	mu      sync.RWMutex
	entries map[string]*scheduled
	running bool
	stop    chan struct{}
	runs    sync.WaitGroup
}

// New creates a scheduler with default configuration.
func New() Scheduler {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) Scheduler {
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &scheduler{
		location:     location,
		tickInterval: tickInterval,
		maxEntries:   maxEntries,
		cronParser:   cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
		runCfg:       cfg.Run,
		entries:      make(map[string]*scheduled),
	}
}

func (s *scheduler) Schedule(id string, build PipelineFunc, runAt time.Time) error {
	if runAt.IsZero() {
		return fmt.Errorf("scheduler: run time cannot be zero")
	}
	return s.add(&scheduled{id: id, build: build, runAt: runAt})
}

func (s *scheduler) ScheduleAfter(id string, build PipelineFunc, delay time.Duration) error {
	return s.Schedule(id, build, time.Now().Add(delay))
}

func (s *scheduler) ScheduleRepeating(id string, build PipelineFunc, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive")
	}
	return s.add(&scheduled{id: id, build: build, runAt: time.Now().Add(interval), interval: interval})
}

func (s *scheduler) ScheduleCron(id string, cronExpr string, build PipelineFunc) error {
	schedule, err := s.cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", cronExpr, err)
	}
	return s.add(&scheduled{
		id:           id,
		build:        build,
		runAt:        schedule.Next(time.Now().In(s.location)),
		cronSchedule: schedule,
	})
}

func (s *scheduler) add(entry *scheduled) error {
	if entry.id == "" {
		return fmt.Errorf("scheduler: entry ID cannot be empty")
	}
	if entry.build == nil {
		return fmt.Errorf("scheduler: pipeline builder cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.id]; exists {
		return fmt.Errorf("scheduler: entry %q already exists", entry.id)
	}
	if len(s.entries) >= s.maxEntries {
		return fmt.Errorf("scheduler: maximum number of entries (%d) reached", s.maxEntries)
	}

	entry.created = time.Now()
	s.entries[entry.id] = entry
	return nil
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; !exists {
		return false
	}
	delete(s.entries, id)
	return true
}

func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*scheduled)
}

func (s *scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, Entry{
			ID:       e.id,
			RunAt:    e.runAt,
			Interval: e.interval,
			Created:  e.created,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RunAt.Before(list[j].RunAt) })
	return list
}

func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler: already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.loop(s.stop)
	return nil
}

func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	return done
}

func (s *scheduler) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.fireDue(now.In(s.location))
		}
	}
}

func (s *scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []*scheduled
	for _, e := range s.entries {
		if e.runAt.After(now) {
			continue
		}
		due = append(due, e)
		switch {
		case e.cronSchedule != nil:
			e.runAt = e.cronSchedule.Next(now)
		case e.interval > 0:
			e.runAt = now.Add(e.interval)
		default:
			delete(s.entries, e.id)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.runs.Add(1)
		go s.runPipeline(e.id, e.build)
	}
}

func (s *scheduler) runPipeline(id string, build PipelineFunc) {
	defer s.runs.Done()

	chain := build()
	if chain == nil {
		s.logger.Debug("scheduled pipeline skipped", zap.String("entry", id))
		return
	}

	if err := chain.ExecuteWithConfig(context.Background(), s.runCfg); err != nil {
		s.logger.Warn("scheduled pipeline finished with faults",
			zap.String("entry", id),
			zap.Error(err))
		return
	}
	s.logger.Debug("scheduled pipeline finished", zap.String("entry", id))
}
