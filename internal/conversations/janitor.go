package conversations

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the idle sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// IdleEvicter is the part of a store the janitor drives.
type IdleEvicter interface {
	EvictIdle(ttl time.Duration) int
}

// Janitor periodically evicts conversations that have been idle past a TTL.
type Janitor struct {
	store    IdleEvicter
	ttl      time.Duration
	schedule string
	logger   *slog.Logger
	onSweep  func(removed int)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor validates the schedule and returns a stopped janitor.
func NewJanitor(store IdleEvicter, ttl time.Duration, schedule string, logger *slog.Logger) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("janitor: store is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("janitor: idle ttl must be positive")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger.With("component", "conversations.janitor"),
	}, nil
}

// OnSweep registers a callback invoked after every sweep.
func (j *Janitor) OnSweep(fn func(removed int)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onSweep = fn
}

// Start schedules the sweep. It is a no-op if already running.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(j.schedule, j.Sweep); err != nil {
		return fmt.Errorf("janitor: schedule sweep: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true
	j.logger.Info("idle sweep started", "schedule", j.schedule, "ttl", j.ttl)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one eviction pass.
func (j *Janitor) Sweep() {
	removed := j.store.EvictIdle(j.ttl)
	if removed > 0 {
		j.logger.Info("idle conversations evicted", "count", removed)
	}
	j.mu.Lock()
	fn := j.onSweep
	j.mu.Unlock()
	if fn != nil {
		fn(removed)
	}
}
