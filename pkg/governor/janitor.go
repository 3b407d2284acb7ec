package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultJanitorSchedule runs cleanup once a minute.
const DefaultJanitorSchedule = "@every 1m"

// Task is one cleanup step. Run receives the retention and returns how many
// items it evicted.
type Task struct {
	Name string
	Run  func(retention time.Duration) int
}

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	// Schedule is a cron spec; descriptors like "@every 1m" are accepted.
	Schedule  string
	Retention time.Duration
	Logger    zerolog.Logger
}

// Janitor runs cleanup tasks on a cron schedule.
type Janitor struct {
	cron      *cron.Cron
	retention time.Duration
	logger    zerolog.Logger

	mu    sync.Mutex
	tasks []Task
}

// NewJanitor creates a janitor. It does not run until Start.
func NewJanitor(cfg JanitorConfig, tasks ...Task) (*Janitor, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("janitor retention must be positive, got %s", cfg.Retention)
	}

	j := &Janitor{
		cron:      cron.New(),
		retention: cfg.Retention,
		logger:    cfg.Logger,
		tasks:     tasks,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// CleanupTask returns the task evicting terminal executions from g.
func (g *Governor) CleanupTask() Task {
	return Task{Name: "executions", Run: g.Cleanup}
}

// Add appends a task.
func (j *Janitor) Add(task Task) {
	j.mu.Lock()
	j.tasks = append(j.tasks, task)
	j.mu.Unlock()
}

// RunOnce runs every task now and returns the evicted count per task.
func (j *Janitor) RunOnce() map[string]int {
	j.mu.Lock()
	tasks := append([]Task(nil), j.tasks...)
	j.mu.Unlock()

	out := make(map[string]int, len(tasks))
	for _, task := range tasks {
		n := task.Run(j.retention)
		out[task.Name] = n
		if n > 0 {
			j.logger.Debug().Str("task", task.Name).Int("evicted", n).Msg("Janitor evicted entries")
		}
	}
	return out
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish or ctx to
// be done.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
