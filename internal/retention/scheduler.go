package retention

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	cron "github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

// Job is work the scheduler runs
type Job interface {
	Run()
}

var schedules = map[string]string{
	"hourly":  "@hourly",
	"daily":   "@daily",
	"weekly":  "@weekly",
	"monthly": "@monthly",
}

// CronSpec maps a cleanup schedule name to a cron spec. "never" maps to ""
func CronSpec(schedule string) (string, error) {
	if schedule == "never" {
		return "", nil
	}
	spec, ok := schedules[schedule]
	if !ok {
		return "", fmt.Errorf("unknown cleanup schedule %q", schedule)
	}
	return spec, nil
}

// Scheduler runs jobs on a cron schedule. A job still running when its
// next tick fires is not started again.
type Scheduler struct {
	cron    *cron.Cron
	running mapset.Set[Job]
	mu      sync.Mutex
}

// NewScheduler creates a scheduler running job on the named schedule. It
// returns nil for "never".
func NewScheduler(schedule string, jobs ...Job) (*Scheduler, error) {
	spec, err := CronSpec(schedule)
	if err != nil {
		return nil, err
	}
	if spec == "" {
		return nil, nil
	}

	s := &Scheduler{cron: cron.New(), running: mapset.NewSet[Job]()}
	for _, job := range jobs {
		if err := s.cron.AddFunc(spec, func() { s.run(job) }); err != nil {
			return nil, fmt.Errorf("add job to cron: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	if s.running.Contains(job) {
		s.mu.Unlock()
		logrus.Warn("Retention job is still running, skipping tick")
		return
	}
	s.running.Add(job)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.running.Remove(job)
	}()

	job.Run()
}

// Start runs the cron in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts future ticks
func (s *Scheduler) Stop() {
	logrus.Info("Stopping retention scheduler")
	s.cron.Stop()
}
