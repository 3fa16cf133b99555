package sync

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/David6811/verifyLocalFirst-sub001/internal/logger"
)

// Scheduler triggers periodic full sync runs on a cron schedule, in
// addition to the debounce-driven path. Useful for backends without a
// change feed, where pulls must happen even when nothing changed locally.
type Scheduler struct {
	schedule string
	engine   *Engine
	cron     *cron.Cron
	entryID  cron.EntryID
}

// NewScheduler creates a scheduler for the engine. schedule is a cron
// expression; an empty schedule produces a scheduler that never fires.
func NewScheduler(schedule string, engine *Engine) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		engine:   engine,
		cron:     cron.New(),
	}
}

// Start begins periodic triggering. Does nothing when no schedule is set.
func (s *Scheduler) Start() {
	if s.schedule == "" {
		logger.Log.Info("Periodic sync scheduler disabled")
		return
	}

	logger.Log.Info("Starting periodic sync scheduler", zap.String("schedule", s.schedule))

	id, err := s.cron.AddFunc(s.schedule, s.trigger)
	if err != nil {
		logger.Log.Error("Failed to schedule periodic sync", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

// Stop cancels future firings. An in-flight run is unaffected.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped periodic sync scheduler")
}

func (s *Scheduler) trigger() {
	st := s.engine.Status()
	if st.IsRunning {
		logger.Log.Debug("Sync already running, skipping scheduled run")
		return
	}
	if err := s.engine.TriggerSync(); err != nil {
		logger.Log.Error("Failed to start scheduled sync", zap.Error(err))
	}
}
