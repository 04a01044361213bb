package tooltracker

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultCleanupSchedule runs the sweep every ten minutes.
const DefaultCleanupSchedule = "@every 10m"

// Janitor periodically sweeps terminal records from one or more
// trackers on a cron schedule.
type Janitor struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu       sync.Mutex
	trackers []*Tracker
	source   func() []*Tracker
}

// NewJanitor creates a janitor with the given schedule spec. An empty
// spec uses DefaultCleanupSchedule.
func NewJanitor(logger zerolog.Logger, spec string) (*Janitor, error) {
	if spec == "" {
		spec = DefaultCleanupSchedule
	}

	j := &Janitor{
		cron:   cron.New(),
		logger: logger,
	}

	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return j, nil
}

// Track registers a tracker for sweeping. Trackers belonging to closed
// connections should be removed with Untrack.
func (j *Janitor) Track(t *Tracker) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trackers = append(j.trackers, t)
}

// Untrack removes a tracker from the sweep set.
func (j *Janitor) Untrack(t *Tracker) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, existing := range j.trackers {
		if existing == t {
			j.trackers = append(j.trackers[:i], j.trackers[i+1:]...)
			return
		}
	}
}

// TrackSource registers a function that yields the current tracker set
// on each sweep. Use this when trackers are created and destroyed with
// connections and explicit Track/Untrack bookkeeping is impractical.
func (j *Janitor) TrackSource(fn func() []*Tracker) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.source = fn
}

// Start begins scheduled sweeps.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().Msg("Tool record janitor started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info().Msg("Tool record janitor stopped")
}

func (j *Janitor) sweep() {
	j.mu.Lock()
	trackers := make([]*Tracker, len(j.trackers))
	copy(trackers, j.trackers)
	source := j.source
	j.mu.Unlock()

	if source != nil {
		trackers = append(trackers, source()...)
	}

	total := 0
	for _, t := range trackers {
		total += t.Cleanup()
	}

	if total > 0 {
		j.logger.Info().Int("removed", total).Msg("Janitor sweep complete")
	}
}
