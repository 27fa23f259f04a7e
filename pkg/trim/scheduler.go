package trim

import (
	"sync"
	"time"
	"weak"

	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/validation"
)

// Trimmable is implemented by pools. Trim reports false once the pool is
// finalized and should no longer be scheduled.
type Trimmable interface {
	Trim() bool
}

const (
	// DefaultWatchInterval is how often the scheduler samples memory pressure.
	DefaultWatchInterval = time.Second

	minTick = 10 * time.Millisecond
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Monitor       pressure.Monitor
	WatchInterval time.Duration
	Logger        logging.Logger
}

type entry struct {
	name      string
	period    time.Duration
	threshold float64
	trim      func() bool
}

// Scheduler calls Trim on registered pools from a single background loop
// that ticks at a quarter of the shortest registered period. A second loop
// watches memory pressure and trims every pool at once when it turns high.
//
// Pools are held weakly and dropped once collected or finalized.
type Scheduler struct {
	monitor       pressure.Monitor
	watchInterval time.Duration
	logger        logging.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64

	wake      chan struct{}
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler. Its loops start on the first Register.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Monitor == nil {
		cfg.Monitor = pressure.Default()
	}
	cfg.WatchInterval = validation.DefaultOrDuration(cfg.WatchInterval, DefaultWatchInterval)
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	return &Scheduler{
		monitor:       cfg.Monitor,
		watchInterval: cfg.WatchInterval,
		logger:        cfg.Logger.With(logging.Component("trim")),
		entries:       make(map[uint64]*entry),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

var (
	defaultScheduler     *Scheduler
	defaultSchedulerOnce sync.Once
)

// Default returns the process-wide scheduler.
func Default() *Scheduler {
	defaultSchedulerOnce.Do(func() {
		defaultScheduler = NewScheduler(SchedulerConfig{})
	})
	return defaultScheduler
}

// Register schedules pool for trimming with the given settings and returns
// a function that unregisters it. Registering with disabled settings is a
// no-op.
func Register[T any, P interface {
	*T
	Trimmable
}](s *Scheduler, pool P, settings Settings, name string) (cancel func()) {
	if !settings.Enabled() {
		return func() {}
	}
	w := weak.Make((*T)(pool))
	trim := func() bool {
		p := w.Value()
		if p == nil {
			return false
		}
		return P(p).Trim()
	}
	return s.add(&entry{
		name:      name,
		period:    settings.Period,
		threshold: settings.HighPressureThreshold,
		trim:      trim,
	})
}

func (s *Scheduler) add(e *entry) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.entries[id] = e
	s.mu.Unlock()

	s.startOnce.Do(s.start)
	select {
	case s.wake <- struct{}{}:
	default:
	}

	return func() {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
	}
}

// Len returns the number of registered pools.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TrimAll calls Trim on every registered pool, dropping pools that are gone
// or finalized, and returns how many remain.
func (s *Scheduler) TrimAll() int {
	s.mu.Lock()
	snapshot := make(map[uint64]*entry, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e
	}
	s.mu.Unlock()

	var dead []uint64
	for id, e := range snapshot {
		if !e.trim() {
			dead = append(dead, id)
		}
	}

	s.mu.Lock()
	for _, id := range dead {
		delete(s.entries, id)
	}
	live := len(s.entries)
	s.mu.Unlock()

	if len(dead) > 0 {
		s.logger.Debug("dropped pools from trim schedule", logging.Count(len(dead)))
	}
	return live
}

// tick returns the tick interval: a quarter of the shortest period.
func (s *Scheduler) tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var shortest time.Duration
	for _, e := range s.entries {
		if shortest == 0 || e.period < shortest {
			shortest = e.period
		}
	}
	if shortest == 0 {
		shortest = DefaultSettings().Period
	}
	return max(shortest/4, minTick)
}

// threshold returns the lowest high-pressure threshold among registered
// pools, or 0 when none are registered.
func (s *Scheduler) threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := 0.0
	for _, e := range s.entries {
		if t == 0 || e.threshold < t {
			t = e.threshold
		}
	}
	return t
}

func (s *Scheduler) start() {
	s.wg.Add(2)
	go s.trimLoop()
	go s.watchLoop()
}

func (s *Scheduler) trimLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.tick())
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			timer.Reset(s.tick())
		case <-timer.C:
			s.TrimAll()
			timer.Reset(s.tick())
		}
	}
}

func (s *Scheduler) watchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			threshold := s.threshold()
			if threshold == 0 {
				continue
			}
			sample := s.monitor.Sample()
			if sample.Level(threshold) != pressure.High {
				continue
			}
			s.logger.Info("high memory pressure, trimming all pools",
				logging.Pressure(pressure.High.String()),
				logging.Float64("ratio", sample.Ratio()))
			s.TrimAll()
		}
	}
}

// Stop halts the background loops and waits for them to exit. Registered
// pools are kept but no longer trimmed automatically.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}
