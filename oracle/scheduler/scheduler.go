package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/metrics"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

type Registry interface {
	List(class string) []string
}

type Enqueuer interface {
	TryEnqueue(addr string, trigger types.Trigger) bool
}

type classStats struct {
	ticks    atomic.Uint64
	skipped  atomic.Uint64
	lastTick atomic.Int64 // unix nanos, 0 before the first tick
}

// firstDelay keeps the class phase across rearms: a class that has never
// ticked is due now, otherwise it is due one interval after its last tick.
func (st *classStats) firstDelay(interval time.Duration) time.Duration {
	last := st.lastTick.Load()
	if last == 0 {
		return 0
	}
	delay := interval - time.Since(time.Unix(0, last))
	if delay < 0 {
		return 0
	}
	return delay
}

type timer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler keeps exactly one live ticker per cadence class. Each tick tries
// to enqueue every oracle of the class; oracles whose previous job is still
// running are skipped and counted.
type Scheduler struct {
	registry Registry
	jobs     Enqueuer
	classes  map[string]types.CadenceClass
	stats    map[string]*classStats

	mu      sync.Mutex
	base    context.Context
	timers  map[string]*timer
	stopped bool
	running atomic.Int32
}

func New(registry Registry, jobs Enqueuer, classes []types.CadenceClass) *Scheduler {
	s := &Scheduler{
		registry: registry,
		jobs:     jobs,
		classes:  make(map[string]types.CadenceClass, len(classes)),
		stats:    make(map[string]*classStats, len(classes)),
		base:     context.Background(),
		timers:   make(map[string]*timer),
	}
	for _, c := range classes {
		name := types.NormalizeLabel(c.Name)
		c.Name = name
		s.classes[name] = c
		s.stats[name] = new(classStats)
	}
	return s
}

// Start arms every class. Timers stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	return s.Rearm()
}

// Rearm replaces the timer of every class.
func (s *Scheduler) Rearm() error {
	for _, name := range s.Classes() {
		if err := s.Arm(name); err != nil {
			return err
		}
	}
	return nil
}

// Arm cancels the live timer of class, if any, waits for it to exit and
// starts a fresh one. The first arm of a class ticks immediately; later arms
// keep the class phase, so rearming never makes oracles due early.
func (s *Scheduler) Arm(class string) error {
	name := types.NormalizeLabel(class)
	cc, ok := s.classes[name]
	if !ok {
		return errors.Errorf("unknown cadence class %q", class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return types.ErrShuttingDown
	}

	if old, ok := s.timers[name]; ok {
		old.cancel()
		<-old.done
		delete(s.timers, name)
	}

	ctx, cancel := context.WithCancel(s.base)
	t := &timer{cancel: cancel, done: make(chan struct{})}
	s.timers[name] = t

	s.running.Add(1)
	go s.run(ctx, cc, s.stats[name].firstDelay(cc.Interval), t.done)

	log.Debugf("scheduler: armed %s every %v", name, cc.Interval)
	return nil
}

// Stop cancels every timer and waits for them to exit. In-flight jobs are
// not touched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for name, t := range s.timers {
		t.cancel()
		<-t.done
		delete(s.timers, name)
	}
	log.Infof("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, class types.CadenceClass, first time.Duration, done chan struct{}) {
	defer close(done)
	defer s.running.Add(-1)

	if first > 0 {
		wait := time.NewTimer(first)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}
	}

	ticker := time.NewTicker(class.Interval)
	defer ticker.Stop()

	s.tick(class.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(class.Name)
		}
	}
}

func (s *Scheduler) tick(class string) {
	stats := s.stats[class]
	stats.ticks.Add(1)
	stats.lastTick.Store(time.Now().UnixNano())
	metrics.Tick(class)

	enqueued, skipped := 0, 0
	for _, addr := range s.registry.List(class) {
		if s.jobs.TryEnqueue(addr, types.Scheduled) {
			enqueued++
			continue
		}
		skipped++
		stats.skipped.Add(1)
		metrics.SkippedTick(class)
	}

	if skipped > 0 {
		log.Debugf("scheduler: %s tick enqueued %d, skipped %d busy", class, enqueued, skipped)
	}
}

// ActiveTimers is the number of live ticker goroutines.
func (s *Scheduler) ActiveTimers() int {
	return int(s.running.Load())
}

func (s *Scheduler) Classes() []string {
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) Ticks(class string) uint64 {
	if st, ok := s.stats[types.NormalizeLabel(class)]; ok {
		return st.ticks.Load()
	}
	return 0
}

func (s *Scheduler) Skipped(class string) uint64 {
	if st, ok := s.stats[types.NormalizeLabel(class)]; ok {
		return st.skipped.Load()
	}
	return 0
}
