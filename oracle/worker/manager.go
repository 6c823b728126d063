package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"

	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/metrics"
	"github.com/GPTx-global/oracle-dispatcher/oracle/retry"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

type Fetcher interface {
	Fetch(ctx context.Context, apiURL string, timeout time.Duration) types.FetchResult
}

type Chain interface {
	APIURL(ctx context.Context, oracle string) (string, error)
	SubmitUpdate(ctx context.Context, oracle string, payload string) (*types.PendingTx, error)
	Confirm(ctx context.Context, pending *types.PendingTx, timeout time.Duration) (*types.PublishReceipt, error)
}

type Config struct {
	Workers         int
	QueueSize       int
	Retry           retry.Config
	FetchTimeout    time.Duration
	ConfirmTimeout  time.Duration
	APIURLCacheSize int
}

func NewConfig(d config.DispatcherConfig) Config {
	return Config{
		Workers:   d.Workers,
		QueueSize: d.QueueSize,
		Retry: retry.Config{
			MaxAttempts: d.MaxAttempts,
			BaseDelay:   d.BaseDelay,
			MaxDelay:    d.MaxDelay,
			Multiplier:  d.Multiplier,
		},
		FetchTimeout:    d.FetchTimeout,
		ConfirmTimeout:  d.ConfirmTimeout,
		APIURLCacheSize: d.APIURLCacheSize,
	}
}

// slot is the in-flight marker for one oracle. It exists in the arena from
// enqueue until the job reaches a terminal state.
type slot struct {
	mu     sync.Mutex
	job    types.UpdateJob
	apiURL string
	waiter chan types.JobResult
}

func (s *slot) snapshot() types.UpdateJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

func (s *slot) advance(state types.JobState, attempt int) {
	s.mu.Lock()
	s.job.State = state
	if attempt > 0 {
		s.job.Attempt = attempt
	}
	s.mu.Unlock()
}

// JobManager runs update jobs on a fixed worker pool and enforces at most one
// non-terminal job per oracle address.
type JobManager struct {
	cfg     Config
	fetcher Fetcher
	chain   Chain
	apiURLs *lru.Cache

	slots    cmap.ConcurrentMap[string, *slot]
	jobQueue chan *slot
	results  chan types.JobResult
	gaugeMu  sync.Mutex

	intakeLock sync.RWMutex
	stopping   bool
	quit       chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc
	wg         sync.WaitGroup
}

func NewJobManager(cfg Config, fetcher Fetcher, chain Chain) (*JobManager, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.APIURLCacheSize < 1 {
		cfg.APIURLCacheSize = 1024
	}

	cache, err := lru.New(cfg.APIURLCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "api url cache")
	}

	return &JobManager{
		cfg:      cfg,
		fetcher:  fetcher,
		chain:    chain,
		apiURLs:  cache,
		slots:    cmap.New[*slot](),
		jobQueue: make(chan *slot, cfg.QueueSize),
		results:  make(chan types.JobResult, cfg.QueueSize),
		quit:     make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Cancelling ctx hard-aborts in-flight jobs.
func (jm *JobManager) Start(ctx context.Context) {
	jm.runCtx, jm.runCancel = context.WithCancel(ctx)

	for i := 0; i < jm.cfg.Workers; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	log.Infof("job manager started with %d workers, queue size %d", jm.cfg.Workers, jm.cfg.QueueSize)
}

// Stop rejects new jobs, lets in-flight jobs drain for up to grace, then
// cancels them. Jobs still queued are failed with ErrShuttingDown.
func (jm *JobManager) Stop(grace time.Duration) {
	jm.intakeLock.Lock()
	if jm.stopping {
		jm.intakeLock.Unlock()
		return
	}
	jm.stopping = true
	jm.intakeLock.Unlock()

	close(jm.quit)

	done := make(chan struct{})
	go func() {
		jm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warnf("job manager: grace period %v elapsed, aborting in-flight jobs", grace)
		if jm.runCancel != nil {
			jm.runCancel()
		}
		<-done
	}

	for {
		select {
		case s := <-jm.jobQueue:
			jm.finish(s, time.Now(), nil, types.ErrShuttingDown)
		default:
			if jm.runCancel != nil {
				jm.runCancel()
			}
			log.Infof("job manager stopped")
			return
		}
	}
}

// TryEnqueue starts a job for addr unless one is already in flight or the
// queue is full. It never blocks.
func (jm *JobManager) TryEnqueue(addr string, trigger types.Trigger) bool {
	_, err := jm.enqueue(addr, trigger, nil)
	return err == nil
}

// Run enqueues a manual job for addr and waits for its terminal result.
// If ctx ends first the job keeps running in the background.
func (jm *JobManager) Run(ctx context.Context, addr string) types.JobResult {
	waiter := make(chan types.JobResult, 1)

	job, err := jm.enqueue(addr, types.Manual, waiter)
	if err != nil {
		return types.JobResult{Job: job, Err: err}
	}

	select {
	case res := <-waiter:
		return res
	case <-ctx.Done():
		return types.JobResult{Job: job, Err: ctx.Err()}
	}
}

func (jm *JobManager) enqueue(addr string, trigger types.Trigger, waiter chan types.JobResult) (types.UpdateJob, error) {
	job := types.UpdateJob{
		ID:            uuid.NewString(),
		OracleAddress: addr,
		Attempt:       1,
		EnqueuedAt:    time.Now(),
		State:         types.Queued,
		Trigger:       trigger,
	}

	jm.intakeLock.RLock()
	defer jm.intakeLock.RUnlock()

	if jm.stopping {
		return job, types.ErrShuttingDown
	}

	s := &slot{job: job, waiter: waiter}
	if !jm.slots.SetIfAbsent(addr, s) {
		return job, types.ErrSchedulerBusy
	}

	select {
	case jm.jobQueue <- s:
		jm.reportActive()
		return job, nil
	default:
		jm.slots.Remove(addr)
		log.Warnf("job queue is full, dropping %s job for %s", trigger, addr)
		return job, errors.Wrap(types.ErrSchedulerBusy, "job queue is full")
	}
}

// reportActive publishes the current slot count; calls are serialized.
func (jm *JobManager) reportActive() {
	jm.gaugeMu.Lock()
	defer jm.gaugeMu.Unlock()
	metrics.ActiveJobs(jm.slots.Count())
}

// SeedAPIURL primes the api url cache, e.g. from registry entries.
func (jm *JobManager) SeedAPIURL(addr, apiURL string) {
	if apiURL != "" {
		jm.apiURLs.Add(addr, apiURL)
	}
}

// Active returns a snapshot of every non-terminal job, ordered by address.
func (jm *JobManager) Active() []types.UpdateJob {
	jobs := make([]types.UpdateJob, 0, jm.slots.Count())
	for item := range jm.slots.IterBuffered() {
		jobs = append(jobs, item.Val.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].OracleAddress < jobs[j].OracleAddress })
	return jobs
}

// InFlight reports whether addr currently holds a slot.
func (jm *JobManager) InFlight(addr string) bool {
	return jm.slots.Has(addr)
}

// Results streams every terminal result. Results are dropped when nobody reads.
func (jm *JobManager) Results() <-chan types.JobResult {
	return jm.results
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()

	for {
		select {
		case <-jm.quit:
			return
		case s := <-jm.jobQueue:
			select {
			case <-jm.quit:
				jm.finish(s, time.Now(), nil, types.ErrShuttingDown)
				return
			default:
			}
			jm.process(s)
		}
	}
}

func (jm *JobManager) process(s *slot) {
	start := time.Now()
	ctx := jm.runCtx
	addr := s.job.OracleAddress

	var receipt *types.PublishReceipt
	err := retry.Do(ctx, jm.cfg.Retry, func(attempt int) error {
		metrics.Attempt()
		s.advance(types.Fetching, attempt)

		apiURL, err := jm.resolveAPIURL(ctx, addr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.apiURL = apiURL
		s.mu.Unlock()

		res := jm.fetcher.Fetch(ctx, apiURL, jm.cfg.FetchTimeout)
		if !res.OK() {
			metrics.FetchFailed(res.Err.Kind)
			jm.apiURLs.Remove(addr)
			return res.Err
		}

		s.advance(types.Publishing, 0)

		pending, err := jm.chain.SubmitUpdate(ctx, addr, string(res.Payload))
		if err != nil {
			return err
		}

		r, err := jm.chain.Confirm(ctx, pending, jm.cfg.ConfirmTimeout)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, types.IsRetryable)

	if err != nil && ctx.Err() != nil {
		err = errors.WithMessage(types.ErrShuttingDown, err.Error())
	}

	jm.finish(s, start, receipt, err)
}

func (jm *JobManager) resolveAPIURL(ctx context.Context, addr string) (string, error) {
	if v, ok := jm.apiURLs.Get(addr); ok {
		return v.(string), nil
	}

	apiURL, err := jm.chain.APIURL(ctx, addr)
	if err != nil {
		return "", err
	}
	jm.apiURLs.Add(addr, apiURL)
	return apiURL, nil
}

// finish moves the job to its terminal state, releases the slot and only
// then reports the result.
func (jm *JobManager) finish(s *slot, start time.Time, receipt *types.PublishReceipt, err error) {
	state := types.Confirmed
	if err != nil || receipt == nil {
		state = types.Failed
	}

	s.mu.Lock()
	s.job.State = state
	job := s.job
	apiURL := s.apiURL
	s.mu.Unlock()

	jm.slots.Remove(job.OracleAddress)

	jm.reportActive()
	metrics.JobTerminal(state, job.Trigger)
	metrics.JobLatency(start)

	if state == types.Confirmed {
		log.Infof("job %s for %s confirmed after %d attempt(s): tx=%s", job.ID, job.OracleAddress, job.Attempt, receipt.TxHash)
	} else {
		log.Errorf("job %s for %s failed after %d attempt(s): %v", job.ID, job.OracleAddress, job.Attempt, err)
	}

	result := types.JobResult{Job: job, APIURL: apiURL, Receipt: receipt, Err: err}
	if s.waiter != nil {
		s.waiter <- result
	}
	select {
	case jm.results <- result:
	default:
	}
}
