package daemon

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/oracle-dispatcher/oracle/chain"
	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
	"github.com/GPTx-global/oracle-dispatcher/oracle/fetcher"
	"github.com/GPTx-global/oracle-dispatcher/oracle/health"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/registry"
	"github.com/GPTx-global/oracle-dispatcher/oracle/scheduler"
	"github.com/GPTx-global/oracle-dispatcher/oracle/server"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
	"github.com/GPTx-global/oracle-dispatcher/oracle/worker"
)

const healthInterval = 30 * time.Second

type Daemon struct {
	cfg   *config.Config
	table *types.CadenceTable

	chain     *chain.Client
	registry  *registry.Registry
	jobs      *worker.JobManager
	scheduler *scheduler.Scheduler
	health    *health.HealthChecker
	server    *server.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New loads the signing key, dials the chain and wires every component.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	key, err := chain.LoadKey(cfg.Key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load signing key")
	}

	backend, err := chain.Dial(ctx, cfg.Chain.Endpoint)
	if err != nil {
		return nil, err
	}

	return NewWithBackend(ctx, cfg, backend, key)
}

func NewWithBackend(ctx context.Context, cfg *config.Config, backend chain.Backend, key *ecdsa.PrivateKey) (*Daemon, error) {
	table, err := cfg.CadenceTable()
	if err != nil {
		return nil, err
	}

	chainCfg := chain.Config{
		GasLimit:           cfg.Chain.GasLimit,
		GasPriceMultiplier: cfg.Chain.GasPriceMultiplier,
		CallTimeout:        cfg.Dispatcher.ChainTimeout,
	}
	if cfg.Chain.ChainID > 0 {
		chainCfg.ChainID = big.NewInt(cfg.Chain.ChainID)
	}
	client, err := chain.NewClient(ctx, backend, key, chainCfg)
	if err != nil {
		return nil, err
	}

	var source registry.Source
	if cfg.Registry.File != "" {
		source = &registry.FileSource{Path: cfg.Registry.File}
	} else {
		source = registry.NewHTTPSource(cfg.Registry.URL, cfg.Registry.RefreshTimeout)
	}
	reg := registry.New(source, table)

	jobs, err := worker.NewJobManager(worker.NewConfig(cfg.Dispatcher), fetcher.New(cfg.Dispatcher.FetchRateLimit), client)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		table:     table,
		chain:     client,
		registry:  reg,
		jobs:      jobs,
		scheduler: scheduler.New(reg, jobs, table.Classes()),
		health:    health.NewHealthChecker(healthInterval, cfg.Dispatcher.ChainTimeout),
	}

	d.health.AddCheck(health.NewCheck("chain", client.Ping))
	d.health.AddCheck(health.NewCheck("registry", func(context.Context) error {
		return reg.LastError()
	}))
	d.server = server.New(cfg.Server, d)

	return d, nil
}

// StartWorkers starts only the job runner, enough for one-shot triggers.
func (d *Daemon) StartWorkers() {
	d.jobs.Start(context.Background())
}

// Start runs the full dispatcher: registry load, workers, per-class timers,
// health checks and the http api.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.server.Listen(); err != nil {
		return err
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.StartWorkers()

	if err := d.Refresh(ctx); err != nil {
		log.Errorf("initial registry load failed, timers will tick on an empty registry until the next scan: %v", err)
	}

	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}

	d.group, ctx = errgroup.WithContext(ctx)
	d.group.Go(func() error {
		d.health.Start(ctx)
		return nil
	})
	d.group.Go(d.server.Serve)
	d.group.Go(func() error {
		d.watchResults(ctx)
		return nil
	})

	log.Infof("oracle dispatcher started: %d oracles, api on %s", len(d.registry.All()), d.server.Addr())
	return nil
}

// Wait blocks until a background component fails or the daemon is stopped.
func (d *Daemon) Wait() error {
	if d.group == nil {
		return nil
	}
	return d.group.Wait()
}

// Stop halts the timers, closes the http api and drains the job runner.
func (d *Daemon) Stop() {
	d.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}

	d.jobs.Stop(d.cfg.Dispatcher.ShutdownGrace)

	if d.cancel != nil {
		d.cancel()
	}
	if err := d.Wait(); err != nil {
		log.Errorf("daemon stopped with error: %v", err)
	}
	log.Sync()
}

// Refresh reloads the registry and seeds the api url cache from it.
func (d *Daemon) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Registry.RefreshTimeout)
	defer cancel()

	if err := d.registry.Refresh(ctx); err != nil {
		return err
	}
	for _, reg := range d.registry.All() {
		d.jobs.SeedAPIURL(reg.Address, reg.APIURL)
	}
	return nil
}

// Scan reloads the registry and replaces every class timer. Calling it
// repeatedly never leaves more than one timer per class.
func (d *Daemon) Scan(ctx context.Context) (map[string]int, error) {
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	if err := d.scheduler.Rearm(); err != nil {
		return nil, err
	}
	return d.registry.Counts(), nil
}

// Classification lists the registered oracles of every class.
func (d *Daemon) Classification() map[string][]string {
	out := make(map[string][]string)
	for _, name := range d.table.Names() {
		out[name] = d.registry.List(name)
	}
	return out
}

func (d *Daemon) Trigger(ctx context.Context, addr string) types.JobResult {
	return d.jobs.Run(ctx, addr)
}

func (d *Daemon) Info(ctx context.Context, addr string) (*types.OracleInfo, error) {
	return d.chain.Info(ctx, addr)
}

func (d *Daemon) Status() server.Status {
	active := d.jobs.Active()
	jobs := make([]server.JobStatus, 0, len(active))
	for _, job := range active {
		jobs = append(jobs, server.NewJobStatus(job))
	}

	counts := d.registry.Counts()
	classes := make(map[string]server.ClassStatus)
	for _, c := range d.table.Classes() {
		classes[c.Name] = server.ClassStatus{
			Interval: c.Interval.String(),
			Oracles:  counts[c.Name],
			Ticks:    d.scheduler.Ticks(c.Name),
			Skipped:  d.scheduler.Skipped(c.Name),
		}
	}

	st := server.Status{
		ActiveTimers: d.scheduler.ActiveTimers(),
		ActiveJobs:   jobs,
		Classes:      classes,
		LastRefresh:  d.registry.LastRefresh(),
	}
	if err := d.registry.LastError(); err != nil {
		st.RegistryErr = err.Error()
	}
	return st
}

func (d *Daemon) Health() (bool, map[string]health.HealthStatus) {
	return d.health.IsHealthy(), d.health.GetStatus()
}

// Addr is the bound http address.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

func (d *Daemon) watchResults(ctx context.Context) {
	failed := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-d.jobs.Results():
			addr := res.Job.OracleAddress
			if res.Success() {
				delete(failed, addr)
				continue
			}
			failed[addr]++
			if failed[addr]%10 == 0 {
				log.Warnf("oracle %s has failed %d consecutive updates", addr, failed[addr])
			}
		}
	}
}

// Oracles returns every registration, ordered by address.
func (d *Daemon) Oracles() []types.OracleRegistration {
	return d.registry.All()
}
