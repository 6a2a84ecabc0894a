// Package dispatch ties the registry, strategies, prober, alert engine, and
// budget ledger together behind one façade and owns the periodic monitor
// loop that keeps them current.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"agentpool/pkg/alert"
	"agentpool/pkg/config"
	"agentpool/pkg/events"
	"agentpool/pkg/limiter"
	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/persistence"
	"agentpool/pkg/pool"
	"agentpool/pkg/probe"
	"agentpool/pkg/strategy"
)

// Options carries the injectable collaborators. The zero value works: nop
// recorder, no persistence, no notifiers, time-seeded randomness.
type Options struct {
	Recorder  metrics.Recorder   // telemetry sink, Nop when nil
	Persist   *persistence.Store // nil disables persistence
	Notifiers []alert.Notifier   // alert delivery channels
	Rules     []alert.Rule       // nil installs the config-tuned defaults
	Rand      *rand.Rand         // selection randomness, time-seeded when nil
}

// Dispatcher is the façade callers talk to. It owns every subsystem it
// wires together and the single monitor goroutine driving them.
type Dispatcher struct {
	registry *pool.Registry
	store    *metrics.Store
	alerts   *alert.Engine
	prober   *probe.Prober
	budget   *limiter.Limiter
	persist  *persistence.Store
	bus      *events.Bus
	recorder metrics.Recorder
	logger   *logx.Logger

	interval   time.Duration
	retention  time.Duration
	maxRetries int
	rng        *rand.Rand

	mu        sync.RWMutex
	strat     strategy.Strategy
	running   bool
	budgetRes map[string][]string // instance ID -> pending budget reservations, oldest first

	shutdown chan struct{}
	wg       sync.WaitGroup
	inTick   atomic.Bool
}

// New builds a dispatcher from config. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Dispatcher, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}
	logger := logx.NewLogger("dispatcher")

	registry := pool.NewRegistry(cfg.CircuitConfig())
	store := metrics.NewStore()
	bus := events.NewBus()

	rules := opts.Rules
	if rules == nil {
		rules = cfg.AlertRules()
	}
	engine, err := alert.NewEngine(registry, store, bus, recorder, rules, logx.NewLogger("alerts"))
	if err != nil {
		return nil, fmt.Errorf("failed to build alert engine: %w", err)
	}
	for _, n := range opts.Notifiers {
		engine.AddNotifier(n)
	}

	prober := probe.New(registry, store, bus, recorder, probe.Config{
		Timeout:           time.Duration(cfg.ProbeTimeout),
		FailoverThreshold: cfg.FailoverThreshold,
	}, logx.NewLogger("prober"))

	return &Dispatcher{
		registry:   registry,
		store:      store,
		alerts:     engine,
		prober:     prober,
		budget:     limiter.New(cfg.Budgets),
		persist:    opts.Persist,
		bus:        bus,
		recorder:   recorder,
		logger:     logger,
		interval:   time.Duration(cfg.HealthInterval),
		retention:  time.Duration(cfg.Retention),
		maxRetries: cfg.MaxRetries,
		rng:        opts.Rand,
		strat:      strategy.New(cfg.Strategy, opts.Rand, logger),
		budgetRes:  make(map[string][]string),
		shutdown:   make(chan struct{}),
	}, nil
}

// Start launches the monitor goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("starting dispatcher (health interval %v, retention %v)", d.interval, d.retention)

	d.wg.Add(1)
	go d.monitor(ctx)
	return nil
}

// Stop shuts the monitor down, then closes the budget ledger and the
// persistence store. Waits until the deadline on ctx for in-flight work.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher")
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
		err = ctx.Err()
	}

	d.budget.Close()
	if d.persist != nil {
		if closeErr := d.persist.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (d *Dispatcher) monitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("monitor stopped by context")
			return
		case <-d.shutdown:
			d.logger.Info("monitor stopped by shutdown signal")
			return
		case <-ticker.C:
			d.runTick(ctx)
		}
	}
}

// runTick performs one monitor pass: probe fan-out, alert evaluation, and
// retention cleanup. A tick that would overlap a still-running one is
// skipped and counted.
func (d *Dispatcher) runTick(ctx context.Context) {
	if !d.inTick.CompareAndSwap(false, true) {
		d.recorder.IncTickSkipped()
		d.logger.Warn("previous monitor tick still running, skipping this interval")
		return
	}
	defer d.inTick.Store(false)

	d.prober.ProbeAll(ctx)
	d.alerts.Evaluate(ctx)

	cutoff := time.Now().Add(-d.retention)
	if dropped := d.store.Cleanup(cutoff); dropped > 0 {
		d.logger.Debug("pruned %d metric points older than %v", dropped, d.retention)
	}
	if purged := d.alerts.PurgeResolved(cutoff); purged > 0 {
		d.logger.Debug("purged %d resolved alerts", purged)
	}

	d.updatePoolGauges()
}

func (d *Dispatcher) updatePoolGauges() {
	for agentType, counts := range d.registry.StatusCounts() {
		for status, n := range counts {
			d.recorder.SetPoolGauge(agentType, string(status), n)
		}
	}
}

func (d *Dispatcher) syncCircuitGauge(instanceID string) {
	if br, err := d.registry.Breaker(instanceID); err == nil {
		d.recorder.SetCircuitState(instanceID, int(br.GetState()))
	}
}

// RegisterProbeTransport installs or replaces the transport probes use for
// the given kind, e.g. an OpenAI transport carrying an API key.
func (d *Dispatcher) RegisterProbeTransport(kind string, t probe.Transport) {
	d.prober.RegisterTransport(kind, t)
}

// Attach subscribes a lifecycle listener under a name.
func (d *Dispatcher) Attach(name string, l events.Listener) {
	d.bus.Attach(name, l)
}

// Detach removes a lifecycle listener.
func (d *Dispatcher) Detach(name string) {
	d.bus.Detach(name)
}

// SetStrategy swaps the selection strategy at runtime.
func (d *Dispatcher) SetStrategy(name string) error {
	if !strategy.Valid(name) {
		return fmt.Errorf("unknown strategy %q (known: %v)", name, strategy.Names())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.strat = strategy.New(name, d.rng, d.logger)
	d.logger.Info("selection strategy set to %s", name)
	return nil
}

// Strategy returns the active strategy name.
func (d *Dispatcher) Strategy() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.strat.Name()
}

// Stats is the operational snapshot served by the status endpoint.
type Stats struct {
	Running      bool                      `json:"running"`
	Strategy     string                    `json:"strategy"`
	Instances    int                       `json:"instances"`
	AgentTypes   []string                  `json:"agent_types"`
	StatusCounts map[string]map[string]int `json:"status_counts"`
	ActiveAlerts int                       `json:"active_alerts"`
	SpentCents   map[string]int64          `json:"spent_cents"`
}

// GetStats summarizes the pool for operators.
func (d *Dispatcher) GetStats() Stats {
	d.mu.RLock()
	running := d.running
	stratName := d.strat.Name()
	d.mu.RUnlock()

	counts := make(map[string]map[string]int)
	for agentType, byStatus := range d.registry.StatusCounts() {
		counts[agentType] = make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			counts[agentType][string(status)] = n
		}
	}

	agentTypes := d.registry.AgentTypes()
	spent := make(map[string]int64, len(agentTypes))
	for _, agentType := range agentTypes {
		spent[agentType] = d.budget.Spent(agentType)
	}

	return Stats{
		Running:      running,
		Strategy:     stratName,
		Instances:    d.registry.Size(),
		AgentTypes:   agentTypes,
		StatusCounts: counts,
		ActiveAlerts: len(d.alerts.ActiveAlerts()),
		SpentCents:   spent,
	}
}
