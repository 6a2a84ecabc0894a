package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentpool/pkg/events"
	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/pool"
)

// Defaults applied when Config fields are zero.
const (
	DefaultTimeout           = 5 * time.Second
	DefaultFailoverThreshold = 3
)

// Config tunes the prober.
type Config struct {
	// Timeout is the per-probe deadline. A probe that outlives it counts
	// as failed.
	Timeout time.Duration
	// FailoverThreshold is the consecutive-failure count at which an
	// instance is taken offline.
	FailoverThreshold int
}

// Prober drives the per-instance health checks. It writes snapshots into
// the registry, appends probe readings to the metrics store, and publishes
// lifecycle events; it never touches circuit breakers, which are driven by
// execution outcomes alone.
type Prober struct {
	registry *pool.Registry
	store    *metrics.Store
	bus      *events.Bus
	recorder metrics.Recorder
	logger   *logx.Logger

	timeout           time.Duration
	failoverThreshold int

	mu         sync.RWMutex
	transports map[string]Transport
}

// New creates a prober with the default transports installed. Use
// RegisterTransport to replace them, e.g. to add an API key or a shared
// HTTP client.
func New(registry *pool.Registry, store *metrics.Store, bus *events.Bus, recorder metrics.Recorder, cfg Config, logger *logx.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = DefaultFailoverThreshold
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if logger == nil {
		logger = logx.NewLogger("prober")
	}
	return &Prober{
		registry:          registry,
		store:             store,
		bus:               bus,
		recorder:          recorder,
		logger:            logger,
		timeout:           cfg.Timeout,
		failoverThreshold: cfg.FailoverThreshold,
		transports: map[string]Transport{
			pool.ProbeHTTP:   NewHTTPTransport(nil),
			pool.ProbeOllama: NewOllamaTransport(nil),
			pool.ProbeOpenAI: NewOpenAITransport(""),
		},
	}
}

// RegisterTransport installs or replaces the transport for a probe kind.
func (p *Prober) RegisterTransport(kind string, t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[kind] = t
}

func (p *Prober) transport(kind string) Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.transports[kind]; ok {
		return t
	}
	return p.transports[pool.ProbeHTTP]
}

// ProbeAll checks every registered instance concurrently and waits for the
// whole batch. Each probe carries its own deadline, so the batch finishes
// within roughly one timeout regardless of how many workers hang.
func (p *Prober) ProbeAll(ctx context.Context) {
	instances := p.registry.All()
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *pool.Instance) {
			defer wg.Done()
			p.probeOne(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, inst *pool.Instance) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	report, err := p.transport(inst.ProbeKind()).Check(cctx, inst.Endpoint())
	p.recorder.ObserveProbe(inst.AgentType(), inst.ID(), err == nil, time.Since(start))

	if err != nil {
		p.handleFailure(inst, err)
		return
	}

	inst.SetHealth(pool.HealthSnapshot{
		Status:            pool.ParseStatus(report.Status),
		ResponseTimeMs:    report.ResponseTimeMs,
		ErrorRate:         report.ErrorRate24h,
		AvailableCapacity: report.AvailableCapacity,
		QueueLength:       report.QueueLength,
		ReportedLoad:      report.CurrentLoad,
		Notes:             report.Alerts,
		CheckedAt:         time.Now(),
	})

	tags := map[string]string{"instance_id": inst.ID(), "source": "probe"}
	p.store.Record(inst.AgentType(), metrics.MetricResponseTime, report.ResponseTimeMs, tags)
	p.store.Record(inst.AgentType(), metrics.MetricQueueLength, float64(report.QueueLength), tags)

	p.logger.Debug("probe ok: %s status=%s rt=%.1fms load=%d", inst.ID(), report.Status, report.ResponseTimeMs, report.CurrentLoad)
	p.bus.Publish(events.New(events.TypeHealthCheckCompleted, inst.AgentType(), inst.ID(), map[string]any{
		"status":           report.Status,
		"response_time_ms": report.ResponseTimeMs,
	}))
}

func (p *Prober) handleFailure(inst *pool.Instance, probeErr error) {
	failures := inst.MarkProbeFailed(fmt.Sprintf("critical: health check failed: %v", probeErr))

	p.logger.Warn("probe failed: %s (%d consecutive): %v", inst.ID(), failures, probeErr)
	p.bus.Publish(events.New(events.TypeHealthCheckFailed, inst.AgentType(), inst.ID(), map[string]any{
		"error":                probeErr.Error(),
		"consecutive_failures": failures,
	}))

	// Fire the offline transition exactly once per failure run: the count
	// resets only on a successful probe.
	if failures == p.failoverThreshold {
		inst.MarkOffline()
		p.logger.Error("instance %s offline after %d consecutive failed probes", inst.ID(), failures)
		p.bus.Publish(events.New(events.TypeInstanceOffline, inst.AgentType(), inst.ID(), map[string]any{
			"consecutive_failures": failures,
		}))
	}
}
