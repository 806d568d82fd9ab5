package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/registry"
)

// StatusSetter is the subset of the registry the prober writes to.
type StatusSetter interface {
	Lister
	SetStatus(id string, st registry.Status, at time.Time) (changed, ok bool)
}

// Prober periodically probes every registered service and flips its
// status. A probe returning exactly 200 is healthy; any other status,
// transport error, or timeout is unhealthy. There are no retries.
type Prober struct {
	reg      StatusSetter
	probe    registry.Probe
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a Prober. It does nothing until Start.
func NewProber(reg StatusSetter, probe registry.Probe, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		reg:      reg,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the background sweep loop. The first sweep runs after
// one interval, since registration already probed every service.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()

	p.logger.Info("health prober started", "interval", p.interval, "timeout", p.timeout)
}

// Stop ends the sweep loop and waits for an in-progress sweep to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// maxConcurrentProbes bounds the probes a sweep runs at once.
const maxConcurrentProbes = 16

// Sweep probes every service concurrently, each under its own timeout,
// and returns once all probes have finished. Probes cut short by ctx
// (gateway shutdown) leave the service's status untouched.
func (p *Prober) Sweep(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, svc := range p.reg.List() {
		g.Go(func() error {
			p.check(ctx, svc)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

func (p *Prober) check(parent context.Context, svc *registry.Service) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	start := time.Now()
	code, err := p.probe(ctx, svc.HealthURL())
	if parent.Err() != nil {
		return
	}
	metrics.ProbeDuration.WithLabelValues(svc.ID).Observe(time.Since(start).Seconds())

	st := registry.StatusHealthy
	if err != nil || code != 200 {
		st = registry.StatusUnhealthy
		p.logger.Warn("health probe failed",
			"service", svc.ID,
			"url", svc.HealthURL(),
			"status", code,
			"error", err,
		)
	}

	if changed, _ := p.reg.SetStatus(svc.ID, st, p.now()); changed {
		p.logger.Info("service status changed", "service", svc.ID, "status", string(st))
	}
}
