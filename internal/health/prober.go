package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
)

// Targets supplies the current set of adapters to probe. Satisfied by
// the load balancer, so backends registered at runtime are picked up on
// the next probe cycle without extra bookkeeping.
type Targets interface {
	Adapters() []backend.Adapter
}

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes adapter health and flips adapter
// availability based on tracker state. A backend is taken out of the
// selection pool after enough consecutive probe failures and restored
// by a single successful probe.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	targets Targets
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}
}

// NewProber creates a health check prober.
func NewProber(cfg ProberConfig, tracker *Tracker, targets Targets, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProberConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProberConfig().ProbeTimeout
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: targets,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

// ProbeAll probes every current target once and waits for completion.
// The periodic loop calls this; it is exported for startup and tests.
func (p *Prober) ProbeAll() {
	p.probeAll()
}

func (p *Prober) probeAll() {
	targets := p.targets.Adapters()

	var wg sync.WaitGroup
	for _, a := range targets {
		wg.Add(1)
		go func(a backend.Adapter) {
			defer wg.Done()
			p.probe(a)
		}(a)
	}
	wg.Wait()
}

func (p *Prober) probe(a backend.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	if a.HealthCheck(ctx) {
		p.tracker.RecordSuccess(a.ModelID())
		if !a.Available() {
			a.SetAvailable(true)
			p.logger.Info("backend restored",
				slog.String("model", a.ModelID()),
			)
		}
		return
	}

	p.tracker.RecordFailure(a.ModelID(), "health probe failed")
	if !p.tracker.IsHealthy(a.ModelID()) && a.Available() {
		a.SetAvailable(false)
		p.logger.Warn("backend marked down",
			slog.String("model", a.ModelID()),
			slog.Int("consec_fails", p.tracker.GetStats(a.ModelID()).ConsecFails),
		)
	}
}
