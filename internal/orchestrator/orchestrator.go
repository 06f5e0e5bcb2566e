// Package orchestrator implements the Orchestrator (C9): it binds the
// listener, runs the accept loop and heartbeat monitor concurrently, blocks
// until enough workers are IDLE, drives one execute_inference call through
// the Dispatch Engine, and tears everything down afterward. It is grounded
// on the teacher's Listen/Accept/janitor composition in aznet.go, expanded
// from a single always-on listener into an explicit Start/Stop lifecycle
// since the coordinator owns its own process exit code (spec §6.3).
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/atsika/distinfer/internal/dispatch"
	"github.com/atsika/distinfer/internal/handler"
	"github.com/atsika/distinfer/internal/modelconfig"
	"github.com/atsika/distinfer/internal/registry"
	"github.com/atsika/distinfer/internal/stats"
)

// Default tunables, per §9's design-note decisions.
const (
	DefaultHeartbeatPeriod   = 5 * time.Second
	DefaultHeartbeatDeadline = 15 * time.Second
)

type config struct {
	host              string
	port              int
	numWorkers        int
	registerTimeout   time.Duration
	heartbeatPeriod   time.Duration
	heartbeatDeadline time.Duration
	resultHeaderTO    time.Duration
	resultBodyTO      time.Duration
}

func defaultConfig() config {
	return config{
		host:              "0.0.0.0",
		port:              54321,
		numWorkers:        2,
		registerTimeout:   handler.DefaultRegisterTimeout,
		heartbeatPeriod:   DefaultHeartbeatPeriod,
		heartbeatDeadline: DefaultHeartbeatDeadline,
		resultHeaderTO:    dispatch.DefaultHeaderTimeout,
		resultBodyTO:      dispatch.DefaultBodyTimeout,
	}
}

// Option configures an Orchestrator at construction time.
type Option func(*config)

// WithListenAddr sets the TCP host and port to bind.
func WithListenAddr(host string, port int) Option {
	return func(c *config) { c.host = host; c.port = port }
}

// WithNumWorkers sets how many IDLE workers must be present before
// inference begins.
func WithNumWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.numWorkers = n
		}
	}
}

// WithHeartbeat overrides the registry's sweep period and liveness deadline.
func WithHeartbeat(period, deadline time.Duration) Option {
	return func(c *config) { c.heartbeatPeriod = period; c.heartbeatDeadline = deadline }
}

// WithResultTimeouts overrides how long the dispatch engine waits for a
// worker's RESULT header and body once a TASK has been sent.
func WithResultTimeouts(header, body time.Duration) Option {
	return func(c *config) { c.resultHeaderTO = header; c.resultBodyTO = body }
}

// Orchestrator owns the listener, the worker registry, and the dispatch
// engine for one coordinator process lifetime.
type Orchestrator struct {
	cfg config

	reg       *registry.Registry
	handler   *handler.Handler
	collector *stats.Collector
	engine    *dispatch.Engine

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator with its own fresh Registry, Handler, and
// Dispatch Engine, wired together per opts.
func New(opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := registry.New()
	collector := stats.NewCollector(nil)
	return &Orchestrator{
		cfg:       cfg,
		reg:       reg,
		handler:   handler.New(reg, handler.WithRegisterTimeout(cfg.registerTimeout)),
		collector: collector,
		engine:    dispatch.NewEngine(reg, collector, dispatch.WithHeaderTimeout(cfg.resultHeaderTO), dispatch.WithBodyTimeout(cfg.resultBodyTO)),
	}
}

// Registry exposes the worker registry, mainly for tests and introspection.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Addr returns the bound listener address, or nil if Start has not been
// called yet.
func (o *Orchestrator) Addr() net.Addr {
	if o.ln == nil {
		return nil
	}
	return o.ln.Addr()
}

// Start binds the listener and launches the accept loop and heartbeat
// monitor in the background. It returns once the listener is bound.
func (o *Orchestrator) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", o.cfg.host, o.cfg.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("orchestrator: listen %s: %w", addr, err)
	}
	o.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		handler.Serve(runCtx, ln, o.handler)
	}()
	go func() {
		defer o.wg.Done()
		o.reg.HeartbeatMonitor(runCtx, o.cfg.heartbeatPeriod, o.cfg.heartbeatDeadline)
	}()

	log.Printf("[coord] listening on %s, waiting for %d workers", ln.Addr(), o.cfg.numWorkers)
	return nil
}

// Stop cancels the accept loop and heartbeat monitor, closes the listener,
// and waits for both background goroutines to exit. Idempotent.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.ln != nil {
		o.ln.Close()
	}
	o.wg.Wait()
}

// RunInference blocks until NumWorkers are IDLE, then drives one
// execute_inference call across exactly that many of them. On success it
// logs the run's stats.Summary() and broadcasts SHUTDOWN; when a layer
// aborts, the engine has already broadcast SHUTDOWN itself (spec §7's "any
// abort triggers a best-effort SHUTDOWN broadcast"). Errors returned before
// any layer runs (WaitForIdle failing, or ExecuteInference rejecting its
// arguments) broadcast nothing.
func (o *Orchestrator) RunInference(ctx context.Context, input []float64, c, h, w int, layers []modelconfig.LayerConfig, quants []modelconfig.QuantParams) (dispatch.FeatureMap, *stats.RunStats, error) {
	if err := o.reg.WaitForIdle(ctx, o.cfg.numWorkers); err != nil {
		return dispatch.FeatureMap{}, nil, fmt.Errorf("orchestrator: waiting for %d idle workers: %w", o.cfg.numWorkers, err)
	}

	workers := o.reg.IdleSnapshot()
	if len(workers) > o.cfg.numWorkers {
		workers = workers[:o.cfg.numWorkers]
	}

	fm, runStats, err := o.engine.ExecuteInference(ctx, workers, input, c, h, w, layers, quants)
	if err != nil {
		log.Printf("[coord] inference failed: %v", err)
		return fm, runStats, err
	}

	log.Printf("[coord] inference complete\n%s", runStats.Summary())
	o.reg.Shutdown()
	return fm, runStats, nil
}
