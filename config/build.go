package config

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xlog"

	// Backends selectable by name.
	_ "github.com/trickstertwo/xgate/adapter/memory"
	_ "github.com/trickstertwo/xgate/adapter/natsjs"
	_ "github.com/trickstertwo/xgate/adapter/pgstore"
	_ "github.com/trickstertwo/xgate/adapter/rabbitmq"
	_ "github.com/trickstertwo/xgate/adapter/redisstore"
	_ "github.com/trickstertwo/xgate/adapter/redisstream"
)

// Broker builds the broker described by c.
func (c BrokerConfig) Broker(logger *xlog.Logger) (*xgate.Broker, error) {
	bb := xgate.NewBrokerBuilder().
		WithTransport(c.Transport, c.Options).
		WithLogger(logger).
		WithRetryPolicy(c.Retry.Policy()).
		WithPublishBuffer(c.PublishBuffer)
	if c.Codec != "" {
		bb.WithCodec(c.Codec)
	}
	if c.AckTimeout > 0 {
		bb.WithAckTimeout(c.AckTimeout)
	}
	if c.ObserverWorkers > 0 {
		bb.WithObserverPool(c.ObserverWorkers, 1024)
	}
	b, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("broker %s: %w", c.Transport, err)
	}
	return b, nil
}

// Store opens the configured backend behind a RetryingStore. This is the
// store the tracker, dispatcher and built-in stages use; it is never capped.
func (c StoreConfig) Store(logger *xlog.Logger) (xgate.Store, error) {
	s, err := xgate.NewStore(c.Backend, c.Options)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", c.Backend, err)
	}
	return xgate.NewRetryingStore(s, c.Retry.Policy(), logger), nil
}

// Sandbox returns the view of core handed to custom stages. With MaxKeys
// set it is a QuotaStore, so only that namespace is capped.
func (c StoreConfig) Sandbox(core xgate.Store) xgate.Store {
	if c.MaxKeys <= 0 {
		return core
	}
	ns := c.Namespace
	if ns == "" {
		ns = "xgate"
	}
	return xgate.NewQuotaStore(core, ns, c.MaxKeys)
}

// Sessions builds the session cache. An empty backend disables it.
func (c CacheConfig) Sessions(logger *xlog.Logger) (*xgate.SessionCache, func() error, error) {
	if c.Backend == "" {
		return nil, func() error { return nil }, nil
	}
	backend, err := xgate.NewCache(c.Backend, c.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("cache %s: %w", c.Backend, err)
	}
	closeFn := func() error { return nil }
	if cl, ok := backend.(interface{ Close() error }); ok {
		closeFn = cl.Close
	}
	return xgate.NewSessionCache(backend, c.DefaultTTL, logger), closeFn, nil
}

// Pipelines builds both chains from registry.
func (c PipelineConfig) Pipelines(registry *xgate.StageRegistry, deps xgate.StageDeps) (xgate.Pipelines, error) {
	in, err := registry.Build(c.Inbound, deps)
	if err != nil {
		return xgate.Pipelines{}, fmt.Errorf("pipeline inbound: %w", err)
	}
	if c.Symmetric {
		return xgate.Pipelines{Inbound: in, Outbound: in}, nil
	}
	out, err := registry.Build(c.Outbound, deps)
	if err != nil {
		return xgate.Pipelines{}, fmt.Errorf("pipeline outbound: %w", err)
	}
	return xgate.Pipelines{Inbound: in, Outbound: out}, nil
}

// RoutingRules compiles the routing rules.
func (c DispatcherConfig) RoutingRules() ([]xgate.RoutingRule, error) {
	rules := make([]xgate.RoutingRule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		r, err := rc.Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Mapper builds the event mapper with per-transport tables.
func (c DispatcherConfig) Mapper() *xgate.EventMapper {
	m := xgate.NewEventMapper()
	for transport, table := range c.EventMappings {
		mapping := make(xgate.EventMapping, len(table))
		for raw, kind := range table {
			mapping[raw] = xgate.EventKind(kind)
		}
		m.Register(transport, mapping)
	}
	return m
}

// Runtime is an assembled gateway process.
type Runtime struct {
	Broker     *xgate.Broker
	Store      xgate.Store
	Sandbox    xgate.Store
	Sessions   *xgate.SessionCache
	Tracker    *xgate.Tracker
	Dispatcher *xgate.Dispatcher
	Worker     *xgate.Worker

	logger     *xlog.Logger
	closeCache func() error
}

// Options customize Build.
type Options struct {
	Logger *xlog.Logger
	// Stages replaces the default stage registry, e.g. to add custom stages.
	Stages *xgate.StageRegistry
	Clock  xgate.Clock
}

// Build assembles broker, store, cache, pipelines, tracker and dispatcher.
// Anything opened before a failure is closed again.
func Build(cfg Config, opts Options) (_ *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = xlog.Default()
	}
	registry := opts.Stages
	if registry == nil {
		registry = xgate.NewStageRegistry()
	}

	rt := &Runtime{logger: logger, closeCache: func() error { return nil }}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if rt.Store, err = cfg.Store.Store(logger); err != nil {
		return nil, err
	}
	rt.Sandbox = cfg.Store.Sandbox(rt.Store)
	if rt.Sessions, rt.closeCache, err = cfg.Cache.Sessions(logger); err != nil {
		rt.closeCache = func() error { return nil }
		return nil, err
	}
	if rt.Broker, err = cfg.Broker.Broker(logger); err != nil {
		return nil, err
	}

	pipelines, err := cfg.Pipeline.Pipelines(registry, xgate.StageDeps{
		Store:    rt.Store,
		Sandbox:  rt.Sandbox,
		Sessions: rt.Sessions,
		Logger:   logger,
		Clock:    opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	rules, err := cfg.Dispatcher.RoutingRules()
	if err != nil {
		return nil, err
	}

	if cfg.Tracker.Enabled {
		rt.Tracker, err = xgate.NewTracker(xgate.TrackerConfig{
			Store:         rt.Store,
			HoldingPeriod: cfg.Tracker.HoldingPeriod,
			SweepInterval: cfg.Tracker.SweepInterval,
			AuditMessages: cfg.Tracker.AuditMessages,
			Clock:         opts.Clock,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
	}

	d := cfg.Dispatcher
	rt.Dispatcher, err = xgate.NewDispatcher(xgate.DispatcherConfig{
		Name:               cfg.Name,
		Broker:             rt.Broker,
		Store:              rt.Store,
		Tracker:            rt.Tracker,
		Mapper:             d.Mapper(),
		Transports:         d.Transports,
		Applications:       d.Applications,
		Rules:              rules,
		Default:            xgate.DefaultAction(d.Default),
		DefaultTarget:      d.DefaultTarget,
		FallbackQueue:      d.FallbackQueue,
		FallbackEventQueue: d.FallbackEventQueue,
		ReverseTTL:         d.ReverseTTL,
		Pipelines:          pipelines,
		Middleware:         []xgate.Middleware{xgate.LoggingMiddleware(logger)},
		ShutdownTimeout:    d.ShutdownTimeout,
		Logger:             logger,
		Clock:              opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	if rt.Worker, err = rt.Dispatcher.Worker(); err != nil {
		return nil, err
	}
	return rt, nil
}

// Run runs the dispatcher worker and the tracker sweep until ctx is done
// or either fails.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Worker.Run(gctx) })
	if rt.Tracker != nil {
		g.Go(func() error { return rt.Tracker.Run(gctx) })
	}
	return g.Wait()
}

// Close releases broker, cache and store, in that order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Broker != nil {
		errs = append(errs, rt.Broker.Close(ctx))
	}
	if rt.closeCache != nil {
		errs = append(errs, rt.closeCache())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	return errors.Join(errs...)
}
