package xgate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// WorkerState is the lifecycle position of a Worker.
type WorkerState string

const (
	StateNew      WorkerState = "new"
	StateStarting WorkerState = "starting"
	StateRunning  WorkerState = "running"
	StateStopping WorkerState = "stopping"
	StateStopped  WorkerState = "stopped"
)

var errWorkerStopping = errors.New("xgate: worker stopping")

// BrokerClient is what a Worker needs from the broker.
type BrokerClient interface {
	Publisher
	Subscribe(ctx context.Context, queue, group string, handler EnvelopeHandler) (Subscription, error)
	Codec() Codec
}

// Route binds a queue to a handler.
type Route struct {
	Queue   string
	Handler Handler
}

// MessageHandler handles a decoded message.
type MessageHandler func(ctx context.Context, m *Message) ([]Output, error)

// EventHandler handles a decoded event.
type EventHandler func(ctx context.Context, e *Event) ([]Output, error)

// OnMessage routes queue to fn. Events arriving on the queue are rejected
// as processing errors.
func OnMessage(queue string, fn MessageHandler) Route {
	return Route{Queue: queue, Handler: func(ctx context.Context, in Input) ([]Output, error) {
		if in.Message == nil {
			return nil, fmt.Errorf("%w: queue %s expects messages", ErrInvalidMessage, in.Queue)
		}
		return fn(ctx, in.Message)
	}}
}

// OnEvent routes queue to fn.
func OnEvent(queue string, fn EventHandler) Route {
	return Route{Queue: queue, Handler: func(ctx context.Context, in Input) ([]Output, error) {
		if in.Event == nil {
			return nil, fmt.Errorf("%w: queue %s expects events", ErrInvalidEvent, in.Queue)
		}
		return fn(ctx, in.Event)
	}}
}

// WorkerConfig assembles a Worker. Broker and Store are shared handles;
// the worker closes the store on stop only when OwnsStore is set.
type WorkerConfig struct {
	Name            string
	Broker          BrokerClient
	Store           Store
	OwnsStore       bool
	Routes          []Route
	Pipelines       Pipelines
	Middleware      []Middleware
	ShutdownTimeout time.Duration
	Logger          *xlog.Logger
}

// Worker consumes its routes' queues, one envelope at a time per queue,
// and publishes whatever the handlers return.
type Worker struct {
	name      string
	broker    BrokerClient
	store     Store
	ownsStore bool
	routes    []Route
	pipelines Pipelines
	handlers  map[string]Handler
	timeout   time.Duration
	logger    *xlog.Logger

	mu     sync.Mutex
	state  WorkerState
	subs   []Subscription
	active int
	idle   chan struct{}
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Name == "" {
		return nil, errors.New("xgate: worker name required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("xgate: worker broker required")
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("xgate: worker %s has no routes", cfg.Name)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}

	w := &Worker{
		name:      cfg.Name,
		broker:    cfg.Broker,
		store:     cfg.Store,
		ownsStore: cfg.OwnsStore,
		routes:    cfg.Routes,
		pipelines: cfg.Pipelines,
		handlers:  make(map[string]Handler, len(cfg.Routes)),
		timeout:   cfg.ShutdownTimeout,
		logger:    cfg.Logger.With(xlog.Str("worker", cfg.Name)),
		state:     StateNew,
	}
	for _, r := range cfg.Routes {
		if r.Queue == "" || r.Handler == nil {
			return nil, fmt.Errorf("xgate: worker %s: route needs queue and handler", cfg.Name)
		}
		if _, dup := w.handlers[r.Queue]; dup {
			return nil, fmt.Errorf("xgate: worker %s: queue %s routed twice", cfg.Name, r.Queue)
		}
		w.handlers[r.Queue] = Chain(r.Handler, append([]Middleware{RecoveryMiddleware()}, cfg.Middleware...)...)
	}
	return w, nil
}

func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start subscribes every route. If any subscription fails, the ones already
// made are closed, an owned store is released and the worker ends stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateNew {
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrWorkerState, st)
	}
	w.state = StateStarting
	w.mu.Unlock()

	subCtx := context.WithoutCancel(ctx)
	subs := make([]Subscription, 0, len(w.routes))
	for _, r := range w.routes {
		sub, err := w.broker.Subscribe(subCtx, r.Queue, w.name, w.envelopeHandler(r.Queue))
		if err != nil {
			w.logger.Error().Str("queue", r.Queue).Err(err).Msg("xgate: subscribe failed, releasing worker resources")
			for _, s := range subs {
				if cerr := s.Close(); cerr != nil {
					w.logger.Warn().Err(cerr).Msg("xgate: subscription close failed")
				}
			}
			w.releaseStore()
			w.mu.Lock()
			w.state = StateStopped
			w.mu.Unlock()
			return fmt.Errorf("worker %s: %w", w.name, err)
		}
		subs = append(subs, sub)
	}

	w.mu.Lock()
	w.subs = subs
	w.state = StateRunning
	w.mu.Unlock()

	w.logger.Info().Str("state", string(StateRunning)).Msg("xgate: worker started")
	return nil
}

// Run starts the worker and blocks until ctx is done, then stops it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	return w.Stop(stopCtx)
}

// Stop stops pulling new envelopes and waits for in-flight ones, bounded by
// the shutdown timeout and ctx. Work still running after that is abandoned
// and logged.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateStopped, StateStopping:
		w.mu.Unlock()
		return nil
	case StateNew:
		w.state = StateStopped
		w.mu.Unlock()
		w.releaseStore()
		return nil
	}
	w.state = StateStopping
	subs := w.subs
	w.subs = nil
	if w.active > 0 {
		w.idle = make(chan struct{})
	}
	idle := w.idle
	w.mu.Unlock()

	w.logger.Info().Str("state", string(StateStopping)).Msg("xgate: worker stopping")

	// Closing a subscription may wait for its current delivery, so it runs
	// under the same deadline as the drain.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for _, s := range subs {
			if err := s.Close(); err != nil {
				w.logger.Warn().Err(err).Msg("xgate: subscription close failed")
			}
		}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	var stopErr error
	if idle != nil {
		select {
		case <-idle:
		case <-timer.C:
			stopErr = w.abandon()
		case <-ctx.Done():
			stopErr = w.abandon()
		}
	}
	if stopErr == nil {
		select {
		case <-closed:
		case <-timer.C:
			w.logger.Warn().Msg("xgate: subscriptions did not close before shutdown timeout")
		case <-ctx.Done():
		}
	}

	w.releaseStore()

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.logger.Info().Str("state", string(StateStopped)).Msg("xgate: worker stopped")
	return stopErr
}

func (w *Worker) abandon() error {
	w.mu.Lock()
	n := w.active
	w.mu.Unlock()
	w.logger.Error().Str("abandoned", fmt.Sprint(n)).Msg("xgate: shutdown timeout, abandoning in-flight work")
	return fmt.Errorf("worker %s: abandoned %d in-flight envelopes", w.name, n)
}

func (w *Worker) releaseStore() {
	if !w.ownsStore || w.store == nil {
		return
	}
	if err := w.store.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("xgate: store close failed")
	}
}

func (w *Worker) enter() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning && w.state != StateStarting {
		return false
	}
	w.active++
	return true
}

func (w *Worker) leave() {
	w.mu.Lock()
	w.active--
	if w.active == 0 && w.idle != nil {
		close(w.idle)
		w.idle = nil
	}
	w.mu.Unlock()
}

// envelopeHandler decides ack versus nack: infrastructure failures nack for
// redelivery, processing failures (panics included) are logged and acked.
// Work deferred with OnCommit runs only on the ack paths.
func (w *Worker) envelopeHandler(queue string) EnvelopeHandler {
	return func(ctx context.Context, env *Envelope) error {
		if !w.enter() {
			return errWorkerStopping
		}
		defer w.leave()

		ctx = injectWorker(ctx, w.name)
		ctx, commits := withCommitLog(ctx)
		err := w.safeProcess(ctx, queue, env)
		switch {
		case err == nil:
		case IsTransient(err):
			w.logger.Error().Str("queue", queue).Str("envelope_id", env.ID).Err(err).Msg("xgate: infrastructure failure, envelope will be redelivered")
			return err
		default:
			w.logger.Error().Str("queue", queue).Str("envelope_id", env.ID).Err(err).Msg("xgate: processing error")
		}
		w.commit(ctx, env, commits)
		return nil
	}
}

// safeProcess turns a panic anywhere in decoding, the pipelines or the
// handler into a processing error, so the envelope is not redelivered.
func (w *Worker) safeProcess(ctx context.Context, queue string, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessingError{
				Worker:    w.name,
				MessageID: env.ID,
				Err:       fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack()),
			}
		}
	}()
	return w.process(ctx, queue, env)
}

func (w *Worker) commit(ctx context.Context, env *Envelope, commits *commitLog) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range commits.drain() {
		if err := fn(ctx); err != nil {
			w.logger.Warn().Str("envelope_id", env.ID).Err(err).Msg("xgate: commit hook failed, envelope may be processed again if redelivered")
		}
	}
}

func (w *Worker) process(ctx context.Context, queue string, env *Envelope) error {
	codec, ok := CodecFromContext(ctx)
	if !ok {
		codec = w.broker.Codec()
	}
	in := Input{Queue: queue}

	switch env.Kind {
	case KindEvent:
		e, err := DecodeEvent(codec, env)
		if err != nil {
			return &ProcessingError{Worker: w.name, MessageID: env.ID, Err: err}
		}
		in.Event = e
	default:
		m, err := DecodeMessage(codec, env)
		if err != nil {
			return &ProcessingError{Worker: w.name, MessageID: env.ID, Err: err}
		}
		m, err = w.pipelines.For(m.Direction).Run(ctx, m)
		if err != nil {
			return w.stageError(err)
		}
		if m == nil {
			w.logger.Debug().Str("queue", queue).Str("message_id", env.ID).Msg("xgate: message dropped by pipeline")
			return nil
		}
		in.Message = m
	}

	outs, err := w.handlers[queue](ctx, in)
	if err != nil {
		if IsTransient(err) {
			return err
		}
		var pe *ProcessingError
		if errors.As(err, &pe) {
			return err
		}
		return &ProcessingError{Worker: w.name, MessageID: in.ID(), Err: err}
	}

	for _, out := range outs {
		if err := w.publish(ctx, in, out); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) stageError(err error) error {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		if pe.Worker == "" {
			pe.Worker = w.name
		}
		if IsTransient(pe.Err) {
			return pe.Err
		}
	}
	return err
}

// publish sends one output. Messages created by the handler pass the chain
// for their direction; a message relayed unchanged already went through it.
func (w *Worker) publish(ctx context.Context, in Input, out Output) error {
	switch {
	case out.Message != nil:
		m := out.Message
		if in.Message == nil || m.ID != in.Message.ID {
			var err error
			m, err = w.pipelines.For(m.Direction).Run(ctx, m)
			if err != nil {
				return w.stageError(err)
			}
			if m == nil {
				return nil
			}
		}
		return w.broker.PublishMessage(ctx, out.Queue, m)
	case out.Event != nil:
		return w.broker.PublishEvent(ctx, out.Queue, out.Event)
	}
	return nil
}
