package xgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Queue names derived from a transport or application name.
func InboundQueue(name string) string  { return name + ".inbound" }
func OutboundQueue(name string) string { return name + ".outbound" }
func EventQueue(name string) string    { return name + ".event" }

// DefaultAction applies when no routing rule matches.
type DefaultAction string

const (
	DefaultNone  DefaultAction = ""
	DefaultDrop  DefaultAction = "drop"
	DefaultQueue DefaultAction = "queue"
)

// DispatcherConfig wires a Dispatcher. Transports and Applications name the
// endpoints on either side; their queues follow InboundQueue and friends.
type DispatcherConfig struct {
	Name         string
	Broker       BrokerClient
	Store        Store
	Tracker      *Tracker
	Mapper       *EventMapper
	Transports   []string
	Applications []string
	Rules        []RoutingRule

	Default DefaultAction
	// DefaultTarget is the application used by DefaultQueue.
	DefaultTarget string
	// FallbackQueue receives orphaned replies and unroutable outbound
	// messages. Default "<name>.fallback".
	FallbackQueue string
	// FallbackEventQueue receives events whose origin is unknown. Empty
	// means such events are logged and dropped.
	FallbackEventQueue string
	// ReverseTTL expires reverse mappings. Zero keeps them forever.
	ReverseTTL time.Duration

	Pipelines       Pipelines
	Middleware      []Middleware
	ShutdownTimeout time.Duration
	Logger          *xlog.Logger
	Clock           Clock
}

// Dispatcher routes inbound messages to applications, replies back to the
// transport they answer and events to the application that sent the message.
type Dispatcher struct {
	cfg    DispatcherConfig
	rules  *RuleSet
	known  map[string]struct{}
	mapper *EventMapper
	clock  Clock
	logger *xlog.Logger
}

type reverseEntry struct {
	Transport string    `json:"transport"`
	App       string    `json:"app"`
	At        time.Time `json:"at"`
}

type originEntry struct {
	App       string    `json:"app"`
	Transport string    `json:"transport"`
	At        time.Time `json:"at"`
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Name == "" {
		return nil, errors.New("xgate: dispatcher name required")
	}
	if cfg.Broker == nil || cfg.Store == nil {
		return nil, errors.New("xgate: dispatcher needs a broker and a store")
	}
	if len(cfg.Transports) == 0 {
		return nil, errors.New("xgate: dispatcher needs at least one transport")
	}
	switch cfg.Default {
	case DefaultNone, DefaultDrop:
	case DefaultQueue:
		if cfg.DefaultTarget == "" {
			return nil, errors.New("xgate: default action queue needs a default target")
		}
	default:
		return nil, fmt.Errorf("xgate: unknown default action %q", cfg.Default)
	}
	rules, err := NewRuleSet(cfg.Rules...)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackQueue == "" {
		cfg.FallbackQueue = cfg.Name + ".fallback"
	}
	if cfg.Mapper == nil {
		cfg.Mapper = NewEventMapper()
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}

	known := make(map[string]struct{}, len(cfg.Transports))
	for _, t := range cfg.Transports {
		known[t] = struct{}{}
	}
	return &Dispatcher{
		cfg:    cfg,
		rules:  rules,
		known:  known,
		mapper: cfg.Mapper,
		clock:  cfg.Clock,
		logger: cfg.Logger.With(xlog.Str("dispatcher", cfg.Name)),
	}, nil
}

// Worker builds the worker consuming every dispatcher queue.
func (d *Dispatcher) Worker() (*Worker, error) {
	var routes []Route
	for _, t := range d.cfg.Transports {
		routes = append(routes,
			OnMessage(InboundQueue(t), d.forward),
			OnEvent(EventQueue(t), d.handleEvent(t)),
		)
	}
	for _, app := range d.cfg.Applications {
		routes = append(routes, OnMessage(OutboundQueue(app), d.reverse(app)))
	}
	return NewWorker(WorkerConfig{
		Name:            d.cfg.Name,
		Broker:          d.cfg.Broker,
		Store:           d.cfg.Store,
		Routes:          routes,
		Pipelines:       d.cfg.Pipelines,
		Middleware:      d.cfg.Middleware,
		ShutdownTimeout: d.cfg.ShutdownTimeout,
		Logger:          d.cfg.Logger,
	})
}

// Resolve returns the application an inbound message routes to and the rule
// that chose it ("default" for the default queue). An empty target with a
// nil error means the default action drops the message; with no default
// action configured the error is ErrRoutingMiscarriage.
func (d *Dispatcher) Resolve(m *Message) (target, rule string, err error) {
	if r, ok := d.rules.Match(m); ok {
		return r.Target, r.Name, nil
	}
	switch d.cfg.Default {
	case DefaultQueue:
		return d.cfg.DefaultTarget, "default", nil
	case DefaultDrop:
		return "", "", nil
	}
	return "", "", ErrRoutingMiscarriage
}

func (d *Dispatcher) forward(ctx context.Context, m *Message) ([]Output, error) {
	target, rule, err := d.Resolve(m)
	if err != nil {
		d.logger.Error().Str("message_id", m.ID).Str("transport", m.Transport).Str("to", m.To).Err(err).Msg("xgate: inbound message dropped")
		return nil, nil
	}
	if target == "" {
		d.logger.Info().Str("message_id", m.ID).Str("transport", m.Transport).Msg("xgate: no rule matched, message dropped by default action")
		return nil, nil
	}

	entry := reverseEntry{Transport: m.Transport, App: target, At: d.clock.Now().UTC()}
	if err := SetJSON(ctx, d.cfg.Store, BucketReverse, m.ID, entry); err != nil {
		return nil, err
	}
	out := m.WithMetadata(MetaRoutedBy, rule)
	return []Output{MessageOut(InboundQueue(target), out)}, nil
}

func (d *Dispatcher) reverse(app string) MessageHandler {
	return func(ctx context.Context, m *Message) ([]Output, error) {
		transport, err := d.replyTransport(ctx, m)
		if err != nil {
			return nil, err
		}
		if transport == "" {
			return d.fallback(m, app), nil
		}

		out := m
		if out.Transport != transport {
			out = m.Clone()
			out.Transport = transport
		}
		if d.cfg.Tracker != nil {
			if _, err := d.cfg.Tracker.Record(ctx, out); err != nil {
				return nil, err
			}
		}
		origin := originEntry{App: app, Transport: transport, At: d.clock.Now().UTC()}
		if err := SetJSON(ctx, d.cfg.Store, BucketOrigin, out.ID, origin); err != nil {
			return nil, err
		}
		return []Output{MessageOut(OutboundQueue(transport), out)}, nil
	}
}

// replyTransport picks the transport for an outbound message. Replies use
// the reverse mapping of the message they answer; other messages use their
// own transport name when it is known. Empty means unroutable.
func (d *Dispatcher) replyTransport(ctx context.Context, m *Message) (string, error) {
	if !m.IsReply() {
		if _, ok := d.known[m.Transport]; ok {
			return m.Transport, nil
		}
		return "", nil
	}
	entry, found, err := GetJSON[reverseEntry](ctx, d.cfg.Store, BucketReverse, m.InReplyTo)
	if err != nil {
		return "", err
	}
	if !found || d.expired(entry.At) {
		return "", nil
	}
	return entry.Transport, nil
}

func (d *Dispatcher) expired(at time.Time) bool {
	return d.cfg.ReverseTTL > 0 && d.clock.Since(at) > d.cfg.ReverseTTL
}

func (d *Dispatcher) fallback(m *Message, app string) []Output {
	if m.IsReply() {
		d.logger.Warn().
			Str("message_id", m.ID).
			Str("in_reply_to", m.InReplyTo).
			Str("app", app).
			Err(ErrOrphanedReply).
			Msg("xgate: reply routed to fallback queue")
		out := m.WithMetadata(MetaOrphanedReply, "true")
		return []Output{MessageOut(d.cfg.FallbackQueue, out)}
	}
	d.logger.Error().
		Str("message_id", m.ID).
		Str("transport", m.Transport).
		Str("app", app).
		Err(ErrRoutingMiscarriage).
		Msg("xgate: outbound message for unknown transport routed to fallback queue")
	return []Output{MessageOut(d.cfg.FallbackQueue, m.WithMetadata(MetaSourceQueue, OutboundQueue(app)))}
}

func (d *Dispatcher) handleEvent(transport string) EventHandler {
	return func(ctx context.Context, e *Event) ([]Output, error) {
		if e.Transport == "" {
			e.Transport = transport
		}
		ev, err := d.mapper.Normalize(e)
		if err != nil {
			return nil, err
		}

		if d.cfg.Tracker != nil {
			if _, err := d.cfg.Tracker.Observe(ctx, ev); err != nil {
				if errors.Is(err, ErrAnomalousEvent) {
					return nil, nil
				}
				return nil, err
			}
		}

		origin, found, err := GetJSON[originEntry](ctx, d.cfg.Store, BucketOrigin, ev.MessageID)
		if err != nil {
			return nil, err
		}
		if found {
			return []Output{EventOut(EventQueue(origin.App), ev)}, nil
		}
		if d.cfg.FallbackEventQueue != "" {
			d.logger.Warn().Str("event_id", ev.ID).Str("message_id", ev.MessageID).Msg("xgate: event origin unknown, routed to fallback")
			return []Output{EventOut(d.cfg.FallbackEventQueue, ev)}, nil
		}
		d.logger.Warn().Str("event_id", ev.ID).Str("message_id", ev.MessageID).Msg("xgate: event origin unknown, dropped")
		return nil, nil
	}
}
