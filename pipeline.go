package xgate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// Stage is one step of a Pipeline. Returning (nil, nil) drops the message on
// purpose; returning an error aborts the pipeline for this message only.
type Stage interface {
	Name() string
	Process(ctx context.Context, m *Message) (*Message, error)
}

// StageFunc adapts a function into a named Stage.
type StageFunc struct {
	name string
	fn   func(ctx context.Context, m *Message) (*Message, error)
}

func NewStage(name string, fn func(ctx context.Context, m *Message) (*Message, error)) StageFunc {
	return StageFunc{name: name, fn: fn}
}

func (s StageFunc) Name() string { return s.name }

func (s StageFunc) Process(ctx context.Context, m *Message) (*Message, error) { return s.fn(ctx, m) }

// Pipeline runs stages in a fixed order. Each stage gets its own copy of the
// message, so a failing stage leaves nothing behind for later stages.
type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run applies every stage to m. A nil message with a nil error means a
// stage dropped it. Failures come back as *ProcessingError naming the stage.
func (p *Pipeline) Run(ctx context.Context, m *Message) (*Message, error) {
	if p == nil || len(p.stages) == 0 {
		return m, nil
	}
	cur := m
	for _, s := range p.stages {
		out, err := s.Process(ctx, cur.Clone())
		if err != nil {
			return nil, &ProcessingError{Worker: WorkerFromContext(ctx), Stage: s.Name(), MessageID: m.ID, Err: err}
		}
		if out == nil {
			return nil, nil
		}
		cur = out
	}
	return cur, nil
}

// Pipelines holds the direction-specific chains of a worker.
type Pipelines struct {
	Inbound  *Pipeline
	Outbound *Pipeline
}

// SymmetricPipelines uses the same stage order in both directions.
func SymmetricPipelines(stages ...Stage) Pipelines {
	p := NewPipeline(stages...)
	return Pipelines{Inbound: p, Outbound: p}
}

// For returns the chain for a message direction.
func (ps Pipelines) For(d Direction) *Pipeline {
	if d == Outbound {
		return ps.Outbound
	}
	return ps.Inbound
}

// StageConfig declares one stage by registered name with its options.
type StageConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Options map[string]string `yaml:"options" json:"options,omitempty"`
}

// StageDeps are the shared handles a stage factory may need.
type StageDeps struct {
	Store Store
	// Sandbox is the store for custom stages, possibly key-capped. Build
	// falls back to Store when it is nil.
	Sandbox  Store
	Sessions *SessionCache
	Logger   *xlog.Logger
	Clock    Clock
}

// StageOptions is the option set passed to a factory.
type StageOptions map[string]string

// Allow fails when the options contain a key outside allowed.
func (o StageOptions) Allow(stage string, allowed ...string) error {
	known := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		known[k] = struct{}{}
	}
	var unknown []string
	for k := range o {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("stage %s: unknown options %v", stage, unknown)
	}
	return nil
}

func (o StageOptions) String(k, def string) string {
	if v, ok := o[k]; ok && v != "" {
		return v
	}
	return def
}

func (o StageOptions) Require(stage, k string) (string, error) {
	v := o[k]
	if v == "" {
		return "", fmt.Errorf("stage %s: option %q is required", stage, k)
	}
	return v, nil
}

func (o StageOptions) Int(k string, def int64) (int64, error) {
	v, ok := o[k]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", k, err)
	}
	return n, nil
}

func (o StageOptions) Bool(k string, def bool) (bool, error) {
	v, ok := o[k]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %q: %w", k, err)
	}
	return b, nil
}

func (o StageOptions) Duration(k string, def time.Duration) (time.Duration, error) {
	v, ok := o[k]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", k, err)
	}
	return d, nil
}

// StageFactory builds a stage from options.
type StageFactory func(opts StageOptions, deps StageDeps) (Stage, error)

// StageRegistry maps stage identifiers to factories.
type StageRegistry struct {
	mu        sync.RWMutex
	factories map[string]StageFactory
}

// NewStageRegistry returns a registry preloaded with the built-in stages.
func NewStageRegistry() *StageRegistry {
	r := &StageRegistry{factories: make(map[string]StageFactory)}
	for name, f := range builtinStages {
		r.factories[name] = f
	}
	return r
}

func (r *StageRegistry) Register(name string, f StageFactory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names lists the registered stage identifiers, sorted.
func (r *StageRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build turns stage declarations into a Pipeline, preserving their order.
func (r *StageRegistry) Build(cfgs []StageConfig, deps StageDeps) (*Pipeline, error) {
	if deps.Logger == nil {
		deps.Logger = xlog.Default()
	}
	if deps.Sandbox == nil {
		deps.Sandbox = deps.Store
	}
	stages := make([]Stage, 0, len(cfgs))
	for i, c := range cfgs {
		r.mu.RLock()
		f, ok := r.factories[c.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("stage %d: unknown stage %q", i, c.Name)
		}
		s, err := f(StageOptions(c.Options), deps)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return NewPipeline(stages...), nil
}
