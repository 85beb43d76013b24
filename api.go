package ecs

import (
	"context"
	"io"
	"reflect"
	"sync"
	"time"
)

// Scheduler dispatches registered stages against its world once per tick.
type Scheduler interface {
	Tick(ctx context.Context, dt time.Duration) error
	Run(ctx context.Context, steps int, dt time.Duration) error
	RunWithTrace(ctx context.Context, w io.Writer, fn func() error) error
	RegisterStage(cfg StageConfig) (StageHandle, error)
	AddSystem(stage StageID, sys System) error
	Stages() []StageID
	World() *World
	TickIndex() uint64
	Builder() SchedulerBuilder
	Close()
}

// SchedulerBuilder configures scheduler options.
type SchedulerBuilder interface {
	WithWorkers(count int) SchedulerBuilder
	WithErrorPolicy(id StageID, policy ErrorPolicy) SchedulerBuilder
	WithInstrumentation(cfg InstrumentationConfig) SchedulerBuilder
	WithLogger(logger Logger) SchedulerBuilder
	Build() (Scheduler, error)
}

// StageConfig declares a node of the stage graph and the systems dispatched in it.
//
// Every stage listed in After completes before this stage starts. Among stages whose
// predecessors are done, lower Priority runs first, then registration order.
type StageConfig struct {
	ID          StageID
	After       []StageID
	Priority    int
	Systems     []System
	Interval    TickInterval
	ErrorPolicy ErrorPolicy
}

// StageID uniquely identifies a stage within the scheduler.
type StageID string

// StageHandle references a registered stage.
type StageHandle interface {
	ID() StageID
}

// TickInterval controls how frequently a system or stage runs.
type TickInterval struct {
	Every  uint32
	Offset uint32
}

// ErrorPolicy defines how the scheduler responds to system failures.
type ErrorPolicy uint8

const (
	// ErrorPolicyContinue logs the failure, skips the system for the tick and keeps going.
	ErrorPolicyContinue ErrorPolicy = iota
	// ErrorPolicyAbort finishes the stage, then fails the tick.
	ErrorPolicyAbort
	// ErrorPolicyRetry runs a failing system once more before treating it as Continue.
	// Commands deferred by the failed attempt are dropped, but component values it already
	// wrote are kept, so a retried system sees its own partial writes. Retry suits systems
	// that fail before they write.
	ErrorPolicyRetry
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyAbort:
		return "abort"
	case ErrorPolicyRetry:
		return "retry"
	default:
		return "continue"
	}
}

// InstrumentationConfig configures tracing and observer sinks.
type InstrumentationConfig struct {
	EnableTrace bool
	Observer    SchedulerObserver
	Observation ObservationSettings
}

// ObservationSettings toggles built-in observer integrations.
type ObservationSettings struct {
	EnableStructuredLogging bool
	LoggingFormat           ObservationLogFormat
	StructuredLogger        Logger
	EnablePrometheus        bool
	PrometheusCollector     PrometheusCollector
	PrometheusOptions       *PrometheusCollectorOptions
	EnableSpans             bool
	SpanExporter            SpanExporter
	SpanOptions             *SpanOptions
}

// ObservationLogFormat controls structured logging encoding.
type ObservationLogFormat uint8

const (
	ObservationLogFormatJSON ObservationLogFormat = iota
	ObservationLogFormatKeyValue
)

// SchedulerObserver receives a summary after every stage barrier.
type SchedulerObserver interface {
	StageCompleted(summary StageSummary)
}

// PrometheusCollector aggregates stage summaries into Prometheus-style metrics.
type PrometheusCollector interface {
	ObserveStage(summary StageSummary)
}

type PrometheusCollectorOptions struct {
	Writer          io.Writer
	DurationBuckets []time.Duration
}

// SpanExporter turns stage summaries into trace spans.
type SpanExporter interface {
	ExportStage(summary StageSummary)
}

type SpanOptions struct {
	Writer      io.Writer
	ServiceName string
}

// StageSummary captures execution metadata for one stage in one tick.
type StageSummary struct {
	StageID         StageID
	Tick            uint64
	Duration        time.Duration
	SystemsTotal    int
	SystemsExecuted int
	SystemsSkipped  int
	SystemsFailed   int
	Failures        []SystemFailure
	Error           error
	ComponentReads  []ComponentType
	ComponentWrites []ComponentType
	ResourceReads   []string
	ResourceWrites  []string
}

// SystemFailure records a system that could not complete during a tick.
type SystemFailure struct {
	System   string
	Err      error
	Attempts int
}

// System represents per-tick logic over a declared access set.
type System interface {
	Descriptor() SystemDescriptor
	Run(ctx context.Context, exec ExecutionContext) SystemResult
}

// SystemDescriptor describes resource usage and metadata for a system.
type SystemDescriptor struct {
	Name      string
	Reads     []ComponentType
	Writes    []ComponentType
	Resources []ResourceAccess
	Tags      []string
	RunEvery  TickInterval
}

// SystemResult indicates how a system behaved during execution.
type SystemResult struct {
	Skipped bool
	Err     error
}

// ExecutionContext supplies a system with scoped access to the world.
type ExecutionContext interface {
	World() *World
	Borrow() *Borrow
	TimeDelta() time.Duration
	TickIndex() uint64
	Logger() Logger
	Defer(cmd Command)
}

// World owns the entity registry, one store per registered component type, and resources.
//
// The World a system gets from its ExecutionContext is bound to the system's borrow: it
// never waits for a guard and refuses types the running system already holds.
type World struct {
	*worldState
	scope *Borrow
}

type worldState struct {
	registry  *EntityRegistry
	storage   StorageProvider
	resources ResourceContainer

	mu     sync.RWMutex
	guards map[ComponentType]*sync.RWMutex
	types  map[ComponentType]reflect.Type
}

// StorageProvider manages component storage backends.
type StorageProvider interface {
	RegisterComponent(ComponentType, StorageStrategy) error
	View(ComponentType) (ComponentView, error)
	Store(ComponentType) (ComponentStore, error)
	Types() []ComponentType
	Apply(*World, []Command) error
}

// StorageStrategy describes how a component type is stored internally.
type StorageStrategy interface {
	Name() string
	NewStore(ComponentType) ComponentStore
}

// ComponentType identifies a component storage bucket.
type ComponentType string

// ResourceAccess declares mutable or immutable access to a resource.
type ResourceAccess struct {
	Name string
	Mode AccessMode
}

// AccessMode indicates read or write intent.
type AccessMode uint8

const (
	AccessModeRead AccessMode = iota
	AccessModeWrite
)

func (m AccessMode) String() string {
	if m == AccessModeWrite {
		return "write"
	}
	return "read"
}

// ComponentStore permits read/write access to component instances.
type ComponentStore interface {
	ComponentView
	Set(EntityID, any) error
	Remove(EntityID) bool
	Clear()
}

// ComponentView exposes read-only iteration over stored components.
type ComponentView interface {
	ComponentType() ComponentType
	Len() int
	Has(EntityID) bool
	Get(EntityID) (any, bool)
	Iterate(func(EntityID, any) bool)
}

// Command represents a deferred mutation applied between ticks.
type Command interface {
	Apply(world *World) error
}

// Logger captures structured log output from the scheduler and systems.
type Logger interface {
	With(key string, value any) Logger
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// ResourceContainer holds shared resources accessible to systems.
type ResourceContainer interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	Delete(name string)
	Range(func(string, any) bool)
}

// Tracer coordinates tracing spans for observability tooling.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, TraceSpan)
}

// TraceSpan represents an active tracing region.
type TraceSpan interface {
	End()
}
