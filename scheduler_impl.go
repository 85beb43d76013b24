package ecs

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"runtime/trace"
	"sort"
	"sync"
	"time"
)

// NewScheduler constructs a scheduler bound to the provided world. Systems run on a pool
// of runtime.NumCPU workers unless the builder says otherwise.
func NewScheduler(world *World) (Scheduler, error) {
	if world == nil {
		world = NewWorld()
	}
	workers := runtime.NumCPU()
	if workers <= 0 {
		workers = 1
	}
	s := &stagedScheduler{
		world:         world,
		stages:        make(map[StageID]*stageState),
		buffers:       NewCommandBufferPool(),
		logger:        noopLogger{},
		tracer:        noopTracer{},
		errorPolicies: make(map[StageID]ErrorPolicy),
		observer:      noopObserver{},
		workers:       workers,
	}
	s.applyInstrumentation(InstrumentationConfig{})
	return s, nil
}

type stagedScheduler struct {
	mu              sync.RWMutex
	tickMu          sync.Mutex
	world           *World
	stages          map[StageID]*stageState
	registered      []*stageState
	ordered         []*stageState
	buffers         *CommandBufferPool
	pool            *workerPool
	workers         int
	logger          Logger
	tracer          Tracer
	instrumentation InstrumentationConfig
	observer        SchedulerObserver
	errorPolicies   map[StageID]ErrorPolicy
	tickIndex       uint64
}

type stageState struct {
	id             StageID
	after          []StageID
	priority       int
	index          int
	systems        []*systemState
	interval       TickInterval
	configured     ErrorPolicy
	policy         ErrorPolicy
	reads          map[ComponentType]string
	writes         map[ComponentType]string
	resourceReads  map[string]string
	resourceWrites map[string]string
}

type systemState struct {
	system System
	desc   SystemDescriptor
	reads  []ComponentType
	writes []ComponentType
}

type schedulerBuilder struct {
	scheduler *stagedScheduler
}

type stageHandle struct {
	id StageID
}

func (h stageHandle) ID() StageID { return h.id }

// Builder returns a builder that can mutate the scheduler configuration.
func (s *stagedScheduler) Builder() SchedulerBuilder {
	return &schedulerBuilder{scheduler: s}
}

// WithWorkers sets the worker pool size. Zero dispatches every system inline, in stage
// registration order, on the goroutine calling Tick.
func (b *schedulerBuilder) WithWorkers(count int) SchedulerBuilder {
	if count < 0 {
		count = 0
	}
	b.scheduler.tickMu.Lock()
	defer b.scheduler.tickMu.Unlock()
	b.scheduler.mu.Lock()
	b.scheduler.workers = count
	b.scheduler.pool.Close()
	b.scheduler.pool = nil
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) WithErrorPolicy(id StageID, policy ErrorPolicy) SchedulerBuilder {
	b.scheduler.mu.Lock()
	if policy != ErrorPolicyContinue {
		b.scheduler.errorPolicies[id] = policy
	} else {
		delete(b.scheduler.errorPolicies, id)
	}
	if state, ok := b.scheduler.stages[id]; ok {
		state.policy = b.scheduler.resolvePolicy(id, state.configured)
	}
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) WithInstrumentation(cfg InstrumentationConfig) SchedulerBuilder {
	b.scheduler.mu.Lock()
	b.scheduler.applyInstrumentation(cfg)
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) WithLogger(logger Logger) SchedulerBuilder {
	if logger == nil {
		logger = noopLogger{}
	}
	b.scheduler.mu.Lock()
	b.scheduler.logger = logger
	b.scheduler.applyInstrumentation(b.scheduler.instrumentation)
	b.scheduler.mu.Unlock()
	return b
}

// Build re-validates every registered system against the world's component registry.
func (b *schedulerBuilder) Build() (Scheduler, error) {
	s := b.scheduler
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stage := range s.registered {
		for _, sys := range stage.systems {
			if err := validateDescriptor(s.world, sys.desc); err != nil {
				return nil, fmt.Errorf("ecs: stage %s: %w", stage.id, err)
			}
		}
	}
	return s, nil
}

func (s *stagedScheduler) applyInstrumentation(cfg InstrumentationConfig) {
	s.instrumentation = cfg
	if cfg.EnableTrace {
		s.tracer = runtimeTracer{}
	} else {
		s.tracer = noopTracer{}
	}
	s.observer = buildObserverChain(s.logger, cfg)
}

func (s *stagedScheduler) RegisterStage(cfg StageConfig) (StageHandle, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("ecs: stage requires non-empty ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stages[cfg.ID]; exists {
		return nil, fmt.Errorf("ecs: stage %s already registered", cfg.ID)
	}

	after := make([]StageID, 0, len(cfg.After))
	seen := make(map[StageID]struct{}, len(cfg.After))
	for _, dep := range cfg.After {
		if _, ok := s.stages[dep]; !ok {
			return nil, fmt.Errorf("%w: %s runs after %s", ErrUnknownStage, cfg.ID, dep)
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		after = append(after, dep)
	}

	state := &stageState{
		id:             cfg.ID,
		after:          after,
		priority:       cfg.Priority,
		index:          len(s.registered),
		interval:       cfg.Interval,
		configured:     cfg.ErrorPolicy,
		policy:         s.resolvePolicy(cfg.ID, cfg.ErrorPolicy),
		reads:          make(map[ComponentType]string),
		writes:         make(map[ComponentType]string),
		resourceReads:  make(map[string]string),
		resourceWrites: make(map[string]string),
	}
	for _, sys := range cfg.Systems {
		if sys == nil {
			continue
		}
		if err := s.admit(state, sys); err != nil {
			return nil, fmt.Errorf("ecs: stage %s: %w", cfg.ID, err)
		}
	}

	s.stages[cfg.ID] = state
	s.registered = append(s.registered, state)
	s.rebuildOrder()

	return stageHandle{id: cfg.ID}, nil
}

func (s *stagedScheduler) AddSystem(stage StageID, sys System) error {
	if sys == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.stages[stage]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if err := s.admit(state, sys); err != nil {
		return fmt.Errorf("ecs: stage %s: %w", stage, err)
	}
	return nil
}

// admit validates sys against the world and the systems already in state, then records it.
// Nothing is recorded on failure.
func (s *stagedScheduler) admit(state *stageState, sys System) error {
	desc := sys.Descriptor()
	if desc.Name == "" {
		desc.Name = "<unnamed>"
	}
	if err := validateDescriptor(s.world, desc); err != nil {
		return err
	}
	if err := checkStageConflicts(state, desc); err != nil {
		return err
	}

	writes := append([]ComponentType(nil), desc.Writes...)
	reads := make([]ComponentType, 0, len(desc.Reads))
	for _, comp := range desc.Reads {
		if !containsComponent(writes, comp) && !containsComponent(reads, comp) {
			reads = append(reads, comp)
		}
	}
	for _, comp := range reads {
		state.reads[comp] = desc.Name
	}
	for _, comp := range writes {
		state.writes[comp] = desc.Name
	}
	for _, res := range desc.Resources {
		if res.Name == "" {
			continue
		}
		if res.Mode == AccessModeWrite {
			state.resourceWrites[res.Name] = desc.Name
		} else {
			state.resourceReads[res.Name] = desc.Name
		}
	}
	state.systems = append(state.systems, &systemState{system: sys, desc: desc, reads: reads, writes: writes})
	return nil
}

func (s *stagedScheduler) resolvePolicy(id StageID, supplied ErrorPolicy) ErrorPolicy {
	if supplied != ErrorPolicyContinue {
		return supplied
	}
	if policy, ok := s.errorPolicies[id]; ok {
		return policy
	}
	return ErrorPolicyContinue
}

func validateDescriptor(world *World, desc SystemDescriptor) error {
	for _, comp := range desc.Reads {
		if !world.Registered(comp) {
			return fmt.Errorf("%w: %s reads %s", ErrComponentNotRegistered, desc.Name, comp)
		}
	}
	seen := make(map[ComponentType]struct{}, len(desc.Writes))
	for _, comp := range desc.Writes {
		if !world.Registered(comp) {
			return fmt.Errorf("%w: %s writes %s", ErrComponentNotRegistered, desc.Name, comp)
		}
		if _, dup := seen[comp]; dup {
			return fmt.Errorf("%w: %s writes component %s multiple times", ErrDuplicateWriteAccess, desc.Name, comp)
		}
		seen[comp] = struct{}{}
	}
	seenRes := make(map[string]struct{})
	for _, res := range desc.Resources {
		if res.Mode != AccessModeWrite || res.Name == "" {
			continue
		}
		if _, dup := seenRes[res.Name]; dup {
			return fmt.Errorf("%w: %s writes resource %s multiple times", ErrResourceAccessConflict, desc.Name, res.Name)
		}
		seenRes[res.Name] = struct{}{}
	}
	return nil
}

// checkStageConflicts rejects desc when it writes something another system of the stage
// touches, or touches something another system of the stage writes.
func checkStageConflicts(state *stageState, desc SystemDescriptor) error {
	for _, comp := range desc.Writes {
		if owner, ok := state.writes[comp]; ok {
			return fmt.Errorf("%w: %s and %s both write %s", ErrAccessConflict, owner, desc.Name, comp)
		}
		if reader, ok := state.reads[comp]; ok {
			return fmt.Errorf("%w: %s writes %s while %s reads it", ErrAccessConflict, desc.Name, comp, reader)
		}
	}
	for _, comp := range desc.Reads {
		if owner, ok := state.writes[comp]; ok {
			return fmt.Errorf("%w: %s reads %s while %s writes it", ErrAccessConflict, desc.Name, comp, owner)
		}
	}
	for _, res := range desc.Resources {
		if res.Name == "" {
			continue
		}
		if owner, ok := state.resourceWrites[res.Name]; ok {
			return fmt.Errorf("%w: %s and %s both use resource %s", ErrResourceAccessConflict, owner, desc.Name, res.Name)
		}
		if res.Mode != AccessModeWrite {
			continue
		}
		if reader, ok := state.resourceReads[res.Name]; ok {
			return fmt.Errorf("%w: %s writes resource %s while %s reads it", ErrResourceAccessConflict, desc.Name, res.Name, reader)
		}
	}
	return nil
}

// rebuildOrder sorts stages topologically. Predecessors must already be registered,
// so the graph has no cycles.
func (s *stagedScheduler) rebuildOrder() {
	indegree := make(map[StageID]int, len(s.registered))
	dependents := make(map[StageID][]*stageState, len(s.registered))
	ready := make([]*stageState, 0, len(s.registered))
	for _, state := range s.registered {
		indegree[state.id] = len(state.after)
		for _, dep := range state.after {
			dependents[dep] = append(dependents[dep], state)
		}
		if len(state.after) == 0 {
			ready = append(ready, state)
		}
	}

	ordered := make([]*stageState, 0, len(s.registered))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].priority != ready[j].priority {
				return ready[i].priority < ready[j].priority
			}
			return ready[i].index < ready[j].index
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)
		for _, dep := range dependents[next.id] {
			indegree[dep.id]--
			if indegree[dep.id] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	s.ordered = ordered
}

func (s *stagedScheduler) Stages() []StageID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StageID, 0, len(s.ordered))
	for _, state := range s.ordered {
		out = append(out, state.id)
	}
	return out
}

type stagePlan struct {
	stage   *stageState
	systems []*systemState
}

// Tick dispatches every due stage once. A tick that has started runs to completion:
// ctx is only consulted before the first stage. An aborted tick still counts, so
// interval schedules never see the same index twice.
func (s *stagedScheduler) Tick(ctx context.Context, dt time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if s.pool == nil && s.workers > 0 {
		s.pool = newWorkerPool(s.workers)
	}
	plans := make([]stagePlan, 0, len(s.ordered))
	for _, state := range s.ordered {
		plans = append(plans, stagePlan{stage: state, systems: append([]*systemState(nil), state.systems...)})
	}
	pool := s.pool
	tracer := s.tracer
	logger := s.logger
	world := s.world
	tick := s.tickIndex
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	var pending []Command
	for _, plan := range plans {
		if !shouldRunTick(tick, plan.stage.interval) {
			continue
		}
		summary, commands := s.runStage(runCtx, plan, pool, world, dt, tick, logger, tracer)
		s.publishStageSummary(summary)
		if summary.Error != nil {
			s.advanceTick()
			return summary.Error
		}
		pending = append(pending, commands...)
	}

	if len(pending) > 0 {
		if err := world.ApplyCommands(pending); err != nil {
			return err
		}
	}

	s.advanceTick()
	return nil
}

func (s *stagedScheduler) advanceTick() {
	s.mu.Lock()
	s.tickIndex++
	s.mu.Unlock()
}

// runStage submits every due system of the stage and waits for all of them.
func (s *stagedScheduler) runStage(ctx context.Context, plan stagePlan, pool *workerPool, world *World, dt time.Duration, tick uint64, logger Logger, tracer Tracer) (StageSummary, []Command) {
	stage := plan.stage
	stageLogger := logger.With("stage", string(stage.id))
	ctx, span := tracer.Start(ctx, "stage:"+string(stage.id))
	defer span.End()

	summary := StageSummary{
		StageID:         stage.id,
		Tick:            tick,
		SystemsTotal:    len(plan.systems),
		ComponentReads:  componentKeys(stage.reads),
		ComponentWrites: componentKeys(stage.writes),
		ResourceReads:   stringKeys(stage.resourceReads),
		ResourceWrites:  stringKeys(stage.resourceWrites),
	}

	start := time.Now()
	handles := make([]*jobHandle, len(plan.systems))
	for i, sys := range plan.systems {
		if !shouldRunTick(tick, sys.desc.RunEvery) {
			continue
		}
		handles[i] = pool.Submit(ctx, func(jobCtx context.Context) jobResult {
			out := s.runSystem(jobCtx, sys, stage.policy, world, dt, tick, stageLogger, tracer)
			return jobResult{outcome: &out}
		})
	}

	var commands []Command
	for i, handle := range handles {
		if handle == nil {
			summary.SystemsSkipped++
			continue
		}
		res := handle.Wait()
		out := res.Outcome()
		if out == nil {
			out = &systemOutcome{name: plan.systems[i].desc.Name, err: res.Err()}
		}
		switch {
		case out.err != nil:
			summary.SystemsFailed++
			summary.Failures = append(summary.Failures, SystemFailure{System: out.name, Err: out.err, Attempts: out.attempts})
			stageLogger.Error("system failed", "system", out.name, "attempts", out.attempts, "err", out.err)
		case out.skipped:
			summary.SystemsSkipped++
			commands = append(commands, out.commands...)
		default:
			summary.SystemsExecuted++
			commands = append(commands, out.commands...)
		}
	}
	summary.Duration = time.Since(start)

	if summary.SystemsFailed > 0 && stage.policy == ErrorPolicyAbort {
		summary.Error = fmt.Errorf("ecs: stage %s aborted: %w", stage.id, summary.Failures[0].Err)
	}
	return summary, commands
}

type systemOutcome struct {
	name     string
	attempts int
	skipped  bool
	err      error
	commands []Command
}

func (s *stagedScheduler) runSystem(ctx context.Context, sys *systemState, policy ErrorPolicy, world *World, dt time.Duration, tick uint64, logger Logger, tracer Tracer) systemOutcome {
	name := sys.desc.Name
	ctx, span := tracer.Start(ctx, "system:"+name)
	defer span.End()
	systemLogger := logger.With("system", name)

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	attempts := 1
	if policy == ErrorPolicyRetry {
		attempts = 2
	}
	out := systemOutcome{name: name}
	for attempt := 1; attempt <= attempts; attempt++ {
		out.attempts = attempt
		snapshot := buf.Snapshot()
		result := invokeSystem(ctx, sys, world, dt, tick, systemLogger, buf)
		if result.Err == nil {
			if attempt > 1 {
				systemLogger.Info("system retry succeeded", "attempt", attempt)
			}
			out.err = nil
			out.skipped = result.Skipped
			out.commands = buf.Drain()
			return out
		}
		buf.Restore(snapshot)
		out.err = fmt.Errorf("ecs: system %s failed: %w", name, result.Err)
		if attempt < attempts {
			systemLogger.Error("system failed, retrying", "err", result.Err)
		}
	}
	return out
}

// invokeSystem holds the system's borrow for the duration of Run and converts a panic
// into a failed result.
func invokeSystem(ctx context.Context, sys *systemState, world *World, dt time.Duration, tick uint64, logger Logger, buf *CommandBuffer) (result SystemResult) {
	borrow, err := world.TryBorrow(sys.reads, sys.writes)
	if err != nil {
		return SystemResult{Err: err}
	}
	defer borrow.Release()
	defer func() {
		if r := recover(); r != nil {
			result = SystemResult{Err: fmt.Errorf("%w: %v", ErrSystemPanic, r)}
		}
	}()

	exec := &systemExecutionContext{
		world:    world.bind(borrow),
		borrow:   borrow,
		dt:       dt,
		tick:     tick,
		logger:   logger,
		commands: buf,
	}
	return sys.system.Run(ctx, exec)
}

func (s *stagedScheduler) publishStageSummary(summary StageSummary) {
	s.mu.RLock()
	observer := s.observer
	s.mu.RUnlock()
	if observer == nil {
		return
	}
	observer.StageCompleted(summary)
}

func componentKeys(set map[ComponentType]string) []ComponentType {
	if len(set) == 0 {
		return nil
	}
	out := make([]ComponentType, 0, len(set))
	for comp := range set {
		out = append(out, comp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func stringKeys(set map[string]string) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for val := range set {
		out = append(out, val)
	}
	sort.Strings(out)
	return out
}

func containsComponent(list []ComponentType, t ComponentType) bool {
	for _, c := range list {
		if c == t {
			return true
		}
	}
	return false
}

func shouldRunTick(tick uint64, interval TickInterval) bool {
	every := uint64(interval.Every)
	if every == 0 {
		return true
	}
	offset := uint64(interval.Offset % interval.Every)
	return (tick+offset)%every == 0
}

func (s *stagedScheduler) Run(ctx context.Context, steps int, dt time.Duration) error {
	for i := 0; i < steps; i++ {
		if err := s.Tick(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

func (s *stagedScheduler) RunWithTrace(ctx context.Context, w io.Writer, fn func() error) error {
	s.mu.RLock()
	enabled := s.instrumentation.EnableTrace
	s.mu.RUnlock()
	if enabled && w != nil {
		if err := trace.Start(w); err != nil {
			return err
		}
		defer trace.Stop()
	}
	return fn()
}

func (s *stagedScheduler) World() *World {
	return s.world
}

func (s *stagedScheduler) TickIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickIndex
}

// Close stops the worker pool. A later Tick starts a fresh one.
func (s *stagedScheduler) Close() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()
	pool.Close()
}

type systemExecutionContext struct {
	world    *World
	borrow   *Borrow
	dt       time.Duration
	tick     uint64
	logger   Logger
	commands *CommandBuffer
}

func (c *systemExecutionContext) World() *World { return c.world }

func (c *systemExecutionContext) Borrow() *Borrow { return c.borrow }

func (c *systemExecutionContext) TimeDelta() time.Duration { return c.dt }

func (c *systemExecutionContext) TickIndex() uint64 { return c.tick }

func (c *systemExecutionContext) Logger() Logger { return c.logger }

func (c *systemExecutionContext) Defer(cmd Command) { c.commands.Push(cmd) }

type runtimeTracer struct{}

func (runtimeTracer) Start(ctx context.Context, name string) (context.Context, TraceSpan) {
	return trace.NewTask(ctx, name)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End() {}

type noopObserver struct{}

func (noopObserver) StageCompleted(StageSummary) {}
