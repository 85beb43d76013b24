package ecs_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	ecs "github.com/DangerosoDavo/ecsim"
	"github.com/DangerosoDavo/ecsim/ecs/storage"
)

type testSystem struct {
	name      string
	desc      ecs.SystemDescriptor
	executed  *[]string
	run       func(ctx ecs.ExecutionContext) error
	mu        sync.Mutex
	failLimit int
	failCount int
	panicMsg  string
}

func (s *testSystem) Descriptor() ecs.SystemDescriptor {
	if s.desc.Name == "" {
		s.desc.Name = s.name
	}
	return s.desc
}

func (s *testSystem) Run(_ context.Context, ctx ecs.ExecutionContext) ecs.SystemResult {
	if s.executed != nil {
		s.mu.Lock()
		*s.executed = append(*s.executed, s.name)
		s.mu.Unlock()
	}
	if s.run != nil {
		if err := s.run(ctx); err != nil {
			return ecs.SystemResult{Err: err}
		}
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLimit > 0 && s.failCount < s.failLimit {
		s.failCount++
		return ecs.SystemResult{Err: fmt.Errorf("forced failure %s", s.name)}
	}
	return ecs.SystemResult{}
}

type recordingObserver struct {
	mu        sync.Mutex
	summaries []ecs.StageSummary
}

func (o *recordingObserver) StageCompleted(summary ecs.StageSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, summary)
}

func (o *recordingObserver) byStage(id ecs.StageID) []ecs.StageSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []ecs.StageSummary
	for _, s := range o.summaries {
		if s.StageID == id {
			out = append(out, s)
		}
	}
	return out
}

type recordingPromCollector struct {
	mu       sync.Mutex
	observed []ecs.StageSummary
}

func (c *recordingPromCollector) ObserveStage(summary ecs.StageSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = append(c.observed, summary)
}

type recordingSpanExporter struct {
	mu       sync.Mutex
	exported []ecs.StageSummary
}

func (e *recordingSpanExporter) ExportStage(summary ecs.StageSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported = append(e.exported, summary)
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
	args   []any
}

type logSink struct {
	mu      sync.Mutex
	entries []logEntry
}

type recordingLogger struct {
	sink   *logSink
	fields map[string]any
}

func newRecordingLogger() recordingLogger {
	return recordingLogger{sink: &logSink{}}
}

func (l recordingLogger) With(key string, value any) ecs.Logger {
	fields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return recordingLogger{sink: l.sink, fields: fields}
}

func (l recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l recordingLogger) record(level, msg string, args []any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, logEntry{level: level, msg: msg, fields: l.fields, args: args})
}

func (l recordingLogger) find(level, msg string) (logEntry, bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	for _, e := range l.sink.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func argValue(args []any, key string) any {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1]
		}
	}
	return nil
}

func newScheduler(t *testing.T, world *ecs.World, workers int) ecs.Scheduler {
	t.Helper()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.Builder().WithWorkers(workers)
	t.Cleanup(scheduler.Close)
	return scheduler
}

func newCounterWorld(t *testing.T, types ...ecs.ComponentType) *ecs.World {
	t.Helper()
	world := ecs.NewWorld()
	for _, typ := range types {
		if err := ecs.Register[int](world, typ, storage.NewDenseStrategy()); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}
	return world
}

func mustRegisterStage(t *testing.T, s ecs.Scheduler, cfg ecs.StageConfig) {
	t.Helper()
	if _, err := s.RegisterStage(cfg); err != nil {
		t.Fatalf("register stage %s: %v", cfg.ID, err)
	}
}

func tickOnce(t *testing.T, s ecs.Scheduler) {
	t.Helper()
	if err := s.Tick(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func TestSchedulerRunsStagesInGraphOrder(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 2)

	order := make([]string, 0)
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "late", Priority: 10, Systems: []ecs.System{&testSystem{name: "late", executed: &order}}})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "early", Priority: 0, Systems: []ecs.System{&testSystem{name: "early", executed: &order}}})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "mid", Priority: -5, After: []ecs.StageID{"early"}, Systems: []ecs.System{&testSystem{name: "mid", executed: &order}}})

	want := []ecs.StageID{"early", "mid", "late"}
	if got := scheduler.Stages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected stage order: %v", got)
	}

	tickOnce(t, scheduler)
	if !reflect.DeepEqual(order, []string{"early", "mid", "late"}) {
		t.Fatalf("unexpected execution order: %#v", order)
	}
}

func TestSchedulerEqualPriorityUsesRegistrationOrder(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 0)
	for _, id := range []ecs.StageID{"b", "a", "c"} {
		mustRegisterStage(t, scheduler, ecs.StageConfig{ID: id})
	}
	if got := scheduler.Stages(); !reflect.DeepEqual(got, []ecs.StageID{"b", "a", "c"}) {
		t.Fatalf("unexpected stage order: %v", got)
	}
}

func TestSchedulerRejectsBadStages(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 0)
	if _, err := scheduler.RegisterStage(ecs.StageConfig{}); err == nil {
		t.Fatalf("expected error for empty stage ID")
	}
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "x", After: []ecs.StageID{"missing"}}); !errors.Is(err, ecs.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "x"})
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "x"}); err == nil {
		t.Fatalf("expected duplicate stage error")
	}
	if err := scheduler.AddSystem("missing", &testSystem{name: "s"}); !errors.Is(err, ecs.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage from AddSystem, got %v", err)
	}
}

func TestSchedulerStageBarrierExposesWrites(t *testing.T) {
	world := newCounterWorld(t, "value")
	id := world.CreateEntity()
	if err := world.Insert(id, "value", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	scheduler := newScheduler(t, world, 4)

	writer := &testSystem{
		name: "writer",
		desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"value"}},
		run: func(ctx ecs.ExecutionContext) error {
			col, err := ecs.Write[int](ctx.Borrow(), "value")
			if err != nil {
				return err
			}
			_, err = col.Update(id, func(v *int) { *v *= 10 })
			return err
		},
	}
	var seen int
	reader := &testSystem{
		name: "reader",
		desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"value"}},
		run: func(ctx ecs.ExecutionContext) error {
			col, err := ecs.Read[int](ctx.Borrow(), "value")
			if err != nil {
				return err
			}
			seen, _ = col.Get(id)
			return nil
		},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "write", Systems: []ecs.System{writer}})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "read", After: []ecs.StageID{"write"}, Systems: []ecs.System{reader}})

	tickOnce(t, scheduler)
	if seen != 10 {
		t.Fatalf("reader stage should observe the writer stage, saw %d", seen)
	}
}

func TestSchedulerRejectsConflictingAccessInStage(t *testing.T) {
	world := newCounterWorld(t, "pos", "vel")
	scheduler := newScheduler(t, world, 0)

	writerA := &testSystem{name: "writerA", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"pos"}}}
	writerB := &testSystem{name: "writerB", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"pos"}}}
	reader := &testSystem{name: "reader", desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"pos"}}}

	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "ww", Systems: []ecs.System{writerA, writerB}}); !errors.Is(err, ecs.ErrAccessConflict) {
		t.Fatalf("expected ErrAccessConflict for two writers, got %v", err)
	}
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "rw", Systems: []ecs.System{reader, writerA}}); !errors.Is(err, ecs.ErrAccessConflict) {
		t.Fatalf("expected ErrAccessConflict for reader and writer, got %v", err)
	}
	if got := scheduler.Stages(); len(got) != 0 {
		t.Fatalf("rejected stages must not be registered: %v", got)
	}

	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "stage", Systems: []ecs.System{writerA}})
	if err := scheduler.AddSystem("stage", reader); !errors.Is(err, ecs.ErrAccessConflict) {
		t.Fatalf("expected ErrAccessConflict from AddSystem, got %v", err)
	}

	readers := []ecs.System{
		&testSystem{name: "r1", desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"vel"}}},
		&testSystem{name: "r2", desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"vel"}}},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "readers", Systems: readers})

	// Conflicts only matter inside a stage.
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "other", Systems: []ecs.System{writerB}})
}

func TestSchedulerRejectsUnregisteredComponents(t *testing.T) {
	scheduler := newScheduler(t, newCounterWorld(t, "known"), 0)

	reader := &testSystem{name: "reader", desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"unknown"}}}
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "a", Systems: []ecs.System{reader}}); !errors.Is(err, ecs.ErrComponentNotRegistered) {
		t.Fatalf("expected ErrComponentNotRegistered, got %v", err)
	}
	writer := &testSystem{name: "writer", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"known", "known"}}}
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "b", Systems: []ecs.System{writer}}); !errors.Is(err, ecs.ErrDuplicateWriteAccess) {
		t.Fatalf("expected ErrDuplicateWriteAccess, got %v", err)
	}
}

func TestSchedulerRejectsResourceWriteConflicts(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 0)

	writer := &testSystem{name: "writer", desc: ecs.SystemDescriptor{Resources: []ecs.ResourceAccess{{Name: "clock", Mode: ecs.AccessModeWrite}}}}
	reader := &testSystem{name: "reader", desc: ecs.SystemDescriptor{Resources: []ecs.ResourceAccess{{Name: "clock", Mode: ecs.AccessModeRead}}}}
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "a", Systems: []ecs.System{writer, reader}}); !errors.Is(err, ecs.ErrResourceAccessConflict) {
		t.Fatalf("expected ErrResourceAccessConflict, got %v", err)
	}
	if _, err := scheduler.RegisterStage(ecs.StageConfig{ID: "b", Systems: []ecs.System{reader, writer}}); !errors.Is(err, ecs.ErrResourceAccessConflict) {
		t.Fatalf("expected ErrResourceAccessConflict, got %v", err)
	}

	other := &testSystem{name: "other", desc: reader.desc}
	other.desc.Name = "other"
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "readers", Systems: []ecs.System{reader, other}})
}

func TestSchedulerRunsStageSystemsConcurrently(t *testing.T) {
	const n = 3
	scheduler := newScheduler(t, ecs.NewWorld(), n)

	var arrived sync.WaitGroup
	arrived.Add(n)
	systems := make([]ecs.System, 0, n)
	for i := 0; i < n; i++ {
		systems = append(systems, &testSystem{
			name: fmt.Sprintf("s%d", i),
			run: func(ecs.ExecutionContext) error {
				arrived.Done()
				done := make(chan struct{})
				go func() {
					arrived.Wait()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-time.After(2 * time.Second):
					return errors.New("systems of one stage did not overlap")
				}
			},
		})
	}
	obs := &recordingObserver{}
	scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{Observer: obs})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "parallel", Systems: systems})

	tickOnce(t, scheduler)
	summaries := obs.byStage("parallel")
	if len(summaries) != 1 || summaries[0].SystemsFailed != 0 || summaries[0].SystemsExecuted != n {
		t.Fatalf("unexpected summary: %+v", summaries)
	}
}

func TestSchedulerConcurrentMatchesSequential(t *testing.T) {
	types := []ecs.ComponentType{"a", "b", "c", "d", "e", "f"}
	run := func(workers int) map[ecs.ComponentType][]int {
		world := newCounterWorld(t, append(types, "seed")...)
		for i := 0; i < 200; i++ {
			id := world.CreateEntity()
			_ = world.Insert(id, "seed", i)
			for j, typ := range types {
				if (i+j)%3 != 0 {
					_ = world.Insert(id, typ, 0)
				}
			}
		}
		scheduler := newScheduler(t, world, workers)
		systems := make([]ecs.System, 0, len(types))
		for j, typ := range types {
			systems = append(systems, &testSystem{
				name: string(typ),
				desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"seed"}, Writes: []ecs.ComponentType{typ}},
				run: func(ctx ecs.ExecutionContext) error {
					out, err := ecs.Write[int](ctx.Borrow(), typ)
					if err != nil {
						return err
					}
					seed, err := ecs.Read[int](ctx.Borrow(), "seed")
					if err != nil {
						return err
					}
					return ecs.Join2[int, int](out, seed, func(_ ecs.EntityID, v *int, s *int) bool {
						*v = *v*31 + *s*(j+1)
						return true
					})
				},
			})
		}
		mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "mix", Systems: systems})
		if err := scheduler.Run(context.Background(), 5, time.Millisecond); err != nil {
			t.Fatalf("run: %v", err)
		}

		out := make(map[ecs.ComponentType][]int, len(types))
		err := world.WithRead(types, func(b *ecs.Borrow) error {
			for _, typ := range types {
				col, err := ecs.Read[int](b, typ)
				if err != nil {
					return err
				}
				for _, id := range ecs.Intersect(mustView(t, world, typ)) {
					v, _ := col.Get(id)
					out[typ] = append(out[typ], v)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read results: %v", err)
		}
		return out
	}

	sequential := run(0)
	if got := run(4); !reflect.DeepEqual(got, sequential) {
		t.Fatalf("concurrent run diverged from sequential run")
	}
}

func mustView(t *testing.T, world *ecs.World, typ ecs.ComponentType) ecs.ComponentView {
	t.Helper()
	view, err := world.ViewComponent(typ)
	if err != nil {
		t.Fatalf("view %s: %v", typ, err)
	}
	return view
}

func TestSchedulerAppliesDeferredCommandsAfterLastStage(t *testing.T) {
	world := newCounterWorld(t, "tag")
	scheduler := newScheduler(t, world, 2)

	var created ecs.EntityID
	spawner := &testSystem{
		name: "spawner",
		run: func(ctx ecs.ExecutionContext) error {
			ctx.Defer(ecs.NewSpawnCommand(func(b *ecs.EntityBuilder) *ecs.EntityBuilder {
				return b.With("tag", 7)
			}, &created))
			return nil
		},
	}
	var midTickLen int
	observer := &testSystem{
		name: "observer",
		desc: ecs.SystemDescriptor{Reads: []ecs.ComponentType{"tag"}},
		run: func(ctx ecs.ExecutionContext) error {
			col, err := ecs.Read[int](ctx.Borrow(), "tag")
			midTickLen = col.Len()
			return err
		},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "spawn", Systems: []ecs.System{spawner}})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "observe", After: []ecs.StageID{"spawn"}, Systems: []ecs.System{observer}})

	tickOnce(t, scheduler)
	if midTickLen != 0 {
		t.Fatalf("structural change leaked into the tick: %d", midTickLen)
	}
	if created.IsZero() || !world.Registry().IsAlive(created) {
		t.Fatalf("spawn command was not applied")
	}
	view := mustView(t, world, "tag")
	if v, ok := view.Get(created); !ok || v.(int) != 7 {
		t.Fatalf("spawned entity missing component: %v %v", v, ok)
	}
}

func TestSchedulerContinuePolicyIsolatesFailures(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 2)
	obs := &recordingObserver{}
	logger := newRecordingLogger()
	scheduler.Builder().
		WithLogger(logger).
		WithInstrumentation(ecs.InstrumentationConfig{Observer: obs})

	order := make([]string, 0)
	failing := &testSystem{name: "failing", failLimit: 100}
	healthy := &testSystem{name: "healthy", executed: &order}
	next := &testSystem{name: "next", executed: &order}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "first", Systems: []ecs.System{failing, healthy}})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "second", After: []ecs.StageID{"first"}, Systems: []ecs.System{next}})

	tickOnce(t, scheduler)

	if !reflect.DeepEqual(order, []string{"healthy", "next"}) {
		t.Fatalf("unexpected execution: %v", order)
	}
	first := obs.byStage("first")
	if len(first) != 1 {
		t.Fatalf("expected one summary for first, got %d", len(first))
	}
	s := first[0]
	if s.SystemsFailed != 1 || s.SystemsExecuted != 1 || s.Error != nil {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(s.Failures) != 1 || s.Failures[0].System != "failing" || s.Failures[0].Attempts != 1 {
		t.Fatalf("unexpected failures: %+v", s.Failures)
	}
	if scheduler.TickIndex() != 1 {
		t.Fatalf("tick should complete, index %d", scheduler.TickIndex())
	}

	entry, ok := logger.find("error", "system failed")
	if !ok {
		t.Fatalf("failure was not logged: %+v", logger.sink.entries)
	}
	if entry.fields["stage"] != "first" || argValue(entry.args, "system") != "failing" {
		t.Fatalf("unexpected failure log: %+v", entry)
	}
	if err, _ := argValue(entry.args, "err").(error); err == nil {
		t.Fatalf("failure log should carry the error: %+v", entry)
	}
}

func TestSchedulerAbortPolicyStopsTick(t *testing.T) {
	world := newCounterWorld(t, "tag")
	scheduler := newScheduler(t, world, 2)

	order := make([]string, 0)
	failing := &testSystem{name: "failing", failLimit: 1}
	sibling := &testSystem{
		name:     "sibling",
		executed: &order,
		run: func(ctx ecs.ExecutionContext) error {
			ctx.Defer(ecs.NewCreateEntityCommand(nil))
			return nil
		},
	}
	later := &testSystem{name: "later", executed: &order}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "first", ErrorPolicy: ecs.ErrorPolicyAbort, Systems: []ecs.System{failing, sibling}})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "second", After: []ecs.StageID{"first"}, Systems: []ecs.System{later}})

	err := scheduler.Tick(context.Background(), time.Millisecond)
	if err == nil {
		t.Fatalf("expected abort error")
	}
	if !reflect.DeepEqual(order, []string{"sibling"}) {
		t.Fatalf("the aborting stage should finish and later stages should not run: %v", order)
	}
	if world.Registry().Count() != 0 {
		t.Fatalf("commands of an aborted tick must be discarded")
	}
	if scheduler.TickIndex() != 1 {
		t.Fatalf("aborted tick should still advance the index, got %d", scheduler.TickIndex())
	}

	tickOnce(t, scheduler)
	if scheduler.TickIndex() != 2 || world.Registry().Count() != 1 {
		t.Fatalf("scheduler should recover after the failure cleared")
	}
}

func TestSchedulerRetryPolicy(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := newScheduler(t, world, 0)
	obs := &recordingObserver{}
	scheduler.Builder().
		WithErrorPolicy("retry", ecs.ErrorPolicyRetry).
		WithInstrumentation(ecs.InstrumentationConfig{Observer: obs})

	sys := &testSystem{
		name:      "flaky",
		failLimit: 1,
		run: func(ctx ecs.ExecutionContext) error {
			ctx.Defer(ecs.NewCreateEntityCommand(nil))
			return nil
		},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "retry", Systems: []ecs.System{sys}})

	tickOnce(t, scheduler)

	summaries := obs.byStage("retry")
	if len(summaries) != 1 || summaries[0].SystemsExecuted != 1 || summaries[0].SystemsFailed != 0 {
		t.Fatalf("expected retry to succeed: %+v", summaries)
	}
	if world.Registry().Count() != 1 {
		t.Fatalf("commands of the failed attempt must be dropped, got %d entities", world.Registry().Count())
	}
}

func TestSchedulerRecoversSystemPanic(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 2)
	obs := &recordingObserver{}
	scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{Observer: obs})

	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "boom", Systems: []ecs.System{&testSystem{name: "panicky", panicMsg: "boom"}}})

	tickOnce(t, scheduler)

	summaries := obs.byStage("boom")
	if len(summaries) != 1 || len(summaries[0].Failures) != 1 {
		t.Fatalf("expected one failure: %+v", summaries)
	}
	if !errors.Is(summaries[0].Failures[0].Err, ecs.ErrSystemPanic) {
		t.Fatalf("expected ErrSystemPanic, got %v", summaries[0].Failures[0].Err)
	}
}

func TestSchedulerHonorsTickInterval(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 0)

	order := make([]string, 0)
	mustRegisterStage(t, scheduler, ecs.StageConfig{
		ID:       "every-other",
		Interval: ecs.TickInterval{Every: 2},
		Systems:  []ecs.System{&testSystem{name: "stage", executed: &order}},
	})
	mustRegisterStage(t, scheduler, ecs.StageConfig{
		ID: "always",
		Systems: []ecs.System{&testSystem{
			name:     "system",
			executed: &order,
			desc:     ecs.SystemDescriptor{RunEvery: ecs.TickInterval{Every: 3, Offset: 1}},
		}},
	})

	if err := scheduler.Run(context.Background(), 6, time.Millisecond); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Stage runs on ticks 0, 2, 4; the system on ticks 2 and 5.
	want := []string{"stage", "stage", "system", "stage", "system"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("unexpected execution: %v", order)
	}
}

func TestSchedulerObserverReceivesSummary(t *testing.T) {
	world := newCounterWorld(t, "pos", "vel")
	scheduler := newScheduler(t, world, 2)

	obs := &recordingObserver{}
	prom := &recordingPromCollector{}
	spans := &recordingSpanExporter{}
	scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{
		Observer: obs,
		Observation: ecs.ObservationSettings{
			EnablePrometheus:    true,
			PrometheusCollector: prom,
			EnableSpans:         true,
			SpanExporter:        spans,
		},
	})

	sys := &testSystem{
		name: "integrate",
		desc: ecs.SystemDescriptor{
			Reads:     []ecs.ComponentType{"vel"},
			Writes:    []ecs.ComponentType{"pos"},
			Resources: []ecs.ResourceAccess{{Name: "dt", Mode: ecs.AccessModeRead}},
		},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "move", Systems: []ecs.System{sys}})

	tickOnce(t, scheduler)

	summaries := obs.byStage("move")
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Tick != 0 || s.SystemsTotal != 1 || s.SystemsExecuted != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if !reflect.DeepEqual(s.ComponentReads, []ecs.ComponentType{"vel"}) || !reflect.DeepEqual(s.ComponentWrites, []ecs.ComponentType{"pos"}) {
		t.Fatalf("unexpected access sets: %v %v", s.ComponentReads, s.ComponentWrites)
	}
	if !reflect.DeepEqual(s.ResourceReads, []string{"dt"}) {
		t.Fatalf("unexpected resource reads: %v", s.ResourceReads)
	}
	if len(prom.observed) != 1 || len(spans.exported) != 1 {
		t.Fatalf("expected collector and exporter to see the stage, got %d and %d", len(prom.observed), len(spans.exported))
	}
}

func TestSchedulerTickHonorsCancelledContext(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 0)
	order := make([]string, 0)
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "a", Systems: []ecs.System{&testSystem{name: "a", executed: &order}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := scheduler.Tick(ctx, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(order) != 0 || scheduler.TickIndex() != 0 {
		t.Fatalf("cancelled tick should not run")
	}
}

func TestSchedulerBuildRevalidates(t *testing.T) {
	world := newCounterWorld(t, "pos")
	scheduler := newScheduler(t, world, 0)
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "a", Systems: []ecs.System{
		&testSystem{name: "s", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"pos"}}},
	}})

	built, err := scheduler.Builder().WithLogger(nil).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built != scheduler {
		t.Fatalf("build should return the same scheduler")
	}
}

func TestSchedulerCloseAllowsLaterTicks(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 2)
	order := make([]string, 0)
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "a", Systems: []ecs.System{&testSystem{name: "a", executed: &order}}})

	tickOnce(t, scheduler)
	scheduler.Close()
	tickOnce(t, scheduler)

	if len(order) != 2 {
		t.Fatalf("expected two runs, got %v", order)
	}
}

func TestSchedulerAbortedTickCountsForIntervals(t *testing.T) {
	scheduler := newScheduler(t, ecs.NewWorld(), 0)

	order := make([]string, 0)
	mustRegisterStage(t, scheduler, ecs.StageConfig{
		ID:          "every-other",
		Interval:    ecs.TickInterval{Every: 2},
		ErrorPolicy: ecs.ErrorPolicyAbort,
		Systems:     []ecs.System{&testSystem{name: "flaky", executed: &order, failLimit: 1}},
	})

	if err := scheduler.Tick(context.Background(), time.Millisecond); err == nil {
		t.Fatalf("expected the first tick to abort")
	}
	tickOnce(t, scheduler)

	if len(order) != 1 {
		t.Fatalf("index 0 must not be replayed after an abort: %v", order)
	}
	tickOnce(t, scheduler)
	if len(order) != 2 || scheduler.TickIndex() != 3 {
		t.Fatalf("stage should run again on index 2: %v at %d", order, scheduler.TickIndex())
	}
}

func TestSchedulerRetryKeepsWritesOfFailedAttempt(t *testing.T) {
	world := newCounterWorld(t, "value")
	id := world.CreateEntity()
	if err := world.Insert(id, "value", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	scheduler := newScheduler(t, world, 0)

	attempts := 0
	sys := &testSystem{
		name: "bump-then-fail",
		desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"value"}},
		run: func(ctx ecs.ExecutionContext) error {
			col, err := ecs.Write[int](ctx.Borrow(), "value")
			if err != nil {
				return err
			}
			if _, err := col.Update(id, func(v *int) { *v++ }); err != nil {
				return err
			}
			attempts++
			if attempts == 1 {
				return errors.New("fail after write")
			}
			return nil
		},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "retry", ErrorPolicy: ecs.ErrorPolicyRetry, Systems: []ecs.System{sys}})

	tickOnce(t, scheduler)

	view := mustView(t, world, "value")
	if v, _ := view.Get(id); v.(int) != 2 {
		t.Fatalf("the failed attempt's write is kept and the retry writes again, got %v", v)
	}
}

func TestSchedulerSystemCannotReenterItsOwnGuards(t *testing.T) {
	world := newCounterWorld(t, "force", "other")
	id := world.CreateEntity()
	if err := world.Insert(id, "force", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	scheduler := newScheduler(t, world, 2)
	obs := &recordingObserver{}
	scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{Observer: obs})

	var destroyed bool
	var readErr, otherErr error
	sys := &testSystem{
		name: "reentrant",
		desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"force"}},
		run: func(ctx ecs.ExecutionContext) error {
			destroyed = ctx.World().Destroy(id)
			readErr = ctx.World().WithRead([]ecs.ComponentType{"force"}, func(*ecs.Borrow) error { return nil })
			otherErr = ctx.World().Insert(id, "other", 5)
			return ctx.World().Insert(id, "force", 2)
		},
	}
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "physics", Systems: []ecs.System{sys}})

	done := make(chan error, 1)
	go func() { done <- scheduler.Tick(context.Background(), time.Millisecond) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick did not return")
	}

	summaries := obs.byStage("physics")
	if len(summaries) != 1 || summaries[0].SystemsFailed != 1 {
		t.Fatalf("expected the system to fail: %+v", summaries)
	}
	if !errors.Is(summaries[0].Failures[0].Err, ecs.ErrAccessConflict) {
		t.Fatalf("expected ErrAccessConflict, got %v", summaries[0].Failures[0].Err)
	}
	if destroyed || !world.Registry().IsAlive(id) {
		t.Fatalf("destroy inside the system should be refused")
	}
	if !errors.Is(readErr, ecs.ErrAccessConflict) {
		t.Fatalf("expected ErrAccessConflict from WithRead, got %v", readErr)
	}
	if otherErr != nil {
		t.Fatalf("types outside the running borrow stay usable: %v", otherErr)
	}
	if v, _ := mustView(t, world, "force").Get(id); v.(int) != 1 {
		t.Fatalf("force must be unchanged, got %v", v)
	}

	// The same world outside a tick still waits for and takes its guards normally.
	if err := world.Insert(id, "force", 3); err != nil {
		t.Fatalf("insert after tick: %v", err)
	}
}

func TestSchedulerDispatchFailsFastOnHeldGuard(t *testing.T) {
	world := newCounterWorld(t, "value")
	scheduler := newScheduler(t, world, 0)
	obs := &recordingObserver{}
	scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{Observer: obs})
	mustRegisterStage(t, scheduler, ecs.StageConfig{ID: "write", Systems: []ecs.System{&testSystem{
		name: "writer",
		desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"value"}},
	}}})

	held, err := world.Borrow([]ecs.ComponentType{"value"}, nil)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	tickOnce(t, scheduler)
	held.Release()

	summaries := obs.byStage("write")
	if len(summaries) != 1 || summaries[0].SystemsFailed != 1 || !errors.Is(summaries[0].Failures[0].Err, ecs.ErrAccessConflict) {
		t.Fatalf("expected the writer to fail with ErrAccessConflict: %+v", summaries)
	}

	tickOnce(t, scheduler)
	if got := obs.byStage("write"); got[1].SystemsExecuted != 1 {
		t.Fatalf("writer should run once the guard is free: %+v", got[1])
	}
}
