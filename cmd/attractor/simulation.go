package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	ecs "github.com/DangerosoDavo/ecsim"
	"github.com/DangerosoDavo/ecsim/internal/config"
	"github.com/DangerosoDavo/ecsim/physics"
)

// simulation owns the world, its scheduler and the files instrumentation writes to.
type simulation struct {
	cfg     config.Config
	log     *slog.Logger
	world   *ecs.World
	sched   ecs.Scheduler
	metrics *ecs.PrometheusStageCollector
	closers []io.Closer
}

func newSimulation(cfg config.Config, log *slog.Logger) (*simulation, error) {
	sim := &simulation{cfg: cfg, log: log, world: ecs.NewWorld()}
	sched, err := ecs.NewScheduler(sim.world)
	if err != nil {
		return nil, err
	}

	instr := ecs.InstrumentationConfig{EnableTrace: cfg.TraceFile != ""}
	if cfg.LogFile != "" {
		instr.Observation.EnableStructuredLogging = true
		instr.Observation.LoggingFormat = ecs.ObservationLogFormatKeyValue
	}
	if cfg.MetricsFile != "" {
		sim.metrics = ecs.NewPrometheusStageCollector(nil)
		instr.Observation.EnablePrometheus = true
		instr.Observation.PrometheusCollector = sim.metrics
	}
	if cfg.SpanFile != "" {
		f, err := os.Create(cfg.SpanFile)
		if err != nil {
			return nil, fmt.Errorf("span file: %w", err)
		}
		sim.closers = append(sim.closers, f)
		instr.Observation.EnableSpans = true
		instr.Observation.SpanOptions = &ecs.SpanOptions{Writer: f, ServiceName: "attractor"}
	}

	sim.sched, err = sched.Builder().
		WithWorkers(cfg.Workers).
		WithLogger(ecs.NewSlogLogger(log)).
		WithInstrumentation(instr).
		Build()
	if err != nil {
		sim.Close()
		return nil, err
	}

	var opts []physics.InstallOption
	if cfg.ResetForce {
		opts = append(opts, physics.WithForceReset())
	}
	if err := physics.Install(sim.sched, opts...); err != nil {
		sim.Close()
		return nil, err
	}
	sim.world.Resources().Set(physics.GainResource, float32(cfg.Gain))

	var swarm []physics.SwarmOption
	if cfg.Attractor != nil {
		swarm = append(swarm, physics.AttractedTo(*cfg.Attractor, cfg.Attractors))
	}
	rnd := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	if _, err := physics.SpawnSwarm(sim.world, cfg.Entities, rnd, swarm...); err != nil {
		sim.Close()
		return nil, err
	}

	log.Info("simulation ready",
		"entities", cfg.Entities,
		"workers", cfg.Workers,
		"gain", cfg.Gain,
		"stages", fmt.Sprint(sim.sched.Stages()),
	)
	return sim, nil
}

// errTickLimit ends the loop once the configured number of ticks ran.
var errTickLimit = errors.New("tick limit reached")

// loop ticks the scheduler until ctx is done or the tick limit is reached, calling
// after once per tick. paced waits for the tick interval between ticks.
func (s *simulation) loop(ctx context.Context, paced bool, after func(tick uint64) error) error {
	dt := s.cfg.TickInterval()
	var ticks <-chan time.Time
	if paced {
		ticker := time.NewTicker(dt)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		if paced {
			select {
			case <-ctx.Done():
				return nil
			case <-ticks:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		if err := s.sched.Tick(ctx, dt); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		tick := s.sched.TickIndex()
		if after != nil {
			if err := after(tick); err != nil {
				return err
			}
		}
		if s.cfg.Ticks > 0 && tick >= uint64(s.cfg.Ticks) {
			return errTickLimit
		}
	}
}

// runHeadless ticks without a screen, logging a status line once per second of
// simulated time.
func (s *simulation) runHeadless(ctx context.Context) error {
	every := uint64(s.cfg.TicksPerSecond)
	err := s.loop(ctx, s.cfg.Ticks == 0, func(tick uint64) error {
		if tick%every != 0 {
			return nil
		}
		drawn, err := physics.DrawablePositions(s.world)
		if err != nil {
			return err
		}
		s.log.Info("status", "tick", tick, "bodies", len(drawn), "centroid", physics.Centroid(drawn).String())
		return nil
	})
	if errors.Is(err, errTickLimit) {
		return nil
	}
	return err
}

// Close stops the scheduler, writes metrics and closes instrumentation files.
func (s *simulation) Close() error {
	if s.sched != nil {
		s.sched.Close()
	}
	var errs []error
	if s.metrics != nil && s.cfg.MetricsFile != "" {
		errs = append(errs, writeMetrics(s.cfg.MetricsFile, s.metrics))
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func writeMetrics(path string, metrics *ecs.PrometheusStageCollector) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics file: %w", err)
	}
	if err := metrics.WriteMetrics(f); err != nil {
		f.Close()
		return fmt.Errorf("metrics file: %w", err)
	}
	return f.Close()
}

