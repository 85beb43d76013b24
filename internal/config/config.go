// Package config holds the attractor command's settings and their flag bindings.
package config

import (
	"errors"
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/DangerosoDavo/ecsim/physics"
)

// Config is the full harness configuration.
type Config struct {
	Entities       int
	Gain           float64
	TicksPerSecond int
	Workers        int
	Seed           uint64
	// Attractor is the point attracted entities are pulled toward; nil attaches none.
	Attractor *physics.Vec2
	// Attractors limits how many spawned entities carry Attractor; zero means all.
	Attractors int
	ResetForce bool

	Headless bool
	// Ticks stops the run after that many ticks; zero runs until interrupted.
	Ticks int

	LogFormat   string
	LogFile     string
	MetricsFile string
	SpanFile    string
	TraceFile   string
	Glyph       string
}

func Default() Config {
	return Config{
		Entities:       1000,
		Gain:           0.1,
		TicksPerSecond: 30,
		Workers:        runtime.NumCPU(),
		Seed:           1,
		LogFormat:      "text",
		Glyph:          "*",
	}
}

// Bind registers a flag for every field, using the current values as defaults.
func (c *Config) Bind(fs *flag.FlagSet) {
	fs.IntVar(&c.Entities, "entities", c.Entities, "number of entities to spawn")
	fs.Float64Var(&c.Gain, "gain", c.Gain, "attraction gain k in Force += (Position - Attraction) * k")
	fs.IntVar(&c.TicksPerSecond, "tps", c.TicksPerSecond, "simulation ticks per second")
	fs.IntVar(&c.Workers, "workers", c.Workers, "scheduler worker goroutines (0 runs systems inline)")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "seed for initial velocities")
	fs.Var(pointFlag{c: c}, "attractor", "attraction point as x,y (default none)")
	fs.IntVar(&c.Attractors, "attractors", c.Attractors, "entities that receive the attraction point (0 means all)")
	fs.BoolVar(&c.ResetForce, "reset-force", c.ResetForce, "zero Force after every tick instead of accumulating it")
	fs.BoolVar(&c.Headless, "headless", c.Headless, "run without a terminal screen")
	fs.IntVar(&c.Ticks, "ticks", c.Ticks, "stop after this many ticks (0 runs until interrupted)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log encoding: text or json")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "write logs to this file instead of stderr")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "write Prometheus text metrics here on exit")
	fs.StringVar(&c.SpanFile, "span-file", c.SpanFile, "append one JSON span per stage here")
	fs.StringVar(&c.TraceFile, "trace-file", c.TraceFile, "write a runtime/trace capture here")
	fs.StringVar(&c.Glyph, "glyph", c.Glyph, "glyph drawn for each entity")
}

// TickInterval is the wall-clock period of one tick.
func (c Config) TickInterval() time.Duration {
	if c.TicksPerSecond <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.TicksPerSecond)
}

func (c Config) Validate() error {
	var errs []error
	if c.Entities < 0 {
		errs = append(errs, fmt.Errorf("entities must not be negative, got %d", c.Entities))
	}
	if c.TicksPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("tps must be positive, got %d", c.TicksPerSecond))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Attractors < 0 {
		errs = append(errs, fmt.Errorf("attractors must not be negative, got %d", c.Attractors))
	}
	if c.Ticks < 0 {
		errs = append(errs, fmt.Errorf("ticks must not be negative, got %d", c.Ticks))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log-format must be text or json, got %q", c.LogFormat))
	}
	if !c.Headless && c.Glyph == "" {
		errs = append(errs, errors.New("glyph must not be empty"))
	}
	return errors.Join(errs...)
}

// ParsePoint parses "x,y" into a vector.
func ParsePoint(s string) (physics.Vec2, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return physics.Vec2{}, fmt.Errorf("point %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 32)
	if err != nil {
		return physics.Vec2{}, fmt.Errorf("point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 32)
	if err != nil {
		return physics.Vec2{}, fmt.Errorf("point %q: %w", s, err)
	}
	return physics.V(float32(x), float32(y)), nil
}

type pointFlag struct {
	c *Config
}

func (p pointFlag) String() string {
	if p.c == nil || p.c.Attractor == nil {
		return ""
	}
	return fmt.Sprintf("%g,%g", p.c.Attractor.X, p.c.Attractor.Y)
}

func (p pointFlag) Set(s string) error {
	v, err := ParsePoint(s)
	if err != nil {
		return err
	}
	p.c.Attractor = &v
	return nil
}
