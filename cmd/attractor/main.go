// attractor runs a swarm of point bodies through the attract, react and move stages and
// draws them in the terminal.
//
//	go run ./cmd/attractor -entities 500 -attractor 0,0
//	go run ./cmd/attractor -headless -ticks 300 -metrics-file stages.prom
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/sync/errgroup"

	"github.com/DangerosoDavo/ecsim/internal/config"
	"github.com/DangerosoDavo/ecsim/internal/render"
	"github.com/DangerosoDavo/ecsim/physics"
)

func main() {
	cfg := config.Default()
	cfg.Bind(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "attractor: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "attractor: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) (err error) {
	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim, err := newSimulation(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sim.Close())
	}()

	var traceOut io.Writer
	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("trace file: %w", err)
		}
		defer f.Close()
		traceOut = f
	}

	return sim.sched.RunWithTrace(ctx, traceOut, func() error {
		if cfg.Headless {
			return sim.runHeadless(ctx)
		}
		return runTerminal(ctx, sim, log)
	})
}

// newLogger logs to the log file when one is set. Without one, headless runs log to
// stderr and terminal runs discard logs so the screen stays intact.
func newLogger(cfg config.Config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closer := func() {}
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		out = f
		closer = func() { f.Close() }
	case !cfg.Headless:
		out = io.Discard
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, nil)
	} else {
		handler = slog.NewTextHandler(out, nil)
	}
	return slog.New(handler), closer, nil
}

// errQuit is returned by the event poller when the user asks to leave.
var errQuit = errors.New("quit")

func runTerminal(ctx context.Context, sim *simulation, log *slog.Logger) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	defer screen.Fini()
	screen.HideCursor()

	term := render.New(screen, render.WithGlyph(sim.cfg.Glyph))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			switch ev := screen.PollEvent().(type) {
			case nil, *tcell.EventInterrupt:
				return nil
			case *tcell.EventResize:
				screen.Sync()
			case *tcell.EventKey:
				if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
					return errQuit
				}
			}
		}
	})

	g.Go(func() error {
		defer screen.PostEvent(tcell.NewEventInterrupt(nil))
		status := fmt.Sprintf("workers %d  q quits", sim.cfg.Workers)
		err := sim.loop(gctx, true, func(tick uint64) error {
			drawn, err := physics.DrawablePositions(sim.world)
			if err != nil {
				return err
			}
			term.Draw(render.Frame{Bodies: drawn, Tick: tick, Status: status})
			return nil
		})
		if errors.Is(err, errTickLimit) {
			return nil
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, errQuit) {
		log.Info("quit requested", "tick", sim.sched.TickIndex())
		return nil
	}
	return err
}
