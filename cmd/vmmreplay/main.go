package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/replay"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vmconfig"
)

type replayer struct {
	config    string
	script    string
	trace     string
	timeslice string
	logLevel  string
	summary   bool
	quiet     bool
}

func (r *replayer) parseFlags() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.StringVar(&r.config, "config", "", "VM config (YAML)")
	fs.StringVar(&r.script, "script", "", "exit script (YAML)")
	fs.StringVar(&r.trace, "trace", "", "write a binary exit trace to this file (overrides the config)")
	fs.StringVar(&r.timeslice, "timeslice", "", "record timeslices to this file (overrides the config)")
	fs.StringVar(&r.logLevel, "log-level", "", "log level (overrides the config)")
	fs.BoolVar(&r.summary, "summary", true, "print per-core counters at the end")
	fs.BoolVar(&r.quiet, "q", false, "do not print each step")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config vm.yaml -script exits.yaml\n\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if r.config == "" || r.script == "" {
		fs.Usage()
		return fmt.Errorf("-config and -script are required")
	}
	return nil
}

func (r *replayer) run() error {
	if err := r.parseFlags(); err != nil {
		return err
	}

	cfg, err := vmconfig.Load(r.config)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	script, err := replay.Load(r.script)
	if err != nil {
		return err
	}

	if r.trace == "" {
		r.trace = cfg.Trace
	}
	if r.trace != "" {
		if err := debug.OpenFile(r.trace); err != nil {
			return fmt.Errorf("failed to open trace: %w", err)
		}
		defer func() {
			if err := debug.Close(); err != nil {
				slog.Warn("trace incomplete", "err", err)
			}
		}()
	}

	if r.timeslice == "" {
		r.timeslice = cfg.Timeslice
	}
	if r.timeslice != "" {
		f, err := os.Create(r.timeslice)
		if err != nil {
			return fmt.Errorf("failed to create timeslice file: %w", err)
		}
		defer f.Close()

		closer, err := timeslice.Open(f)
		if err != nil {
			return fmt.Errorf("failed to start recording timeslices: %w", err)
		}
		defer func() {
			if err := closer.Close(); err != nil {
				slog.Warn("timeslice recording incomplete", "err", err)
			}
		}()
	}

	out := os.Stdout
	if r.quiet {
		out, err = os.Open(os.DevNull)
		if err != nil {
			return err
		}
		defer out.Close()
	}

	runner, err := replay.NewRunner(cfg, out, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to build machine: %w", err)
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := runner.Run(ctx, script); err != nil {
		return err
	}
	if r.summary {
		runner.Summary(os.Stdout)
	}
	return runner.Machine.VM.Faults()
}

func main() {
	r := replayer{}

	if err := r.run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmmreplay: %v\n", err)
		os.Exit(1)
	}
}
