package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/scripted"
	"github.com/tinyrange/vmm/internal/replay"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vmconfig"
)

type benchmark struct {
	cores     int
	n         int
	platform  string
	paging    string
	mix       string
	timeslice string
	summary   bool
}

// exitMix returns the exits one iteration replays, in order.
func exitMix(name string) ([]scripted.Exit, error) {
	cpuid := scripted.CPUID().WithGuest(func(s *hv.State) { s.Set(hv.RegisterRax, 1) })
	out := scripted.PortIO(scripted.IO{Port: 0x80, Size: 1, Length: 2})
	movCR0 := scripted.CRAccess(0, hv.CRMovFrom, hv.RegisterRax, 0, 3)

	switch name {
	case "cpuid":
		return []scripted.Exit{cpuid}, nil
	case "io":
		return []scripted.Exit{out}, nil
	case "cr":
		return []scripted.Exit{movCR0}, nil
	case "mixed":
		return []scripted.Exit{cpuid, out, movCR0}, nil
	}
	return nil, fmt.Errorf("unknown exit mix %q", name)
}

func (b *benchmark) run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.IntVar(&b.cores, "cores", 1, "number of cores, each replaying on its own goroutine")
	fs.IntVar(&b.n, "n", 100000, "iterations per core")
	fs.StringVar(&b.platform, "platform", "svm", "exit format to replay (svm or vmx)")
	fs.StringVar(&b.paging, "paging", "shadow", "paging mode (shadow or nested)")
	fs.StringVar(&b.mix, "mix", "mixed", "exits per iteration (cpuid, io, cr, mixed)")
	fs.StringVar(&b.timeslice, "timeslice", "", "record timeslices to this file")
	fs.BoolVar(&b.summary, "summary", false, "print per-core counters at the end")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if b.n <= 0 || b.cores <= 0 {
		return fmt.Errorf("-n and -cores must be positive")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	exits, err := exitMix(b.mix)
	if err != nil {
		return err
	}

	cfg := &vmconfig.Config{
		Cores:        b.cores,
		Platform:     b.platform,
		Paging:       b.paging,
		Capabilities: vmconfig.Capabilities{DecodeAssist: true, NextRIP: true},
		Regions: []vmconfig.Region{
			{Name: "ram", Kind: vmconfig.RegionRAM, Size: 16 << 20},
		},
		Boot:     vmconfig.Boot{Mode: "flat32", RIP: 0x1000},
		LogLevel: "warn",
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if b.timeslice != "" {
		f, err := os.Create(b.timeslice)
		if err != nil {
			return fmt.Errorf("failed to create timeslice file: %w", err)
		}
		defer f.Close()

		closer, err := timeslice.Open(f)
		if err != nil {
			return fmt.Errorf("failed to start recording timeslices: %w", err)
		}
		defer closer.Close()
	}

	runner, err := replay.NewRunner(cfg, io.Discard, io.Discard)
	if err != nil {
		return fmt.Errorf("failed to build machine: %w", err)
	}
	defer runner.Close()

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		pb = progressbar.Default(int64(b.n * b.cores))
		defer pb.Close()
	}

	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for i, core := range runner.Machine.VM.Cores() {
		backend := runner.Backends[i]
		g.Go(func() error {
			// The guest sits on the same instructions every iteration.
			rip := core.State().RIP
			for range b.n {
				core.State().RIP = rip
				for _, ex := range exits {
					backend.Push(ex)
					if err := core.Step(ctx); err != nil {
						return fmt.Errorf("core %d: %w", core.ID(), err)
					}
				}
				if pb != nil {
					pb.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := b.n * b.cores * len(exits)
	if pb != nil {
		pb.Finish()
		fmt.Println()
	}
	fmt.Printf("%d exits in %s: %.0f exits/sec, %s/exit\n",
		total, elapsed, float64(total)/elapsed.Seconds(), elapsed/time.Duration(total))

	if b.summary {
		runner.Summary(os.Stdout)
	}
	return nil
}

func main() {
	b := benchmark{}

	if err := b.run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run benchmark: %v\n", err)
		os.Exit(1)
	}
}
