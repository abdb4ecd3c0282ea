package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/vmm/internal/timeslice"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")
	core := fs.Int("core", -1, "Only include this core (-1 for all)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		summaries, err := timeslice.Summarize(f, *core)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		for _, s := range summaries {
			fmt.Printf("% 32s flags=% 10s count=% 8d sum=% 16s min=% 12s max=% 12s avg=% 12s\n",
				s.Kind.Name, s.Kind.Flags, s.Count, s.Total, s.Min, s.Max, s.Mean())
		}
		return
	}

	if err := timeslice.ReadAll(f, func(e timeslice.Entry) error {
		if *core >= 0 && e.Core != *core {
			return nil
		}
		fmt.Printf("core%d %s %s %s\n", e.Core, e.Kind.Name, e.Kind.Flags, e.Duration)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}
