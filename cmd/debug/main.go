package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hv"
)

func formatEntry(e debug.Entry) string {
	ts := e.Time.Format(time.RFC3339Nano)
	switch e.Kind {
	case debug.KindExit:
		ex, err := e.Exit()
		if err != nil {
			return fmt.Sprintf("%s [%s] <%v>", ts, e.Source, err)
		}
		return fmt.Sprintf("%s [%s] exit %s rip=0x%x len=%d raw=0x%x info=0x%x",
			ts, e.Source, hv.ExitCause(ex.Cause), ex.RIP, ex.Len, ex.RawCode, ex.Info)
	case debug.KindBytes:
		return fmt.Sprintf("%s [%s] % x", ts, e.Source, e.Payload)
	default:
		return fmt.Sprintf("%s [%s] %s", ts, e.Source, e.Payload)
	}
}

func parseKinds(s string) ([]debug.Kind, error) {
	switch s {
	case "":
		return nil, nil
	case "exit":
		return []debug.Kind{debug.KindExit}, nil
	case "string":
		return []debug.Kind{debug.KindString}, nil
	case "bytes":
		return []debug.Kind{debug.KindBytes}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", s)
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	exits := flag.Bool("exits", false, "count exits per cause instead of printing entries")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter formatted entries")
	kind := flag.String("kind", "", "only show entries of this kind (exit, string, bytes)")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect binary core traces

USAGE:
  debug [flags] <filename>

FLAGS:
  -list          List all source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -exits         Count exits per core and cause
  -source REGEX  Only show entries whose source matches regex
  -match REGEX   Only show entries whose formatted text matches regex
  -kind KIND     Only show exit, string or bytes entries
  -limit N       Max entries to print (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

EXAMPLES:
  debug trace.bin                        First 100 entries
  debug -tail -limit 20 trace.bin        Last 20 entries
  debug -source 'core[01]$' trace.bin    Entries of core0 and core1
  debug -kind exit -match cpuid trace.bin
  debug -exits trace.bin
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	reader, closer, err := debug.OpenReader(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\nentries:  %d\n",
			earliest, latest, latest.Sub(earliest), reader.Len())
		return nil
	}

	var filter debug.Filter
	if filter.Kinds, err = parseKinds(*kind); err != nil {
		return err
	}
	if *source != "" {
		re, err := regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
		for _, src := range reader.Sources() {
			if re.MatchString(src) {
				filter.Sources = append(filter.Sources, src)
			}
		}
		if len(filter.Sources) == 0 {
			return nil
		}
	}

	if *exits {
		return countExits(reader, filter)
	}

	var matchRe *regexp.Regexp
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	// Without a text filter the reader can apply the limit itself.
	if matchRe == nil && *limit > 0 {
		if *tail {
			filter.Last = *limit
		} else {
			filter.First = *limit
		}
	}

	var lines []string
	if err := reader.Each(filter, func(e debug.Entry) error {
		line := formatEntry(e)
		if matchRe != nil && !matchRe.MatchString(line) {
			return nil
		}
		lines = append(lines, line)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if *limit > 0 && len(lines) > *limit {
		if *tail {
			lines = lines[len(lines)-*limit:]
		} else {
			lines = lines[:*limit]
		}
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func countExits(reader *debug.Reader, filter debug.Filter) error {
	filter.Kinds = []debug.Kind{debug.KindExit}
	type key struct {
		source string
		cause  hv.ExitCause
	}
	counts := map[key]int{}
	if err := reader.Each(filter, func(e debug.Entry) error {
		ex, err := e.Exit()
		if err != nil {
			return err
		}
		counts[key{e.Source, hv.ExitCause(ex.Cause)}]++
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		return counts[keys[i]] > counts[keys[j]]
	})
	for _, k := range keys {
		fmt.Printf("%-10s %-20s %d\n", k.source, k.cause, counts[k])
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
