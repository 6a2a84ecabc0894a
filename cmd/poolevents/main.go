package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"agentpool/pkg/eventlog"
	"agentpool/pkg/events"
)

// InspectConfig holds configuration for the event log inspector
type InspectConfig struct {
	LogFile   string
	LogDir    string
	Types     string
	AgentType string
	Instance  string
	Since     time.Duration
	Tail      int
	Summary   bool
	JSONOut   bool
	Verbose   bool
}

func main() {
	var config InspectConfig
	var showHelp bool

	flag.StringVar(&config.LogFile, "log", "", "Path to a single events-*.jsonl file")
	flag.StringVar(&config.LogDir, "dir", "", "Directory containing events-*.jsonl files (reads all of them)")
	flag.StringVar(&config.Types, "type", "", "Comma-separated event types to keep (e.g. execution_recorded,alert_created)")
	flag.StringVar(&config.AgentType, "agent-type", "", "Keep only events for this agent type")
	flag.StringVar(&config.Instance, "instance", "", "Keep only events for this instance ID")
	flag.DurationVar(&config.Since, "since", 0, "Keep only events newer than this age (e.g. 2h, 30m)")
	flag.IntVar(&config.Tail, "n", 0, "Keep only the last N events after filtering (0 = all)")
	flag.BoolVar(&config.Summary, "summary", false, "Print per-type and per-agent-type counts instead of event lines")
	flag.BoolVar(&config.JSONOut, "json", false, "Emit raw JSONL instead of formatted lines")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose output")
	flag.BoolVar(&showHelp, "help", false, "Show help")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "PoolEvents - Event Log Inspector\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s -log <events.jsonl> [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dir <log-directory> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Description:\n")
		fmt.Fprintf(os.Stderr, "  Reads the daemon's JSONL event logs and prints filtered lifecycle\n")
		fmt.Fprintf(os.Stderr, "  events or an aggregate summary.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -log logs/events-2025-06-10.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dir logs -type instance_offline,alert_created -since 24h\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dir logs -agent-type nina -summary\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if config.LogFile == "" && config.LogDir == "" {
		fmt.Fprintf(os.Stderr, "Error: one of -log or -dir is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if config.LogFile != "" && config.LogDir != "" {
		fmt.Fprintf(os.Stderr, "Error: -log and -dir are mutually exclusive\n\n")
		flag.Usage()
		os.Exit(1)
	}

	exitCode, err := runInspect(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(exitCode)
}

func runInspect(config InspectConfig) (int, error) {
	files, err := resolveLogFiles(config)
	if err != nil {
		return 1, err
	}

	all, err := loadEvents(files, config.Verbose)
	if err != nil {
		return 1, err
	}

	matched := filterEvents(all, config, time.Now())
	if config.Tail > 0 && len(matched) > config.Tail {
		matched = matched[len(matched)-config.Tail:]
	}

	if config.Verbose {
		fmt.Printf("Loaded %d events from %d file(s), %d matched\n\n", len(all), len(files), len(matched))
	}

	switch {
	case config.Summary:
		printSummary(matched)
	case config.JSONOut:
		for _, e := range matched {
			data, err := e.ToJSON()
			if err != nil {
				return 1, err
			}
			fmt.Println(string(data))
		}
	default:
		for _, e := range matched {
			fmt.Println(formatEvent(e))
		}
	}

	return 0, nil
}

func resolveLogFiles(config InspectConfig) ([]string, error) {
	if config.LogFile != "" {
		return []string{config.LogFile}, nil
	}

	files, err := eventlog.ListLogFiles(config.LogDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no event log files found in %s", config.LogDir)
	}

	// Glob output is lexical, which for events-YYYY-MM-DD names is
	// chronological too.
	return files, nil
}

func loadEvents(files []string, verbose bool) ([]*events.Event, error) {
	var all []*events.Event
	for _, f := range files {
		parsed, err := eventlog.ReadEvents(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		if verbose {
			fmt.Printf("  %s: %d events\n", f, len(parsed))
		}
		all = append(all, parsed...)
	}
	return all, nil
}

func filterEvents(all []*events.Event, config InspectConfig, now time.Time) []*events.Event {
	types := parseTypeSet(config.Types)
	var cutoff time.Time
	if config.Since > 0 {
		cutoff = now.Add(-config.Since)
	}

	var matched []*events.Event
	for _, e := range all {
		if len(types) > 0 && !types[e.Type] {
			continue
		}
		if config.AgentType != "" && e.AgentType != config.AgentType {
			continue
		}
		if config.Instance != "" && e.InstanceID != config.Instance {
			continue
		}
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		matched = append(matched, e)
	}
	return matched
}

func parseTypeSet(spec string) map[events.Type]bool {
	if spec == "" {
		return nil
	}
	set := make(map[events.Type]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			set[events.Type(part)] = true
		}
	}
	return set
}

func formatEvent(e *events.Event) string {
	subject := e.AgentType
	if e.InstanceID != "" {
		if subject != "" {
			subject += "/"
		}
		subject += e.InstanceID
	}
	if subject == "" {
		subject = "-"
	}

	line := fmt.Sprintf("%s  %-24s %-20s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, subject)
	if len(e.Data) > 0 {
		line += " " + formatData(e.Data)
	}
	return line
}

func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

func printSummary(matched []*events.Event) {
	if len(matched) == 0 {
		fmt.Println("No events matched.")
		return
	}

	byType := make(map[events.Type]int)
	byAgent := make(map[string]int)
	first, last := matched[0].Timestamp, matched[0].Timestamp
	for _, e := range matched {
		byType[e.Type]++
		if e.AgentType != "" {
			byAgent[e.AgentType]++
		}
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}

	fmt.Printf("Events:  %d\n", len(matched))
	fmt.Printf("Window:  %s .. %s\n\n", first.Format(time.RFC3339), last.Format(time.RFC3339))

	fmt.Println("By type:")
	for _, t := range sortedTypeKeys(byType) {
		fmt.Printf("  %-26s %d\n", t, byType[t])
	}

	if len(byAgent) > 0 {
		fmt.Println("\nBy agent type:")
		agents := make([]string, 0, len(byAgent))
		for a := range byAgent {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		for _, a := range agents {
			fmt.Printf("  %-26s %d\n", a, byAgent[a])
		}
	}
}

func sortedTypeKeys(m map[events.Type]int) []events.Type {
	keys := make([]events.Type, 0, len(m))
	for t := range m {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
