// Command poolctl is an operator client for a running agentpoold ops server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/opsserver"
)

const defaultAddr = "http://127.0.0.1:9090"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var code int
	switch cmd {
	case "status":
		code = runStatus(args)
	case "logs":
		code = runLogs(args)
	case "usage":
		code = runUsage(args)
	case "help", "-help", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", cmd)
		printUsage()
		code = 1
	}

	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "PoolCtl - Agent Pool Operator Client\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  status  - Show the pool per agent type, active alerts and budget spend\n")
	fmt.Fprintf(os.Stderr, "  logs    - Tail the daemon's in-memory log buffer\n")
	fmt.Fprintf(os.Stderr, "  usage   - Query aggregate usage for one agent type\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s status\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s status -addr http://pool-host:9090 -json\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s logs -n 50\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s usage -agent-type nina -window 24h\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Common flags:\n")
	fmt.Fprintf(os.Stderr, "  -addr string\n        Ops server base URL (default %q)\n", defaultAddr)
}

func runStatus(args []string) int {
	flagSet := flag.NewFlagSet("poolctl status", flag.ExitOnError)
	addr := flagSet.String("addr", defaultAddr, "Ops server base URL")
	jsonOut := flagSet.Bool("json", false, "Print the raw JSON response")
	if err := flagSet.Parse(args); err != nil {
		return 1
	}

	body, err := get(*addr, "/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		fmt.Println(strings.TrimSpace(string(body)))
		return 0
	}

	var st opsserver.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decoding status response: %v\n", err)
		return 1
	}

	printStatus(&st)
	return 0
}

func printStatus(st *opsserver.StatusResponse) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Printf("Daemon:   %s (version %s)\n", state, st.Version)
	fmt.Printf("Strategy: %s\n", st.Strategy)

	agentTypes := make([]string, 0, len(st.AgentTypes))
	for at := range st.AgentTypes {
		agentTypes = append(agentTypes, at)
	}
	sort.Strings(agentTypes)

	for _, at := range agentTypes {
		instances := st.AgentTypes[at]
		fmt.Printf("\n%s (%d instances):\n", at, len(instances))
		fmt.Printf("  %-16s %-10s %-7s %-10s %8s %9s  %s\n",
			"ID", "STATUS", "LOAD", "CIRCUIT", "SUCCESS", "AVG MS", "ENDPOINT")
		for _, inst := range instances {
			fmt.Printf("  %-16s %-10s %3d/%-3d %-10s %7.1f%% %9.1f  %s\n",
				inst.ID, inst.Status, inst.Load, inst.Capacity, inst.CircuitState,
				inst.Perf.SuccessRate*100, inst.Perf.AvgResponseTimeMs, inst.Endpoint)
		}
	}

	if len(st.ActiveAlerts) > 0 {
		fmt.Printf("\nActive alerts:\n")
		for _, a := range st.ActiveAlerts {
			fmt.Printf("  [%s] %s: %s (age %s)\n",
				a.Severity, a.RuleName, a.Message, formatAge(a.CreatedAt))
		}
	}

	if len(st.SpentCents) > 0 {
		fmt.Printf("\nBudget spend today:\n")
		spenders := make([]string, 0, len(st.SpentCents))
		for at := range st.SpentCents {
			spenders = append(spenders, at)
		}
		sort.Strings(spenders)
		for _, at := range spenders {
			fmt.Printf("  %-16s %d cents\n", at, st.SpentCents[at])
		}
	}
}

func formatAge(created time.Time) string {
	age := time.Since(created)
	if age < 0 {
		age = 0
	}
	return age.Round(time.Second).String()
}

func runLogs(args []string) int {
	flagSet := flag.NewFlagSet("poolctl logs", flag.ExitOnError)
	addr := flagSet.String("addr", defaultAddr, "Ops server base URL")
	count := flagSet.Int("n", 100, "Number of log lines to fetch")
	if err := flagSet.Parse(args); err != nil {
		return 1
	}

	query := url.Values{"n": []string{fmt.Sprintf("%d", *count)}}
	body, err := get(*addr, "/logs", query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var entries []logx.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decoding log response: %v\n", err)
		return 1
	}

	for _, e := range entries {
		fmt.Printf("[%s] [%s] %s: %s\n", e.Timestamp, e.Component, e.Level, e.Message)
	}
	return 0
}

func runUsage(args []string) int {
	flagSet := flag.NewFlagSet("poolctl usage", flag.ExitOnError)
	addr := flagSet.String("addr", defaultAddr, "Ops server base URL")
	agentType := flagSet.String("agent-type", "", "Agent type to query (required)")
	window := flagSet.String("window", "1h", "Query window (e.g. 15m, 24h)")
	if err := flagSet.Parse(args); err != nil {
		return 1
	}

	if *agentType == "" {
		fmt.Fprintf(os.Stderr, "Error: -agent-type is required\n")
		return 1
	}

	query := url.Values{
		"agent_type": []string{*agentType},
		"window":     []string{*window},
	}
	body, err := get(*addr, "/usage", query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var usage metrics.AgentTypeUsage
	if err := json.Unmarshal(body, &usage); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decoding usage response: %v\n", err)
		return 1
	}

	fmt.Printf("Usage for %s (window %s):\n", usage.AgentType, *window)
	fmt.Printf("  Requests:  %d\n", usage.Requests)
	fmt.Printf("  Failures:  %d\n", usage.Failures)
	fmt.Printf("  Cost:      %.0f cents\n", usage.TotalCostCents)
	fmt.Printf("  P95 exec:  %.2fs\n", usage.P95ExecutionSeconds)
	return 0
}

// get fetches a JSON endpoint and returns the body, turning non-200 responses
// into errors carrying the server's message.
func get(addr, path string, query url.Values) ([]byte, error) {
	base := strings.TrimRight(addr, "/") + path
	if len(query) > 0 {
		base += "?" + query.Encode()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(base)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", base, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s: %s", base, resp.Status, strings.TrimSpace(string(body)))
	}

	return body, nil
}
