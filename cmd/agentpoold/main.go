// Command agentpoold runs the agent pool daemon: it keeps the instance
// registry, health monitor, alert engine, and ops HTTP server alive until
// the process is signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentpool/pkg/alert"
	"agentpool/pkg/config"
	"agentpool/pkg/dispatch"
	"agentpool/pkg/eventlog"
	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/opsserver"
	"agentpool/pkg/persistence"
	"agentpool/pkg/version"
)

const stopGrace = 10 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML config file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("agentpoold %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if *debug {
		logx.SetDebug(true, nil)
	}

	// Run main logic and get exit code so defers execute before os.Exit.
	os.Exit(run(*configPath))
}

// run contains the main daemon logic and returns an exit code.
func run(flagPath string) int {
	logger := logx.NewLogger("agentpoold")

	configPath := config.Resolve(flagPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if configPath != "" {
		logger.Info("loaded config from %s", configPath)
	}

	// Create context with signal handling.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := dispatch.Options{}

	// Pool persistence. The dispatcher takes ownership and closes the
	// store on Stop.
	var persist *persistence.Store
	if cfg.Pool.DBPath != "" {
		persist, err = persistence.Open(cfg.Pool.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open pool database: %v\n", err)
			return 1
		}
		opts.Persist = persist
	}

	// Persisted alert rules replace the config-derived defaults.
	if persist != nil {
		rules, rulesErr := persist.LoadRules()
		switch {
		case rulesErr != nil:
			logger.Warn("loading persisted alert rules failed: %v", rulesErr)
		case len(rules) > 0:
			opts.Rules = rules
			logger.Info("restored %d alert rules", len(rules))
		}
	}

	if cfg.Telemetry.Listen != "" {
		opts.Recorder = metrics.NewPrometheusRecorder()
	}

	for _, channel := range cfg.Alerts.Channels {
		switch channel {
		case alert.ChannelLog:
			opts.Notifiers = append(opts.Notifiers, alert.NewLogNotifier())
		case alert.ChannelWebhook:
			token, tokenErr := config.WebhookToken(configPath)
			if tokenErr != nil {
				fmt.Fprintf(os.Stderr, "Failed to load webhook token: %v\n", tokenErr)
				if persist != nil {
					_ = persist.Close()
				}
				return 1
			}
			opts.Notifiers = append(opts.Notifiers, alert.NewWebhookNotifier(cfg.Alerts.WebhookURL, token))
		}
	}

	d, err := dispatch.New(cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dispatcher: %v\n", err)
		if persist != nil {
			_ = persist.Close()
		}
		return 1
	}

	// JSONL event log for audit and replay.
	if cfg.EventLogDir != "" {
		w, logErr := eventlog.NewWriter(cfg.EventLogDir)
		if logErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", logErr)
			return 1
		}
		defer func() {
			if closeErr := w.Close(); closeErr != nil {
				logger.Error("Failed to close event log: %v", closeErr)
			}
		}()
		d.Attach("eventlog", w.Listener())
		logger.Info("event log at %s", w.GetCurrentLogFile())
	}

	// Restore the fleet: persisted registrations first, then config seeds.
	if persist != nil {
		restored, loadErr := persist.LoadActiveInstances()
		if loadErr != nil {
			logger.Warn("loading persisted instances failed: %v", loadErr)
		}
		for _, instCfg := range restored {
			if regErr := d.Register(instCfg); regErr != nil {
				logger.Warn("restoring instance %s failed: %v", instCfg.ID, regErr)
			}
		}
		if len(restored) > 0 {
			logger.Info("restored %d instances", len(restored))
		}
	}
	for _, seed := range cfg.Pool.Seed {
		if regErr := d.Register(seed); regErr != nil {
			// A restored instance may already hold the seed's ID.
			logger.Warn("seeding instance %s failed: %v", seed.ID, regErr)
		}
	}

	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start dispatcher: %v\n", err)
		return 1
	}

	if cfg.Telemetry.Listen != "" {
		var usage *metrics.QueryService
		if cfg.Telemetry.PrometheusURL != "" {
			usage, err = metrics.NewQueryService(cfg.Telemetry.PrometheusURL)
			if err != nil {
				logger.Warn("usage queries disabled: %v", err)
				usage = nil
			}
		}
		srv := opsserver.NewServer(d, usage)
		if err := srv.StartServer(ctx, cfg.Telemetry.Listen); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start ops server: %v\n", err)
			return 1
		}
	}

	logger.Info("agentpoold %s ready (strategy %s, %d instances)",
		version.Version, d.Strategy(), len(d.Instances()))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopGrace)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Error("Dispatcher stop: %v", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
