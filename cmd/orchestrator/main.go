// Command orchestrator runs the upload orchestrator: it owns the account
// store, job queue, browser session pool, and upload worker pool, and
// exposes an interactive console for manual operation.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ImViper/youtube-uploader-sub002/internal/accountstore"
	"github.com/ImViper/youtube-uploader-sub002/internal/breaker"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserclient"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserpool"
	"github.com/ImViper/youtube-uploader-sub002/internal/config"
	"github.com/ImViper/youtube-uploader-sub002/internal/jobqueue"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/metrics"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
	"github.com/ImViper/youtube-uploader-sub002/internal/orchestrator"
	"github.com/ImViper/youtube-uploader-sub002/internal/progresshub"
	"github.com/ImViper/youtube-uploader-sub002/internal/recovery"
	"github.com/ImViper/youtube-uploader-sub002/internal/selector"
	"github.com/ImViper/youtube-uploader-sub002/internal/store"
	"github.com/ImViper/youtube-uploader-sub002/internal/supervisor"
	"github.com/ImViper/youtube-uploader-sub002/internal/uploadworker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[orchestrator] config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[orchestrator] invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[orchestrator] logging error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	o, reloader, err := build(cfg, log)
	if err != nil {
		log.Fatal("build_failed")
	}

	fmt.Println("orchestrator listening for jobs")
	fmt.Println("Press Ctrl+C to stop")

	o.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		o.Supervisor.WaitForSignal(ctx)
		cancel()
	}()

	go interactiveConsole(ctx, o)

	<-ctx.Done()
	fmt.Println("\n[orchestrator] shutting down...")
	reloader.Stop()
	if err := o.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "[orchestrator] shutdown error: %v\n", err)
	}
	fmt.Println("[orchestrator] stopped")
}

func build(cfg *config.Config, log *logging.Logger) (*orchestrator.Orchestrator, *config.Reloader, error) {
	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	accounts := accountstore.New(db, cfg.Encryption.Key)
	sel := selector.New(accounts, selector.Config{HealthThreshold: cfg.Account.HealthThreshold})

	rolloverLoc := time.Local
	if cfg.Account.RolloverTZ != "" {
		if loc, err := time.LoadLocation(cfg.Account.RolloverTZ); err == nil {
			rolloverLoc = loc
		} else {
			log.Warn("invalid_rollover_tz_falling_back_to_local")
		}
	}
	rollover := accountstore.NewRolloverScheduler(accounts, rolloverLoc, log)

	queue := jobqueue.New(db, rdb, jobqueue.Config{
		BackoffBase:   time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond,
		BackoffCap:    time.Duration(cfg.Queue.BackoffCapMs) * time.Millisecond,
		LeaseDuration: time.Duration(cfg.Queue.LeaseMs) * time.Millisecond,
		AccountLimit: jobqueue.RateLimit{
			Max:      cfg.Queue.RateMax,
			Duration: time.Duration(cfg.Queue.RateDurationMs) * time.Millisecond,
		},
	})

	client := browserclient.New(browserclient.Config{
		BaseURL:      cfg.Browser.APIURL,
		MaxRetries:   cfg.Browser.MaxRetries,
		RetryBaseMs:  cfg.Browser.RetryBaseMs,
		CallTimeout:  time.Duration(cfg.Browser.CallTimeoutS) * time.Second,
		MaxCallsPerS: 5,
	})
	pool := browserpool.New(client, log, cfg.Browser.MaxSessions, time.Duration(cfg.Browser.LeaseWaitMs)*time.Millisecond, nil)

	br := breaker.NewRegistry(breaker.Config{
		ConsecutiveThreshold: cfg.Breaker.FailureThreshold,
		FailureThreshold:     0.5,
		VolumeThreshold:      cfg.Breaker.VolumeThreshold,
		Window:               time.Duration(cfg.Breaker.WindowMs) * time.Millisecond,
		ResetTimeout:         time.Duration(cfg.Breaker.ResetMs) * time.Millisecond,
		SuccessesToClose:     cfg.Breaker.SuccessThreshold,
	})

	sup := supervisor.New(log, time.Duration(cfg.Shutdown.TimeoutMs)*time.Millisecond, supervisor.AlertThresholds{
		Window: time.Minute,
		MaxPerWindow: map[orcherr.Kind]int{
			orcherr.KindNetwork:   cfg.Alerts.CriticalThreshold,
			orcherr.KindBrowser:   cfg.Alerts.CriticalThreshold,
			orcherr.KindAuth:      cfg.Alerts.CriticalThreshold,
			orcherr.KindSuspended: cfg.Alerts.CriticalThreshold,
		},
	})

	rec := recovery.New(db, pool, accounts, br, log)
	rec.SetSupervisor(sup)
	hub := progresshub.New()
	collector := metrics.New()

	workers := uploadworker.New(queue, sel, pool, rec, br, hub, accounts, performUpload, log, uploadworker.Config{
		Concurrency: cfg.MaxConcurrentUploads,
	})

	o := orchestrator.New(queue, accounts, pool, br, hub, workers, sup, collector, log)
	sup.Register("daily_rollover", rollover)
	rollover.Start()

	reloader := config.NewReloader(flag.Lookup("config").Value.String())
	if err := reloader.Start(); err != nil {
		log.Warn("config_reloader_failed_to_start")
	}

	go serveMonitoring(o, log)

	return o, reloader, nil
}

// serveMonitoring exposes the Prometheus scrape endpoint, a JSON metrics
// snapshot, and the progress WebSocket on a separate listener from the
// browser-control API.
func serveMonitoring(o *orchestrator.Orchestrator, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.Metrics.Handler())
	mux.HandleFunc("/metrics/snapshot", o.Metrics.JSONHandler())
	mux.HandleFunc("/progress", o.Hub.ServeWebSocket)

	addr := "0.0.0.0:9090"
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("monitoring_server_stopped")
	}
}

// performUpload is the opaque external upload step; the actual
// platform-specific automation lives outside this module's scope and is
// injected here as the single integration seam.
func performUpload(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(percent int, stage string)) error {
	progressFn(0, "starting")
	return orcherr.New(orcherr.KindUnknown, session.WindowName, "performUpload not wired to a concrete automation backend")
}

func interactiveConsole(ctx context.Context, o *orchestrator.Orchestrator) {
	time.Sleep(500 * time.Millisecond)
	reader := bufio.NewReader(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("orchestrator> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			continue
		}
		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			printHelp()
		case "status":
			printStatus(ctx, o)
		case "submit":
			if len(parts) < 2 {
				fmt.Println("usage: submit <source_path> [account_id]")
				continue
			}
			submit(ctx, o, parts[1:])
		case "pause":
			o.Pause(ctx)
		case "resume":
			o.Resume(ctx)
		case "quit", "exit":
			fmt.Println("use Ctrl+C to stop")
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  help                          - show this help")
	fmt.Println("  status                        - show system status")
	fmt.Println("  submit <path> [account_id]    - submit a job")
	fmt.Println("  pause / resume                - pause or resume dequeuing")
	fmt.Println("  quit/exit                     - print how to stop (use Ctrl+C)")
}

func printStatus(ctx context.Context, o *orchestrator.Orchestrator) {
	status, err := o.SystemStatus(ctx)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	data, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(data))
}

func submit(ctx context.Context, o *orchestrator.Orchestrator, args []string) {
	opts := jobqueue.EnqueueOptions{}
	if len(args) > 1 {
		opts.PinnedAccountID = args[1]
	}
	job, err := o.Submit(ctx, jobqueue.VideoSpec{Title: args[0], SourcePath: args[0]}, opts)
	if err != nil {
		fmt.Printf("error submitting job: %v\n", err)
		return
	}
	fmt.Printf("job submitted: %s\n", job.ID)
}
