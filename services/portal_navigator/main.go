// Portal Navigator Service
// Copyright (c) 2026 Steven Fisher
//
// This software is licensed for non-commercial use only.
// Commercial use requires a separate license.
// See LICENSE file for full terms.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"portalnav/diagstore"
	"portalnav/eventbus"
	nav "portalnav/services/portal_navigator/navigator_pkg"
)

func main() {
	loadEnvFile()

	var (
		configPath = flag.String("config", "", "Path to the flow plan (overrides NAV_FLOW_CONFIG)")
		port       = flag.String("port", "", "HTTP port (overrides PORT)")
		driverName = flag.String("driver", "", "Browser driver: playwright, rod or chromedp (overrides NAV_DRIVER)")
		once       = flag.Bool("once", false, "Run a single session, print the result and exit")
		workPath   = flag.String("work", "", "JSON file with the work unit for -once or -submit")
		submit     = flag.Bool("submit", false, "Publish the work unit to NATS workers and exit")
		wait       = flag.Duration("wait", 0, "With -submit, wait this long for the session result")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg := LoadConfig()
	if *configPath != "" {
		cfg.FlowConfig = *configPath
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *driverName != "" {
		cfg.Driver = *driverName
	}
	if *submit {
		os.Exit(runSubmit(cfg, *workPath, *wait))
	}

	plan, err := nav.LoadFlowPlan(cfg.FlowConfig)
	if err != nil {
		log.Printf("⚠️ Flow plan %s unavailable (%v), using the built-in plan", cfg.FlowConfig, err)
		plan = nav.DefaultPlan()
		if url := os.Getenv("PORTAL_LOGIN_URL"); url != "" {
			plan.LoginURL = url
		}
	}
	cfg.applyTo(plan)
	if err := plan.Validate(); err != nil {
		log.Fatalf("Invalid flow plan: %v", err)
	}

	logger := &ServiceLogger{}
	driver, err := nav.NewDriver(cfg.Driver, nav.DriverOptions{
		Logger:          logger,
		Headless:        cfg.Headless,
		ExecutablePath:  cfg.BrowserPath,
		InstallBrowsers: cfg.InstallBrowsers,
	})
	if err != nil {
		log.Fatalf("Failed to start %s driver: %v", cfg.Driver, err)
	}
	defer driver.Close()

	deps := ServiceDeps{
		Driver:      driver,
		Plan:        plan,
		Credentials: nav.DefaultEnvCredentials(),
		Logger:      logger,
	}
	var sink nav.Sink = nav.NewFileSink(cfg.DiagDir)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("⚠️ Redis unavailable (%v), results stay in memory only", err)
		} else {
			deps.Results = diagstore.NewResultStore(rdb, cfg.RetentionTTL)
			deps.Checkpoints = diagstore.NewCheckpointIndex(rdb, cfg.RetentionTTL)
			sink = diagstore.NewIndexedSink(sink, deps.Checkpoints)
			log.Printf("✅ Connected to Redis at %s", opt.Addr)
		}
	}
	deps.Sink = sink

	var bus *eventbus.NATSBus
	if cfg.NatsURL != "" {
		bus, err = eventbus.NewNATSBus(eventbus.NATSConfig{
			URL:           cfg.NatsURL,
			WorkSubject:   cfg.WorkSubject,
			ResultSubject: cfg.ResultSubject,
			Queue:         cfg.WorkerQueue,
		})
		if err != nil {
			log.Printf("⚠️ NATS unavailable (%v), work intake is HTTP only", err)
		} else {
			defer bus.Close()
			deps.Publisher = bus
		}
	}

	service := NewNavigatorService(cfg, deps)

	if *once {
		code := runOnce(service, *workPath)
		driver.Close()
		os.Exit(code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service.Start()
	defer service.Stop()

	if bus != nil {
		if _, err := bus.SubscribeWork(ctx, func(w nav.WorkUnit) {
			if _, err := service.Submit(w, "nats"); err != nil {
				log.Printf("❌ Rejected work %s from NATS: %v", w.ID, err)
			}
		}); err != nil {
			log.Printf("⚠️ Subscribing to %s failed: %v", cfg.WorkSubject, err)
		} else {
			log.Printf("📡 Listening for work on %s", cfg.WorkSubject)
		}
	}

	if cfg.Schedule != "" {
		scheduler := NewSessionScheduler(service)
		if err := scheduler.Schedule("default", cfg.Schedule, cfg.ScheduledWork); err != nil {
			log.Fatalf("Invalid NAV_SCHEDULE: %v", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	addr := cfg.Port
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	server := &http.Server{Addr: addr, Handler: service.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Portal Navigator Service (%s, plan %q) starting on %s", driver.Name(), plan.Name, addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("👋 Portal Navigator Service stopped")
}

// runOnce runs one session in the foreground and returns the exit code.
func runOnce(service *NavigatorService, workPath string) int {
	work, err := readWorkUnit(workPath)
	if err != nil {
		log.Printf("❌ %v", err)
		return 2
	}
	if work.ID == "" {
		work.ID = "once-" + time.Now().UTC().Format("20060102T150405")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := service.RunSession(ctx, uuid.New().String(), work)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if !result.Succeeded() {
		return 1
	}
	return 0
}
