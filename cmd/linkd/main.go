// linkd is the controller-side daemon: it runs the cyclic task with a
// simulated motion executor, serves the control link, records
// telemetry to SQLite and exposes the HTTP monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arcline-robotics/motionlink/internal/api"
	"github.com/arcline-robotics/motionlink/internal/capture"
	"github.com/arcline-robotics/motionlink/internal/config"
	"github.com/arcline-robotics/motionlink/internal/cycle"
	"github.com/arcline-robotics/motionlink/internal/link"
	"github.com/arcline-robotics/motionlink/internal/motion"
	"github.com/arcline-robotics/motionlink/internal/telemetry"
	"github.com/arcline-robotics/motionlink/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("linkd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Handle 'migrate' subcommand before starting anything.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		telemetry.RunMigrateCommand(args[1:], cfg.GetDatabasePath())
		return
	}

	limits, err := cfg.BuildLimits()
	if err != nil {
		log.Fatalf("Failed to build axis limits: %v", err)
	}

	db, err := telemetry.OpenAndMigrate(cfg.GetDatabasePath())
	if err != nil {
		log.Fatalf("Failed to open telemetry database: %v", err)
	}
	defer db.Close()

	rt, err := cycle.NewRuntime(cycle.Config{
		Period:    cfg.GetCyclePeriod(),
		Executor:  cycle.NewSimExecutor(cycle.SimConfig{}),
		MissLimit: cfg.GetWatchdogMissLimit(),
		Limits:    limits,
		OnTransition: func(from, to motion.LinkState, misses int) {
			ev := telemetry.WatchdogEvent{
				From:   from.String(),
				To:     to.String(),
				Misses: misses,
				At:     time.Now(),
			}
			log.Printf("watchdog %s -> %s after %d misses", ev.From, ev.To, ev.Misses)
			// The transition callback runs on the cyclic goroutine;
			// persist from a separate one.
			go func() {
				if err := db.RecordWatchdogEvent(ev); err != nil {
					log.Printf("failed to record watchdog event: %v", err)
				}
			}()
		},
	})
	if err != nil {
		log.Fatalf("Failed to build cyclic runtime: %v", err)
	}

	counters := &link.Counters{}
	counters.OnSessionStarted, counters.OnSessionEnded = db.SessionSink()

	server, err := link.NewServer(link.ServerConfig{
		Runtime:          rt,
		ControllerName:   cfg.GetControllerName(),
		HandshakeTimeout: cfg.GetHandshakeTimeout(),
		Stats:            counters,
	})
	if err != nil {
		log.Fatalf("Failed to build link server: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("linkd %s starting: controller=%s period=%v listen=%s monitor=%s",
		version.Version, cfg.GetControllerName(), cfg.GetCyclePeriod(),
		cfg.GetListenAddr(), cfg.GetMonitorAddr())

	// Cyclic task. A vendor environment would call rt.Cycle from its
	// own real-time loop instead.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("cyclic runtime stopped: %v", err)
		}
		log.Print("cyclic runtime terminated")
	}()

	// Control link over TCP.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx, cfg.GetListenAddr()); err != nil && err != context.Canceled {
			log.Printf("link server stopped: %v", err)
		}
		log.Print("link server terminated")
	}()

	// Control link over a serial line, when configured.
	if device := cfg.SerialDevice(); device != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ServeSerial(ctx, device, cfg.SerialOptions()); err != nil && err != context.Canceled {
				log.Printf("serial link stopped: %v", err)
			}
			log.Print("serial link terminated")
		}()
	}

	// Cycle-timing telemetry windows.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := telemetry.NewRecorder(db, rt, telemetry.DefaultWindow).Run(ctx); err != nil && err != context.Canceled {
			log.Printf("telemetry recorder stopped: %v", err)
		}
		log.Print("telemetry recorder terminated")
	}()

	// Live link-traffic capture, when configured and built with pcap.
	if cfg.CaptureEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := capture.Live(ctx, cfg.GetCaptureInterface(), cfg.GetCapturePort(), cfg.GetCaptureFile())
			if err != nil && err != context.Canceled {
				log.Printf("capture stopped: %v", err)
			}
		}()
	}

	// HTTP monitor server.
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		if cfg.GetDebugRoutes() {
			db.AttachAdminRoutes(mux)
		}
		apiMux := api.NewServer(rt, counters, db, cfg.GetControllerName()).ServeMux()
		mux.Handle("/", apiMux)

		httpServer := &http.Server{
			Addr:    cfg.GetMonitorAddr(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("monitor server failed: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down monitor server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("monitor server shutdown error: %v", err)
		}
		log.Print("monitor server terminated")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
