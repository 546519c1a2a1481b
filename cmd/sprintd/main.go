// Command sprintd is the Sprint Orchestrator process (spec.md §2 C9):
// it wires the State Store, Queue Broker, Event Bus, Git Coordinator,
// Agent Runner, Approval Gate, Wave Scheduler and Role Workers
// together, starts one consumer per named queue, resumes any sprints
// left in flight from a prior run, and serves the REST + /ws surface
// described in spec.md §6. Structurally grounded on the teacher's
// cmd/cliaimonitor/main.go: flag/env resolution, a coloured startup
// banner, and a signal-driven graceful shutdown sequence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sprintforge/orchestrator/internal/agentrunner"
	"github.com/sprintforge/orchestrator/internal/approval"
	"github.com/sprintforge/orchestrator/internal/config"
	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/notify"
	"github.com/sprintforge/orchestrator/internal/orchestrator"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/state"
	"github.com/sprintforge/orchestrator/internal/wave"
	"github.com/sprintforge/orchestrator/internal/workers"

	"log"
)

const (
	colorGreen = "\033[32m"
	colorReset = "\033[0m"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	printBanner()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir %s: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}

	roles, err := config.LoadRoles(cfg.RolesConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load roles config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(colorGreen)
	fmt.Printf("  Loaded %d agent role(s) from %s\n", len(roles.Roles), cfg.RolesConfigPath)
	fmt.Print(colorReset)

	store := state.NewStore(cfg.DataDir)

	eventDBPath := filepath.Join(cfg.DataDir, "events.db")
	eventStore, err := events.OpenSQLiteStore(eventDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open event store: %v\n", err)
		os.Exit(1)
	}
	defer eventStore.Close()
	bus := events.NewBus(eventStore)

	// With -nats-url empty or set to "embedded" the orchestrator runs its
	// own in-process broker (no externally managed NATS deployment needed
	// for local dev); any other URL, including the default
	// nats://127.0.0.1:4222, is dialled as an external server.
	var embedded *queue.EmbeddedServer
	natsURL := cfg.NATSURL
	if natsURL == "" || natsURL == "embedded" {
		embedded, err = queue.NewEmbeddedServer(queue.EmbeddedServerConfig{
			Port:      4222,
			JetStream: true,
			DataDir:   filepath.Join(cfg.DataDir, "broker"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "configure embedded broker: %v\n", err)
			os.Exit(1)
		}
		if err := embedded.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "start embedded broker: %v\n", err)
			os.Exit(1)
		}
		natsURL = embedded.URL()
		defer embedded.Shutdown()
	}

	// Open question decision 1 (DESIGN.md): the HTTP/WS surface still
	// starts in a degraded mode when the broker is unreachable; sprint
	// mutating endpoints then refuse with a clear 503 rather than the
	// process failing to boot entirely.
	broker, err := queue.NewBroker(natsURL)
	degraded := err != nil
	if degraded {
		log.Printf("[ORCHESTRATOR] queue broker unavailable (%v); starting in degraded mode", err)
		broker = nil
	} else {
		defer broker.Close()
	}

	gitRegistry := workers.NewGitRegistry(cfg.GitBin)
	runner := agentrunner.New(store.AgentLogRoot(), roles.AgentConfigs(cfg.AgentBin))
	gate := approval.New()

	deps := &workers.Deps{
		Store:             store,
		Bus:               bus,
		Broker:            broker,
		Git:               gitRegistry,
		Runner:            runner,
		Approval:          gate,
		Roles:             roles,
		MaxReviewCycles:   cfg.MaxReviewCycles,
		AutomergeNoRemote: cfg.AutomergeNoRemote,
	}
	deps.Wave = workers.NewWaveRegistry(deps)

	srv := orchestrator.New(cfg, store, bus, broker, deps, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if broker != nil {
		startConsumers(ctx, deps, cfg)
	}

	if cfg.DesktopNotify {
		router := notify.NewRouter()
		router.AddChannel(notify.NewToastNotifier("sprintd", fmt.Sprintf("http://localhost:%d", cfg.Port)))
		go router.Subscribe(bus, ctx.Done())
		fmt.Println("  Desktop notifications enabled")
	}

	health := wave.NewHealthMonitor(store, bus, cfg.StaleTaskThreshold, time.Minute)
	go health.Run(ctx)

	if !degraded {
		if err := srv.ResumeActiveSprints(ctx); err != nil {
			log.Printf("[ORCHESTRATOR] resume active sprints: %v", err)
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe() }()

	fmt.Printf("  Dashboard ready at http://localhost:%d\n", cfg.Port)
	fmt.Println()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println("Shutting down (signal received)...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}

	fmt.Println("Goodbye!")
}

// startConsumers launches one blocking Consume loop per named queue
// (spec.md §4.3 queue set; §5 "Worker concurrency per queue is 1"):
// the five singleton role queues plus one per configured developer
// slot.
func startConsumers(ctx context.Context, d *workers.Deps, cfg *config.Config) {
	stop := ctx.Done()

	research := workers.NewResearchWorker(d)
	go consumeLoop(d, queue.QueueResearch, stop, research.Handle)

	planning := workers.NewPlanningWorker(d)
	go consumeLoop(d, queue.QueuePlanning, stop, planning.Handle)

	testing := workers.NewTestingWorker(d)
	go consumeLoop(d, queue.QueueTesting, stop, testing.Handle)

	review := workers.NewReviewWorker(d)
	go consumeLoop(d, queue.QueueReview, stop, review.Handle)

	prcreate := workers.NewPRCreateWorker(d)
	go consumeLoop(d, queue.QueuePRCreate, stop, prcreate.Handle)

	pool := cfg.DevPoolSize
	if pool <= 0 {
		pool = 1
	}
	for i := 1; i <= pool; i++ {
		slot := fmt.Sprintf("dev-%d", i)
		devWorker := workers.NewDeveloperWorker(d, slot)
		go consumeLoop(d, queue.DeveloperQueue(slot), stop, devWorker.Handle)
	}
}

func consumeLoop(d *workers.Deps, queueName string, stop <-chan struct{}, handle queue.Handler) {
	if err := d.Broker.Consume(queueName, stop, handle); err != nil {
		log.Printf("[ORCHESTRATOR] consumer %s exited: %v", queueName, err)
	}
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                 sprintd — sprint orchestrator          ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()
}
