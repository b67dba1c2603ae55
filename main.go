// splatapi/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"splatapi/api"
	"splatapi/config"
	"splatapi/pipeline"
	"splatapi/replicate"
	"splatapi/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Optional state replication to the external durable store
	var sink task.ReplicationSink
	var replicator *replicate.Replicator
	if cfg.ReplicaDatabaseURL != "" {
		store, err := replicate.NewPostgresStore(ctx, cfg.ReplicaDatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect replica store: %v", err)
		}
		defer store.Close()

		replicator = replicate.New(store, cfg.ReplicaQueueSize, cfg.ReplicaWorkers)
		replicator.Start(ctx)
		sink = replicator
	} else {
		log.Println("No replica database configured, state replication disabled.")
	}

	// 3. Registry, pipeline, and task manager
	registry := task.NewRegistry(sink)
	runner := pipeline.NewRunner(cfg.ProgressPollInterval)
	executor, err := pipeline.NewExecutor(cfg, runner)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline executor: %v", err)
	}
	manager := task.NewManager(cfg, registry, executor)

	// 4. Router and server
	router := api.SetupRouter(manager, registry, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 5. Start background services and the HTTP server
	manager.Start(ctx)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	if replicator != nil {
		replicator.Close()
	}

	log.Println("Server exiting")
}
