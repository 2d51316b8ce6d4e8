package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vidgate/work/buffer"
	"vidgate/work/cache"
	"vidgate/work/client"
	"vidgate/work/config"
	"vidgate/work/handlers"
	"vidgate/work/logger"
	"vidgate/work/middleware"
	"vidgate/work/proxy"
	"vidgate/work/resolver"
	"vidgate/work/session"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// flag to drop an annotated example config and exit
	exampleConfig := flag.String("example-config", "", "write an example config file to the given path and exit")
	flag.Parse()

	if *exampleConfig != "" {
		if err := config.CreateExampleConfig(*exampleConfig); err != nil {
			log.Fatalf("Failed to write example config: %v", err)
		}
		fmt.Printf("Example config written to %s\n", *exampleConfig)
		os.Exit(0)
	}

	// load our config
	cfg := config.LoadConfig()

	// set up logging before anything else logs
	if cfg.Debug {
		logger.SetLogLevel("debug")
	}
	logger.SetObfuscation(cfg.ObfuscateUrls)

	// Initialize buffer pool
	bufferPool := buffer.NewPool()

	// Initialize upstream HTTP client
	upstream := client.New(cfg)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Initialize segment cache and session registry
	segments := cache.New(cfg.CacheBudgetBytes(), cfg.CacheTTL)
	sessions := session.NewRegistry(cfg.SessionTTL, cfg.SweepInterval)

	// Initialize source resolver
	res := resolver.New(cfg, upstream)

	// Create proxy instance
	proxyInstance := proxy.New(cfg, upstream, res, segments, sessions, workerPool, bufferPool)
	proxyInstance.Start()

	// Setup HTTP routes
	router := mux.NewRouter()

	// Manifest entry point for the player
	router.HandleFunc("/manifest/{contentId}", handlers.HandleManifest(proxyInstance)).Methods("GET")

	// Segment handler; DASH template references carry a cleartext remainder
	router.HandleFunc("/segment/{ref}", handlers.HandleSegment(proxyInstance)).Methods("GET")
	router.HandleFunc("/segment/{ref}/{rest:.*}", handlers.HandleSegment(proxyInstance)).Methods("GET")

	// Session management for the surrounding application
	router.HandleFunc("/sessions", handlers.HandleSessions(proxyInstance)).Methods("GET")
	router.HandleFunc("/sessions/{id}", handlers.HandleCloseSession(proxyInstance)).Methods("DELETE")

	// Status handler
	router.HandleFunc("/status", handlers.HandleStatus(proxyInstance)).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// compress manifests and JSON for clients that accept it
	handler := middleware.Compression(router)

	// show info
	logger.Info("Starting VidGate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Adapters: %d", len(cfg.Adapters))
	logger.Info("  - Cache Budget: %d MB", cfg.CacheBudgetMB)
	logger.Info("  - Cache TTL: %s", cfg.CacheTTL)
	logger.Info("  - Session TTL: %s", cfg.SessionTTL)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	// shut down cleanly on SIGINT/SIGTERM
	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error: %v", err)
		}
		proxyInstance.Stop()
		close(done)
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	<-done

}
