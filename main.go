package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"streamgate/api"
	"streamgate/config"
	"streamgate/handlers"
	"streamgate/internal/supervisor"
	"streamgate/services/aggregate"
	"streamgate/services/cache"
	"streamgate/services/extractors"
	"streamgate/services/fetch"
	"streamgate/services/metadata"
	"streamgate/services/probe"
	"streamgate/services/resolver"
	"streamgate/services/solver"
	"streamgate/utils"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	configPath := os.Getenv("STREAMGATE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("logging to file: %s", settings.Log.File)
		}
	}

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	store, err := cache.OpenStore(settings.Database.Path)
	if err != nil {
		log.Fatalf("failed to open cache store at %s: %v", settings.Database.Path, err)
	}
	fabric := cache.NewFabric(store, settings.Cache.MaxEntriesPerNS)
	defer fabric.Close()

	fetcher := fetch.NewClient(fetch.Config{
		Timeout:      settings.Fetch.Timeout(),
		Retries:      settings.Fetch.Retries,
		MaxBodyBytes: settings.Fetch.BodyCap(),
		ProxyURL:     settings.Fetch.ProxyURL,
	})
	solverClient := solver.NewClient(settings.Solver.URL, fabric, settings.Solver.SessionTTL(), settings.Solver.CookieTTL())
	if solverClient.Configured() {
		log.Printf("[main] challenge solver at %s", settings.Solver.URL)
	}

	metaService := metadata.NewService(
		settings.Metadata.URL,
		fetcher,
		fabric,
		settings.Cache.MetadataTTL(),
		time.Duration(settings.Metadata.TimeoutSec)*time.Second,
	)

	registry := extractors.NewRegistry()
	aggService := aggregate.NewService(settings, fetcher, solverClient, fabric, metaService, registry)
	resolverService := resolver.NewService(
		fetcher,
		solverClient,
		probe.NewProber(nil),
		fabric,
		registry,
		settings.Cache.ResolveTTL(),
	)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}

	workers := supervisor.WorkerCount(settings.Supervisor)
	sup := supervisor.New(listener, workers, func(workerID int) http.Handler {
		r := utils.NewRouter()
		api.Register(r,
			handlers.NewStreamsHandler(aggService, settings.Server.BaseURL),
			handlers.NewResolveHandler(resolverService, fetcher, settings.Server.BaseURL),
			handlers.NewHealthHandler(workerID, fabric),
		)
		return r
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Printf("[main] received %s, draining", sig)
		sup.Stop()
	}()

	log.Printf("[main] streamgate listening on %s with %d worker(s)", addr, workers)
	if err := sup.Run(); err != nil {
		log.Fatalf("supervisor exited: %v", err)
	}
	fabric.WaitRefreshes()
	log.Printf("[main] shutdown complete")
}
