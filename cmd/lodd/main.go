package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lodcraft.ai/internal/lod/engine"
	"lodcraft.ai/internal/lod/tuning"
	"lodcraft.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/lod.yaml", "path to lod.yaml (empty for defaults)")
		dataDir    = flag.String("data", "", "storage directory (overrides storage.dir)")
		backend    = flag.String("backend", "", "storage backend: memory|file|sqlite (overrides storage.backend)")
		dim        = flag.String("dim", "", "dimension id (overrides dimension_id)")
		renderDist = flag.Int("render_distance", 0, "render distance in blocks (overrides render_distance)")
		mode       = flag.String("mode", "", "max generation mode (overrides generation.mode)")
		workers    = flag.Int("workers", 0, "generation worker threads (overrides generation.worker_threads)")
		playerX    = flag.Float64("player_x", 0, "initial player block x")
		playerZ    = flag.Float64("player_z", 0, "initial player block z")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[lodd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := tuning.Load(strings.TrimSpace(*configPath))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg = tuning.Defaults()
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Storage.Dir = *dataDir
			cfg.Events.Dir = *dataDir
		case "backend":
			cfg.Storage.Backend = *backend
		case "dim":
			cfg.DimensionID = *dim
		case "render_distance":
			cfg.RenderDistance = *renderDist
		case "mode":
			cfg.Generation.Mode = *mode
		case "workers":
			cfg.Generation.WorkerThreads = *workers
		}
	})
	cfg.Storage.Mirror.AccessKeyID = strings.TrimSpace(os.Getenv("LOD_MIRROR_ACCESS_KEY_ID"))
	cfg.Storage.Mirror.SecretAccessKey = strings.TrimSpace(os.Getenv("LOD_MIRROR_SECRET_ACCESS_KEY"))
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, err := engine.New(ctx, engine.Options{
		Config:  cfg,
		Logger:  log.New(os.Stdout, "[lod] ", log.LstdFlags|log.Lmicroseconds),
		PlayerX: *playerX,
		PlayerZ: *playerZ,
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	interval := time.Duration(envInt("LOD_OBSERVER_INTERVAL_MS", 1000)) * time.Millisecond
	obs := observer.NewServer(eng, interval, log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))

	mux := newMux(eng, obs, muxOptions{
		Admin: envBool("LOD_ENABLE_ADMIN_HTTP", true),
		Pprof: envBool("LOD_ENABLE_PPROF_HTTP", false),
	}, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s dim=%s backend=%s", *addr, cfg.DimensionID, cfg.Storage.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	<-runDone
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := eng.Close(closeCtx); err != nil {
		logger.Printf("engine close: %v", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
