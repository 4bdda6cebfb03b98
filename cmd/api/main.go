package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/httpapi"
	"stocktrail.org/internal/obs"
	"stocktrail.org/internal/store/pg"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("STOCKTRAIL_PG_DSN")
	if dsn == "" {
		log.Fatal("missing STOCKTRAIL_PG_DSN")
	}
	secret := os.Getenv("STOCKTRAIL_TOKEN_SECRET")
	if secret == "" {
		log.Fatal("missing STOCKTRAIL_TOKEN_SECRET")
	}
	addr := os.Getenv("STOCKTRAIL_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	recorder := audit.NewRecorder(store.Audit())

	// The capability service and the anomaly engine reference each other: the
	// engine auto-suspends through the service, the service pings the engine
	// after high-risk grants. The closure breaks the construction cycle.
	var engine *anomaly.Engine
	svc, err := authz.NewService(store, recorder, authz.WithHighRiskHook(func(userID string) {
		if engine != nil {
			go engine.ScanUser(context.Background(), userID)
		}
	}))
	if err != nil {
		log.Fatalf("init capability service: %v", err)
	}
	engine, err = anomaly.NewEngine(store, recorder, store.Alerts(), svc)
	if err != nil {
		log.Fatalf("init anomaly engine: %v", err)
	}

	issuer, err := authz.NewIssuer(store, secret, "stocktrail")
	if err != nil {
		log.Fatalf("init token issuer: %v", err)
	}
	cascade, err := authz.NewCascade(store, recorder)
	if err != nil {
		log.Fatalf("init cascade: %v", err)
	}
	statusCache := authz.NewStatusCache(store.Organizations())

	api := httpapi.New(httpapi.Config{
		Version:     version,
		ReadyProbe:  httpapi.ReadyProbe{DB: store.DB()},
		Issuer:      issuer,
		Service:     svc,
		Cascade:     cascade,
		StatusCache: statusCache,
		Recorder:    recorder,
		Alerts:      store.Alerts(),
		Engine:      engine,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopEngine := context.WithCancel(context.Background())
	go engine.Run(runCtx)

	log.Printf("Starting stocktrail-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopEngine()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
