package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auditflow/api"
	"auditflow/attestation"
	"auditflow/audittrail"
	"auditflow/auth"
	"auditflow/client"
	"auditflow/config"
	"auditflow/db"
	"auditflow/engagement"
	"auditflow/policy"
	"auditflow/reviewnote"
	"auditflow/waiver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("load config %s: %v", path, err)
		}
		cfg = loaded
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	registry := policy.NewRegistry()
	if err := config.RegisterCustomPolicies(registry, cfg); err != nil {
		log.Fatalf("register custom policies: %v", err)
	}
	registry.Freeze()

	engine := policy.NewEngine(registry, policy.NewPGSnapshotSource(registry), policy.NewPGResultStore()).
		WithTimeout(cfg.EvaluationTimeout())

	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)
	authz := auth.NewAuthorizer(pool)
	recorder := audittrail.NewRecorder()

	server := api.NewServer(api.Services{
		Pool:         pool,
		Auth:         authSvc,
		Clients:      client.NewService(client.NewRepository(pool)),
		Engagements:  engagement.NewCRUDService(pool),
		Status:       engagement.NewStatusService(pool, nil, engine, registry, authz, recorder),
		Waivers:      waiver.NewService(pool, nil, registry, authz, recorder),
		Attestations: attestation.NewService(pool, nil, registry, authz, authSvc, recorder),
		Notes:        reviewnote.NewService(pool, authz),
		Trail:        audittrail.NewService(pool),
	})

	addr := cfg.Server.ListenAddr
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		addr = env
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
