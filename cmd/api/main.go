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

	"fintrail.org/internal/audit"
	"fintrail.org/internal/authz"
	"fintrail.org/internal/httpapi"
	"fintrail.org/internal/identity"
	"fintrail.org/internal/ledger"
	"fintrail.org/internal/obs"
	"fintrail.org/internal/report"
	"fintrail.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		ledgerSvc     ledger.Service
		identityStore identity.Store
		trail         audit.Trail
		ready         httpapi.ReadyProbe
		pgStore       *pg.Store
	)

	if dsn := os.Getenv("FINTRAIL_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		ledgerSvc = pgStore
		identityStore = pgStore
		trail = pgStore
		ready = httpapi.ReadyProbe{Ping: pgStore.DB().PingContext}
	} else {
		log.Print("FINTRAIL_PG_DSN not set, running with in-memory state")
		ledgerSvc = ledger.NewInMemory()
		identityStore = identity.NewMemoryStore()
		trail = audit.NewInMemory()
	}

	users, err := identity.NewService(identityStore)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}
	seedAdmin(users)

	engine := authz.NewEngine(users, trail)
	projector := report.NewProjector(ledgerSvc)

	api := httpapi.New(httpapi.Config{
		Ledger:    ledgerSvc,
		Users:     users,
		Engine:    engine,
		Projector: projector,
		Trail:     trail,
		Onboarder: ledger.NewOnboarder(ledgerSvc, users),
		Ready:     ready,
		Version:   version,
	})

	addr := os.Getenv("FINTRAIL_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fintrail-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

// seedAdmin creates the bootstrap admin account when credentials are supplied
// and the account does not exist yet.
func seedAdmin(users *identity.Service) {
	email := os.Getenv("FINTRAIL_ADMIN_EMAIL")
	password := os.Getenv("FINTRAIL_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := users.CreateUser(ctx, "admin", email, password, authz.RoleAdmin, ""); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return
		}
		log.Fatalf("seed admin: %v", err)
	}
	log.Printf("seeded admin account %s", email)
}
