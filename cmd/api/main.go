package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medrec.org/internal/auth"
	"medrec.org/internal/directory"
	"medrec.org/internal/grant"
	"medrec.org/internal/httpapi"
	"medrec.org/internal/kv"
	"medrec.org/internal/notify"
	"medrec.org/internal/obs"
	"medrec.org/internal/stepup"
)

var version = "0.3.1"

const grantSweepInterval = time.Minute

var commit = "unknown"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	signingSecret := os.Getenv("MEDREC_AUTH_SECRET")
	if signingSecret == "" {
		log.Fatal("MEDREC_AUTH_SECRET is required")
	}

	var db *sql.DB
	if dsn := os.Getenv("MEDREC_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	store := kv.NewMemory()
	defer store.Close()

	var (
		dir        auth.Directory
		stepStore  stepup.Store
		grantStore grant.Store
	)
	if db != nil {
		pg := directory.NewPG(db)
		dir, stepStore = pg, pg
		grantStore = grant.NewPGStore(db)
	} else {
		// In-memory stores for local development without Postgres.
		mem := directory.NewMemory()
		dir, stepStore = mem, mem
		grantStore = grant.NewInMemory()
		log.Println("MEDREC_PG_DSN not set, using in-memory stores")
	}

	tokenOpts := []auth.ManagerOption{auth.WithIssuer("medrec")}
	if raw := os.Getenv("MEDREC_TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse MEDREC_TOKEN_TTL: %v", err)
		}
		tokenOpts = append(tokenOpts, auth.WithTokenTTL(ttl))
	}
	tokens, err := auth.NewManager(store, []byte(signingSecret), tokenOpts...)
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}

	stream := notify.NewStream()
	grants := grant.NewService(grantStore, notify.NewRouter(stream))

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, httpapi.Deps{
		Verifier: auth.NewVerifier(dir),
		Tokens:   tokens,
		StepUp:   stepup.NewService(stepStore, store, stepup.WithIssuer("medrec")),
		Grants:   grants,
		Stream:   stream,
	})

	addr := os.Getenv("MEDREC_ADDR")
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

	// gRPC health endpoint
	grpcAddr := os.Getenv("MEDREC_GRPC_ADDR")
	if grpcAddr == "" {
		grpcAddr = ":9090"
	}
	grpcSrv, stopHealth := httpapi.NewGRPCServer(httpapi.ReadyProbe{DB: db})
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("listen grpc: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()

	// Background sweep marks overrun grants expired so history reads stay
	// cheap even if nobody touches a grant after its deadline.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(grantSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := grants.SweepExpired(sweepCtx); err != nil {
					log.Printf("grant sweep: %v", err)
				} else if n > 0 {
					log.Printf("grant sweep: expired %d", n)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	log.Printf("Starting medrec-api %s on %s (grpc %s)", version, srv.Addr, grpcAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	cancelSweep()
	stopHealth()
	grpcSrv.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
