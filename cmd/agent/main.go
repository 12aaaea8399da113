package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/httpapi"
	"kasirinaja/terminal/internal/localstore"
	"kasirinaja/terminal/internal/localstore/memory"
	pgstore "kasirinaja/terminal/internal/localstore/postgres"
	"kasirinaja/terminal/internal/localstore/sqlite"
	"kasirinaja/terminal/internal/push"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/service"
)

func main() {
	cfg := config.Load()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("agent stopped: %v", err)
	}
	log.Println("agent stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := openStore(openCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close error: %v", err)
		}
	}()
	if err := seedStaff(ctx, store); err != nil {
		return err
	}

	client := remote.New(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout)
	defer client.CloseIdleConnections()

	source, err := push.New(push.Options{
		Driver:        cfg.PushDriver,
		URL:           cfg.PushURL,
		Token:         cfg.BackendToken,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		AMQPURL:       cfg.AMQPURL,
		TerminalID:    cfg.TerminalID,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Printf("close error: %v", err)
		}
	}()
	log.Printf("push: %s", pushLabel(cfg.PushDriver))

	monitor := connectivity.New(client, connectivity.Options{ProbeInterval: cfg.ProbeInterval})
	svc := service.New(store, client, monitor, source, service.Options{
		TerminalID:       cfg.TerminalID,
		HeldFastInterval: cfg.HeldFastInterval,
		HeldSlowInterval: cfg.HeldSlowInterval,
		SyncPollInterval: cfg.SyncPollInterval,
		CatalogPageSize:  cfg.CatalogPageSize,
		ReplayRate:       cfg.ReplayRate,
		ReplayBurst:      cfg.ReplayBurst,
	})
	defer svc.Close()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, store)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("terminal agent %s listening on %s (backend %s)", cfg.TerminalID, cfg.Address(), cfg.BackendURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (localstore.Store, error) {
	switch cfg.LocalStore {
	case config.StoreMemory:
		log.Println("local store: in-memory (data is lost on restart)")
		return memory.NewSeeded(), nil
	case config.StorePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		log.Println("local store: postgres")
		return pg, nil
	default:
		db, err := sqlite.New(ctx, cfg.LocalDBPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite unavailable at %s: %w", cfg.LocalDBPath, err)
		}
		log.Printf("local store: sqlite (%s)", cfg.LocalDBPath)
		return db, nil
	}
}

// seedStaff creates the first supervisor on an empty persistent store from
// SEED_SUPERVISOR_PASSWORD.
func seedStaff(ctx context.Context, store localstore.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list staff: %w", err)
	}
	if len(users) > 0 {
		return nil
	}
	password := strings.TrimSpace(os.Getenv("SEED_SUPERVISOR_PASSWORD"))
	if password == "" {
		log.Println("WARNING: no staff accounts and SEED_SUPERVISOR_PASSWORD is unset; nobody can log in")
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}
	err = store.CreateUser(ctx, domain.StaffAccount{
		Username:  "supervisor",
		Password:  string(hash),
		Role:      httpapi.RoleSupervisor,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("seed supervisor: %w", err)
	}
	log.Println("seeded supervisor account")
	return nil
}

func pushLabel(driver string) string {
	if strings.TrimSpace(driver) == "" {
		return push.DriverNone
	}
	return driver
}

func validateConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL must be set")
	}
	if strings.TrimSpace(cfg.TerminalID) == "" {
		return fmt.Errorf("TERMINAL_ID must be set")
	}
	switch cfg.LocalStore {
	case config.StoreMemory, config.StoreSQLite:
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("LOCAL_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown LOCAL_STORE %q", cfg.LocalStore)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
